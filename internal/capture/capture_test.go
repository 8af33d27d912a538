package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestDevice_ExclusiveLease(t *testing.T) {
	d := NewDevice()

	if err := d.Acquire("mask-check"); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	if err := d.Acquire("recognition"); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}

	if err := d.Acquire("mask-check"); err != nil {
		t.Errorf("re-acquire by owner should succeed, got %v", err)
	}

	if d.Release("recognition") {
		t.Error("non-owner must not release the device")
	}

	if !d.Release("mask-check") {
		t.Error("owner release should succeed")
	}

	if err := d.Acquire("recognition"); err != nil {
		t.Errorf("expected hand-off to succeed, got %v", err)
	}

	if d.Owner() != "recognition" {
		t.Errorf("expected owner 'recognition', got '%s'", d.Owner())
	}
}

func TestDevice_CaptureConsumesFrame(t *testing.T) {
	d := NewDevice()
	d.Put([]byte("frame-1"))

	if _, err := d.Capture("recognition"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner before acquiring, got %v", err)
	}

	d.Acquire("recognition")

	frame, err := d.Capture("recognition")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if string(frame) != "frame-1" {
		t.Errorf("expected 'frame-1', got '%s'", frame)
	}

	frame, err = d.Capture("recognition")
	if err != nil {
		t.Fatalf("second Capture failed: %v", err)
	}
	if len(frame) != 0 {
		t.Errorf("expected empty capture after frame was used, got %d bytes", len(frame))
	}
}

func TestDevice_ReleaseAll(t *testing.T) {
	d := NewDevice()
	d.Acquire("recognition")
	d.Put([]byte("frame"))

	d.ReleaseAll()

	if d.Owner() != "" {
		t.Errorf("expected no owner, got '%s'", d.Owner())
	}
	d.Acquire("mask-check")
	frame, _ := d.Capture("mask-check")
	if frame != nil {
		t.Error("expected buffered frame to be dropped")
	}
}

func TestDecodeFrame_DataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	data, err := DecodeFrame("data:image/jpeg;base64," + payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("expected decoded payload, got '%s'", data)
	}
}

func TestDecodeFrame_Bare(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	data, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("expected decoded payload, got '%s'", data)
	}
}

func TestDecodeFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		empty bool
	}{
		{"empty", "", true},
		{"header only", "data:image/jpeg;base64,", true},
		{"no comma", "data:image/jpeg;base64", false},
		{"bad base64", "!!!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrEmptyFrame) != tt.empty {
				t.Errorf("expected ErrEmptyFrame=%v, got %v", tt.empty, err)
			}
		})
	}
}

func TestNormalizeFrame_Downscales(t *testing.T) {
	data := testPNG(t, 400, 200)

	out, err := NormalizeFrame(data, 100)
	if err != nil {
		t.Fatalf("NormalizeFrame failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("expected JPEG output: %v", err)
	}
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 50 {
		t.Errorf("expected 100x50, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestNormalizeFrame_KeepsSmallFrames(t *testing.T) {
	data := testPNG(t, 40, 60)

	out, err := NormalizeFrame(data, 100)
	if err != nil {
		t.Fatalf("NormalizeFrame failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("expected JPEG output: %v", err)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 60 {
		t.Errorf("expected 40x60, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestNormalizeFrame_NotAnImage(t *testing.T) {
	if _, err := NormalizeFrame([]byte("not an image"), 100); err == nil {
		t.Error("expected decode error")
	}
}

func TestEncodeFrame_RoundTrip(t *testing.T) {
	encoded := EncodeFrame([]byte{0xFF, 0xD8, 0xFF})

	data, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0xFF, 0xD8, 0xFF}) {
		t.Errorf("unexpected bytes %v", data)
	}
}

// Package capture owns the kiosk camera feed: the latest uploaded frame and the
// exclusive lease that decides which component may read it.
package capture

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrDeviceBusy is returned when another component holds the device.
	ErrDeviceBusy = errors.New("capture device is held by another component")
	// ErrNotOwner is returned when a component reads without holding the device.
	ErrNotOwner = errors.New("capture device is not held by caller")
)

// Device is the camera of one kiosk session.
type Device struct {
	mu      sync.Mutex
	owner   string
	latest  []byte
	updated time.Time
}

// NewDevice creates an idle device with no frame
func NewDevice() *Device {
	return &Device{}
}

// Acquire grants the device to owner. Re-acquiring by the current owner is a no-op.
func (d *Device) Acquire(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != "" && d.owner != owner {
		return ErrDeviceBusy
	}
	d.owner = owner
	return nil
}

// Release frees the device if owner holds it and reports whether it did.
func (d *Device) Release(owner string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != owner {
		return false
	}
	d.owner = ""
	return true
}

// ReleaseAll frees the device whoever holds it and drops the buffered frame.
func (d *Device) ReleaseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owner = ""
	d.latest = nil
}

// Owner returns the current holder, empty when idle.
func (d *Device) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

// Put replaces the buffered frame. Older frames are discarded.
func (d *Device) Put(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest = frame
	d.updated = time.Now()
}

// Capture hands the buffered frame to owner and empties the buffer, so every
// frame is used by at most one attempt. An empty result means no fresh frame.
func (d *Device) Capture(owner string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner == "" || d.owner != owner {
		return nil, ErrNotOwner
	}
	frame := d.latest
	d.latest = nil
	return frame, nil
}

// LastUpdate returns when the last frame arrived.
func (d *Device) LastUpdate() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updated
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/capture"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
	"github.com/kozaktomas/polling-kiosk/internal/identity"
	"github.com/kozaktomas/polling-kiosk/internal/perception"
	"github.com/kozaktomas/polling-kiosk/internal/verification"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const selftestFrameInterval = 500 * time.Millisecond

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run one verification session without a kiosk",
	Long: `Run one verification session from the command line so polling staff can
check a station before voting opens. The perception service must be running
and see the person in front of its camera; the given image stands in for the
kiosk camera frames sent to recognition.

The admit token of a successful run is never submitted.`,
	RunE: runSelftest,
}

func init() {
	rootCmd.AddCommand(selftestCmd)

	selftestCmd.Flags().String("image", "", "Image file used as camera frame (required)")
	selftestCmd.Flags().String("locale", "en", "Locale of the printed voter messages")
	selftestCmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	_ = selftestCmd.MarkFlagRequired("image")
}

func runSelftest(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	imagePath := mustGetString(cmd, "image")
	locale := mustGetString(cmd, "locale")
	timeout := mustGetDuration(cmd, "timeout")

	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	frame, err := capture.NormalizeFrame(raw, constants.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("image is not usable as a camera frame: %w", err)
	}

	// Self-test tokens never reach the shared ledger.
	signer, err := ballot.NewSigner("", cfg.Ballot.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token signer: %w", err)
	}
	handoff := ballot.NewHandoff(signer, ballot.Options{ElectionID: "selftest"})

	device := capture.NewDevice()
	ctrl := verification.NewController(uuid.NewString(), locale, verificationConfig(cfg), verification.Deps{
		Opener:     perception.NewDialer(cfg.Perception.DialTimeout),
		Recognizer: identity.NewClient(cfg.Identity.URL),
		Tokens:     handoff,
		Device:     device,
		Messages:   &cfg.Messages,
	})
	defer ctrl.Close()

	notices, err := ctrl.Subscribe()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	go feedFrames(ctx, device, frame, ctrl.Done())

	fmt.Printf("Self-test session %s\n", ctrl.ID())
	fmt.Printf("Perception: %s\n", cfg.Perception.URL)
	ctrl.Start()

	state, err := watchSelftest(ctx, notices, cfg.Verification.MaxAttempts)
	if err != nil {
		return err
	}
	if state != verification.StateSuccess {
		return fmt.Errorf("self-test ended in %s", state)
	}
	fmt.Println("Self-test passed, admit token issued and discarded")
	return nil
}

// feedFrames keeps the camera buffer filled, since every attempt consumes its frame.
func feedFrames(ctx context.Context, device *capture.Device, frame []byte, done <-chan struct{}) {
	ticker := time.NewTicker(selftestFrameInterval)
	defer ticker.Stop()
	for {
		device.Put(frame)
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// watchSelftest prints notices until the session resolves.
func watchSelftest(ctx context.Context, notices <-chan verification.Notice, maxAttempts int) (verification.State, error) {
	var bar *progressbar.ProgressBar
	defer func() {
		if bar != nil {
			_ = bar.Finish()
			fmt.Println()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return "", errors.New("self-test timed out")
		case n, ok := <-notices:
			if !ok {
				return "", errors.New("session ended without a result")
			}
			switch n.Type {
			case verification.NoticeState:
				fmt.Printf("State: %s\n", n.State)
			case verification.NoticeMonitor:
				fmt.Printf("Security monitor: %s\n", n.Monitor)
			case verification.NoticeMaskReminder:
				fmt.Printf("Reminder: %s\n", n.Message)
			case verification.NoticeProgress:
				if bar == nil {
					bar = progressbar.NewOptions(maxAttempts,
						progressbar.OptionSetDescription("Recognizing"),
						progressbar.OptionShowCount(),
						progressbar.OptionSetItsString("attempts"),
						progressbar.OptionShowElapsedTimeOnFinish(),
						progressbar.OptionFullWidth(),
					)
				}
				_ = bar.Set(n.Attempt)
			case verification.NoticeTerminal:
				if bar != nil {
					_ = bar.Finish()
					bar = nil
					fmt.Println()
				}
				fmt.Printf("Result: %s (%s)\n", n.State, n.Message)
				return n.State, nil
			}
		}
	}
}

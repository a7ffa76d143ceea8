package input

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/simglass/backend/internal/device"
)

// IDB executes input through the idb CLI. It handles every command kind and
// sits first in the canonical chain order.
type IDB struct {
	binary  string
	timeout time.Duration
}

func NewIDB(binary string, timeout time.Duration) *IDB {
	if binary == "" {
		binary = "idb"
	}
	return &IDB{binary: binary, timeout: timeout}
}

func (s *IDB) Name() string { return "idb" }

// Probe checks that the idb binary is on PATH. No device round trip.
func (s *IDB) Probe(ctx context.Context, dev device.Device, cmd Command) bool {
	_, err := exec.LookPath(s.binary)
	return err == nil
}

func (s *IDB) Apply(ctx context.Context, dev device.Device, cmd Command) error {
	switch cmd.Kind {
	case KindTap:
		return s.run(ctx, "ui", "tap", "--udid", dev.UDID, coord(cmd.X), coord(cmd.Y))
	case KindSwipe:
		secs := strconv.FormatFloat(cmd.Duration.Seconds(), 'f', -1, 64)
		return s.run(ctx, "ui", "swipe", "--udid", dev.UDID, "--duration", secs,
			coord(cmd.X), coord(cmd.Y), coord(cmd.EndX), coord(cmd.EndY))
	case KindText:
		err := s.run(ctx, "ui", "text", "--udid", dev.UDID, cmd.Text)
		if err != nil && mentionsMissingFocus(err.Error()) {
			return fmt.Errorf("%w: %v", ErrNoFocusedInput, err)
		}
		return err
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
}

func (s *IDB) run(ctx context.Context, args ...string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return device.ErrTimeout
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return errors.New(msg)
	}
	return nil
}

func coord(v float64) string {
	return strconv.Itoa(int(math.Round(v)))
}

// mentionsMissingFocus recognizes the backend's complaint that no editable
// element has keyboard focus.
func mentionsMissingFocus(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no focus") ||
		strings.Contains(lower, "not focused") ||
		strings.Contains(lower, "keyboard is not")
}

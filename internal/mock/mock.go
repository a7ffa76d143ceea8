// Package mock provides an in-memory registry and capturer so the whole
// control plane can run without CoreSimulator tooling (-mock flag).
package mock

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"sync"

	"github.com/simglass/backend/internal/device"
	"github.com/simglass/backend/internal/input"
)

// Registry is a fixed two-device registry. One device starts Booted so a
// bare connect succeeds without a boot wait; Boot flips the other instantly.
type Registry struct {
	mu      sync.Mutex
	devices []device.Device
}

func NewRegistry() *Registry {
	return &Registry{
		devices: []device.Device{
			{
				UDID:    "MOCK-0000-0000-0001",
				Name:    "iPhone 15 (mock)",
				Runtime: "iOS 17.2",
				State:   device.Booted,
				Surface: device.Surface{Width: 393, Height: 852},
			},
			{
				UDID:    "MOCK-0000-0000-0002",
				Name:    "iPad Pro (mock)",
				Runtime: "iOS 17.2",
				State:   device.Shutdown,
				Surface: device.Surface{Width: 1024, Height: 1366},
			},
		},
	}
}

func (r *Registry) List(ctx context.Context) ([]device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Device, len(r.devices))
	copy(out, r.devices)
	return out, nil
}

func (r *Registry) Boot(ctx context.Context, udid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].UDID == udid {
			r.devices[i].State = device.Booted
			return nil
		}
	}
	return fmt.Errorf("unknown device %s", udid)
}

// Capturer renders a moving gradient so streamed frames visibly change.
type Capturer struct {
	mu   sync.Mutex
	tick uint8
}

func NewCapturer() *Capturer {
	return &Capturer{}
}

func (c *Capturer) Screenshot(ctx context.Context, udid string) ([]byte, error) {
	c.mu.Lock()
	c.tick += 8
	phase := c.tick
	c.mu.Unlock()

	const w, h = 196, 426
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + phase,
				G: uint8(y),
				B: phase,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Strategy accepts every command and records the last one, standing in for
// the real injection backends.
type Strategy struct {
	mu   sync.Mutex
	last string
}

func NewStrategy() *Strategy {
	return &Strategy{}
}

func (s *Strategy) Name() string { return "mock" }

func (s *Strategy) Probe(ctx context.Context, dev device.Device, cmd input.Command) bool {
	return true
}

func (s *Strategy) Apply(ctx context.Context, dev device.Device, cmd input.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = fmt.Sprintf("%s (%.0f, %.0f)", cmd.Kind, cmd.X, cmd.Y)
	log.Printf("mock input: %s against %s", s.last, dev.UDID)
	return nil
}

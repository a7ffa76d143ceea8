package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ErrTimeout reports a device-control call that exceeded its deadline.
var ErrTimeout = errors.New("device call timed out")

// Simctl talks to the CoreSimulator registry through the simctl CLI. It is
// the discovery/boot and screen-capture collaborator; every call is bounded
// by the configured command timeout.
type Simctl struct {
	binary   string
	timeout  time.Duration
	surfaces map[string]Surface // name-prefix overrides
}

func NewSimctl(binary string, timeout time.Duration, surfaces map[string]Surface) *Simctl {
	if binary == "" {
		binary = "xcrun"
	}
	return &Simctl{binary: binary, timeout: timeout, surfaces: surfaces}
}

type simctlDevice struct {
	UDID        string `json:"udid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

type simctlList struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

// List returns all available devices known to the registry, booted devices
// first so callers preferring an already-running device can take the head.
func (s *Simctl) List(ctx context.Context) ([]Device, error) {
	out, err := s.run(ctx, "simctl", "list", "devices", "--json")
	if err != nil {
		return nil, fmt.Errorf("simctl list: %w", err)
	}
	return s.parseList(out)
}

func (s *Simctl) parseList(out []byte) ([]Device, error) {
	var parsed simctlList
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("simctl list: parsing output: %w", err)
	}

	var devices []Device
	for runtime, entries := range parsed.Devices {
		for _, e := range entries {
			if !e.IsAvailable {
				continue
			}
			devices = append(devices, Device{
				UDID:    e.UDID,
				Name:    e.Name,
				Runtime: runtimeName(runtime),
				State:   parseState(e.State),
				Surface: s.surfaceFor(e.Name),
			})
		}
	}

	sort.SliceStable(devices, func(i, j int) bool {
		if (devices[i].State == Booted) != (devices[j].State == Booted) {
			return devices[i].State == Booted
		}
		return devices[i].Name < devices[j].Name
	})
	return devices, nil
}

// Boot requests boot of the given device. Booting an already-booted device
// is not an error.
func (s *Simctl) Boot(ctx context.Context, udid string) error {
	_, err := s.run(ctx, "simctl", "boot", udid)
	if err != nil && strings.Contains(err.Error(), "current state: Booted") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("simctl boot %s: %w", udid, err)
	}
	return nil
}

// Screenshot captures one still JPEG of the device's screen.
func (s *Simctl) Screenshot(ctx context.Context, udid string) ([]byte, error) {
	out, err := s.run(ctx, "simctl", "io", udid, "screenshot", "--type=jpeg", "-")
	if err != nil {
		return nil, fmt.Errorf("simctl screenshot %s: %w", udid, err)
	}
	return out, nil
}

func (s *Simctl) run(ctx context.Context, args ...string) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.New(msg)
	}
	return stdout.Bytes(), nil
}

func parseState(raw string) State {
	switch strings.ToLower(raw) {
	case "shutdown":
		return Shutdown
	case "booting":
		return Booting
	case "booted":
		return Booted
	default:
		return Unknown
	}
}

// runtimeName turns a runtime identifier like
// "com.apple.CoreSimulator.SimRuntime.iOS-17-2" into "iOS 17.2".
func runtimeName(id string) string {
	const prefix = "com.apple.CoreSimulator.SimRuntime."
	name := strings.TrimPrefix(id, prefix)
	if i := strings.IndexByte(name, '-'); i >= 0 {
		name = name[:i] + " " + strings.ReplaceAll(name[i+1:], "-", ".")
	}
	return name
}

// defaultSurfaces maps device name prefixes to logical point resolutions.
// simctl's listing does not report resolution, so this table plus config
// overrides is the source for the device surface.
var defaultSurfaces = []struct {
	prefix  string
	surface Surface
}{
	{"iPhone 15 Pro Max", Surface{430, 932}},
	{"iPhone 15 Pro", Surface{393, 852}},
	{"iPhone 15 Plus", Surface{430, 932}},
	{"iPhone 15", Surface{393, 852}},
	{"iPhone 14", Surface{390, 844}},
	{"iPhone SE", Surface{375, 667}},
	{"iPad Pro", Surface{1024, 1366}},
	{"iPad", Surface{820, 1180}},
}

func (s *Simctl) surfaceFor(name string) Surface {
	for prefix, surf := range s.surfaces {
		if strings.HasPrefix(name, prefix) {
			return surf
		}
	}
	for _, entry := range defaultSurfaces {
		if strings.HasPrefix(name, entry.prefix) {
			return entry.surface
		}
	}
	return Surface{390, 844}
}

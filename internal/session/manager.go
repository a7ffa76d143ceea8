package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/simglass/backend/internal/device"
)

var (
	// ErrNotConnected reports an operation that requires a connected session.
	ErrNotConnected = errors.New("no device connected")

	// ErrNoDevicesAvailable reports a connect attempt with nothing to connect to.
	ErrNoDevicesAvailable = errors.New("no devices available")

	// ErrBootTimeout reports a device that did not reach Booted within the
	// confirmation period.
	ErrBootTimeout = errors.New("device boot timed out")
)

// Registry is the slice of the discovery/boot collaborator the manager needs.
type Registry interface {
	List(ctx context.Context) ([]device.Device, error)
	Boot(ctx context.Context, udid string) error
}

// Status is a snapshot of the session, safe to retain.
type Status struct {
	State  State          `json:"state"`
	Device *device.Device `json:"device,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// Manager owns the single device session and is the only component that
// mutates it. Long transitions (connect, disconnect) are serialized by opMu
// so concurrent requests queue rather than interleave; status reads never
// wait behind a pending transition.
type Manager struct {
	registry    Registry
	bootTimeout time.Duration
	bootPoll    time.Duration

	opMu sync.Mutex // serializes connect/disconnect end to end

	mu      sync.RWMutex // guards the snapshot fields below
	state   State
	current *device.Device
	lastErr error

	listeners    []func(Status)
	onDisconnect func() // cascade hook, stops any active stream
}

func NewManager(registry Registry, bootTimeout, bootPoll time.Duration) *Manager {
	if bootPoll <= 0 {
		bootPoll = time.Second
	}
	return &Manager{
		registry:    registry,
		bootTimeout: bootTimeout,
		bootPoll:    bootPoll,
		state:       Idle,
	}
}

// Subscribe registers a listener for session status transitions. Must be
// called before the manager is used.
func (m *Manager) Subscribe(fn func(Status)) {
	m.listeners = append(m.listeners, fn)
}

// SetDisconnectHook installs the cascade invoked while disconnecting, before
// the device reference is cleared. Must be called before the manager is used.
func (m *Manager) SetDisconnectHook(fn func()) {
	m.onDisconnect = fn
}

// Status returns the current session snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	st := Status{State: m.state}
	if m.current != nil {
		d := *m.current
		st.Device = &d
	}
	if m.lastErr != nil {
		st.Err = m.lastErr.Error()
	}
	return st
}

// CurrentDevice returns the connected device, or ErrNotConnected.
func (m *Manager) CurrentDevice() (device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Connected || m.current == nil {
		return device.Device{}, ErrNotConnected
	}
	return *m.current, nil
}

// Connect establishes the session. With an empty deviceID it prefers a
// device that is already Booted and only boots one when none is. Calling
// Connect while already connected is idempotent and issues no boot.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	already := m.state == Connected
	m.mu.RUnlock()
	if already {
		return nil
	}

	m.transition(Connecting, nil, false)

	dev, err := m.resolveDevice(ctx, deviceID)
	if err != nil {
		m.fail(err)
		return err
	}

	m.transition(Connected, &dev, true)
	log.Printf("session: connected to %s (%s)", dev.Name, dev.UDID)
	return nil
}

// Disconnect tears the session down. Disconnecting an idle session is a
// no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != Connected {
		return nil
	}

	m.teardown(nil)
	return nil
}

// ReconcileDevices reacts to a fresh registry listing: if the connected
// device is gone or no longer Booted, the session is forcibly torn down.
func (m *Manager) ReconcileDevices(devices []device.Device) {
	m.mu.RLock()
	connected := m.state == Connected
	var udid string
	if m.current != nil {
		udid = m.current.UDID
	}
	m.mu.RUnlock()
	if !connected {
		return
	}

	for _, d := range devices {
		if d.UDID == udid {
			if d.State == device.Booted {
				return
			}
			break
		}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.RLock()
	stillConnected := m.state == Connected && m.current != nil && m.current.UDID == udid
	m.mu.RUnlock()
	if !stillConnected {
		return
	}
	log.Printf("session: device %s lost, disconnecting", udid)
	m.teardown(fmt.Errorf("device %s is no longer booted", udid))
}

// teardown runs the Disconnecting path. Caller must hold opMu.
func (m *Manager) teardown(cause error) {
	m.transition(Disconnecting, nil, false)
	if m.onDisconnect != nil {
		m.onDisconnect()
	}
	if cause != nil {
		m.mu.Lock()
		m.lastErr = cause
		m.mu.Unlock()
		m.transition(Errored, nil, false)
		m.transition(Idle, nil, false)
		return
	}
	m.transition(Idle, nil, true)
}

// fail emits an Error status carrying the reason, then settles in Idle. The
// reason stays visible on the Idle status until the next successful connect.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.transition(Errored, nil, false)
	m.transition(Idle, nil, false)
}

// transition updates the snapshot and notifies listeners. clearErr resets
// the retained error (used when entering a clean state).
func (m *Manager) transition(state State, dev *device.Device, clearErr bool) {
	m.mu.Lock()
	m.state = state
	if dev != nil {
		m.current = dev
	}
	if state == Idle || state == Disconnecting {
		m.current = nil
	}
	if clearErr {
		m.lastErr = nil
	}
	status := m.statusLocked()
	listeners := m.listeners
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (m *Manager) resolveDevice(ctx context.Context, deviceID string) (device.Device, error) {
	devices, err := m.registry.List(ctx)
	if err != nil {
		return device.Device{}, fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		return device.Device{}, ErrNoDevicesAvailable
	}

	var target device.Device
	if deviceID != "" {
		found := false
		for _, d := range devices {
			if d.UDID == deviceID {
				target = d
				found = true
				break
			}
		}
		if !found {
			return device.Device{}, fmt.Errorf("%w: device %s not found", ErrNoDevicesAvailable, deviceID)
		}
	} else {
		// Prefer a device that is already running.
		target = devices[0]
		for _, d := range devices {
			if d.State == device.Booted {
				target = d
				break
			}
		}
	}

	if target.State == device.Booted {
		return target, nil
	}

	log.Printf("session: booting %s (%s)", target.Name, target.UDID)
	if err := m.registry.Boot(ctx, target.UDID); err != nil {
		return device.Device{}, fmt.Errorf("booting %s: %w", target.UDID, err)
	}
	return m.awaitBoot(ctx, target.UDID)
}

// awaitBoot polls the registry until the device reports Booted or the
// confirmation period elapses.
func (m *Manager) awaitBoot(ctx context.Context, udid string) (device.Device, error) {
	deadline := time.Now().Add(m.bootTimeout)
	ticker := time.NewTicker(m.bootPoll)
	defer ticker.Stop()

	for {
		devices, err := m.registry.List(ctx)
		if err == nil {
			for _, d := range devices {
				if d.UDID == udid && d.State == device.Booted {
					return d, nil
				}
			}
		}

		if time.Now().After(deadline) {
			return device.Device{}, fmt.Errorf("%w: %s not booted after %s", ErrBootTimeout, udid, m.bootTimeout)
		}
		select {
		case <-ctx.Done():
			return device.Device{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

package device

import (
	"context"
	"log"
	"sync"
	"time"
)

// Lister is the slice of the registry the watcher needs.
type Lister interface {
	List(ctx context.Context) ([]Device, error)
}

// HealthStatus summarizes registry reachability.
type HealthStatus string

const (
	StatusHealthy HealthStatus = "healthy"
	StatusFailed  HealthStatus = "failed"
)

type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastPollAt          time.Time    `json:"lastPollAt"`
}

// Watcher polls the registry on a fixed interval, caches the last good
// listing, and notifies subscribers when any device appears, disappears, or
// changes state. It is the only component that calls List on a timer; other
// readers take the cached copy.
type Watcher struct {
	lister           Lister
	interval         time.Duration
	failureThreshold int

	mu        sync.RWMutex
	devices   []Device
	polled    bool
	failures  int
	lastErr   string
	lastPoll  time.Time
	listeners []func([]Device)
}

func NewWatcher(lister Lister, interval time.Duration, failureThreshold int) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Watcher{
		lister:           lister,
		interval:         interval,
		failureThreshold: failureThreshold,
	}
}

// Subscribe registers a listener for device-list changes. Must be called
// before Start; listeners receive a private copy of the list.
func (w *Watcher) Subscribe(fn func([]Device)) {
	w.listeners = append(w.listeners, fn)
}

// Devices returns a copy of the most recent good listing.
func (w *Watcher) Devices() []Device {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Device, len(w.devices))
	copy(out, w.devices)
	return out
}

func (w *Watcher) Health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h := Health{
		Status:              StatusHealthy,
		ConsecutiveFailures: w.failures,
		LastError:           w.lastErr,
		LastPollAt:          w.lastPoll,
	}
	if w.failures >= w.failureThreshold {
		h.Status = StatusFailed
	}
	return h
}

// Start runs the poll loop until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	devices, err := w.lister.List(ctx)

	w.mu.Lock()
	w.lastPoll = time.Now()
	if err != nil {
		w.failures++
		w.lastErr = err.Error()
		failures := w.failures
		w.mu.Unlock()
		if failures == w.failureThreshold {
			log.Printf("device watcher: registry unreachable after %d attempts: %v", failures, err)
		}
		return
	}

	w.failures = 0
	w.lastErr = ""
	changed := !w.polled || listChanged(w.devices, devices)
	w.polled = true
	w.devices = devices
	listeners := w.listeners
	w.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		snapshot := make([]Device, len(devices))
		copy(snapshot, devices)
		fn(snapshot)
	}
}

func listChanged(old, next []Device) bool {
	if len(old) != len(next) {
		return true
	}
	prev := make(map[string]State, len(old))
	for _, d := range old {
		prev[d.UDID] = d.State
	}
	for _, d := range next {
		st, ok := prev[d.UDID]
		if !ok || st != d.State {
			return true
		}
	}
	return false
}

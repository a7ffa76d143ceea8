package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simglass/backend/internal/device"
)

// ErrStreamBackend reports an unrecoverable streaming backend failure.
var ErrStreamBackend = errors.New("stream backend failure")

// ErrNotStreaming reports an operation that requires a running stream.
var ErrNotStreaming = errors.New("no stream running")

// ErrUnknownMode reports a start request with a mode this controller does
// not implement.
var ErrUnknownMode = errors.New("unknown stream mode")

// consecutive capture failures tolerated before the polling loop gives up.
const maxCaptureFailures = 5

// SessionSource supplies the connected device; it fails when the session is
// not Connected.
type SessionSource interface {
	CurrentDevice() (device.Device, error)
}

// Capturer is the screen-capture collaborator: one still image on demand.
type Capturer interface {
	Screenshot(ctx context.Context, udid string) ([]byte, error)
}

// Sink is the attached client channel. Ready and SendFrame must not block:
// when the client is still processing the previous frame, Ready reports
// false and the tick is skipped rather than queued.
type Sink interface {
	Ready() bool
	SendFrame(frame []byte) bool
	SendSignal(payload []byte)
}

// Transport is the peer-to-peer media collaborator. Signaling payloads pass
// through verbatim in both directions.
type Transport interface {
	Start(ctx context.Context, dev device.Device, send func(payload []byte)) error
	HandleSignal(ctx context.Context, payload []byte) error
	SetQuality(q Quality)
	Stop() error
}

// Status is a stream snapshot, safe to retain.
type Status struct {
	State State `json:"state"`
	Mode  Mode  `json:"mode,omitempty"`
}

// streamSession is the state behind one active stream.
type streamSession struct {
	id        string
	mode      Mode
	sink      Sink
	cancel    context.CancelFunc
	done      chan struct{}
	cadenceCh chan time.Duration
}

// Controller owns the streaming mode and lifecycle. All transitions are
// serialized by mu; a mode switch holds it across stop and start so there is
// no window with two live backends.
type Controller struct {
	sessions  SessionSource
	capturer  Capturer
	transport Transport // nil when peer mode is unavailable
	cadence   time.Duration

	mu        sync.Mutex
	state     State
	sess      *streamSession
	listeners []func(Status)
}

func NewController(sessions SessionSource, capturer Capturer, transport Transport, cadence time.Duration) *Controller {
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	return &Controller{
		sessions:  sessions,
		capturer:  capturer,
		transport: transport,
		cadence:   cadence,
		state:     Stopped,
	}
}

// Subscribe registers a listener for stream status transitions. Must be
// called before the controller is used.
func (c *Controller) Subscribe(fn func(Status)) {
	c.listeners = append(c.listeners, fn)
}

// Status returns the current stream snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state}
	if c.sess != nil {
		st.Mode = c.sess.mode
	}
	return st
}

// Start begins streaming in the given mode to sink. It requires a connected
// session; an already-running stream is stopped first.
func (c *Controller) Start(ctx context.Context, mode Mode, sink Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, mode, sink)
}

// Stop tears down any running stream. Stopping a stopped controller is a
// no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// SwitchMode stops the current stream and starts mode in its place,
// atomically with respect to other controller calls.
func (c *Controller) SwitchMode(ctx context.Context, mode Mode, sink Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return c.startLocked(ctx, mode, sink)
}

// SetQuality adjusts the frame rate. Polling mode re-arms the cadence
// timer; peer mode forwards the level as a hint.
func (c *Controller) SetQuality(q Quality) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state != Running {
		return ErrNotStreaming
	}
	switch c.sess.mode {
	case ModePolling:
		select {
		case c.sess.cadenceCh <- cadenceFor(q, c.cadence):
		default:
		}
	case ModePeer:
		c.transport.SetQuality(q)
	}
	return nil
}

// Signal forwards an inbound client signaling payload to the peer
// transport.
func (c *Controller) Signal(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.sess == nil || c.sess.mode != ModePeer || c.state != Running {
		c.mu.Unlock()
		return ErrNotStreaming
	}
	t := c.transport
	c.mu.Unlock()
	return t.HandleSignal(ctx, payload)
}

func (c *Controller) startLocked(ctx context.Context, mode Mode, sink Sink) error {
	if c.sess != nil {
		c.stopLocked()
	}

	dev, err := c.sessions.CurrentDevice()
	if err != nil {
		return err
	}

	sess := &streamSession{
		id:        uuid.NewString(),
		mode:      mode,
		sink:      sink,
		cadenceCh: make(chan time.Duration, 1),
	}
	c.sess = sess
	c.setState(Starting)

	switch mode {
	case ModePolling:
		runCtx, cancel := context.WithCancel(context.Background())
		sess.cancel = cancel
		sess.done = make(chan struct{})
		go c.pollLoop(runCtx, sess, dev)
	case ModePeer:
		if c.transport == nil {
			c.sess = nil
			c.setState(Stopped)
			return fmt.Errorf("%w: peer transport not configured", ErrStreamBackend)
		}
		if err := c.transport.Start(ctx, dev, sink.SendSignal); err != nil {
			c.sess = nil
			c.setState(Errored)
			c.setState(Stopped)
			return fmt.Errorf("%w: %v", ErrStreamBackend, err)
		}
	default:
		c.sess = nil
		c.setState(Stopped)
		return fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	c.setState(Running)
	log.Printf("stream %s: %s mode running for %s", sess.id, mode, dev.UDID)
	return nil
}

// stopLocked cancels the backend synchronously: when it returns no timer or
// peer connection from the old session is live.
func (c *Controller) stopLocked() {
	if c.sess == nil {
		return
	}
	sess := c.sess
	c.setState(Stopping)

	switch sess.mode {
	case ModePolling:
		sess.cancel()
		<-sess.done
	case ModePeer:
		if err := c.transport.Stop(); err != nil {
			log.Printf("stream %s: transport stop: %v", sess.id, err)
		}
	}

	c.sess = nil
	c.setState(Stopped)
	log.Printf("stream %s: stopped", sess.id)
}

// pollLoop captures one frame per tick while the sink is ready. A busy sink
// skips the tick entirely: no capture is requested and nothing is queued,
// so a slow client costs dropped frames, not memory.
func (c *Controller) pollLoop(ctx context.Context, sess *streamSession, dev device.Device) {
	defer close(sess.done)

	ticker := time.NewTicker(c.cadence)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-sess.cadenceCh:
			ticker.Reset(d)
		case <-ticker.C:
			if !sess.sink.Ready() {
				continue
			}
			frame, err := c.capturer.Screenshot(ctx, dev.UDID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				log.Printf("stream %s: capture failed (%d): %v", sess.id, failures, err)
				if failures >= maxCaptureFailures {
					go c.failSession(sess, err)
					return
				}
				continue
			}
			failures = 0
			sess.sink.SendFrame(frame)
		}
	}
}

// failSession transitions a stream that lost its backend to Error then
// Stopped. Runs outside the poll goroutine's select so it can take mu.
func (c *Controller) failSession(sess *streamSession, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	log.Printf("stream %s: backend failure, stopping: %v", sess.id, err)
	sess.cancel()
	c.setState(Errored)
	c.sess = nil
	c.setState(Stopped)
}

func (c *Controller) setState(state State) {
	c.state = state
	status := c.statusLocked()
	for _, fn := range c.listeners {
		fn(status)
	}
}

func cadenceFor(q Quality, fallback time.Duration) time.Duration {
	switch q {
	case QualityLow:
		return 200 * time.Millisecond
	case QualityMedium:
		return 100 * time.Millisecond
	case QualityHigh:
		return 50 * time.Millisecond
	default:
		return fallback
	}
}

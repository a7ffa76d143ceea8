// Package peer implements the peer-stream transport on WebRTC. Frames are
// JPEG stills pushed over an ordered data channel; the browser renders them
// directly, so no media codec is involved on this side.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/simglass/backend/internal/device"
	"github.com/simglass/backend/internal/stream"
)

// Data channel writes are skipped while this much is still buffered.
const maxBufferedBytes = 1 << 20

// signalMessage is the wire form of one signaling payload. The gateway
// forwards these verbatim; only this package interprets them.
type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Transport negotiates one peer connection per stream and feeds it capture
// frames. It implements stream.Transport.
type Transport struct {
	capturer stream.Capturer
	cadence  atomic.Int64 // nanoseconds between frames

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	send   func([]byte)
	cancel context.CancelFunc
}

func NewTransport(capturer stream.Capturer, cadence time.Duration) *Transport {
	t := &Transport{capturer: capturer}
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	t.cadence.Store(int64(cadence))
	return t
}

// Start creates the peer connection and the frames data channel. The
// connection completes once the client's offer arrives via HandleSignal.
func (t *Transport) Start(ctx context.Context, dev device.Device, send func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc != nil {
		return fmt.Errorf("peer connection already active")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel("frames", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating data channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.pc = pc
	t.send = send
	t.cancel = cancel

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emit(signalMessage{Type: "candidate", Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("peer: connection state %s", state)
	})

	dc.OnOpen(func() {
		go t.frameLoop(runCtx, dc, dev)
	})

	return nil
}

// HandleSignal processes one inbound signaling payload from the client:
// an SDP offer (answered immediately) or a trickled ICE candidate.
func (t *Transport) HandleSignal(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no active peer connection")
	}

	var msg signalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing signal: %w", err)
	}

	switch msg.Type {
	case "offer":
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
		if err := pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("setting offer: %w", err)
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting answer: %w", err)
		}
		t.emit(signalMessage{Type: "answer", SDP: answer.SDP})
		return nil
	case "candidate":
		if msg.Candidate == nil {
			return fmt.Errorf("candidate signal without candidate")
		}
		return pc.AddICECandidate(*msg.Candidate)
	default:
		return fmt.Errorf("unknown signal type %q", msg.Type)
	}
}

// SetQuality adjusts the frame cadence. Best effort, applied from the next
// frame on.
func (t *Transport) SetQuality(q stream.Quality) {
	switch q {
	case stream.QualityLow:
		t.cadence.Store(int64(200 * time.Millisecond))
	case stream.QualityMedium:
		t.cadence.Store(int64(100 * time.Millisecond))
	case stream.QualityHigh:
		t.cadence.Store(int64(50 * time.Millisecond))
	}
}

// Stop tears the peer connection down.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc == nil {
		return nil
	}
	t.cancel()
	err := t.pc.Close()
	t.pc = nil
	t.send = nil
	t.cancel = nil
	return err
}

func (t *Transport) emit(msg signalMessage) {
	t.mu.Lock()
	send := t.send
	t.mu.Unlock()
	if send == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	send(data)
}

// frameLoop pushes capture frames over the data channel until the stream is
// stopped. A backed-up channel skips frames instead of queueing them.
func (t *Transport) frameLoop(ctx context.Context, dc *webrtc.DataChannel, dev device.Device) {
	for {
		interval := time.Duration(t.cadence.Load())
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if dc.BufferedAmount() > maxBufferedBytes {
			continue
		}
		frame, err := t.capturer.Screenshot(ctx, dev.UDID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("peer: capture failed: %v", err)
			continue
		}
		if err := dc.Send(frame); err != nil {
			log.Printf("peer: data channel send: %v", err)
			return
		}
	}
}

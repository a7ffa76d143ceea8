package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simglass/backend/internal/config"
	"github.com/simglass/backend/internal/device"
	"github.com/simglass/backend/internal/input"
	"github.com/simglass/backend/internal/mock"
	"github.com/simglass/backend/internal/session"
	"github.com/simglass/backend/internal/stream"
)

type testStack struct {
	http     *httptest.Server
	sessions *session.Manager
	streams  *stream.Controller
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	cfg := config.Default()
	reg := mock.NewRegistry()
	capt := mock.NewCapturer()

	sessions := session.NewManager(reg, time.Second, 10*time.Millisecond)
	chain := input.NewChain(sessions, mock.NewStrategy())
	streams := stream.NewController(sessions, capt, nil, 20*time.Millisecond)
	sessions.SetDisconnectHook(streams.Stop)

	watcher := device.NewWatcher(reg, time.Minute, 3)
	server := NewServer(cfg, sessions, chain, streams, watcher, capt)

	ctx, cancel := context.WithCancel(context.Background())
	go watcher.Start(ctx)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		streams.Stop()
		cancel()
		ts.Close()
	})
	return &testStack{http: ts, sessions: sessions, streams: streams}
}

func (s *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType MessageType, payload any) {
	t.Helper()
	msg := outMessage{Type: msgType}
	if payload != nil {
		msg.Payload = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// awaitMessage reads until a text message of the wanted type arrives,
// skipping everything else (including binary frames).
func awaitMessage(t *testing.T, conn *websocket.Conn, want MessageType) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("malformed server message: %v", err)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
}

func awaitSessionState(t *testing.T, conn *websocket.Conn, want session.State) SessionStatusPayload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		raw := awaitMessage(t, conn, MsgSessionStatus)
		var p SessionStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("sessionStatus payload: %v", err)
		}
		if p.State == want {
			return p
		}
	}
	t.Fatalf("never saw session state %s", want)
	return SessionStatusPayload{}
}

func TestConnectFlow(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgConnect, nil)
	p := awaitSessionState(t, conn, session.Connected)

	// The mock registry's booted device is chosen without a boot request.
	if p.DeviceID != "MOCK-0000-0000-0001" {
		t.Errorf("connected device = %s, want the booted mock iPhone", p.DeviceID)
	}
}

func TestListDevices(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	// The watcher polls asynchronously at startup; retry until it has a
	// listing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		send(t, conn, MsgListDevices, nil)
		raw := awaitMessage(t, conn, MsgDeviceList)
		var p DeviceListPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("deviceList payload: %v", err)
		}
		if len(p.Devices) == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("device list has %d devices, want 2", len(p.Devices))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTapSuccess(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgConnect, nil)
	awaitSessionState(t, conn, session.Connected)

	send(t, conn, MsgTap, TapPayload{X: 150, Y: 300, SurfaceW: 300, SurfaceH: 600})
	raw := awaitMessage(t, conn, MsgCommandResult)

	var p CommandResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("commandResult payload: %v", err)
	}
	if !p.Success || p.StrategyUsed != "mock" {
		t.Errorf("commandResult = %+v, want success via mock strategy", p)
	}
}

func TestTapOutOfBounds(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgConnect, nil)
	awaitSessionState(t, conn, session.Connected)

	send(t, conn, MsgTap, TapPayload{X: -5, Y: 10, SurfaceW: 300, SurfaceH: 600})
	raw := awaitMessage(t, conn, MsgCommandResult)

	var p CommandResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("commandResult payload: %v", err)
	}
	if p.Success || p.ErrorKind != "out_of_bounds" {
		t.Errorf("commandResult = %+v, want out_of_bounds failure", p)
	}
}

func TestTapNotConnected(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgTap, TapPayload{X: 10, Y: 10, SurfaceW: 300, SurfaceH: 600})
	raw := awaitMessage(t, conn, MsgCommandResult)

	var p CommandResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("commandResult payload: %v", err)
	}
	if p.Success || p.ErrorKind != "not_connected" {
		t.Errorf("commandResult = %+v, want not_connected failure", p)
	}
}

func TestStartStreamNotConnected(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgStartStream, StartStreamPayload{Mode: stream.ModePolling})
	raw := awaitMessage(t, conn, MsgError)

	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Kind != "not_connected" {
		t.Errorf("error kind = %s, want not_connected", p.Kind)
	}
	if st := stack.streams.Status(); st.State != stream.Stopped {
		t.Errorf("stream state = %s, want stopped", st.State)
	}
}

func TestPollingStreamDeliversFrames(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgConnect, nil)
	awaitSessionState(t, conn, session.Connected)
	send(t, conn, MsgStartStream, StartStreamPayload{Mode: stream.ModePolling})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for frame: %v", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
			t.Errorf("frame is not JPEG (starts %x)", data[:2])
		}
		return
	}
}

func TestClientDisconnectStopsOwnedStream(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgConnect, nil)
	awaitSessionState(t, conn, session.Connected)
	send(t, conn, MsgStartStream, StartStreamPayload{Mode: stream.ModePolling})

	deadline := time.Now().Add(2 * time.Second)
	for stack.streams.Status().State != stream.Running {
		if time.Now().After(deadline) {
			t.Fatal("stream never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for stack.streams.Status().State != stream.Stopped {
		if time.Now().After(deadline) {
			t.Fatalf("stream state = %s after client disconnect, want stopped", stack.streams.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartStreamUnknownMode(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MsgConnect, nil)
	awaitSessionState(t, conn, session.Connected)

	send(t, conn, MsgStartStream, StartStreamPayload{Mode: stream.Mode("teleport")})
	raw := awaitMessage(t, conn, MsgError)

	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Kind != "bad_request" {
		t.Errorf("error kind = %s, want bad_request", p.Kind)
	}
	if st := stack.streams.Status(); st.State != stream.Stopped {
		t.Errorf("stream state = %s, want stopped", st.State)
	}
}

func TestUnknownMessageType(t *testing.T) {
	stack := newTestStack(t)
	conn := stack.dial(t)

	send(t, conn, MessageType("teleport"), nil)
	raw := awaitMessage(t, conn, MsgError)

	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Kind != "bad_request" {
		t.Errorf("error kind = %s, want bad_request", p.Kind)
	}
}

func TestHTTPDevices(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.http.URL + "/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /devices = %d, want 200", resp.StatusCode)
	}
	var p DeviceListPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decoding device list: %v", err)
	}
}

func TestHTTPCaptureConflictWhenDisconnected(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.http.URL + "/capture")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("GET /capture = %d, want 409", resp.StatusCode)
	}
}

func TestHTTPCaptureWhenConnected(t *testing.T) {
	stack := newTestStack(t)
	if err := stack.sessions.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	resp, err := http.Get(stack.http.URL + "/capture")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /capture = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type = %s, want image/jpeg", ct)
	}
}

func TestHTTPHealth(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.http.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/health = %d, want 200", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if _, ok := health["registry"]; !ok {
		t.Error("health response missing registry status")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "example.com", true},
		{"http://example.com", "example.com", true},
		{"http://evil.com", "example.com", false},
		{"http://localhost:3000", "example.com", true},
		{"http://127.0.0.1:8080", "example.com", true},
		{"not a url://", "example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(origin=%q, host=%q) = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/simglass/backend/internal/config"
	"github.com/simglass/backend/internal/device"
	"github.com/simglass/backend/internal/input"
	"github.com/simglass/backend/internal/session"
	"github.com/simglass/backend/internal/stream"
)

type handlerFunc func(ctx context.Context, c *client, payload json.RawMessage)

// Server is the control protocol gateway: it translates inbound client
// messages into calls on the session manager, command chain, and stream
// controller, and fans component events out to every connected client.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	chain    *input.Chain
	streams  *stream.Controller
	watcher  *device.Watcher
	capturer stream.Capturer

	handlers map[MessageType]handlerFunc
	started  time.Time

	mu          sync.RWMutex
	clients     map[*client]bool
	streamOwner *client // client whose channel is the active stream sink
}

func NewServer(cfg *config.Config, sessions *session.Manager, chain *input.Chain, streams *stream.Controller, watcher *device.Watcher, capturer stream.Capturer) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		chain:    chain,
		streams:  streams,
		watcher:  watcher,
		capturer: capturer,
		clients:  make(map[*client]bool),
		started:  time.Now(),
	}

	s.handlers = map[MessageType]handlerFunc{
		MsgConnect:      s.handleConnect,
		MsgDisconnect:   s.handleDisconnect,
		MsgListDevices:  s.handleListDevices,
		MsgTap:          s.handleTap,
		MsgSwipe:        s.handleSwipe,
		MsgTypeText:     s.handleTypeText,
		MsgStartStream:  s.handleStartStream,
		MsgStopStream:   s.handleStopStream,
		MsgSetQuality:   s.handleSetQuality,
		MsgStreamSignal: s.handleStreamSignal,
	}

	sessions.Subscribe(func(st session.Status) {
		s.broadcast(outMessage{Type: MsgSessionStatus, Payload: sessionStatusPayload(st)})
	})
	streams.Subscribe(func(st stream.Status) {
		s.broadcast(outMessage{Type: MsgStreamStatus, Payload: StreamStatusPayload{State: st.State, Mode: st.Mode}})
	})
	watcher.Subscribe(func(devices []device.Device) {
		s.broadcast(outMessage{Type: MsgDeviceList, Payload: DeviceListPayload{Devices: devices}})
	})

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/capture", s.handleCapture)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("ws client connected: %s", r.RemoteAddr)
	c := newClient(conn, s.cfg.Stream.ClientBuffer)

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	// Fresh connections get the current picture straight away.
	c.sendMessage(outMessage{Type: MsgSessionStatus, Payload: sessionStatusPayload(s.sessions.Status())})
	st := s.streams.Status()
	c.sendMessage(outMessage{Type: MsgStreamStatus, Payload: StreamStatusPayload{State: st.State, Mode: st.Mode}})

	go func() {
		defer func() {
			s.removeClient(c)
			log.Printf("ws client disconnected: %s", r.RemoteAddr)
		}()
		s.readPump(c)
	}()
}

func (s *Server) readPump(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendMessage(errorMessage("bad_request", fmt.Sprintf("malformed message: %v", err)))
			continue
		}

		handler, ok := s.handlers[msg.Type]
		if !ok {
			c.sendMessage(errorMessage("bad_request", fmt.Sprintf("unknown message type %q", msg.Type)))
			continue
		}

		// Handlers run off the read loop so a pending device call does not
		// stall unrelated messages; conflicting operations queue inside the
		// components they target.
		go handler(context.Background(), c, msg.Payload)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	ownedStream := s.streamOwner == c
	if ownedStream {
		s.streamOwner = nil
	}
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()

	// A stream may not outlive its attached client channel.
	if ownedStream {
		s.streams.Stop()
	}
}

func (s *Server) broadcast(msg outMessage) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.sendMessage(msg)
	}
}

func errorMessage(kind, message string) outMessage {
	return outMessage{Type: MsgError, Payload: ErrorPayload{Kind: kind, Message: message}}
}

func (s *Server) handleConnect(ctx context.Context, c *client, payload json.RawMessage) {
	var p ConnectPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendMessage(errorMessage("bad_request", fmt.Sprintf("connect payload: %v", err)))
			return
		}
	}
	// Failures surface through the sessionStatus transitions the manager
	// broadcasts; nothing extra to send here.
	if err := s.sessions.Connect(ctx, p.DeviceID); err != nil {
		log.Printf("ws: connect failed: %v", err)
	}
}

func (s *Server) handleDisconnect(ctx context.Context, c *client, payload json.RawMessage) {
	if err := s.sessions.Disconnect(ctx); err != nil {
		c.sendMessage(errorMessage(errorKind(err), err.Error()))
	}
}

func (s *Server) handleListDevices(ctx context.Context, c *client, payload json.RawMessage) {
	c.sendMessage(outMessage{Type: MsgDeviceList, Payload: DeviceListPayload{Devices: s.watcher.Devices()}})
}

func (s *Server) handleTap(ctx context.Context, c *client, payload json.RawMessage) {
	var p TapPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendMessage(errorMessage("bad_request", fmt.Sprintf("tap payload: %v", err)))
		return
	}

	dev, err := s.sessions.CurrentDevice()
	if err != nil {
		s.sendCommandResult(c, input.KindTap, input.Result{}, err)
		return
	}

	clientSurface := input.Surface{Width: p.SurfaceW, Height: p.SurfaceH}
	devSurface := input.Surface{Width: dev.Surface.Width, Height: dev.Surface.Height}
	x, y, err := input.MapPoint(p.X, p.Y, clientSurface, devSurface)
	if err != nil {
		s.sendCommandResult(c, input.KindTap, input.Result{}, err)
		return
	}

	res, err := s.chain.Dispatch(ctx, input.Tap(x, y))
	s.sendCommandResult(c, input.KindTap, res, err)
}

func (s *Server) handleSwipe(ctx context.Context, c *client, payload json.RawMessage) {
	var p SwipePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendMessage(errorMessage("bad_request", fmt.Sprintf("swipe payload: %v", err)))
		return
	}

	dev, err := s.sessions.CurrentDevice()
	if err != nil {
		s.sendCommandResult(c, input.KindSwipe, input.Result{}, err)
		return
	}

	clientSurface := input.Surface{Width: p.SurfaceW, Height: p.SurfaceH}
	devSurface := input.Surface{Width: dev.Surface.Width, Height: dev.Surface.Height}
	x0, y0, err := input.MapPoint(p.StartX, p.StartY, clientSurface, devSurface)
	if err != nil {
		s.sendCommandResult(c, input.KindSwipe, input.Result{}, err)
		return
	}
	x1, y1, err := input.MapPoint(p.EndX, p.EndY, clientSurface, devSurface)
	if err != nil {
		s.sendCommandResult(c, input.KindSwipe, input.Result{}, err)
		return
	}

	duration := time.Duration(p.DurationMs) * time.Millisecond
	res, err := s.chain.Dispatch(ctx, input.Swipe(x0, y0, x1, y1, duration))
	s.sendCommandResult(c, input.KindSwipe, res, err)
}

func (s *Server) handleTypeText(ctx context.Context, c *client, payload json.RawMessage) {
	var p TypeTextPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendMessage(errorMessage("bad_request", fmt.Sprintf("typeText payload: %v", err)))
		return
	}

	res, err := s.chain.Dispatch(ctx, input.TypeText(p.Text))
	s.sendCommandResult(c, input.KindText, res, err)
}

func (s *Server) sendCommandResult(c *client, kind input.Kind, res input.Result, err error) {
	out := CommandResultPayload{Kind: string(kind)}
	if err == nil {
		out.Success = true
		out.StrategyUsed = res.Strategy
	} else {
		out.ErrorKind = errorKind(err)
		out.Error = err.Error()
		var all *input.AllStrategiesError
		if errors.As(err, &all) {
			for _, a := range all.Attempts {
				out.Details = append(out.Details, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
			}
		}
	}
	c.sendMessage(outMessage{Type: MsgCommandResult, Payload: out})
}

func (s *Server) handleStartStream(ctx context.Context, c *client, payload json.RawMessage) {
	var p StartStreamPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendMessage(errorMessage("bad_request", fmt.Sprintf("startStream payload: %v", err)))
		return
	}

	// Ownership is claimed before Start so a client that drops mid-start is
	// still seen as the owner by removeClient.
	s.mu.Lock()
	if !s.clients[c] {
		s.mu.Unlock()
		return
	}
	s.streamOwner = c
	s.mu.Unlock()

	if err := s.streams.Start(ctx, p.Mode, c); err != nil {
		s.mu.Lock()
		if s.streamOwner == c {
			s.streamOwner = nil
		}
		s.mu.Unlock()
		c.sendMessage(errorMessage(errorKind(err), err.Error()))
		return
	}

	s.mu.Lock()
	gone := !s.clients[c]
	if gone {
		s.streamOwner = nil
	}
	s.mu.Unlock()
	if gone {
		s.streams.Stop()
	}
}

func (s *Server) handleStopStream(ctx context.Context, c *client, payload json.RawMessage) {
	s.mu.Lock()
	s.streamOwner = nil
	s.mu.Unlock()
	s.streams.Stop()
}

func (s *Server) handleSetQuality(ctx context.Context, c *client, payload json.RawMessage) {
	var p SetQualityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendMessage(errorMessage("bad_request", fmt.Sprintf("setQuality payload: %v", err)))
		return
	}
	if err := s.streams.SetQuality(p.Level); err != nil {
		c.sendMessage(errorMessage(errorKind(err), err.Error()))
	}
}

func (s *Server) handleStreamSignal(ctx context.Context, c *client, payload json.RawMessage) {
	if err := s.streams.Signal(ctx, payload); err != nil {
		c.sendMessage(errorMessage(errorKind(err), err.Error()))
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeviceListPayload{Devices: s.watcher.Devices()})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	dev, err := s.sessions.CurrentDevice()
	if err != nil {
		http.Error(w, "no device connected", http.StatusConflict)
		return
	}

	frame, err := s.capturer.Screenshot(r.Context(), dev.UDID)
	if err != nil {
		http.Error(w, fmt.Sprintf("capture failed: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	health := map[string]any{
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"clients":       clientCount,
		"session":       s.sessions.Status(),
		"stream":        s.streams.Status(),
		"registry":      s.watcher.Health(),
	}
	if avg, err := load.Avg(); err == nil {
		health["load1"] = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memUsedPercent"] = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// checkOrigin mirrors the browser-facing default: same host or localhost.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]", "::1"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// client is one connected control channel. Control messages go out through
// a buffered send channel; frames through a capacity-1 binary channel whose
// occupancy doubles as the backpressure signal.
type client struct {
	conn   *websocket.Conn
	frames chan []byte

	mu     sync.Mutex // guards send against close
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, sendBuffer int) *client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		frames: make(chan []byte, 1),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case frame := <-c.frames:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Ready reports whether the client has consumed the previous frame. Part of
// the stream.Sink contract; checked before a capture is even requested.
func (c *client) Ready() bool {
	return len(c.frames) == 0
}

// SendFrame hands one binary frame to the write pump without blocking.
func (c *client) SendFrame(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// SendSignal forwards an outbound signaling payload verbatim.
func (c *client) SendSignal(payload []byte) {
	c.sendMessage(outMessage{Type: MsgStreamSignal, Payload: json.RawMessage(payload)})
}

func (c *client) sendMessage(msg outMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal %s: %v", msg.Type, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client can't keep up; drop rather than block the sender.
	}
}

package ws

import (
	"encoding/json"
	"errors"

	"github.com/simglass/backend/internal/device"
	"github.com/simglass/backend/internal/input"
	"github.com/simglass/backend/internal/session"
	"github.com/simglass/backend/internal/stream"
)

type MessageType string

const (
	// client -> server
	MsgConnect     MessageType = "connect"
	MsgDisconnect  MessageType = "disconnect"
	MsgListDevices MessageType = "listDevices"
	MsgTap         MessageType = "tap"
	MsgSwipe       MessageType = "swipe"
	MsgTypeText    MessageType = "typeText"
	MsgStartStream MessageType = "startStream"
	MsgStopStream  MessageType = "stopStream"
	MsgSetQuality  MessageType = "setQuality"

	// both directions; the payload is an opaque signaling blob forwarded
	// verbatim between client and peer transport
	MsgStreamSignal MessageType = "streamSignal"

	// server -> client
	MsgSessionStatus MessageType = "sessionStatus"
	MsgStreamStatus  MessageType = "streamStatus"
	MsgDeviceList    MessageType = "deviceList"
	MsgCommandResult MessageType = "commandResult"
	MsgError         MessageType = "error"
)

type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type ConnectPayload struct {
	DeviceID string `json:"deviceId,omitempty"`
}

// TapPayload carries client-surface coordinates plus the rendered size of
// the display element, which the server cannot otherwise know.
type TapPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	SurfaceW float64 `json:"surfaceW"`
	SurfaceH float64 `json:"surfaceH"`
}

type SwipePayload struct {
	StartX     float64 `json:"startX"`
	StartY     float64 `json:"startY"`
	EndX       float64 `json:"endX"`
	EndY       float64 `json:"endY"`
	DurationMs int     `json:"durationMs"`
	SurfaceW   float64 `json:"surfaceW"`
	SurfaceH   float64 `json:"surfaceH"`
}

type TypeTextPayload struct {
	Text string `json:"text"`
}

type StartStreamPayload struct {
	Mode stream.Mode `json:"mode"`
}

type SetQualityPayload struct {
	Level stream.Quality `json:"level"`
}

type SessionStatusPayload struct {
	State      session.State `json:"state"`
	DeviceID   string        `json:"deviceId,omitempty"`
	DeviceName string        `json:"deviceName,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type StreamStatusPayload struct {
	State stream.State `json:"state"`
	Mode  stream.Mode  `json:"mode,omitempty"`
}

type DeviceListPayload struct {
	Devices []device.Device `json:"devices"`
}

type CommandResultPayload struct {
	Kind         string   `json:"kind"`
	Success      bool     `json:"success"`
	StrategyUsed string   `json:"strategyUsed,omitempty"`
	ErrorKind    string   `json:"errorKind,omitempty"`
	Error        string   `json:"error,omitempty"`
	Details      []string `json:"details,omitempty"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorKind maps component errors to their wire taxonomy.
func errorKind(err error) string {
	var all *input.AllStrategiesError
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, session.ErrNoDevicesAvailable):
		return "no_devices_available"
	case errors.Is(err, session.ErrBootTimeout):
		return "boot_timeout"
	case errors.Is(err, input.ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, input.ErrNoFocusedInput):
		return "no_focused_input"
	case errors.Is(err, device.ErrTimeout):
		return "timeout"
	case errors.Is(err, stream.ErrStreamBackend):
		return "stream_backend"
	case errors.Is(err, stream.ErrNotStreaming):
		return "bad_request"
	case errors.Is(err, stream.ErrUnknownMode):
		return "bad_request"
	case errors.As(err, &all):
		return "all_strategies_failed"
	default:
		return "internal"
	}
}

func sessionStatusPayload(st session.Status) SessionStatusPayload {
	p := SessionStatusPayload{State: st.State, Error: st.Err}
	if st.Device != nil {
		p.DeviceID = st.Device.UDID
		p.DeviceName = st.Device.Name
	}
	return p
}

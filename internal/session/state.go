package session

import "encoding/json"

// State is the connection state of the single device session.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	Errored
)

var stateNames = map[State]string{
	Idle:          "idle",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
	Errored:       "error",
}

var stateFromName = map[string]State{
	"idle":          Idle,
	"connecting":    Connecting,
	"connected":     Connected,
	"disconnecting": Disconnecting,
	"error":         Errored,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

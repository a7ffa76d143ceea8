package device

import "encoding/json"

// State is the lifecycle state of a device as reported by the registry.
type State int

const (
	Shutdown State = iota
	Booting
	Booted
	Unknown
)

var stateNames = map[State]string{
	Shutdown: "shutdown",
	Booting:  "booting",
	Booted:   "booted",
	Unknown:  "unknown",
}

var stateFromName = map[string]State{
	"shutdown": Shutdown,
	"booting":  Booting,
	"booted":   Booted,
	"unknown":  Unknown,
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
	} else {
		*s = Unknown
	}
	return nil
}

// Surface is a logical resolution in points.
type Surface struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Device describes one controllable virtual device. The registry owns the
// source of truth; Device values are snapshots from the last listing.
type Device struct {
	UDID    string  `json:"udid"`
	Name    string  `json:"name"`
	Runtime string  `json:"runtime"`
	State   State   `json:"state"`
	Surface Surface `json:"surface"`
}

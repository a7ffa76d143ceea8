package stream

import "encoding/json"

// State is the lifecycle state of a stream session.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Errored
)

var stateNames = map[State]string{
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Stopping: "stopping",
	Errored:  "error",
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

// Mode selects how frames reach the client.
type Mode string

const (
	ModePolling Mode = "polling"
	ModePeer    Mode = "peer"
)

// Quality is a coarse frame-rate level. In polling mode it maps directly to
// a capture cadence; in peer mode it is forwarded to the transport as a
// best-effort hint.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

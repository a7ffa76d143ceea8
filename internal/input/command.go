package input

import "time"

// Kind classifies an input command.
type Kind string

const (
	KindTap   Kind = "tap"
	KindSwipe Kind = "swipe"
	KindText  Kind = "text"
)

// Command is one input operation against the connected device. Coordinates
// are in device surface units; mapping from client units happens before a
// Command is constructed.
type Command struct {
	Kind     Kind
	X, Y     float64
	EndX     float64
	EndY     float64
	Duration time.Duration
	Text     string
}

func Tap(x, y float64) Command {
	return Command{Kind: KindTap, X: x, Y: y}
}

func Swipe(x0, y0, x1, y1 float64, duration time.Duration) Command {
	return Command{Kind: KindSwipe, X: x0, Y: y0, EndX: x1, EndY: y1, Duration: duration}
}

func TypeText(text string) Command {
	return Command{Kind: KindText, Text: text}
}

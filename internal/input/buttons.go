package input

import (
	"sort"
	"time"
)

// Button is a canonical controller button identifier shared by every layout.
type Button string

const (
	ButtonA      Button = "A"
	ButtonB      Button = "B"
	ButtonX      Button = "X"
	ButtonY      Button = "Y"
	ButtonL      Button = "L"
	ButtonR      Button = "R"
	ButtonSelect Button = "SELECT"
	ButtonStart  Button = "START"
	ButtonUp     Button = "UP"
	ButtonDown   Button = "DOWN"
	ButtonLeft   Button = "LEFT"
	ButtonRight  Button = "RIGHT"
)

// Opposite returns the direction that may not be held together with b.
func (b Button) Opposite() (Button, bool) {
	switch b {
	case ButtonUp:
		return ButtonDown, true
	case ButtonDown:
		return ButtonUp, true
	case ButtonLeft:
		return ButtonRight, true
	case ButtonRight:
		return ButtonLeft, true
	}
	return "", false
}

// Event is one button transition destined for a simulation frame.
// Events are ordered by (TargetFrame, OriginClientID).
type Event struct {
	TargetFrame    int64
	PlayerSlot     int
	Button         Button
	Pressed        bool
	Timestamp      time.Time
	OriginClientID string
}

// Less reports whether e must be applied before o.
func (e Event) Less(o Event) bool {
	if e.TargetFrame != o.TargetFrame {
		return e.TargetFrame < o.TargetFrame
	}
	return e.OriginClientID < o.OriginClientID
}

// SortEvents orders events by (TargetFrame, OriginClientID), keeping arrival
// order between events that share both.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Less(events[j])
	})
}

// SortButtons orders buttons by name.
func SortButtons(buttons []Button) {
	sort.Slice(buttons, func(i, j int) bool { return buttons[i] < buttons[j] })
}

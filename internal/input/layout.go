package input

import "strings"

// Layout maps raw device signals of one system to canonical buttons.
type Layout struct {
	System  string
	Buttons []Button
	Keys    map[string]Button
	Mask    map[Button]uint16
}

// standard gamepad button indices
var gamepadButtons = map[int]Button{
	0:  ButtonA,
	1:  ButtonB,
	2:  ButtonX,
	3:  ButtonY,
	4:  ButtonL,
	5:  ButtonR,
	6:  ButtonSelect,
	7:  ButtonStart,
	12: ButtonUp,
	13: ButtonDown,
	14: ButtonLeft,
	15: ButtonRight,
}

func eightButton(system string) Layout {
	return newLayout(system, []keyBinding{
		{ButtonA, "KeyA"},
		{ButtonB, "KeyS"},
		{ButtonSelect, "KeyQ"},
		{ButtonStart, "KeyW"},
		{ButtonUp, "ArrowUp"},
		{ButtonDown, "ArrowDown"},
		{ButtonLeft, "ArrowLeft"},
		{ButtonRight, "ArrowRight"},
	})
}

func twelveButton(system string) Layout {
	return newLayout(system, []keyBinding{
		{ButtonA, "KeyA"},
		{ButtonB, "KeyS"},
		{ButtonX, "KeyD"},
		{ButtonY, "KeyF"},
		{ButtonL, "KeyQ"},
		{ButtonR, "KeyE"},
		{ButtonSelect, "KeyZ"},
		{ButtonStart, "KeyX"},
		{ButtonUp, "ArrowUp"},
		{ButtonDown, "ArrowDown"},
		{ButtonLeft, "ArrowLeft"},
		{ButtonRight, "ArrowRight"},
	})
}

type keyBinding struct {
	button Button
	code   string
}

func newLayout(system string, bindings []keyBinding) Layout {
	l := Layout{
		System:  system,
		Buttons: make([]Button, 0, len(bindings)),
		Keys:    make(map[string]Button, len(bindings)),
		Mask:    make(map[Button]uint16, len(bindings)),
	}
	for i, b := range bindings {
		l.Buttons = append(l.Buttons, b.button)
		l.Keys[b.code] = b.button
		l.Mask[b.button] = 1 << uint(i)
	}
	return l
}

var layouts = map[string]Layout{
	"nes":     eightButton("nes"),
	"gameboy": eightButton("gameboy"),
	"snes":    twelveButton("snes"),
}

// LayoutFor returns the layout registered for system, falling back to nes.
func LayoutFor(system string) Layout {
	if l, ok := layouts[strings.ToLower(system)]; ok {
		return l
	}
	return layouts["nes"]
}

// Has reports whether b is part of the layout.
func (l Layout) Has(b Button) bool {
	_, ok := l.Mask[b]
	return ok
}

// FromKey maps a keyboard code such as "ArrowLeft".
func (l Layout) FromKey(code string) (Button, bool) {
	b, ok := l.Keys[code]
	return b, ok
}

// FromGamepad maps a standard gamepad button index.
func (l Layout) FromGamepad(index int) (Button, bool) {
	b, ok := gamepadButtons[index]
	if !ok || !l.Has(b) {
		return "", false
	}
	return b, true
}

// Pack encodes a set of held buttons as the layout's bitmask.
func (l Layout) Pack(held map[Button]bool) uint16 {
	var v uint16
	for b, down := range held {
		if down {
			v |= l.Mask[b]
		}
	}
	return v
}

// Package engine defines the contract the netplay core expects from the
// deterministic simulation it drives, plus a small reference machine.
package engine

import "github.com/simple64/netplay-core/internal/input"

// Output is what one stepped frame produced.
type Output struct {
	Video    []byte
	Audio    []byte
	Checksum uint64
}

// Engine is a deterministic simulation. Given the same serialized state and
// the same sequence of ApplyInput/Step calls it must produce the same
// Checksum values.
type Engine interface {
	// Step advances exactly one frame.
	Step() Output
	Serialize() ([]byte, error)
	Deserialize(state []byte) error
	ApplyInput(playerSlot int, button input.Button, pressed bool)
	// Checksum is a function of the current rendered output only.
	Checksum() uint64
	// ContentFingerprint identifies the loaded content and never changes
	// while it stays loaded. It is unrelated to Checksum.
	ContentFingerprint() string
}

package engine

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/simple64/netplay-core/internal/input"
)

// MaxPlayers is the highest player slot the reference machine tracks.
const MaxPlayers = 4

const videoSize = 64

var buttonOrder = []input.Button{
	input.ButtonA, input.ButtonB, input.ButtonX, input.ButtonY,
	input.ButtonL, input.ButtonR, input.ButtonSelect, input.ButtonStart,
	input.ButtonUp, input.ButtonDown, input.ButtonLeft, input.ButtonRight,
}

// ErrBadState is returned when Deserialize is handed a blob it did not make.
var ErrBadState = errors.New("malformed machine state")

// serialized layout: frame, acc, checksum, held[1..MaxPlayers]
const stateSize = 8 + 8 + 8 + 2*MaxPlayers

// Machine is a deterministic reference Engine. Its rendered frame is a pure
// function of the loaded content, the frame counter and the held buttons, and
// its checksum chains the previous frame's checksum with the new video, so
// any divergence persists in every later checksum.
type Machine struct {
	content     []byte
	fingerprint string

	frame    uint64
	acc      uint64
	checksum uint64
	held     [MaxPlayers + 1]uint16
}

// NewMachine loads content into a fresh machine.
func NewMachine(content []byte) *Machine {
	m := &Machine{
		content:     append([]byte(nil), content...),
		fingerprint: fmt.Sprintf("%x", sha1.Sum(content)),
	}
	m.acc = xxhash.Sum64(content)
	return m
}

// Frame returns the number of frames stepped.
func (m *Machine) Frame() uint64 {
	return m.frame
}

// ApplyInput implements Engine.
func (m *Machine) ApplyInput(playerSlot int, button input.Button, pressed bool) {
	if playerSlot < 1 || playerSlot > MaxPlayers {
		return
	}
	bit := buttonBit(button)
	if bit == 0 {
		return
	}
	if pressed {
		m.held[playerSlot] |= bit
	} else {
		m.held[playerSlot] &^= bit
	}
}

// Held returns the button mask held by a player slot.
func (m *Machine) Held(playerSlot int) uint16 {
	if playerSlot < 1 || playerSlot > MaxPlayers {
		return 0
	}
	return m.held[playerSlot]
}

// Step implements Engine.
func (m *Machine) Step() Output {
	m.frame++
	for slot := 1; slot <= MaxPlayers; slot++ {
		m.acc = m.acc*6364136223846793005 + uint64(m.held[slot])<<uint(slot*4) + uint64(slot)
	}

	video := m.render()
	d := xxhash.New()
	var prev [8]byte
	binary.LittleEndian.PutUint64(prev[:], m.checksum)
	_, _ = d.Write(prev[:])
	_, _ = d.Write(video)
	m.checksum = d.Sum64()

	audio := make([]byte, 8)
	binary.LittleEndian.PutUint64(audio, m.acc^m.frame)
	return Output{Video: video, Audio: audio, Checksum: m.checksum}
}

func (m *Machine) render() []byte {
	video := make([]byte, videoSize)
	binary.LittleEndian.PutUint64(video[0:], m.frame)
	binary.LittleEndian.PutUint64(video[8:], m.acc)
	for slot := 1; slot <= MaxPlayers; slot++ {
		binary.LittleEndian.PutUint16(video[16+slot*2:], m.held[slot])
	}
	for i := 32; i < videoSize; i++ {
		if len(m.content) > 0 {
			video[i] = m.content[(int(m.frame)+i)%len(m.content)] ^ byte(m.acc>>uint(i%8*8))
		} else {
			video[i] = byte(m.acc >> uint(i%8*8))
		}
	}
	return video
}

// Checksum implements Engine.
func (m *Machine) Checksum() uint64 {
	return m.checksum
}

// ContentFingerprint implements Engine.
func (m *Machine) ContentFingerprint() string {
	return m.fingerprint
}

// Serialize implements Engine.
func (m *Machine) Serialize() ([]byte, error) {
	b := make([]byte, stateSize)
	binary.LittleEndian.PutUint64(b[0:], m.frame)
	binary.LittleEndian.PutUint64(b[8:], m.acc)
	binary.LittleEndian.PutUint64(b[16:], m.checksum)
	for slot := 1; slot <= MaxPlayers; slot++ {
		binary.LittleEndian.PutUint16(b[24+(slot-1)*2:], m.held[slot])
	}
	return b, nil
}

// Deserialize implements Engine.
func (m *Machine) Deserialize(state []byte) error {
	if len(state) != stateSize {
		return fmt.Errorf("%w: %d bytes", ErrBadState, len(state))
	}
	m.frame = binary.LittleEndian.Uint64(state[0:])
	m.acc = binary.LittleEndian.Uint64(state[8:])
	m.checksum = binary.LittleEndian.Uint64(state[16:])
	for slot := 1; slot <= MaxPlayers; slot++ {
		m.held[slot] = binary.LittleEndian.Uint16(state[24+(slot-1)*2:])
	}
	return nil
}

func buttonBit(b input.Button) uint16 {
	for i, o := range buttonOrder {
		if o == b {
			return 1 << uint(i)
		}
	}
	return 0
}

var _ Engine = (*Machine)(nil)

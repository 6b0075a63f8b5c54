// Package gameclient is the non-authoritative side of a netplay session.
package gameclient

import (
	"time"

	"github.com/simple64/netplay-core/internal/engine"
	"github.com/simple64/netplay-core/internal/frameloop"
	"github.com/simple64/netplay-core/internal/protocol"
	"github.com/simple64/netplay-core/internal/rollback"
)

const (
	DefaultInputDelay   = 2
	MaxInputDelay       = 10
	DefaultFrameBuffer  = 10
	DefaultJoinTimeoutS = 10
	inboxSize           = 256
)

// State of a client.
type State int

const (
	Idle State = iota
	JoinRequested
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case JoinRequested:
		return "join-requested"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Options configure one client.
type Options struct {
	ClientID    string // generated when empty
	DisplayName string
	RoomID      string
	Password    string

	TickRate    int
	InputDelay  int
	FrameBuffer int
	JoinTimeout time.Duration
	Rollback    rollback.Config
}

// DefaultOptions mirrors the host's 60Hz defaults.
func DefaultOptions() Options {
	return Options{
		TickRate:    frameloop.DefaultTickRate,
		InputDelay:  DefaultInputDelay,
		FrameBuffer: DefaultFrameBuffer,
		JoinTimeout: DefaultJoinTimeoutS * time.Second,
		Rollback:    rollback.DefaultConfig(),
	}
}

func (o Options) normalise() Options {
	if o.TickRate <= 0 {
		o.TickRate = frameloop.DefaultTickRate
	}
	o.InputDelay = clampDelay(o.InputDelay)
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = DefaultFrameBuffer
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeoutS * time.Second
	}
	return o
}

// Observer receives the conditions the presentation layer must act on.
// Methods are called without the client's lock held and may call back into
// the client.
type Observer interface {
	OnConnectionError(err error)
	OnFullResyncRequired(sig rollback.FullResync)
	OnRoster(roster []protocol.RosterEntry)
	OnFrame(frame int64, out engine.Output)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnConnectionError(error)                  {}
func (NopObserver) OnFullResyncRequired(rollback.FullResync) {}
func (NopObserver) OnRoster([]protocol.RosterEntry)          {}
func (NopObserver) OnFrame(int64, engine.Output)             {}

// FrameRecord is one buffered host broadcast.
type FrameRecord struct {
	Frame         int64
	Checksum      uint64
	RenderPayload []byte
	ReceivedAt    time.Time
	Compared      bool
	Matched       bool
}

// Status summarises a client for diagnostics.
type Status struct {
	State          State
	ClientID       string
	RoomID         string
	PlayerSlot     int
	LocalFrame     int64
	HostFrame      int64
	InputDelay     int
	Latency        time.Duration
	FrameDrops     uint64
	SyncPending    bool
	BufferedFrames int
	LocalHeld      uint16 // collector's held buttons, zero without one
	Rollback       rollback.Stats
}

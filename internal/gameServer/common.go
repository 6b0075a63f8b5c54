package gameserver

import (
	"context"
	"time"

	"github.com/simple64/netplay-core/internal/engine"
	"github.com/simple64/netplay-core/internal/frameloop"
	"github.com/simple64/netplay-core/internal/input"
	"github.com/simple64/netplay-core/internal/protocol"
	"github.com/simple64/netplay-core/internal/rollback"
)

const (
	DefaultInputDelay  = 2
	MaxInputDelay      = 10
	DefaultMaxSlots    = 2 // host plus one client
	MaxRemoteSlots     = 4
	DisconnectTimeoutS = 30
	IdleTimeoutS       = 60
	sweepInterval      = time.Second
	inboxSize          = 256
)

// Peer is the transport end the host uses to reach one client.
type Peer interface {
	Send(m protocol.Message) error
	Close() error
	RemoteAddr() string
}

// Sessions is the store a host releases its room to on teardown.
type Sessions interface {
	Destroy(roomID string) bool
}

// Lobby is told when a room closes.
type Lobby interface {
	ReportClosed(ctx context.Context, roomID string) error
}

// Hooks let the embedding process observe the host loop. Every hook runs on
// the loop goroutine.
type Hooks struct {
	AfterTick func(frame int64, out engine.Output)
	OnRoster  func(roster []protocol.RosterEntry)
	OnClosed  func(roomID string)
}

// Config tunes a Host.
type Config struct {
	TickRate       int
	InputDelay     int
	GraceWindow    time.Duration
	IdleTimeout    time.Duration
	BroadcastVideo bool
	Rollback       rollback.Config
	Validator      input.ValidatorConfig
}

// DefaultConfig returns 60Hz with two frames of input delay.
func DefaultConfig() Config {
	return Config{
		TickRate:    frameloop.DefaultTickRate,
		InputDelay:  DefaultInputDelay,
		GraceWindow: DisconnectTimeoutS * time.Second,
		IdleTimeout: IdleTimeoutS * time.Second,
		Rollback:    rollback.DefaultConfig(),
		Validator:   input.DefaultValidatorConfig(),
	}
}

func (c Config) normalise() Config {
	if c.TickRate <= 0 {
		c.TickRate = frameloop.DefaultTickRate
	}
	if c.InputDelay < 0 {
		c.InputDelay = 0
	}
	if c.InputDelay > MaxInputDelay {
		c.InputDelay = MaxInputDelay
	}
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = IdleTimeoutS * time.Second
	}
	return c
}

type hostState int

const (
	stateIdle hostState = iota
	stateRunning
	stateStopped
)

func (s hostState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

type inbound struct {
	peer Peer
	msg  protocol.Message // nil when the transport dropped
}

// Package config loads process settings from NETPLAY_* environment
// variables. Command-line flags in main override them.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	gameclient "github.com/simple64/netplay-core/internal/gameClient"
	gameserver "github.com/simple64/netplay-core/internal/gameServer"
	"github.com/simple64/netplay-core/internal/input"
	"github.com/simple64/netplay-core/internal/rollback"
)

// Config is every tunable of a host or client process.
type Config struct {
	Addr     string `env:"NETPLAY_ADDR" envDefault:":45000"`
	LogPath  string `env:"NETPLAY_LOG_PATH"`
	LobbyURL string `env:"NETPLAY_LOBBY_URL"`
	Name     string `env:"NETPLAY_NAME" envDefault:"Localhost"`

	TickRate       int  `env:"NETPLAY_TICK_RATE" envDefault:"60"`
	InputDelay     int  `env:"NETPLAY_INPUT_DELAY" envDefault:"2"`
	MaxClients     int  `env:"NETPLAY_MAX_CLIENTS" envDefault:"1"`
	BroadcastVideo bool `env:"NETPLAY_BROADCAST_VIDEO"`

	FrameBuffer int           `env:"NETPLAY_FRAME_BUFFER" envDefault:"10"`
	JoinTimeout time.Duration `env:"NETPLAY_JOIN_TIMEOUT" envDefault:"10s"`
	GraceWindow time.Duration `env:"NETPLAY_GRACE_WINDOW" envDefault:"30s"`
	IdleTimeout time.Duration `env:"NETPLAY_IDLE_TIMEOUT" envDefault:"60s"`

	HistoryFrames     int  `env:"NETPLAY_HISTORY_FRAMES" envDefault:"60"`
	MaxRollbackFrames int  `env:"NETPLAY_MAX_ROLLBACK_FRAMES" envDefault:"8"`
	Prediction        bool `env:"NETPLAY_PREDICTION" envDefault:"true"`
	PredictionFrames  int  `env:"NETPLAY_PREDICTION_FRAMES" envDefault:"3"`
	MaxDesyncs        int  `env:"NETPLAY_MAX_DESYNCS" envDefault:"5"`

	MaxInputsPerSecond  int     `env:"NETPLAY_MAX_INPUTS_PER_SECOND" envDefault:"30"`
	MinIntervalVariance float64 `env:"NETPLAY_MIN_INTERVAL_VARIANCE" envDefault:"100"`
	FlagSuspiciousOnly  bool    `env:"NETPLAY_FLAG_SUSPICIOUS_ONLY"`
}

// Load reads the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Rollback returns the history settings.
func (c Config) Rollback() rollback.Config {
	return rollback.Config{
		HistoryFrames:     c.HistoryFrames,
		MaxRollbackFrames: c.MaxRollbackFrames,
		DisablePrediction: !c.Prediction,
		PredictionFrames:  c.PredictionFrames,
		MaxDesyncs:        c.MaxDesyncs,
	}
}

// Validator returns the input plausibility settings.
func (c Config) Validator() input.ValidatorConfig {
	v := input.DefaultValidatorConfig()
	v.MaxInputsPerSecond = c.MaxInputsPerSecond
	v.MinIntervalVariance = c.MinIntervalVariance
	v.FlagOnly = c.FlagSuspiciousOnly
	return v
}

// Host returns the host loop settings.
func (c Config) Host() gameserver.Config {
	return gameserver.Config{
		TickRate:       c.TickRate,
		InputDelay:     c.InputDelay,
		GraceWindow:    c.GraceWindow,
		IdleTimeout:    c.IdleTimeout,
		BroadcastVideo: c.BroadcastVideo,
		Rollback:       c.Rollback(),
		Validator:      c.Validator(),
	}
}

// MaxSlots converts the remote client limit to session slots, host
// included, clamped to 1..MaxRemoteSlots remote players.
func (c Config) MaxSlots() int {
	n := c.MaxClients
	if n < 1 {
		n = 1
	}
	if n > gameserver.MaxRemoteSlots {
		n = gameserver.MaxRemoteSlots
	}
	return n + 1
}

// Client returns the client options for a player named displayName.
func (c Config) Client(displayName, roomID, password string) gameclient.Options {
	return gameclient.Options{
		DisplayName: displayName,
		RoomID:      roomID,
		Password:    password,
		TickRate:    c.TickRate,
		InputDelay:  c.InputDelay,
		FrameBuffer: c.FrameBuffer,
		JoinTimeout: c.JoinTimeout,
		Rollback:    c.Rollback(),
	}
}

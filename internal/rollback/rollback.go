// Package rollback keeps the bounded snapshot and input history of one peer
// and rewinds and resimulates the simulation when remote input or a checksum
// comparison shows the local timeline was wrong.
package rollback

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/simple64/netplay-core/internal/engine"
	"github.com/simple64/netplay-core/internal/input"
)

var (
	// ErrNoSnapshotAvailable is returned when a rollback target predates the
	// retained history. It also raises a pending full resync.
	ErrNoSnapshotAvailable = errors.New("no snapshot available")
	// ErrFullResyncRequired marks a desync the rollback window cannot repair.
	ErrFullResyncRequired = errors.New("full resync required")
)

const (
	DefaultHistoryFrames     = 60
	DefaultMaxRollbackFrames = 8
	DefaultPredictionFrames  = 3
	DefaultMaxDesyncs        = 5

	minHistoryFrames     = 30
	maxHistoryFrames     = 120
	maxRollbackFrames    = 16
	maxPredictionFrames  = 8
	inputCapacityPerSlot = 4
)

// Snapshot is one restore point. State is opaque to this package.
type Snapshot struct {
	Frame      int64
	State      []byte
	Checksum   uint64
	CapturedAt time.Time
}

// Config tunes history depth, prediction and desync escalation.
type Config struct {
	HistoryFrames     int
	MaxRollbackFrames int
	DisablePrediction bool
	PredictionFrames  int
	MaxDesyncs        int
	// InputCapacity bounds InputHistory. Zero selects four entries per
	// retained frame.
	InputCapacity int
}

// DefaultConfig returns the standard 60Hz tuning.
func DefaultConfig() Config {
	return Config{
		HistoryFrames:     DefaultHistoryFrames,
		MaxRollbackFrames: DefaultMaxRollbackFrames,
		PredictionFrames:  DefaultPredictionFrames,
		MaxDesyncs:        DefaultMaxDesyncs,
	}
}

func (c Config) normalise() Config {
	if c.HistoryFrames == 0 {
		c.HistoryFrames = DefaultHistoryFrames
	}
	c.HistoryFrames = clamp(c.HistoryFrames, minHistoryFrames, maxHistoryFrames)
	if c.MaxRollbackFrames == 0 {
		c.MaxRollbackFrames = DefaultMaxRollbackFrames
	}
	c.MaxRollbackFrames = clamp(c.MaxRollbackFrames, 1, maxRollbackFrames)
	c.PredictionFrames = clamp(c.PredictionFrames, 0, maxPredictionFrames)
	if c.MaxDesyncs <= 0 {
		c.MaxDesyncs = DefaultMaxDesyncs
	}
	if c.InputCapacity <= 0 {
		c.InputCapacity = c.HistoryFrames * inputCapacityPerSlot
	}
	return c
}

// Prediction is the guessed held state of one player on one future frame.
type Prediction struct {
	Frame      int64
	PlayerSlot int
	Held       []input.Button
}

// FullResync describes an escalation the session layer must act on by
// running the join handshake again.
type FullResync struct {
	Frame   int64
	Desyncs int
	Reason  string
}

// Stats are counters for telemetry.
type Stats struct {
	Frame             int64
	Rollbacks         uint64
	ResimulatedFrames uint64
	LastRollback      int
	Predictions       uint64
	Desyncs           int
	FullResyncs       uint64
	StateHistorySize  int
	InputHistorySize  int
	MaxRollbackFrames int
	Prediction        bool
}

// Engine owns one peer's StateHistory and InputHistory. It is not safe for
// concurrent use; the peer loop that owns the simulation owns the Engine.
type Engine struct {
	Logger logr.Logger

	sim    engine.Engine
	cfg    Config
	now    func() time.Time
	states *ring[Snapshot]
	inputs *inputLog
	frame  int64

	// held state per player slot as of frame, from applied inputs
	observed map[int]map[input.Button]bool

	desyncs   int
	escalated bool
	pending   *FullResync

	rollbacks    uint64
	resimulated  uint64
	lastRollback int
	predictions  uint64
	fullResyncs  uint64
}

// New wraps sim. The simulation is assumed to be at frame 0; call Bootstrap
// to start from another point.
func New(sim engine.Engine, cfg Config, logger logr.Logger) *Engine {
	cfg = cfg.normalise()
	return &Engine{
		Logger:   logger,
		sim:      sim,
		cfg:      cfg,
		now:      time.Now,
		states:   newRing[Snapshot](cfg.HistoryFrames),
		inputs:   newInputLog(cfg.InputCapacity),
		observed: make(map[int]map[input.Button]bool),
	}
}

// Frame is the frame the simulation state currently represents.
func (e *Engine) Frame() int64 {
	return e.frame
}

// Bootstrap restores state as frame and discards all history. A nil state
// keeps the simulation as it is.
func (e *Engine) Bootstrap(frame int64, state []byte) error {
	if state != nil {
		if err := e.sim.Deserialize(state); err != nil {
			return fmt.Errorf("bootstrap frame %d: %w", frame, err)
		}
	}
	e.states.clear()
	e.inputs.clear()
	e.observed = make(map[int]map[input.Button]bool)
	e.frame = frame
	return e.SaveState(frame)
}

// SaveState captures the simulation as the snapshot for frame. Any snapshot
// for frame or later is replaced.
func (e *Engine) SaveState(frame int64) error {
	state, err := e.sim.Serialize()
	if err != nil {
		return fmt.Errorf("serialize frame %d: %w", frame, err)
	}
	for e.states.len() > 0 && e.states.at(e.states.len()-1).Frame >= frame {
		e.states.dropNewest(1)
	}
	e.states.push(Snapshot{
		Frame:      frame,
		State:      state,
		Checksum:   e.sim.Checksum(),
		CapturedAt: e.now(),
	})
	e.compact()
	return nil
}

// AddInput stores ev in InputHistory. It reports whether ev targets a frame
// that has already been simulated, in which case the caller should Correct.
func (e *Engine) AddInput(ev input.Event) (late bool) {
	if n := e.inputs.insert(ev); n > 0 {
		e.Logger.V(1).Info("input history full, evicted oldest", "count", n)
	}
	return ev.TargetFrame <= e.frame
}

// Advance simulates the next frame: it applies every stored input targeting
// that frame in (TargetFrame, OriginClientID) order, steps once and saves
// the resulting snapshot.
func (e *Engine) Advance() (engine.Output, error) {
	next := e.frame + 1
	for _, ev := range e.inputs.forFrame(next) {
		e.sim.ApplyInput(ev.PlayerSlot, ev.Button, ev.Pressed)
		observe(e.observed, ev)
	}
	out := e.sim.Step()
	e.frame = next
	if err := e.SaveState(next); err != nil {
		return out, err
	}
	return out, nil
}

// RollbackToFrame restores the latest snapshot at or before target and
// replays the inputs in (snapshot frame, target]. It returns the number of
// resimulated frames.
func (e *Engine) RollbackToFrame(target int64) (int, error) {
	return e.rewind(target, target)
}

// Correct resimulates from just before frame up to the current frame, so an
// input stored late for frame takes effect.
func (e *Engine) Correct(frame int64) (int, error) {
	current := e.frame
	if frame > current {
		return 0, nil
	}
	return e.rewind(frame-1, current)
}

func (e *Engine) rewind(restore, replayTo int64) (int, error) {
	idx := -1
	for i := e.states.len() - 1; i >= 0; i-- {
		if e.states.at(i).Frame <= restore {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.escalate(restore, "no snapshot at or before frame")
		return 0, fmt.Errorf("%w: frame %d", ErrNoSnapshotAvailable, restore)
	}

	snap := e.states.at(idx)
	if err := e.sim.Deserialize(snap.State); err != nil {
		return 0, fmt.Errorf("restore frame %d: %w", snap.Frame, err)
	}
	e.states.dropNewest(e.states.len() - idx - 1)
	e.frame = snap.Frame

	replayed := 0
	for e.frame < replayTo {
		if _, err := e.Advance(); err != nil {
			return replayed, err
		}
		replayed++
	}

	e.rollbacks++
	e.resimulated += uint64(replayed)
	e.lastRollback = replayed
	e.Logger.V(1).Info("rolled back", "snapshot", snap.Frame, "target", replayTo, "resimulated", replayed)
	return replayed, nil
}

// PredictInputs guesses, for each of the next horizon frames, that every
// known player keeps holding what they most recently held. Stored inputs
// between the simulated frame and currentFrame are folded in first. It
// returns nil when prediction is disabled.
func (e *Engine) PredictInputs(currentFrame int64, horizon int) []Prediction {
	if e.cfg.DisablePrediction || horizon <= 0 {
		return nil
	}
	held := make(map[int]map[input.Button]bool, len(e.observed))
	for slot, m := range e.observed {
		c := make(map[input.Button]bool, len(m))
		for b, v := range m {
			c[b] = v
		}
		held[slot] = c
	}
	for _, ev := range e.inputs.between(e.frame+1, currentFrame) {
		observe(held, ev)
	}

	players := make([]int, 0, len(held))
	for slot := range held {
		players = append(players, slot)
	}
	sort.Ints(players)

	out := make([]Prediction, 0, horizon*len(players))
	for i := 1; i <= horizon; i++ {
		for _, slot := range players {
			out = append(out, Prediction{
				Frame:      currentFrame + int64(i),
				PlayerSlot: slot,
				Held:       heldButtons(held[slot]),
			})
		}
	}
	e.predictions += uint64(len(out))
	return out
}

func observe(held map[int]map[input.Button]bool, ev input.Event) {
	m, ok := held[ev.PlayerSlot]
	if !ok {
		m = make(map[input.Button]bool)
		held[ev.PlayerSlot] = m
	}
	m[ev.Button] = ev.Pressed
}

// CheckDesync compares checksums for frame. A mismatch increments the
// consecutive-desync counter; reaching MaxDesyncs raises exactly one pending
// FullResync until a match or ResetDesync clears the counter.
func (e *Engine) CheckDesync(local, remote uint64, frame int64) bool {
	if local == remote {
		e.desyncs = 0
		e.escalated = false
		return false
	}
	e.desyncs++
	e.Logger.Info("desync detected", "frame", frame, "local", local, "remote", remote, "consecutive", e.desyncs)
	if e.desyncs >= e.cfg.MaxDesyncs {
		e.escalate(frame, "consecutive desync threshold reached")
	}
	return true
}

// RequireFullResync raises a pending FullResync on behalf of the caller.
func (e *Engine) RequireFullResync(frame int64, reason string) {
	e.escalate(frame, reason)
}

func (e *Engine) escalate(frame int64, reason string) {
	if e.escalated {
		return
	}
	e.escalated = true
	e.fullResyncs++
	e.pending = &FullResync{Frame: frame, Desyncs: e.desyncs, Reason: reason}
	e.states.clear()
	e.inputs.clear()
	e.Logger.Info("full resync required", "frame", frame, "reason", reason, "desyncs", e.desyncs)
}

// ConsumeFullResync returns and clears the pending escalation.
func (e *Engine) ConsumeFullResync() (FullResync, bool) {
	if e.pending == nil {
		return FullResync{}, false
	}
	sig := *e.pending
	e.pending = nil
	return sig, true
}

// ResetDesync clears the desync counter after an explicit resync.
func (e *Engine) ResetDesync() {
	e.desyncs = 0
	e.escalated = false
}

// Snapshot returns the stored snapshot for frame.
func (e *Engine) Snapshot(frame int64) (Snapshot, bool) {
	for i := e.states.len() - 1; i >= 0; i-- {
		s := e.states.at(i)
		if s.Frame == frame {
			return s, true
		}
		if s.Frame < frame {
			break
		}
	}
	return Snapshot{}, false
}

// ChecksumAt returns the checksum recorded for frame.
func (e *Engine) ChecksumAt(frame int64) (uint64, bool) {
	s, ok := e.Snapshot(frame)
	return s.Checksum, ok
}

// Inputs returns stored inputs targeting [start, end].
func (e *Engine) Inputs(start, end int64) []input.Event {
	return e.inputs.between(start, end)
}

// Stats reports counters and history sizes.
func (e *Engine) Stats() Stats {
	return Stats{
		Frame:             e.frame,
		Rollbacks:         e.rollbacks,
		ResimulatedFrames: e.resimulated,
		LastRollback:      e.lastRollback,
		Predictions:       e.predictions,
		Desyncs:           e.desyncs,
		FullResyncs:       e.fullResyncs,
		StateHistorySize:  e.states.len(),
		InputHistorySize:  e.inputs.len(),
		MaxRollbackFrames: e.cfg.MaxRollbackFrames,
		Prediction:        !e.cfg.DisablePrediction,
	}
}

// Settings is a partial Config update; nil fields are left alone.
type Settings struct {
	HistoryFrames     *int
	MaxRollbackFrames *int
	Prediction        *bool
	PredictionFrames  *int
}

// UpdateSettings applies s with the same clamps as New.
func (e *Engine) UpdateSettings(s Settings) {
	cfg := e.cfg
	if s.HistoryFrames != nil {
		cfg.HistoryFrames = *s.HistoryFrames
	}
	if s.MaxRollbackFrames != nil {
		cfg.MaxRollbackFrames = *s.MaxRollbackFrames
	}
	if s.Prediction != nil {
		cfg.DisablePrediction = !*s.Prediction
	}
	if s.PredictionFrames != nil {
		cfg.PredictionFrames = *s.PredictionFrames
	}
	cfg = cfg.normalise()
	if cfg.HistoryFrames != e.states.capacity() {
		e.states.resize(cfg.HistoryFrames)
	}
	e.cfg = cfg
	e.Logger.Info("rollback settings updated",
		"historyFrames", cfg.HistoryFrames,
		"maxRollbackFrames", cfg.MaxRollbackFrames,
		"prediction", !cfg.DisablePrediction,
		"predictionFrames", cfg.PredictionFrames)
}

// PredictionFrames is the configured prediction horizon.
func (e *Engine) PredictionFrames() int {
	return e.cfg.PredictionFrames
}

// Reset discards history and counters. The simulation is left untouched.
func (e *Engine) Reset() {
	e.states.clear()
	e.inputs.clear()
	e.observed = make(map[int]map[input.Button]bool)
	e.desyncs = 0
	e.escalated = false
	e.pending = nil
	e.rollbacks = 0
	e.resimulated = 0
	e.lastRollback = 0
	e.predictions = 0
}

// compact trims history past a high-water mark rather than waiting for the
// ring to overflow, always keeping MaxRollbackFrames+1 snapshots.
func (e *Engine) compact() {
	capacity := e.states.capacity()
	highWater := capacity * 8 / 10
	if n := e.states.len(); n > highWater {
		drop := capacity / 5
		keep := e.cfg.MaxRollbackFrames + 1
		if n-drop < keep {
			drop = n - keep
		}
		if drop > 0 {
			e.states.dropOldest(drop)
		}
	}
	if e.states.len() > 0 {
		e.inputs.pruneThrough(e.states.at(0).Frame)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func heldButtons(m map[input.Button]bool) []input.Button {
	var out []input.Button
	for b, down := range m {
		if down {
			out = append(out, b)
		}
	}
	input.SortButtons(out)
	return out
}

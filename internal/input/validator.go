package input

import (
	"time"

	"github.com/go-logr/logr"
)

// Rejection explains why a candidate input was dropped.
type Rejection int

const (
	Accepted Rejection = iota
	RejectedRate
	RejectedExclusive
	RejectedTiming
)

func (r Rejection) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedRate:
		return "rate"
	case RejectedExclusive:
		return "exclusive"
	case RejectedTiming:
		return "timing"
	}
	return "unknown"
}

const (
	DefaultMaxInputsPerSecond  = 30
	DefaultMinIntervalVariance = 100 // milliseconds squared
	DefaultValidatorLogLimit   = 1000
)

// ValidatorConfig tunes the plausibility checks.
type ValidatorConfig struct {
	MaxInputsPerSecond int
	Window             time.Duration
	// MinIntervalVariance is the inter-event variance, in ms^2, at or below
	// which timing is treated as programmatic.
	MinIntervalVariance float64
	LogLimit            int
	// FlagOnly records suspicious timing without dropping the input.
	FlagOnly bool
}

// DefaultValidatorConfig returns the human-plausible defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxInputsPerSecond:  DefaultMaxInputsPerSecond,
		Window:              time.Second,
		MinIntervalVariance: DefaultMinIntervalVariance,
		LogLimit:            DefaultValidatorLogLimit,
	}
}

type logEntry struct {
	button  Button
	pressed bool
	at      time.Time
}

// ValidatorStats counts verdicts since construction.
type ValidatorStats struct {
	Accepted   uint64
	Rejected   map[Rejection]uint64
	Suspicious uint64
}

// Validator drops implausible input before it reaches history. It is not
// safe for concurrent use; each peer loop owns its validators.
type Validator struct {
	Logger logr.Logger

	cfg        ValidatorConfig
	log        []logEntry
	held       map[Button]bool
	accepted   uint64
	rejected   map[Rejection]uint64
	suspicious uint64
}

// NewValidator applies defaults to zero-valued fields of cfg.
func NewValidator(cfg ValidatorConfig, logger logr.Logger) *Validator {
	def := DefaultValidatorConfig()
	if cfg.MaxInputsPerSecond <= 0 {
		cfg.MaxInputsPerSecond = def.MaxInputsPerSecond
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinIntervalVariance <= 0 {
		cfg.MinIntervalVariance = def.MinIntervalVariance
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = def.LogLimit
	}
	return &Validator{
		Logger:   logger,
		cfg:      cfg,
		held:     make(map[Button]bool),
		rejected: make(map[Rejection]uint64),
	}
}

// Validate reports whether the transition is accepted. Accepted transitions
// are logged for the next call.
func (v *Validator) Validate(button Button, pressed bool, at time.Time) bool {
	return v.Check(button, pressed, at) == Accepted
}

// Check is Validate with the reason for a rejection.
func (v *Validator) Check(button Button, pressed bool, at time.Time) Rejection {
	recent := v.recent(at)

	verdict := Accepted
	switch {
	case len(recent) >= v.cfg.MaxInputsPerSecond:
		verdict = RejectedRate
	case v.conflicts(button, pressed):
		verdict = RejectedExclusive
	case v.regular(recent):
		v.suspicious++
		if !v.cfg.FlagOnly {
			verdict = RejectedTiming
		}
	}

	if verdict != Accepted {
		v.rejected[verdict]++
		v.Logger.V(1).Info("input rejected", "button", button, "pressed", pressed, "reason", verdict.String())
		return verdict
	}

	v.accepted++
	v.held[button] = pressed
	v.log = append(v.log, logEntry{button: button, pressed: pressed, at: at})
	if len(v.log) > v.cfg.LogLimit {
		v.log = append(v.log[:0], v.log[len(v.log)-v.cfg.LogLimit:]...)
	}
	return Accepted
}

// Held reports whether button is held according to accepted input.
func (v *Validator) Held(button Button) bool {
	return v.held[button]
}

// Stats returns a copy of the counters.
func (v *Validator) Stats() ValidatorStats {
	s := ValidatorStats{
		Accepted:   v.accepted,
		Rejected:   make(map[Rejection]uint64, len(v.rejected)),
		Suspicious: v.suspicious,
	}
	for k, n := range v.rejected {
		s.Rejected[k] = n
	}
	return s
}

// Reset forgets held state and the accepted log.
func (v *Validator) Reset() {
	v.log = v.log[:0]
	v.held = make(map[Button]bool)
}

// recent returns accepted entries inside the trailing window, oldest first.
func (v *Validator) recent(at time.Time) []logEntry {
	i := len(v.log)
	for i > 0 && at.Sub(v.log[i-1].at) < v.cfg.Window {
		i--
	}
	return v.log[i:]
}

func (v *Validator) conflicts(button Button, pressed bool) bool {
	if !pressed {
		return false
	}
	opposite, ok := button.Opposite()
	return ok && v.held[opposite]
}

// regular flags inter-event intervals whose variance is too low to be human.
func (v *Validator) regular(recent []logEntry) bool {
	if len(recent) < 3 {
		return false
	}
	intervals := make([]float64, 0, len(recent)-1)
	var sum float64
	for i := 1; i < len(recent); i++ {
		d := float64(recent[i].at.Sub(recent[i-1].at)) / float64(time.Millisecond)
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))
	var variance float64
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(intervals))
	return variance <= v.cfg.MinIntervalVariance
}

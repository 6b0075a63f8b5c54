package input

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

// jittered returns n timestamps starting at t0 whose gaps are irregular
// enough to pass the timing check.
func jittered(t0 time.Time, n int) []time.Time {
	gaps := []time.Duration{10, 50, 20, 45}
	out := make([]time.Time, n)
	at := t0
	for i := range out {
		out[i] = at
		at = at.Add(gaps[i%len(gaps)] * time.Millisecond)
	}
	return out
}

func TestValidatorRateLimit(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), testr.New(t))
	times := jittered(time.Unix(1000, 0), 31)
	if span := times[30].Sub(times[0]); span >= time.Second {
		t.Fatalf("fixture spans %s, want under 1s", span)
	}
	for i, at := range times[:30] {
		if got := v.Check(ButtonA, i%2 == 0, at); got != Accepted {
			t.Fatalf("event %d: got %s, want accepted", i+1, got)
		}
	}
	if got := v.Check(ButtonA, true, times[30]); got != RejectedRate {
		t.Fatalf("31st event: got %s, want rate", got)
	}

	// the window slides: a second after the first event there is room again
	if !v.Validate(ButtonB, true, times[0].Add(time.Second+15*time.Millisecond)) {
		t.Fatal("event after the window slid should be accepted")
	}
	if n := v.Stats().Rejected[RejectedRate]; n != 1 {
		t.Fatalf("rate rejections = %d, want 1", n)
	}
}

func TestValidatorMutualExclusion(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), testr.New(t))
	t0 := time.Unix(1000, 0)

	if !v.Validate(ButtonRight, true, t0) {
		t.Fatal("RIGHT press rejected")
	}
	if got := v.Check(ButtonLeft, true, t0.Add(30*time.Millisecond)); got != RejectedExclusive {
		t.Fatalf("LEFT while RIGHT held: got %s, want exclusive", got)
	}
	// releasing a direction never conflicts
	if !v.Validate(ButtonLeft, false, t0.Add(20*time.Millisecond)) {
		t.Fatal("LEFT release rejected")
	}
	if !v.Validate(ButtonRight, false, t0.Add(100*time.Millisecond)) {
		t.Fatal("RIGHT release rejected")
	}
	if !v.Validate(ButtonLeft, true, t0.Add(250*time.Millisecond)) {
		t.Fatal("LEFT after RIGHT released should be accepted")
	}
	if !v.Held(ButtonLeft) || v.Held(ButtonRight) {
		t.Fatal("held state not tracked")
	}
}

func TestValidatorTiming(t *testing.T) {
	tests := []struct {
		name     string
		flagOnly bool
		want     Rejection
	}{
		{"reject", false, RejectedTiming},
		{"flag only", true, Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultValidatorConfig()
			cfg.FlagOnly = tt.flagOnly
			v := NewValidator(cfg, testr.New(t))
			t0 := time.Unix(1000, 0)
			for i := 0; i < 3; i++ {
				if !v.Validate(ButtonA, i%2 == 0, t0.Add(time.Duration(i)*20*time.Millisecond)) {
					t.Fatalf("event %d rejected before enough history", i+1)
				}
			}
			if got := v.Check(ButtonA, true, t0.Add(60*time.Millisecond)); got != tt.want {
				t.Fatalf("machine-regular event: got %s, want %s", got, tt.want)
			}
			if n := v.Stats().Suspicious; n != 1 {
				t.Fatalf("suspicious = %d, want 1", n)
			}
		})
	}
}

func TestValidatorLogLimitAndReset(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.LogLimit = 5
	v := NewValidator(cfg, testr.New(t))
	for i, at := range jittered(time.Unix(1000, 0), 12) {
		v.Validate(ButtonB, i%2 == 0, at)
	}
	if len(v.log) != 5 {
		t.Fatalf("log length = %d, want 5", len(v.log))
	}
	v.Reset()
	if len(v.log) != 0 || v.Held(ButtonB) {
		t.Fatal("reset left state behind")
	}
}

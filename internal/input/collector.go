package input

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultCollectorHistory = 120 // two seconds at 60Hz
	defaultSubscriberBuffer = 64
	axisThreshold           = 0.5
)

// Sample is one validated local transition as captured by a Collector.
type Sample struct {
	Button    Button
	Pressed   bool
	Timestamp time.Time
	Frame     int64
}

// FrameSource reports the frame the local simulation is on. It is called from
// device goroutines and must be safe for concurrent use.
type FrameSource func() int64

// Subscription is one consumer of the collector stream. The stream keeps
// flowing across Reset; Close ends it.
type Subscription struct {
	C <-chan Sample

	c      chan Sample
	id     int
	parent *Collector
	once   sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s.id)
		s.parent.mu.Unlock()
		close(s.c)
	})
}

// CollectorStats summarises local input activity.
type CollectorStats struct {
	InputCount  uint64
	HistorySize int
	Dropped     uint64
	LastInput   time.Time
	Held        uint16 // held buttons as the layout's bitmask
}

// Collector turns raw keyboard, touch and gamepad signals into canonical
// samples, validates them and fans them out to subscribers.
type Collector struct {
	Logger logr.Logger

	mu        sync.Mutex
	layout    Layout
	validator *Validator
	frame     FrameSource
	now       func() time.Time

	state     map[Button]bool
	axis      map[Button]bool
	history   []Sample
	capacity  int
	subs      map[int]*Subscription
	nextSub   int
	count     uint64
	dropped   uint64
	lastInput time.Time
}

// NewCollector builds a collector for layout. history <= 0 selects the
// default bounded history.
func NewCollector(layout Layout, validator *Validator, frame FrameSource, history int, logger logr.Logger) *Collector {
	if history <= 0 {
		history = DefaultCollectorHistory
	}
	if frame == nil {
		frame = func() int64 { return 0 }
	}
	return &Collector{
		Logger:    logger.WithValues("system", layout.System),
		layout:    layout,
		validator: validator,
		frame:     frame,
		now:       time.Now,
		state:     make(map[Button]bool),
		axis:      make(map[Button]bool),
		capacity:  history,
		subs:      make(map[int]*Subscription),
	}
}

// Subscribe attaches a new consumer.
func (c *Collector) Subscribe() *Subscription {
	ch := make(chan Sample, defaultSubscriberBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	s := &Subscription{C: ch, c: ch, id: c.nextSub, parent: c}
	c.subs[s.id] = s
	return s
}

// HandleKey maps a keyboard code such as "KeyA".
func (c *Collector) HandleKey(code string, pressed bool) bool {
	b, ok := c.layout.FromKey(code)
	if !ok {
		return false
	}
	return c.submit(b, pressed)
}

// HandleTouch maps an on-screen control carrying a button name.
func (c *Collector) HandleTouch(button string, pressed bool) bool {
	b := Button(button)
	if !c.layout.Has(b) {
		return false
	}
	return c.submit(b, pressed)
}

// HandleGamepad maps a standard gamepad button index.
func (c *Collector) HandleGamepad(index int, pressed bool) bool {
	b, ok := c.layout.FromGamepad(index)
	if !ok {
		return false
	}
	return c.submit(b, pressed)
}

// HandleAxes converts an analog stick position to digital directions.
func (c *Collector) HandleAxes(x, y float64) {
	c.axisDirection(ButtonLeft, x < -axisThreshold)
	c.axisDirection(ButtonRight, x > axisThreshold)
	c.axisDirection(ButtonUp, y < -axisThreshold)
	c.axisDirection(ButtonDown, y > axisThreshold)
}

func (c *Collector) axisDirection(b Button, active bool) {
	c.mu.Lock()
	was := c.axis[b]
	c.mu.Unlock()
	if was == active {
		return
	}
	if c.submit(b, active) {
		c.mu.Lock()
		c.axis[b] = active
		c.mu.Unlock()
	}
}

func (c *Collector) submit(b Button, pressed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// auto-repeat and duplicate releases carry no transition
	if c.state[b] == pressed {
		return false
	}

	now := c.now()
	if c.validator != nil && !c.validator.Validate(b, pressed, now) {
		return false
	}

	s := Sample{Button: b, Pressed: pressed, Timestamp: now, Frame: c.frame()}
	c.state[b] = pressed
	c.count++
	c.lastInput = now

	c.history = append(c.history, s)
	if len(c.history) > c.capacity {
		c.history = append(c.history[:0], c.history[len(c.history)-c.capacity:]...)
	}

	for _, sub := range c.subs {
		select {
		case sub.c <- s:
		default:
			c.dropped++
			c.Logger.Info("subscriber full, dropping sample", "button", b, "frame", s.Frame)
		}
	}
	return true
}

// History returns samples whose frame lies in [start, end].
func (c *Collector) History(start, end int64) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sample
	for _, s := range c.history {
		if s.Frame >= start && s.Frame <= end {
			out = append(out, s)
		}
	}
	return out
}

// State returns the held state of every button that has transitioned.
func (c *Collector) State() map[Button]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Button]bool, len(c.state))
	for b, v := range c.state {
		out[b] = v
	}
	return out
}

// Stats reports counters for diagnostics.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollectorStats{
		InputCount:  c.count,
		HistorySize: len(c.history),
		Dropped:     c.dropped,
		LastInput:   c.lastInput,
		Held:        c.layout.Pack(c.state),
	}
}

// Reset clears held state and history. Subscriptions stay attached and see
// the restarted stream.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(map[Button]bool)
	c.axis = make(map[Button]bool)
	c.history = nil
	c.count = 0
	c.lastInput = time.Time{}
	if c.validator != nil {
		c.validator.Reset()
	}
}

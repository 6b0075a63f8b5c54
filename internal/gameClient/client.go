package gameclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/simple64/netplay-core/internal/engine"
	"github.com/simple64/netplay-core/internal/frameloop"
	"github.com/simple64/netplay-core/internal/input"
	"github.com/simple64/netplay-core/internal/protocol"
	"github.com/simple64/netplay-core/internal/rollback"
)

var (
	// ErrConnectionTimeout is returned when the host neither accepts nor
	// rejects a join in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrDisconnected reports a transport drop or an explicit disconnect.
	ErrDisconnected = errors.New("disconnected")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect while a session is live.
	ErrAlreadyConnected = errors.New("already connected")
)

// Conn is the transport end a client talks to its host through.
type Conn interface {
	Send(m protocol.Message) error
	Recv() (protocol.Message, error)
	Close() error
}

// Client is the non-authoritative peer. It runs its own fixed-rate
// simulation from the host's snapshot, sends local input ahead by the input
// delay and checks its checksums against the host's frame broadcasts.
//
// Loop handlers and the exported API serialise on one mutex, so each
// handler runs to completion before the next tick or message.
type Client struct {
	Logger logr.Logger

	mu       sync.Mutex
	opts     Options
	sim      engine.Engine
	rb       *rollback.Engine
	observer Observer
	now      func() time.Time

	state      State
	link       *link
	clientID   string
	roomID     string
	playerSlot int
	frame      atomic.Int64
	hostFrame  int64

	frames      []FrameRecord
	syncPending bool
	latency     time.Duration
	frameDrops  uint64

	collector *input.Collector
	local     *input.Subscription
	notes     []func()
}

// link is one connection attempt and the goroutines serving it.
type link struct {
	conn  Conn
	inbox chan protocol.Message
	errs  chan error
	quit  chan struct{}
	once  sync.Once
}

func (l *link) stop() {
	l.once.Do(func() { close(l.quit) })
}

// New builds an idle client around sim. A nil observer discards
// notifications.
func New(sim engine.Engine, opts Options, observer Observer, logger logr.Logger) *Client {
	opts = opts.normalise()
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	logger = logger.WithValues("client", opts.ClientID)
	return &Client{
		Logger:   logger,
		opts:     opts,
		sim:      sim,
		rb:       rollback.New(sim, opts.Rollback, logger.WithName("rollback")),
		observer: observer,
		now:      time.Now,
		clientID: opts.ClientID,
		roomID:   opts.RoomID,
	}
}

// ClientID is the id this client joins with.
func (c *Client) ClientID() string {
	return c.clientID
}

// Frame returns the local frame. Safe for concurrent use.
func (c *Client) Frame() int64 {
	return c.frame.Load()
}

// AttachCollector routes validated local samples into SendInput.
func (c *Client) AttachCollector(col *input.Collector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collector = col
	c.local = col.Subscribe()
}

// locked runs fn under the client mutex, then delivers observer
// notifications queued by fn once the mutex is released.
func (c *Client) locked(fn func()) {
	c.mu.Lock()
	fn()
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (c *Client) notify(fn func()) {
	c.notes = append(c.notes, fn)
}

// Connect sends a join request over conn and waits for the host's answer.
// On acceptance the local state is bootstrapped from the host snapshot and
// the local tick starts. A rejection returns a *protocol.RejectError; no
// answer within the join timeout returns ErrConnectionTimeout. Both leave
// the client Idle.
func (c *Client) Connect(ctx context.Context, conn Conn) error {
	var l *link
	var err error
	c.locked(func() {
		if c.state == JoinRequested || c.state == Connected {
			err = ErrAlreadyConnected
			return
		}
		l = &link{
			conn:  conn,
			inbox: make(chan protocol.Message, inboxSize),
			errs:  make(chan error, 1),
			quit:  make(chan struct{}),
		}
		c.link = l
		c.state = JoinRequested
		err = conn.Send(c.joinRequest())
	})
	if err != nil {
		if l != nil {
			c.abandon(l)
		}
		return err
	}
	go c.readLoop(l)

	c.Logger.Info("join requested", "room", c.roomID, "name", c.opts.DisplayName)
	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.abandon(l)
			return fmt.Errorf("join: %w", ctx.Err())
		case <-l.quit:
			c.abandon(l)
			return fmt.Errorf("join aborted: %w", ErrDisconnected)
		case <-timer.C:
			c.abandon(l)
			c.Logger.Info("join timed out", "timeout", c.opts.JoinTimeout.String())
			return ErrConnectionTimeout
		case rerr := <-l.errs:
			c.abandon(l)
			return fmt.Errorf("%w: %v", ErrDisconnected, rerr)
		case m := <-l.inbox:
			switch m := m.(type) {
			case protocol.JoinAccepted:
				var berr error
				c.locked(func() { berr = c.accept(m) })
				if berr != nil {
					c.abandon(l)
					return berr
				}
				go c.run(l)
				return nil
			case protocol.JoinRejected:
				c.abandon(l)
				c.Logger.Info("join rejected", "reason", m.Reason)
				return &protocol.RejectError{Reason: m.Reason}
			default:
				c.Logger.V(1).Info("ignoring message before join answer", "type", m.Kind())
			}
		}
	}
}

// abandon tears down a link that never reached Connected.
func (c *Client) abandon(l *link) {
	l.stop()
	_ = l.conn.Close()
	c.locked(func() {
		if c.link == l {
			c.link = nil
			c.state = Idle
		}
	})
}

func (c *Client) joinRequest() protocol.JoinRequest {
	return protocol.JoinRequest{
		ClientID:           c.clientID,
		ContentFingerprint: c.sim.ContentFingerprint(),
		DisplayName:        c.opts.DisplayName,
		RoomID:             c.roomID,
		Password:           c.opts.Password,
	}
}

// accept bootstraps from a JoinAccepted. Also used when the host answers a
// rejoin after a full resync.
func (c *Client) accept(m protocol.JoinAccepted) error {
	if err := c.rb.Bootstrap(m.CurrentFrame, m.StateSnapshot); err != nil {
		return fmt.Errorf("bootstrap from host snapshot: %w", err)
	}
	c.rb.ResetDesync()
	c.playerSlot = m.PlayerSlot
	if m.RoomID != "" {
		c.roomID = m.RoomID
	}
	c.hostFrame = m.CurrentFrame
	c.frame.Store(m.CurrentFrame)
	c.syncPending = false
	c.settleFrames(m.CurrentFrame)
	c.state = Connected
	c.Logger.Info("joined", "room", c.roomID, "playerSlot", c.playerSlot, "frame", m.CurrentFrame)
	return nil
}

func (c *Client) readLoop(l *link) {
	for {
		m, err := l.conn.Recv()
		if err != nil {
			select {
			case l.errs <- err:
			case <-l.quit:
			}
			return
		}
		select {
		case l.inbox <- m:
		case <-l.quit:
			return
		}
	}
}

// run is the client loop for a connected link.
func (c *Client) run(l *link) {
	interval := frameloop.Interval(c.opts.TickRate)
	schedule := frameloop.NewSchedule(c.now(), interval)
	timer := time.NewTimer(schedule.Due().Sub(c.now()))
	defer timer.Stop()

	var local <-chan input.Sample
	c.mu.Lock()
	if c.local != nil {
		local = c.local.C
	}
	c.mu.Unlock()

	for {
		select {
		case <-l.quit:
			return
		case err := <-l.errs:
			c.locked(func() {
				if c.link == l {
					c.teardown(fmt.Errorf("%w: %v", ErrDisconnected, err), false)
				}
			})
			return
		case m := <-l.inbox:
			c.locked(func() {
				if c.link == l {
					c.handle(m)
				}
			})
		case s, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			if err := c.SendInput(s.Button, s.Pressed); err != nil {
				c.Logger.V(1).Info("local input not sent", "button", s.Button, "err", err.Error())
			}
		case <-timer.C:
			if err := c.Tick(); err != nil && !errors.Is(err, ErrNotConnected) {
				c.Logger.Error(err, "tick failed", "frame", c.Frame())
			}
			wait, skipped := schedule.Wait(c.now())
			if skipped > 0 {
				c.Logger.V(1).Info("tick overran budget", "skipped", skipped)
			}
			timer.Reset(wait)
		}
	}
}

// handle dispatches one host message. Caller holds mu.
func (c *Client) handle(m protocol.Message) {
	switch m := m.(type) {
	case protocol.Frame:
		c.onFrame(m)
	case protocol.Input:
		c.onRemoteInput(m)
	case protocol.SyncResponse:
		c.onSyncResponse(m)
	case protocol.RosterUpdate:
		roster := m.Clients
		c.notify(func() { c.observer.OnRoster(roster) })
	case protocol.JoinAccepted:
		if err := c.accept(m); err != nil {
			c.Logger.Error(err, "rejoin failed")
			c.teardown(err, true)
		}
	case protocol.JoinRejected:
		c.teardown(&protocol.RejectError{Reason: m.Reason}, true)
	case protocol.Disconnect:
		c.Logger.Info("host left", "host", m.ClientID)
		c.teardown(ErrDisconnected, false)
	case protocol.JoinRequest, protocol.SyncRequest:
		c.Logger.Error(fmt.Errorf("%w: %s is client to host only", protocol.ErrProtocol, m.Kind()), "dropping message")
	}
	c.checkEscalation()
}

// OnFrameReceived handles a host frame broadcast.
func (c *Client) OnFrameReceived(m protocol.Frame) error {
	var err error
	c.locked(func() {
		if c.state != Connected {
			err = ErrNotConnected
			return
		}
		c.onFrame(m)
		c.checkEscalation()
	})
	return err
}

// onFrame buffers the broadcast and compares checksums once the local
// simulation has reached the frame.
func (c *Client) onFrame(m protocol.Frame) {
	now := c.now()
	if c.hostFrame > 0 && m.Frame > c.hostFrame+1 {
		c.frameDrops += uint64(m.Frame - c.hostFrame - 1)
	}
	if m.Frame > c.hostFrame {
		c.hostFrame = m.Frame
	}
	if m.Timestamp > 0 {
		if lat := now.Sub(time.UnixMilli(m.Timestamp)); lat >= 0 {
			c.latency = lat
		}
	}

	rec := FrameRecord{
		Frame:         m.Frame,
		Checksum:      m.Checksum,
		RenderPayload: m.RenderPayload,
		ReceivedAt:    now,
	}
	// a frame seen before was resimulated by the host: its checksum replaces
	// the buffered one and is compared again
	replaced := false
	for i := range c.frames {
		if c.frames[i].Frame == m.Frame {
			c.frames[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		c.frames = append(c.frames, rec)
	}
	if n := len(c.frames) - c.opts.FrameBuffer; n > 0 {
		c.frames = append(c.frames[:0], c.frames[n:]...)
	}
	c.compareFrames()
}

// compareFrames checks every buffered host checksum the local simulation
// has caught up with.
func (c *Client) compareFrames() {
	cur := c.rb.Frame()
	for i := range c.frames {
		rec := &c.frames[i]
		if rec.Compared || rec.Frame > cur {
			continue
		}
		rec.Compared = true
		local, ok := c.rb.ChecksumAt(rec.Frame)
		if !ok {
			continue
		}
		rec.Matched = !c.rb.CheckDesync(local, rec.Checksum, rec.Frame)
		if rec.Matched {
			continue
		}
		if _, err := c.rb.Correct(rec.Frame); err != nil {
			c.Logger.Error(err, "correction failed", "frame", rec.Frame)
		}
		c.requestResync(rec.Frame)
	}
}

// requestResync asks the host for its state unless a request is already
// outstanding.
func (c *Client) requestResync(frame int64) {
	if c.syncPending || c.link == nil {
		return
	}
	if err := c.link.conn.Send(protocol.SyncRequest{ClientID: c.clientID, Frame: frame}); err != nil {
		c.Logger.Error(err, "could not request resync", "frame", frame)
		return
	}
	c.syncPending = true
	c.Logger.Info("resync requested", "frame", frame)
}

// OnRemoteInput stores input relayed by the host.
func (c *Client) OnRemoteInput(m protocol.Input) error {
	var err error
	c.locked(func() {
		if c.state != Connected {
			err = ErrNotConnected
			return
		}
		c.onRemoteInput(m)
		c.checkEscalation()
	})
	return err
}

func (c *Client) onRemoteInput(m protocol.Input) {
	c.apply(m.Event())
}

// apply stores ev and resimulates when its frame has already run locally.
func (c *Client) apply(ev input.Event) {
	if !c.rb.AddInput(ev) {
		return
	}
	if _, err := c.rb.Correct(ev.TargetFrame); err != nil {
		c.Logger.Error(err, "could not apply input", "target", ev.TargetFrame, "frame", c.rb.Frame())
	}
}

func (c *Client) onSyncResponse(m protocol.SyncResponse) {
	if m.ClientID != "" && m.ClientID != c.clientID {
		c.Logger.Error(fmt.Errorf("%w: sync response for %q", protocol.ErrProtocol, m.ClientID), "dropping message")
		return
	}
	if err := c.rb.Bootstrap(m.CurrentFrame, m.StateSnapshot); err != nil {
		c.Logger.Error(err, "could not apply sync response")
		c.rb.RequireFullResync(m.CurrentFrame, "sync response unusable")
		return
	}
	c.rb.ResetDesync()
	c.syncPending = false
	c.frame.Store(m.CurrentFrame)
	c.settleFrames(m.CurrentFrame)
	c.Logger.Info("resynced", "frame", m.CurrentFrame)
}

// settleFrames marks buffered frames up to frame as handled after the local
// state was replaced.
func (c *Client) settleFrames(frame int64) {
	for i := range c.frames {
		if c.frames[i].Frame <= frame {
			c.frames[i].Compared = true
		}
	}
}

// checkEscalation acts on a pending full resync: the observer is told and
// the join handshake is rerun on the same connection.
func (c *Client) checkEscalation() {
	sig, ok := c.rb.ConsumeFullResync()
	if !ok {
		return
	}
	c.syncPending = false
	c.notify(func() { c.observer.OnFullResyncRequired(sig) })
	if c.link == nil || c.state != Connected {
		return
	}
	if err := c.link.conn.Send(c.joinRequest()); err != nil {
		c.Logger.Error(err, "could not rejoin after full resync")
		return
	}
	c.Logger.Info("rejoining after full resync", "frame", sig.Frame, "reason", sig.Reason)
}

// SendInput schedules a local transition inputDelay frames ahead, stores it
// for local resimulation and sends it to the host.
func (c *Client) SendInput(button input.Button, pressed bool) error {
	var err error
	c.locked(func() {
		if c.state != Connected {
			err = ErrNotConnected
			return
		}
		ev := input.Event{
			TargetFrame:    c.rb.Frame() + int64(c.opts.InputDelay),
			PlayerSlot:     c.playerSlot,
			Button:         button,
			Pressed:        pressed,
			Timestamp:      c.now(),
			OriginClientID: c.clientID,
		}
		c.apply(ev)
		c.checkEscalation()
		if serr := c.link.conn.Send(protocol.InputFromEvent(ev)); serr != nil {
			err = fmt.Errorf("send input: %w", serr)
		}
	})
	return err
}

// Tick advances the local simulation one frame and checks any host
// checksums for it.
func (c *Client) Tick() error {
	var err error
	c.locked(func() {
		if c.state != Connected {
			err = ErrNotConnected
			return
		}
		var out engine.Output
		out, err = c.rb.Advance()
		frame := c.rb.Frame()
		c.frame.Store(frame)
		c.compareFrames()
		c.checkEscalation()
		if err == nil {
			c.notify(func() { c.observer.OnFrame(frame, out) })
		}
	})
	return err
}

// Disconnect leaves the session: the host is told, the local tick stops and
// every buffer is cleared.
func (c *Client) Disconnect() error {
	var err error
	c.locked(func() {
		if c.state != JoinRequested && c.state != Connected {
			err = ErrNotConnected
			return
		}
		c.teardown(ErrDisconnected, true)
	})
	return err
}

// teardown moves to Disconnected and tells the observer why. Caller holds mu.
func (c *Client) teardown(cause error, sayGoodbye bool) {
	l := c.link
	c.link = nil
	if l != nil {
		if sayGoodbye {
			if err := l.conn.Send(protocol.Disconnect{ClientID: c.clientID}); err != nil {
				c.Logger.V(1).Info("could not send disconnect", "err", err.Error())
			}
		}
		l.stop()
		_ = l.conn.Close()
	}
	c.frames = nil
	c.syncPending = false
	c.hostFrame = 0
	c.latency = 0
	c.rb.Reset()
	c.state = Disconnected
	c.Logger.Info("disconnected", "reason", cause.Error(), "frame", c.rb.Frame())
	c.notify(func() { c.observer.OnConnectionError(cause) })
}

// SetInputDelay changes the local input delay, clamped to 0..MaxInputDelay.
func (c *Client) SetInputDelay(delay int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.InputDelay = clampDelay(delay)
	return c.opts.InputDelay
}

// CompensateLatency sets the input delay to cover latency: two frames plus
// one per tick interval of latency.
func (c *Client) CompensateLatency(latency time.Duration) int {
	if latency < 0 {
		latency = 0
	}
	// ceil(latency / frame time) without rounding the frame time
	frames := (int64(latency)*int64(c.opts.TickRate) + int64(time.Second) - 1) / int64(time.Second)
	delay := c.SetInputDelay(DefaultInputDelay + int(frames))
	c.Logger.Info("input delay adjusted", "latency", latency.String(), "inputDelay", delay)
	return delay
}

// Predictions returns the held-button guesses for the next frames.
func (c *Client) Predictions() []rollback.Prediction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rb.PredictInputs(c.rb.Frame(), c.rb.PredictionFrames())
}

// Frames returns a copy of the buffered host frames, oldest first.
func (c *Client) Frames() []FrameRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FrameRecord, len(c.frames))
	copy(out, c.frames)
	return out
}

// Status reports the client's connection and sync state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var held uint16
	if c.collector != nil {
		held = c.collector.Stats().Held
	}
	return Status{
		State:          c.state,
		ClientID:       c.clientID,
		RoomID:         c.roomID,
		PlayerSlot:     c.playerSlot,
		LocalFrame:     c.rb.Frame(),
		HostFrame:      c.hostFrame,
		InputDelay:     c.opts.InputDelay,
		Latency:        c.latency,
		FrameDrops:     c.frameDrops,
		SyncPending:    c.syncPending,
		BufferedFrames: len(c.frames),
		LocalHeld:      held,
		Rollback:       c.rb.Stats(),
	}
}

func clampDelay(d int) int {
	if d < 0 {
		return 0
	}
	if d > MaxInputDelay {
		return MaxInputDelay
	}
	return d
}

package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/simple64/netplay-core/internal/engine"
	"github.com/simple64/netplay-core/internal/frameloop"
	"github.com/simple64/netplay-core/internal/input"
	"github.com/simple64/netplay-core/internal/protocol"
	"github.com/simple64/netplay-core/internal/rollback"
	"github.com/simple64/netplay-core/internal/session"
)

var (
	// ErrLateInput is returned for input targeting a frame older than
	// currentFrame - inputDelay.
	ErrLateInput = errors.New("input too old")
	// ErrNotRunning is returned when the host loop is not running.
	ErrNotRunning = errors.New("host not running")
)

// Host is the authoritative peer. It owns the session's current frame and
// the simulation, and serves joins, inputs and sync requests from clients.
//
// Handlers and Tick are not safe for concurrent use. Run serialises them on
// a single loop; transports hand messages to that loop with Deliver.
type Host struct {
	Logger logr.Logger

	cfg      Config
	hooks    Hooks
	sim      engine.Engine
	rb       *rollback.Engine
	session  *session.Session
	sessions Sessions
	lobby    Lobby

	peers      map[string]Peer
	byPeer     map[Peer]string
	validators map[string]*input.Validator
	local      *input.Subscription

	state        hostState
	frame        atomic.Int64
	now          func() time.Time
	StartTime    time.Time
	LastActivity time.Time

	inbox    chan inbound
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once
}

// NewHost builds a host for sess, which the lobby has already created and
// registered in sessions.
func NewHost(sim engine.Engine, sess *session.Session, sessions Sessions, cfg Config, logger logr.Logger) *Host {
	cfg = cfg.normalise()
	logger = logger.WithValues("room", sess.RoomID, "host", sess.HostClientID)
	return &Host{
		Logger:     logger,
		cfg:        cfg,
		sim:        sim,
		rb:         rollback.New(sim, cfg.Rollback, logger.WithName("rollback")),
		session:    sess,
		sessions:   sessions,
		peers:      make(map[string]Peer),
		byPeer:     make(map[Peer]string),
		validators: make(map[string]*input.Validator),
		now:        time.Now,
		inbox:      make(chan inbound, inboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetHooks installs loop observers. Call before Run.
func (h *Host) SetHooks(hooks Hooks) {
	h.hooks = hooks
}

// SetLobby installs the collaborator told about teardown. Call before Run.
func (h *Host) SetLobby(l Lobby) {
	h.lobby = l
}

// AttachCollector routes the host player's local input into the loop.
func (h *Host) AttachCollector(c *input.Collector) {
	h.local = c.Subscribe()
}

// Frame returns the current frame. Safe for concurrent use.
func (h *Host) Frame() int64 {
	return h.frame.Load()
}

// Session returns the hosted session. Only the loop may mutate it.
func (h *Host) Session() *session.Session {
	return h.session
}

// Rollback exposes the host's history for diagnostics.
func (h *Host) Rollback() *rollback.Engine {
	return h.rb
}

// Start moves the host from Idle to Running and the session to Starting.
func (h *Host) Start() error {
	if h.state != stateIdle {
		return fmt.Errorf("start host in state %s", h.state)
	}
	if err := h.rb.Bootstrap(h.session.CurrentFrame, nil); err != nil {
		return fmt.Errorf("snapshot initial state: %w", err)
	}
	h.frame.Store(h.session.CurrentFrame)
	h.session.Status = session.Starting
	h.state = stateRunning
	h.StartTime = h.now()
	h.LastActivity = h.StartTime
	h.Logger.Info("host started", "frame", h.session.CurrentFrame, "tickRate", h.cfg.TickRate,
		"inputDelay", h.cfg.InputDelay, "maxSlots", h.session.MaxSlots, "hasPassword", h.session.Password != "")
	return nil
}

// Run drives the fixed-rate loop until ctx ends or Shutdown is called, then
// stops the host. Messages from Deliver and local input are handled between
// ticks, each to completion.
func (h *Host) Run(ctx context.Context) error {
	if h.state == stateIdle {
		if err := h.Start(); err != nil {
			return err
		}
	}
	if h.state != stateRunning {
		return ErrNotRunning
	}
	defer h.Stop()

	interval := frameloop.Interval(h.cfg.TickRate)
	schedule := frameloop.NewSchedule(h.now(), interval)
	timer := time.NewTimer(schedule.Due().Sub(h.now()))
	defer timer.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	var local <-chan input.Sample
	if h.local != nil {
		local = h.local.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.quit:
			return nil
		case in := <-h.inbox:
			h.handle(in)
		case s, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			h.SubmitLocalInput(s.Button, s.Pressed)
		case <-timer.C:
			if err := h.Tick(); err != nil {
				h.Logger.Error(err, "tick failed", "frame", h.Frame())
			}
			wait, skipped := schedule.Wait(h.now())
			if skipped > 0 {
				h.Logger.V(1).Info("tick overran budget", "skipped", skipped, "frame", h.Frame())
			}
			timer.Reset(wait)
		case now := <-sweep.C:
			h.sweep(now)
		}
	}
}

// Shutdown asks a running loop to stop. Safe for concurrent use.
func (h *Host) Shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })
}

// Done is closed once the host has stopped.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Deliver queues a message from peer for the loop. It returns false once the
// host has stopped.
func (h *Host) Deliver(peer Peer, msg protocol.Message) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- inbound{peer: peer, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

// PeerClosed tells the loop that peer's transport dropped.
func (h *Host) PeerClosed(peer Peer) {
	h.Deliver(peer, nil)
}

func (h *Host) handle(in inbound) {
	h.LastActivity = h.now()
	if in.msg == nil {
		h.dropPeer(in.peer)
		return
	}
	if err := h.HandleMessage(in.peer, in.msg); err != nil {
		h.Logger.Error(err, "dropping message", "type", in.msg.Kind(), "addr", in.peer.RemoteAddr())
	}
}

// HandleMessage dispatches one message from peer.
func (h *Host) HandleMessage(peer Peer, msg protocol.Message) error {
	if h.state != stateRunning {
		return ErrNotRunning
	}
	switch m := msg.(type) {
	case protocol.JoinRequest:
		return h.HandleJoin(peer, m)
	case protocol.Input:
		return h.HandleInput(peer, m)
	case protocol.SyncRequest:
		return h.HandleSyncRequest(peer, m)
	case protocol.Disconnect:
		return h.HandleLeave(peer, m)
	case protocol.JoinAccepted, protocol.JoinRejected, protocol.Frame,
		protocol.SyncResponse, protocol.RosterUpdate:
		return fmt.Errorf("%w: %s is host to client only", protocol.ErrProtocol, m.Kind())
	}
	return fmt.Errorf("%w: unhandled message %T", protocol.ErrProtocol, msg)
}

// HandleJoin admits or rejects a client. Repeated joins from a client that
// already holds a slot, including one in its grace window, reuse that slot.
func (h *Host) HandleJoin(peer Peer, req protocol.JoinRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("%w: join without client id", protocol.ErrProtocol)
	}
	if req.RoomID != "" && req.RoomID != h.session.RoomID {
		return fmt.Errorf("%w: join for room %q", protocol.ErrProtocol, req.RoomID)
	}
	log := h.Logger.WithValues("client", req.ClientID, "name", req.DisplayName, "addr", peer.RemoteAddr())

	if req.ContentFingerprint != h.sim.ContentFingerprint() {
		log.Info("join rejected", "reason", protocol.ReasonChecksumMismatch, "fingerprint", req.ContentFingerprint)
		return h.reject(peer, req.ClientID, protocol.ReasonChecksumMismatch)
	}

	slot, existing := h.session.Reconcile(req.ClientID, h.now())
	if !existing {
		if h.session.Full() {
			log.Info("join rejected", "reason", protocol.ReasonRoomFull)
			return h.reject(peer, req.ClientID, protocol.ReasonRoomFull)
		}
	}
	if h.session.Password != "" && req.Password != h.session.Password {
		log.Info("join rejected", "reason", protocol.ReasonUnauthorized)
		return h.reject(peer, req.ClientID, protocol.ReasonUnauthorized)
	}
	if existing {
		h.session.Reclaim(slot)
	} else {
		var err error
		slot, err = h.session.Add(req.ClientID, req.DisplayName)
		if err != nil {
			return fmt.Errorf("%w: add slot: %v", protocol.ErrProtocol, err)
		}
		h.validators[req.ClientID] = input.NewValidator(h.cfg.Validator, log.WithName("validator"))
	}
	if req.DisplayName != "" {
		slot.DisplayName = req.DisplayName
	}

	h.bind(req.ClientID, peer)

	state, err := h.sim.Serialize()
	if err != nil {
		return fmt.Errorf("serialize state for join: %w", err)
	}
	cur := h.session.CurrentFrame
	if err := peer.Send(protocol.JoinAccepted{
		ClientID:      req.ClientID,
		PlayerSlot:    slot.PlayerSlot,
		StateSnapshot: state,
		CurrentFrame:  cur,
		RoomID:        h.session.RoomID,
	}); err != nil {
		log.Error(err, "could not send join acceptance")
	}
	slot.State = session.Connected
	slot.LastAckFrame = cur
	slot.LastSync = h.now()
	slot.LastSyncFrame = cur
	h.sendPending(peer, cur)

	log.Info("client joined", "playerSlot", slot.PlayerSlot, "frame", cur, "rejoin", existing)
	h.broadcastRoster()
	return nil
}

func (h *Host) reject(peer Peer, clientID string, reason protocol.RejectReason) error {
	if err := peer.Send(protocol.JoinRejected{ClientID: clientID, Reason: reason}); err != nil {
		h.Logger.Error(err, "could not send join rejection", "client", clientID)
	}
	return nil
}

func (h *Host) bind(clientID string, peer Peer) {
	if old, ok := h.peers[clientID]; ok && old != peer {
		delete(h.byPeer, old)
		if err := old.Close(); err != nil {
			h.Logger.V(1).Info("closing replaced peer", "client", clientID, "err", err.Error())
		}
	}
	h.peers[clientID] = peer
	h.byPeer[peer] = clientID
}

// sendPending forwards stored inputs that have not been simulated yet so a
// peer bootstrapped from the frame-cur snapshot applies them too.
func (h *Host) sendPending(peer Peer, cur int64) {
	for _, ev := range h.rb.Inputs(cur+1, cur+int64(MaxInputDelay)+1) {
		if err := peer.Send(protocol.InputFromEvent(ev)); err != nil {
			h.Logger.V(1).Info("could not forward pending input", "err", err.Error())
			return
		}
	}
}

// HandleInput validates input from a joined client and hands it to
// ReceiveInput. The player slot is always the one the host assigned.
func (h *Host) HandleInput(peer Peer, m protocol.Input) error {
	clientID, ok := h.byPeer[peer]
	if !ok {
		return fmt.Errorf("%w: input from peer that has not joined", protocol.ErrProtocol)
	}
	if m.OriginClientID != clientID {
		return fmt.Errorf("%w: input claims client %q from %q", protocol.ErrProtocol, m.OriginClientID, clientID)
	}
	slot, ok := h.session.Slot(clientID)
	if !ok || !slot.Live() {
		return fmt.Errorf("%w: input for unknown client %q", protocol.ErrProtocol, clientID)
	}
	ev := m.Event()
	ev.PlayerSlot = slot.PlayerSlot
	// the claimed timestamp is the client's; limits run on receive time
	if v := h.validators[clientID]; v != nil && !v.Validate(ev.Button, ev.Pressed, h.now()) {
		return nil
	}
	err := h.ReceiveInput(ev)
	if errors.Is(err, ErrLateInput) {
		h.Logger.Info("ignoring late input", "client", clientID, "target", ev.TargetFrame, "frame", h.session.CurrentFrame)
		return nil
	}
	return err
}

// ReceiveInput stores ev, relays it to every other live client and makes it
// take effect on its target frame. Input older than currentFrame-inputDelay
// is rejected and never stored.
func (h *Host) ReceiveInput(ev input.Event) error {
	cur := h.session.CurrentFrame
	if ev.TargetFrame < cur-int64(h.cfg.InputDelay) {
		return fmt.Errorf("%w: target %d at frame %d", ErrLateInput, ev.TargetFrame, cur)
	}
	corrected := false
	if h.rb.AddInput(ev) {
		// already simulated: resimulate so the host timeline includes it
		if _, err := h.rb.Correct(ev.TargetFrame); err != nil {
			return fmt.Errorf("apply input for frame %d: %w", ev.TargetFrame, err)
		}
		corrected = true
	}
	if slot, ok := h.session.Slot(ev.OriginClientID); ok && ev.TargetFrame > slot.LastAckFrame {
		slot.LastAckFrame = ev.TargetFrame
	}
	h.broadcast(protocol.InputFromEvent(ev), ev.OriginClientID)
	if corrected {
		h.rebroadcastFrames(ev.TargetFrame, cur)
	}
	return nil
}

// rebroadcastFrames re-sends the checksums of frames resimulated by a
// correction. Clients replace the checksum they buffered for each frame.
func (h *Host) rebroadcastFrames(from, to int64) {
	ts := h.now().UnixMilli()
	for f := from; f <= to; f++ {
		sum, ok := h.rb.ChecksumAt(f)
		if !ok {
			continue
		}
		h.broadcast(protocol.Frame{Frame: f, Checksum: sum, Timestamp: ts}, "")
	}
	h.Logger.V(1).Info("corrected frames re-sent", "from", from, "to", to)
}

// SubmitLocalInput schedules the host player's own transition.
func (h *Host) SubmitLocalInput(button input.Button, pressed bool) {
	if h.state != stateRunning {
		return
	}
	ev := input.Event{
		TargetFrame:    h.session.CurrentFrame + int64(h.cfg.InputDelay),
		PlayerSlot:     session.HostPlayerSlot,
		Button:         button,
		Pressed:        pressed,
		Timestamp:      h.now(),
		OriginClientID: h.session.HostClientID,
	}
	if err := h.ReceiveInput(ev); err != nil {
		h.Logger.Error(err, "local input dropped", "button", button)
	}
}

// HandleSyncRequest answers with the authoritative state. The host never
// rolls back for a client; repeated requests for the same host frame are
// coalesced.
func (h *Host) HandleSyncRequest(peer Peer, req protocol.SyncRequest) error {
	clientID, ok := h.byPeer[peer]
	if !ok || clientID != req.ClientID {
		return fmt.Errorf("%w: sync request for %q", protocol.ErrProtocol, req.ClientID)
	}
	slot, ok := h.session.Slot(clientID)
	if !ok || !slot.Live() {
		return fmt.Errorf("%w: sync request for unknown client %q", protocol.ErrProtocol, clientID)
	}
	cur := h.session.CurrentFrame
	if !slot.LastSync.IsZero() && slot.LastSyncFrame == cur {
		h.Logger.V(1).Info("coalescing sync request", "client", clientID, "frame", cur)
		return nil
	}
	state, err := h.sim.Serialize()
	if err != nil {
		return fmt.Errorf("serialize state for sync: %w", err)
	}
	if err := peer.Send(protocol.SyncResponse{ClientID: clientID, StateSnapshot: state, CurrentFrame: cur}); err != nil {
		h.Logger.Error(err, "could not send sync response", "client", clientID)
	}
	slot.LastSync = h.now()
	slot.LastSyncFrame = cur
	h.sendPending(peer, cur)
	h.Logger.Info("sync sent", "client", clientID, "requested", req.Frame, "frame", cur)
	return nil
}

// HandleLeave removes a client that said goodbye.
func (h *Host) HandleLeave(peer Peer, m protocol.Disconnect) error {
	clientID, ok := h.byPeer[peer]
	if !ok || clientID != m.ClientID {
		return fmt.Errorf("%w: disconnect for %q", protocol.ErrProtocol, m.ClientID)
	}
	h.unbind(clientID)
	h.session.Remove(clientID)
	delete(h.validators, clientID)
	h.Logger.Info("client left", "client", clientID, "remaining", len(h.session.Remote()))
	h.broadcastRoster()
	return nil
}

// dropPeer handles a transport drop. A running match keeps the slot for
// the grace window.
func (h *Host) dropPeer(peer Peer) {
	clientID, ok := h.byPeer[peer]
	if !ok {
		return
	}
	h.unbind(clientID)
	slot, ok := h.session.Disconnect(clientID, h.now(), h.cfg.GraceWindow)
	if !ok {
		return
	}
	if slot.State == session.DisconnectedGrace {
		h.Logger.Info("client disconnected, holding slot", "client", clientID, "deadline", slot.GraceDeadline)
	} else {
		delete(h.validators, clientID)
		h.Logger.Info("client disconnected", "client", clientID)
	}
	h.broadcastRoster()
}

func (h *Host) unbind(clientID string) {
	if p, ok := h.peers[clientID]; ok {
		delete(h.byPeer, p)
		delete(h.peers, clientID)
	}
}

// Tick advances the authoritative frame: inputs targeting the new frame are
// applied, the simulation steps, the snapshot is saved and the checksum is
// broadcast to every live client.
func (h *Host) Tick() error {
	if h.state != stateRunning {
		return ErrNotRunning
	}
	out, err := h.rb.Advance()
	h.session.CurrentFrame = h.rb.Frame()
	h.frame.Store(h.session.CurrentFrame)
	if err != nil {
		return err
	}
	if h.session.Status == session.Starting {
		h.session.Status = session.Playing
	}

	msg := protocol.Frame{
		Frame:     h.session.CurrentFrame,
		Checksum:  h.sim.Checksum(),
		Timestamp: h.now().UnixMilli(),
	}
	if h.cfg.BroadcastVideo {
		msg.RenderPayload = out.Video
	}
	h.broadcast(msg, "")
	if h.hooks.AfterTick != nil {
		h.hooks.AfterTick(h.session.CurrentFrame, out)
	}
	return nil
}

// broadcast sends m to every live client except exclude. Sends never block
// the loop; failures are logged.
func (h *Host) broadcast(m protocol.Message, exclude string) {
	for _, slot := range h.session.Remote() {
		if slot.ClientID == exclude || !slot.Live() {
			continue
		}
		peer, ok := h.peers[slot.ClientID]
		if !ok {
			continue
		}
		if err := peer.Send(m); err != nil {
			h.Logger.V(1).Info("broadcast failed", "client", slot.ClientID, "type", m.Kind(), "err", err.Error())
		}
	}
}

// Roster lists every slot for a RosterUpdate.
func (h *Host) Roster() []protocol.RosterEntry {
	slots := h.session.Slots()
	out := make([]protocol.RosterEntry, 0, len(slots))
	for _, s := range slots {
		out = append(out, protocol.RosterEntry{
			ClientID:        s.ClientID,
			PlayerSlot:      s.PlayerSlot,
			DisplayName:     s.DisplayName,
			ConnectionState: s.State.String(),
		})
	}
	return out
}

func (h *Host) broadcastRoster() {
	roster := h.Roster()
	h.broadcast(protocol.RosterUpdate{Clients: roster}, "")
	if h.hooks.OnRoster != nil {
		h.hooks.OnRoster(roster)
	}
}

// sweep frees slots whose grace window ended, logs per-slot status and
// closes an abandoned room.
func (h *Host) sweep(now time.Time) {
	if expired := h.session.Expire(now); len(expired) > 0 {
		for _, c := range expired {
			delete(h.validators, c.ClientID)
			h.Logger.Info("grace window expired, slot freed", "client", c.ClientID, "playerSlot", c.PlayerSlot)
		}
		h.broadcastRoster()
	}

	remote := h.session.Remote()
	for _, c := range remote {
		h.Logger.V(1).Info("player status", "client", c.ClientID, "playerSlot", c.PlayerSlot,
			"state", c.State.String(), "lastAckFrame", c.LastAckFrame, "frame", h.session.CurrentFrame)
	}
	if len(remote) == 0 && now.Sub(h.LastActivity) > h.cfg.IdleTimeout {
		h.Logger.Info("no players and no activity, closing room", "idle", now.Sub(h.LastActivity).String(),
			"playTime", now.Sub(h.StartTime).String())
		h.Shutdown()
	}
}

// Stop tears the session down: clients are told, connections closed, the
// session destroyed in the store and history cleared.
func (h *Host) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		h.Shutdown()
		if h.state == stateRunning {
			h.broadcast(protocol.Disconnect{ClientID: h.session.HostClientID}, "")
		}
		h.state = stateStopped
		for clientID, p := range h.peers {
			err = multierr.Append(err, p.Close())
			h.unbind(clientID)
		}
		if h.local != nil {
			h.local.Close()
		}
		h.rb.Reset()
		roomID := h.session.RoomID
		if h.sessions != nil {
			h.sessions.Destroy(roomID)
		} else {
			h.session.Close()
		}
		if h.lobby != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = multierr.Append(err, h.lobby.ReportClosed(ctx, roomID))
			cancel()
		}
		h.Logger.Info("host stopped", "frame", h.session.CurrentFrame)
		if h.hooks.OnClosed != nil {
			h.hooks.OnClosed(roomID)
		}
		close(h.done)
	})
	return err
}

// Settings is a partial runtime update.
type Settings struct {
	MaxClients *int
	Password   *string
	InputDelay *int
}

// UpdateSettings applies s. MaxClients counts remote players and is clamped
// to 1..MaxRemoteSlots.
func (h *Host) UpdateSettings(s Settings) {
	if s.MaxClients != nil {
		n := *s.MaxClients
		if n < 1 {
			n = 1
		}
		if n > MaxRemoteSlots {
			n = MaxRemoteSlots
		}
		h.session.MaxSlots = n + 1
	}
	if s.Password != nil {
		h.session.Password = *s.Password
	}
	if s.InputDelay != nil {
		h.SetInputDelay(*s.InputDelay)
	}
	h.Logger.Info("host settings updated", "maxSlots", h.session.MaxSlots,
		"hasPassword", h.session.Password != "", "inputDelay", h.cfg.InputDelay)
}

// SetInputDelay changes the late-input tolerance and the delay applied to
// local input, clamped to 0..MaxInputDelay.
func (h *Host) SetInputDelay(delay int) {
	if delay < 0 {
		delay = 0
	}
	if delay > MaxInputDelay {
		delay = MaxInputDelay
	}
	h.cfg.InputDelay = delay
}

// Status summarises the host for diagnostics.
type Status struct {
	Running      bool
	State        string
	RoomID       string
	SessionState string
	CurrentFrame int64
	ClientCount  int
	MaxClients   int
	TickRate     int
	InputDelay   int
	HasPassword  bool
	Rollback     rollback.Stats
}

// Status reports the host's state.
func (h *Host) Status() Status {
	return Status{
		Running:      h.state == stateRunning,
		State:        h.state.String(),
		RoomID:       h.session.RoomID,
		SessionState: h.session.Status.String(),
		CurrentFrame: h.session.CurrentFrame,
		ClientCount:  len(h.session.Remote()),
		MaxClients:   h.session.MaxSlots - 1,
		TickRate:     h.cfg.TickRate,
		InputDelay:   h.cfg.InputDelay,
		HasPassword:  h.session.Password != "",
		Rollback:     h.rb.Stats(),
	}
}

// InputHistory returns stored inputs targeting [start, end].
func (h *Host) InputHistory(start, end int64) []input.Event {
	return h.rb.Inputs(start, end)
}

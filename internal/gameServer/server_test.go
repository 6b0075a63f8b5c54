package gameserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/simple64/netplay-core/internal/engine"
	"github.com/simple64/netplay-core/internal/input"
	"github.com/simple64/netplay-core/internal/protocol"
	"github.com/simple64/netplay-core/internal/rollback"
	"github.com/simple64/netplay-core/internal/session"
)

var testContent = []byte("mario party 2")

type fakePeer struct {
	name   string
	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func (p *fakePeer) Send(m protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.sent = append(p.sent, m)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) RemoteAddr() string { return p.name }

func (p *fakePeer) messages() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.sent...)
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}

func sentOf[T protocol.Message](p *fakePeer) []T {
	var out []T
	for _, m := range p.messages() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fakeLobby struct {
	closed []string
}

func (l *fakeLobby) ReportClosed(_ context.Context, roomID string) error {
	l.closed = append(l.closed, roomID)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Validator.FlagOnly = true
	return cfg
}

func newTestHost(t *testing.T, maxSlots int, password string) (*Host, *engine.Machine, *session.Store) {
	t.Helper()
	store := session.NewStore()
	sess := session.New("ROOM01", "host", "mario", maxSlots, password)
	if err := store.Create(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	sim := engine.NewMachine(testContent)
	h := NewHost(sim, sess, store, testConfig(), testr.New(t))
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h, sim, store
}

func joinRequest(clientID string) protocol.JoinRequest {
	return protocol.JoinRequest{
		ClientID:           clientID,
		ContentFingerprint: engine.NewMachine(testContent).ContentFingerprint(),
		DisplayName:        clientID,
		RoomID:             "ROOM01",
	}
}

func join(t *testing.T, h *Host, clientID string) *fakePeer {
	t.Helper()
	p := &fakePeer{name: clientID}
	if err := h.HandleMessage(p, joinRequest(clientID)); err != nil {
		t.Fatalf("join %s: %v", clientID, err)
	}
	if len(sentOf[protocol.JoinAccepted](p)) != 1 {
		t.Fatalf("join %s not accepted: %v", clientID, p.messages())
	}
	return p
}

func tickTo(t *testing.T, h *Host, frame int64) {
	t.Helper()
	for h.Frame() < frame {
		if err := h.Tick(); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
}

func TestJoinRejections(t *testing.T) {
	tests := []struct {
		name     string
		password string
		req      func() protocol.JoinRequest
		fill     bool
		want     protocol.RejectReason
	}{
		{
			name: "content mismatch",
			req: func() protocol.JoinRequest {
				r := joinRequest("c1")
				r.ContentFingerprint = "X"
				return r
			},
			want: protocol.ReasonChecksumMismatch,
		},
		{
			name: "room full",
			fill: true,
			req:  func() protocol.JoinRequest { return joinRequest("c2") },
			want: protocol.ReasonRoomFull,
		},
		{
			name:     "wrong password",
			password: "secret",
			req: func() protocol.JoinRequest {
				r := joinRequest("c1")
				r.Password = "guess"
				return r
			},
			want: protocol.ReasonUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHost(t, 2, tt.password)
			if tt.fill {
				p := &fakePeer{name: "c1"}
				r := joinRequest("c1")
				r.Password = tt.password
				if err := h.HandleMessage(p, r); err != nil {
					t.Fatalf("fill: %v", err)
				}
			}
			before := len(h.Session().Slots())
			p := &fakePeer{name: "joiner"}
			req := tt.req()
			if err := h.HandleMessage(p, req); err != nil {
				t.Fatalf("handle: %v", err)
			}
			rej := sentOf[protocol.JoinRejected](p)
			if len(rej) != 1 || rej[0].Reason != tt.want {
				t.Fatalf("sent %v, want one rejection %s", p.messages(), tt.want)
			}
			if _, ok := h.Session().Slot(req.ClientID); ok {
				t.Fatal("rejected client got a slot")
			}
			if got := len(h.Session().Slots()); got != before {
				t.Fatalf("slots = %d, want %d", got, before)
			}
		})
	}
}

func TestJoinAccepted(t *testing.T) {
	h, sim, _ := newTestHost(t, 3, "secret")
	tickTo(t, h, 30)

	p := &fakePeer{name: "c1"}
	req := joinRequest("c1")
	req.Password = "secret"
	if err := h.HandleMessage(p, req); err != nil {
		t.Fatalf("join: %v", err)
	}
	acc := sentOf[protocol.JoinAccepted](p)
	if len(acc) != 1 {
		t.Fatalf("sent %v", p.messages())
	}
	if acc[0].PlayerSlot != 2 || acc[0].CurrentFrame != 30 || acc[0].RoomID != "ROOM01" {
		t.Fatalf("accepted = %+v", acc[0])
	}
	replica := engine.NewMachine(testContent)
	if err := replica.Deserialize(acc[0].StateSnapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if replica.Checksum() != sim.Checksum() {
		t.Fatal("snapshot does not reproduce host state")
	}

	roster := sentOf[protocol.RosterUpdate](p)
	if len(roster) != 1 || len(roster[0].Clients) != 2 {
		t.Fatalf("roster = %v", roster)
	}
	slot, _ := h.Session().Slot("c1")
	if slot.State != session.Connected {
		t.Fatalf("slot state = %s", slot.State)
	}

	// a repeated join keeps the slot
	if err := h.HandleMessage(p, req); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	acc = sentOf[protocol.JoinAccepted](p)
	if len(acc) != 2 || acc[1].PlayerSlot != 2 {
		t.Fatalf("rejoin = %+v", acc)
	}
	if len(h.Session().Remote()) != 1 {
		t.Fatal("rejoin created a second slot")
	}
}

func TestLateInputBoundary(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	p := join(t, h, "c1")
	tickTo(t, h, 100)

	send := func(target int64) error {
		return h.ReceiveInput(input.Event{
			TargetFrame:    target,
			PlayerSlot:     2,
			Button:         input.ButtonA,
			Pressed:        target%2 == 0,
			Timestamp:      time.Now(),
			OriginClientID: "c1",
		})
	}
	if err := send(97); !errors.Is(err, ErrLateInput) {
		t.Fatalf("target 97 at frame 100: err = %v, want ErrLateInput", err)
	}
	if got := h.InputHistory(97, 97); len(got) != 0 {
		t.Fatalf("rejected input stored: %v", got)
	}
	if err := send(98); err != nil {
		t.Fatalf("target 98 at frame 100: %v", err)
	}
	if got := h.InputHistory(98, 98); len(got) != 1 {
		t.Fatalf("accepted input missing: %v", got)
	}
	if h.Frame() != 100 {
		t.Fatalf("correction moved the frame to %d", h.Frame())
	}

	// the same path through the wire handler drops late input quietly
	msg := protocol.Input{OriginClientID: "c1", PlayerSlot: 2, Button: input.ButtonB, Pressed: true, TargetFrame: 90}
	if err := h.HandleMessage(p, msg); err != nil {
		t.Fatalf("late wire input: %v", err)
	}
	if got := h.InputHistory(90, 90); len(got) != 0 {
		t.Fatal("late wire input stored")
	}
}

func TestInputAppliedOnceAndChecksumsAgree(t *testing.T) {
	h, sim, _ := newTestHost(t, 2, "")
	tickTo(t, h, 50)
	p := join(t, h, "c1")
	acc := sentOf[protocol.JoinAccepted](p)[0]

	// the client's own timeline, bootstrapped from the join snapshot
	clientSim := engine.NewMachine(testContent)
	clientRB := rollback.New(clientSim, rollback.DefaultConfig(), testr.New(t))
	if err := clientRB.Bootstrap(acc.CurrentFrame, acc.StateSnapshot); err != nil {
		t.Fatalf("client bootstrap: %v", err)
	}

	msg := protocol.Input{
		OriginClientID: "c1",
		PlayerSlot:     acc.PlayerSlot,
		Button:         input.ButtonA,
		Pressed:        true,
		TargetFrame:    52,
		Timestamp:      time.Now().UnixMilli(),
	}
	clientRB.AddInput(msg.Event())
	if err := h.HandleMessage(p, msg); err != nil {
		t.Fatalf("input: %v", err)
	}

	tickTo(t, h, 52)
	for clientRB.Frame() < 52 {
		if _, err := clientRB.Advance(); err != nil {
			t.Fatalf("client advance: %v", err)
		}
	}

	if got := h.InputHistory(52, 52); len(got) != 1 {
		t.Fatalf("inputs for frame 52 = %d, want exactly one", len(got))
	}
	if sim.Held(2) == 0 {
		t.Fatal("input not applied on the host")
	}

	var broadcast *protocol.Frame
	for _, f := range sentOf[protocol.Frame](p) {
		if f.Frame == 52 {
			f := f
			broadcast = &f
		}
	}
	if broadcast == nil {
		t.Fatal("no broadcast for frame 52")
	}
	local, ok := clientRB.ChecksumAt(52)
	if !ok {
		t.Fatal("client has no checksum for frame 52")
	}
	if clientRB.CheckDesync(local, broadcast.Checksum, 52) {
		t.Fatalf("client %x and host %x disagree at frame 52", local, broadcast.Checksum)
	}
}

func TestInputRelayExcludesOrigin(t *testing.T) {
	h, _, _ := newTestHost(t, 3, "")
	p1 := join(t, h, "c1")
	p2 := join(t, h, "c2")

	msg := protocol.Input{OriginClientID: "c1", PlayerSlot: 9, Button: input.ButtonUp, Pressed: true, TargetFrame: 3, Timestamp: 1}
	if err := h.HandleMessage(p1, msg); err != nil {
		t.Fatalf("input: %v", err)
	}
	if got := sentOf[protocol.Input](p1); len(got) != 0 {
		t.Fatalf("origin got its own input back: %v", got)
	}
	relayed := sentOf[protocol.Input](p2)
	if len(relayed) != 1 {
		t.Fatalf("relayed = %v", relayed)
	}
	if relayed[0].PlayerSlot != 2 {
		t.Fatalf("relayed slot = %d, want the host-assigned 2", relayed[0].PlayerSlot)
	}

	h.SubmitLocalInput(input.ButtonStart, true)
	for _, p := range []*fakePeer{p1, p2} {
		var found bool
		for _, in := range sentOf[protocol.Input](p) {
			if in.OriginClientID == "host" && in.PlayerSlot == session.HostPlayerSlot && in.TargetFrame == int64(DefaultInputDelay) {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s did not receive host input", p.name)
		}
	}
}

func TestInputProtocolErrors(t *testing.T) {
	h, _, _ := newTestHost(t, 3, "")
	p1 := join(t, h, "c1")
	stranger := &fakePeer{name: "stranger"}

	err := h.HandleMessage(stranger, protocol.Input{OriginClientID: "c1", TargetFrame: 5})
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("input from unjoined peer: %v", err)
	}
	err = h.HandleMessage(p1, protocol.Input{OriginClientID: "c2", TargetFrame: 5})
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("spoofed origin: %v", err)
	}
	err = h.HandleMessage(p1, protocol.Frame{Frame: 1})
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("host-only message from client: %v", err)
	}
	if h.Status().CurrentFrame != 0 || len(h.InputHistory(0, 100)) != 0 {
		t.Fatal("protocol errors changed state")
	}
}

func TestSyncRequestCoalesced(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	p := join(t, h, "c1")
	tickTo(t, h, 5)

	req := protocol.SyncRequest{ClientID: "c1", Frame: 4}
	for i := 0; i < 3; i++ {
		if err := h.HandleMessage(p, req); err != nil {
			t.Fatalf("sync: %v", err)
		}
	}
	resp := sentOf[protocol.SyncResponse](p)
	if len(resp) != 1 || resp[0].CurrentFrame != 5 {
		t.Fatalf("responses = %+v, want one at frame 5", resp)
	}
	if h.Frame() != 5 {
		t.Fatal("sync request moved the host")
	}

	tickTo(t, h, 6)
	if err := h.HandleMessage(p, req); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := sentOf[protocol.SyncResponse](p); len(got) != 2 {
		t.Fatalf("responses = %d, want a fresh one after the host advanced", len(got))
	}
}

func TestDisconnectGraceAndReclaim(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	p := join(t, h, "c1")
	tickTo(t, h, 3)

	h.handle(inbound{peer: p})
	slot, ok := h.Session().Slot("c1")
	if !ok || slot.State != session.DisconnectedGrace {
		t.Fatalf("slot after drop = %+v", slot)
	}

	tickTo(t, h, 4)
	if len(sentOf[protocol.Frame](p)) != 3 {
		t.Fatal("disconnected peer still receives broadcasts")
	}

	// full room until the deadline, but the same client gets its seat back
	other := &fakePeer{name: "c2"}
	h.HandleMessage(other, joinRequest("c2"))
	if rej := sentOf[protocol.JoinRejected](other); len(rej) != 1 || rej[0].Reason != protocol.ReasonRoomFull {
		t.Fatalf("c2 = %v", other.messages())
	}
	back := join(t, h, "c1")
	if acc := sentOf[protocol.JoinAccepted](back); acc[0].PlayerSlot != 2 {
		t.Fatalf("reclaimed slot = %d", acc[0].PlayerSlot)
	}

	// a drop followed by an expired window frees the seat
	h.handle(inbound{peer: back})
	h.sweep(time.Now().Add(h.cfg.GraceWindow + time.Second))
	if _, ok := h.Session().Slot("c1"); ok {
		t.Fatal("slot survived its grace window")
	}
}

func TestRejectedRejoinKeepsGraceDeadline(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	p := join(t, h, "c1")
	tickTo(t, h, 3)
	h.handle(inbound{peer: p})

	pw := "secret"
	h.UpdateSettings(Settings{Password: &pw})
	again := &fakePeer{name: "c1-again"}
	if err := h.HandleMessage(again, joinRequest("c1")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if rej := sentOf[protocol.JoinRejected](again); len(rej) != 1 || rej[0].Reason != protocol.ReasonUnauthorized {
		t.Fatalf("rejoin = %v", again.messages())
	}
	slot, ok := h.Session().Slot("c1")
	if !ok || slot.State != session.DisconnectedGrace || slot.GraceDeadline.IsZero() {
		t.Fatalf("slot after rejected rejoin = %+v", slot)
	}

	h.sweep(time.Now().Add(h.cfg.GraceWindow + time.Second))
	if _, ok := h.Session().Slot("c1"); ok {
		t.Fatal("slot outlived its grace window after a rejected rejoin")
	}
	req := joinRequest("c2")
	req.Password = pw
	p2 := &fakePeer{name: "c2"}
	if err := h.HandleMessage(p2, req); err != nil {
		t.Fatalf("join c2: %v", err)
	}
	if len(sentOf[protocol.JoinAccepted](p2)) != 1 {
		t.Fatalf("c2 = %v", p2.messages())
	}
}

func TestCorrectedFramesRebroadcast(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	p := join(t, h, "c1")
	tickTo(t, h, 100)
	stale := map[int64]uint64{}
	for _, f := range sentOf[protocol.Frame](p) {
		stale[f.Frame] = f.Checksum
	}
	p.reset()

	if err := h.ReceiveInput(input.Event{
		TargetFrame:    99,
		PlayerSlot:     2,
		Button:         input.ButtonA,
		Pressed:        true,
		Timestamp:      time.Now(),
		OriginClientID: "c1",
	}); err != nil {
		t.Fatalf("input at 99: %v", err)
	}

	frames := sentOf[protocol.Frame](p)
	if len(frames) != 2 || frames[0].Frame != 99 || frames[1].Frame != 100 {
		t.Fatalf("re-sent frames = %+v, want 99 and 100", frames)
	}
	for _, f := range frames {
		want, _ := h.Rollback().ChecksumAt(f.Frame)
		if f.Checksum != want {
			t.Fatalf("frame %d re-sent %d, host has %d", f.Frame, f.Checksum, want)
		}
		if f.Checksum == stale[f.Frame] {
			t.Fatalf("frame %d checksum unchanged by the correction", f.Frame)
		}
	}

	// input stored ahead of the frame needs no correction
	p.reset()
	if err := h.ReceiveInput(input.Event{TargetFrame: 102, PlayerSlot: 2, Button: input.ButtonB, Pressed: true, OriginClientID: "c1"}); err != nil {
		t.Fatalf("input at 102: %v", err)
	}
	if got := sentOf[protocol.Frame](p); len(got) != 0 {
		t.Fatalf("frames re-sent for future input: %+v", got)
	}
}

func TestRemoteInputRateUsesReceiveTime(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	p := join(t, h, "c1")
	tickTo(t, h, 10)
	at := time.Unix(5000, 0)
	h.now = func() time.Time { return at }

	// 60 transitions arrive at once but claim 20ms spacing
	for i := 0; i < 60; i++ {
		err := h.HandleMessage(p, protocol.Input{
			OriginClientID: "c1",
			PlayerSlot:     2,
			Button:         input.ButtonA,
			Pressed:        i%2 == 0,
			TargetFrame:    12,
			Timestamp:      at.Add(time.Duration(i) * 20 * time.Millisecond).UnixMilli(),
		})
		if err != nil {
			t.Fatalf("input %d: %v", i, err)
		}
	}
	if got := len(h.InputHistory(12, 12)); got != input.DefaultMaxInputsPerSecond {
		t.Fatalf("stored %d inputs, want %d", got, input.DefaultMaxInputsPerSecond)
	}
}

func TestLeave(t *testing.T) {
	h, _, _ := newTestHost(t, 3, "")
	p1 := join(t, h, "c1")
	p2 := join(t, h, "c2")
	p2.reset()

	if err := h.HandleMessage(p1, protocol.Disconnect{ClientID: "c1"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := h.Session().Slot("c1"); ok {
		t.Fatal("slot kept after leave")
	}
	roster := sentOf[protocol.RosterUpdate](p2)
	if len(roster) != 1 || len(roster[0].Clients) != 2 {
		t.Fatalf("roster after leave = %v", roster)
	}
	if !h.Status().Running {
		t.Fatal("host stopped when a client left")
	}
}

func TestStopTearsDown(t *testing.T) {
	h, _, store := newTestHost(t, 2, "")
	lobby := &fakeLobby{}
	h.SetLobby(lobby)
	var closedRoom string
	h.SetHooks(Hooks{OnClosed: func(roomID string) { closedRoom = roomID }})
	p := join(t, h, "c1")

	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := sentOf[protocol.Disconnect](p); len(got) != 1 {
		t.Fatalf("disconnect not announced: %v", p.messages())
	}
	if !p.closed {
		t.Fatal("peer not closed")
	}
	if _, ok := store.Get("ROOM01"); ok {
		t.Fatal("session still in store")
	}
	if len(lobby.closed) != 1 || closedRoom != "ROOM01" {
		t.Fatalf("teardown not reported: lobby %v hook %q", lobby.closed, closedRoom)
	}
	if h.Deliver(p, protocol.Disconnect{ClientID: "c1"}) {
		t.Fatal("stopped host accepted a message")
	}
	if err := h.Tick(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("tick after stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestIdleSweepShutsDown(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	now := time.Now()
	h.LastActivity = now.Add(-2 * h.cfg.IdleTimeout)
	h.sweep(now)
	select {
	case <-h.quit:
	default:
		t.Fatal("idle host not asked to stop")
	}
}

func TestSettings(t *testing.T) {
	h, _, _ := newTestHost(t, 2, "")
	n, pw, delay := 9, "pw", 42
	h.UpdateSettings(Settings{MaxClients: &n, Password: &pw, InputDelay: &delay})
	st := h.Status()
	if st.MaxClients != MaxRemoteSlots || !st.HasPassword || st.InputDelay != MaxInputDelay {
		t.Fatalf("status = %+v", st)
	}
	h.SetInputDelay(-1)
	if h.Status().InputDelay != 0 {
		t.Fatal("negative delay not clamped")
	}
	if st.State != "running" || st.SessionState != "starting" || st.RoomID != "ROOM01" {
		t.Fatalf("status = %+v", st)
	}
	tickTo(t, h, 1)
	if h.Status().SessionState != "playing" {
		t.Fatal("first tick should start play")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunLoop(t *testing.T) {
	store := session.NewStore()
	sess := session.New("ROOM01", "host", "mario", 2, "")
	if err := store.Create(sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	h := NewHost(engine.NewMachine(testContent), sess, store, testConfig(), testr.New(t))
	col := input.NewCollector(input.LayoutFor("nes"), nil, h.Frame, 0, testr.New(t))
	h.AttachCollector(col)
	var ticks atomic.Int64
	h.SetHooks(Hooks{AfterTick: func(int64, engine.Output) { ticks.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	p := &fakePeer{name: "c1"}
	if !h.Deliver(p, joinRequest("c1")) {
		t.Fatal("deliver refused")
	}
	waitFor(t, "join acceptance", func() bool { return len(sentOf[protocol.JoinAccepted](p)) == 1 })
	waitFor(t, "ticks", func() bool { return ticks.Load() >= 3 && len(sentOf[protocol.Frame](p)) > 0 })

	col.HandleKey("KeyA", true)
	waitFor(t, "relayed local input", func() bool { return len(sentOf[protocol.Input](p)) == 1 })
	if in := sentOf[protocol.Input](p)[0]; in.Button != input.ButtonA || in.PlayerSlot != session.HostPlayerSlot {
		t.Fatalf("relayed input = %+v", in)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	<-h.Done()
	if store.Len() != 0 {
		t.Fatal("session not destroyed after run")
	}
	if len(sentOf[protocol.Disconnect](p)) != 1 {
		t.Fatal("peer not told about shutdown")
	}
}

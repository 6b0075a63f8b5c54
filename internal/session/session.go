// Package session holds the data model of a two-party netplay match and the
// store that owns sessions by room id.
package session

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrRoomFull        = errors.New("room is full")
	ErrNotAccepting    = errors.New("session is not accepting players")
	ErrUnknownClient   = errors.New("unknown client")
	ErrDuplicateClient = errors.New("client already has a slot")
)

// HostPlayerSlot is always held by the authoritative peer.
const HostPlayerSlot = 1

// Status of a session.
type Status int

const (
	Waiting Status = iota
	Starting
	Playing
	Closed
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Starting:
		return "starting"
	case Playing:
		return "playing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ConnState of one client slot.
type ConnState int

const (
	Joining ConnState = iota
	Connected
	Disconnected
	// DisconnectedGrace keeps the slot reserved until GraceDeadline so the
	// same client id can reclaim it.
	DisconnectedGrace
)

func (c ConnState) String() string {
	switch c {
	case Joining:
		return "joining"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case DisconnectedGrace:
		return "disconnected-grace"
	}
	return "unknown"
}

// ClientSlot is one joined peer.
type ClientSlot struct {
	ClientID      string
	DisplayName   string
	PlayerSlot    int
	State         ConnState
	LastAckFrame  int64
	LastSync      time.Time
	LastSyncFrame int64
	GraceDeadline time.Time
}

// Live reports whether the slot receives broadcasts.
func (c *ClientSlot) Live() bool {
	return c.State == Joining || c.State == Connected
}

// Session is one match. CurrentFrame is written only by the host loop.
type Session struct {
	RoomID       string
	Status       Status
	MaxSlots     int
	Password     string
	HostClientID string
	CurrentFrame int64
	CreatedAt    time.Time

	slots []*ClientSlot
}

// New creates a Waiting session with the host already in slot 1.
func New(roomID, hostClientID, hostName string, maxSlots int, password string) *Session {
	if maxSlots < 2 {
		maxSlots = 2
	}
	return &Session{
		RoomID:       roomID,
		Status:       Waiting,
		MaxSlots:     maxSlots,
		Password:     password,
		HostClientID: hostClientID,
		CreatedAt:    time.Now(),
		slots: []*ClientSlot{{
			ClientID:    hostClientID,
			DisplayName: hostName,
			PlayerSlot:  HostPlayerSlot,
			State:       Connected,
		}},
	}
}

// Accepting reports whether remote slots may be created.
func (s *Session) Accepting() bool {
	return s.Status == Starting || s.Status == Playing
}

// Slots returns every slot ordered by player slot number.
func (s *Session) Slots() []*ClientSlot {
	out := make([]*ClientSlot, len(s.slots))
	copy(out, s.slots)
	return out
}

// Remote returns the non-host slots.
func (s *Session) Remote() []*ClientSlot {
	out := make([]*ClientSlot, 0, len(s.slots))
	for _, c := range s.slots {
		if c.ClientID != s.HostClientID {
			out = append(out, c)
		}
	}
	return out
}

// Slot finds the slot held by clientID.
func (s *Session) Slot(clientID string) (*ClientSlot, bool) {
	for _, c := range s.slots {
		if c.ClientID == clientID {
			return c, true
		}
	}
	return nil, false
}

// Full reports whether every seat is taken. Slots in their grace window
// still hold a seat.
func (s *Session) Full() bool {
	return len(s.slots) >= s.MaxSlots
}

// NextPlayerSlot returns the lowest free player slot number.
func (s *Session) NextPlayerSlot() int {
	used := make(map[int]bool, len(s.slots))
	for _, c := range s.slots {
		used[c.PlayerSlot] = true
	}
	n := HostPlayerSlot
	for used[n] {
		n++
	}
	return n
}

// Add creates a Joining slot for clientID.
func (s *Session) Add(clientID, displayName string) (*ClientSlot, error) {
	if !s.Accepting() {
		return nil, ErrNotAccepting
	}
	if _, ok := s.Slot(clientID); ok {
		return nil, ErrDuplicateClient
	}
	if s.Full() {
		return nil, ErrRoomFull
	}
	c := &ClientSlot{
		ClientID:    clientID,
		DisplayName: displayName,
		PlayerSlot:  s.NextPlayerSlot(),
		State:       Joining,
	}
	s.slots = append(s.slots, c)
	sort.SliceStable(s.slots, func(i, j int) bool {
		return s.slots[i].PlayerSlot < s.slots[j].PlayerSlot
	})
	return c, nil
}

// Remove frees the slot held by clientID.
func (s *Session) Remove(clientID string) (*ClientSlot, bool) {
	for i, c := range s.slots {
		if c.ClientID == clientID {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			c.State = Disconnected
			return c, true
		}
	}
	return nil, false
}

// Disconnect handles a dropped connection. While the match is running the
// slot enters its grace window; otherwise it is freed at once.
func (s *Session) Disconnect(clientID string, now time.Time, grace time.Duration) (*ClientSlot, bool) {
	c, ok := s.Slot(clientID)
	if !ok {
		return nil, false
	}
	if s.Accepting() && grace > 0 && clientID != s.HostClientID {
		c.State = DisconnectedGrace
		c.GraceDeadline = now.Add(grace)
		return c, true
	}
	return s.Remove(clientID)
}

// Reconcile decides what a join from clientID means for an existing slot.
// A live slot, or one still inside its grace window, is returned unchanged
// so the caller can finish its checks before calling Reclaim. A slot whose
// grace window has ended is freed.
func (s *Session) Reconcile(clientID string, now time.Time) (*ClientSlot, bool) {
	c, ok := s.Slot(clientID)
	if !ok {
		return nil, false
	}
	if c.State != DisconnectedGrace || now.Before(c.GraceDeadline) {
		return c, true
	}
	s.Remove(clientID)
	return nil, false
}

// Reclaim takes a slot out of its grace window for a returning client. Live
// slots are left alone.
func (s *Session) Reclaim(c *ClientSlot) {
	if c.State != DisconnectedGrace {
		return
	}
	c.State = Joining
	c.GraceDeadline = time.Time{}
}

// Expire frees every slot whose grace window has ended.
func (s *Session) Expire(now time.Time) []*ClientSlot {
	var expired []*ClientSlot
	for _, c := range s.Slots() {
		if c.State == DisconnectedGrace && !now.Before(c.GraceDeadline) {
			s.Remove(c.ClientID)
			expired = append(expired, c)
		}
	}
	return expired
}

// Close marks the session Closed and drops every slot.
func (s *Session) Close() {
	s.Status = Closed
	for _, c := range s.slots {
		c.State = Disconnected
	}
	s.slots = nil
}

package session

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
)

// ErrRoomExists is returned by Create when the room id is taken.
var ErrRoomExists = errors.New("room already exists")

const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength   = 6
)

// Store owns sessions keyed by room id. It is injected into hosts and
// clients; there is no process-wide registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers s under its room id.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.RoomID]; ok {
		return ErrRoomExists
	}
	st.sessions[s.RoomID] = s
	return nil
}

// Get retrieves a session by room id.
func (st *Store) Get(roomID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[roomID]
	return s, ok
}

// Destroy closes and removes the session.
func (st *Store) Destroy(roomID string) bool {
	st.mu.Lock()
	s, ok := st.sessions[roomID]
	delete(st.sessions, roomID)
	st.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// RoomIDs lists the registered room ids.
func (st *Store) RoomIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// UniqueRoomCode returns a six character code not used by any session.
func (st *Store) UniqueRoomCode() string {
	for {
		code := NewRoomCode()
		if _, ok := st.Get(code); !ok {
			return code
		}
	}
}

// NewRoomCode returns a random six character code of A-Z and 0-9.
func NewRoomCode() string {
	b := make([]byte, roomCodeLength)
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(b)
}

package session

import (
	"sort"
	"sync"

	"trading-alertsv1/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the in-process session directory. Its lock guards only the maps;
// session contents are guarded by each session's own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byClient: make(map[string]string),
	}
}

// Create registers a fresh session for clientID with a new UUID.
func (st *Store) Create(clientID string, creds model.Credentials, balance decimal.Decimal) *Session {
	s := New(uuid.NewString(), clientID, creds, balance)
	st.Put(s)
	return s
}

// Put registers (or replaces) s.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
	if s.ClientID != "" {
		st.byClient[s.ClientID] = s.ID
	}
}

// Get returns the session with id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// GetByClient returns the latest session created for clientID.
func (st *Store) GetByClient(clientID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byClient[clientID]
	if !ok {
		return nil, false
	}
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes a session. Returns false if it did not exist.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return false
	}
	delete(st.sessions, id)
	if st.byClient[s.ClientID] == id {
		delete(st.byClient, s.ClientID)
	}
	return true
}

// All returns every session ordered by id.
func (st *Store) All() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

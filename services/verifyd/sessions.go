package main

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sessionShards = 16

// Session is a pending payment session created by a resource server before it
// challenges a client with a 402. Sessions live only in memory and expire on a
// periodic sweep.
type Session struct {
	ID        string    `json:"sessionId"`
	Merchant  string    `json:"merchant"`
	Asset     string    `json:"asset,omitempty"`
	MinAmount string    `json:"minAmount,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Status    string    `json:"status"`
	PaymentID string    `json:"paymentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const (
	SessionStatusPending  = "pending"
	SessionStatusPaid     = "paid"
	SessionStatusVerified = "verified"
)

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// SessionStore is a sharded in-memory session map. Access is serialized per
// shard, never globally, so concurrent requests touching different sessions
// do not contend.
type SessionStore struct {
	shards   [sessionShards]*sessionShard
	capacity int
	nowFn    func() time.Time
	done     chan struct{}
	closeOne sync.Once
}

// NewSessionStore constructs a store sweeping expired sessions every sweep
// interval. capacity bounds the total session count across shards.
func NewSessionStore(capacity int, sweep time.Duration) *SessionStore {
	store := &SessionStore{
		capacity: capacity,
		nowFn:    time.Now,
		done:     make(chan struct{}),
	}
	for i := range store.shards {
		store.shards[i] = &sessionShard{sessions: make(map[string]*Session)}
	}
	if sweep > 0 {
		go store.sweepLoop(sweep)
	}
	return store
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *SessionStore) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Close stops the sweep goroutine.
func (s *SessionStore) Close() {
	s.closeOne.Do(func() { close(s.done) })
}

func (s *SessionStore) shard(id string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%sessionShards]
}

// Create registers a new pending session and returns it.
func (s *SessionStore) Create(merchant, asset, minAmount, reference string, ttl time.Duration) (*Session, error) {
	if s.Len() >= s.capacity {
		return nil, errSessionCapacity
	}
	now := s.nowFn().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		Merchant:  merchant,
		Asset:     asset,
		MinAmount: minAmount,
		Reference: reference,
		Status:    SessionStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	shard := s.shard(session.ID)
	shard.mu.Lock()
	shard.sessions[session.ID] = session
	shard.mu.Unlock()
	return cloneSession(session), nil
}

// Get returns a copy of the session when present and unexpired.
func (s *SessionStore) Get(id string) (*Session, bool) {
	shard := s.shard(id)
	shard.mu.RLock()
	session, ok := shard.sessions[id]
	shard.mu.RUnlock()
	if !ok || s.nowFn().UTC().After(session.ExpiresAt) {
		return nil, false
	}
	return cloneSession(session), true
}

// Update applies fn to the stored session under the shard lock and returns the
// updated copy.
func (s *SessionStore) Update(id string, fn func(*Session)) (*Session, bool) {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	session, ok := shard.sessions[id]
	if !ok || s.nowFn().UTC().After(session.ExpiresAt) {
		return nil, false
	}
	fn(session)
	return cloneSession(session), true
}

// Len reports the number of stored sessions, expired ones included until the
// next sweep.
func (s *SessionStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

func (s *SessionStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired sessions. Exposed so tests can trigger eviction
// deterministically.
func (s *SessionStore) Sweep() int {
	now := s.nowFn().UTC()
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, session := range shard.sessions {
			if now.After(session.ExpiresAt) {
				delete(shard.sessions, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}

package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Limits carries the resource caps enforced by the manager.
type Limits struct {
	Timeout             time.Duration
	MaxSessionsPerUser  int
	MaxEventsPerSession int
	MaxSessionBytes     int64
}

// record pairs a session with its capability token and a mutex that
// serializes all mutation of this one session. Distinct sessions never
// contend on each other.
type record struct {
	mu         sync.Mutex
	sess       *Session
	token      string
	eventBytes int64
	sink       MemorySink
}

// Manager owns the session table. The table lock only guards map
// membership; per-session state is guarded by each record's own mutex,
// so appends on one session never block another and the reaper can never
// observe a half-mutated record.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*record

	limits  Limits
	factory MemoryFactory
	store   Store
	clock   func() time.Time
}

type Option func(*Manager)

// WithMemoryFactory attaches a per-session memory sink builder.
func WithMemoryFactory(f MemoryFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithStore enables durable persistence of sessions and events.
func WithStore(st Store) Option {
	return func(m *Manager) { m.store = st }
}

// withClock is a test seam.
func withClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*record),
		limits:  limits,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore rehydrates non-expired sessions from the configured store.
// Expired records are dropped (and purged from the store) rather than
// resurrected.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.LoadSessions()
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	now := m.clock()
	restored := 0
	for _, st := range stored {
		if st.Session.State != StateActive || m.expired(st.Session.LastAccessAt, now) {
			if err := m.store.DeleteSession(st.Session.ID); err != nil {
				log.Printf("[session] purge expired %s: %v", st.Session.ID, err)
			}
			continue
		}
		sess := st.Session
		var bytes int64
		for _, ev := range sess.Events {
			bytes += int64(len(ev.Payload))
		}
		rec := &record{sess: &sess, token: st.Token, eventBytes: bytes}
		if m.factory != nil {
			rec.sink = m.factory(sess.ID)
		}
		m.mu.Lock()
		m.records[sess.ID] = rec
		m.mu.Unlock()
		restored++
	}
	if restored > 0 {
		log.Printf("[session] restored %d sessions", restored)
	}
	return nil
}

// CreateSession opens a new session for ownerID and returns its id and
// capability token. Fails with ErrQuotaExceeded when the owner already
// holds the per-user maximum of active sessions.
func (m *Manager) CreateSession(ownerID string) (string, string, error) {
	if ownerID == "" {
		return "", "", fmt.Errorf("session: owner id required")
	}

	token, err := newToken()
	if err != nil {
		return "", "", fmt.Errorf("session: mint token: %w", err)
	}

	now := m.clock()
	sess := &Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		CreatedAt:    now,
		LastAccessAt: now,
		State:        StateActive,
	}
	rec := &record{sess: sess, token: token}

	m.mu.Lock()
	if m.limits.MaxSessionsPerUser > 0 && m.activeForOwnerLocked(ownerID, now) >= m.limits.MaxSessionsPerUser {
		m.mu.Unlock()
		return "", "", fmt.Errorf("%w: owner %s already has %d active sessions", ErrQuotaExceeded, ownerID, m.limits.MaxSessionsPerUser)
	}
	m.records[sess.ID] = rec
	m.mu.Unlock()

	if m.factory != nil {
		rec.sink = m.factory(sess.ID)
	}
	if m.store != nil {
		if err := m.store.SaveSession(sess, token); err != nil {
			log.Printf("[session] persist %s: %v", sess.ID, err)
		}
	}
	return sess.ID, token, nil
}

// GetSession returns a snapshot of the session after verifying the
// token. Expiry is checked lazily on every access, so an idle session
// reads as ErrNotFound before the reaper's next sweep.
func (m *Manager) GetSession(sessionID, token string) (*Session, error) {
	rec, err := m.authorize(sessionID, token)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := m.checkLiveLocked(rec); err != nil {
		return nil, err
	}
	return snapshot(rec.sess), nil
}

// AppendEvent appends one event, updates the access time and feeds the
// memory sink. Appends against one session are serialized; sessions do
// not block each other.
func (m *Manager) AppendEvent(sessionID, token string, ev Event) error {
	rec, err := m.authorize(sessionID, token)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := m.checkLiveLocked(rec); err != nil {
		return err
	}

	if m.limits.MaxEventsPerSession > 0 && len(rec.sess.Events) >= m.limits.MaxEventsPerSession {
		return fmt.Errorf("%w: event cap %d reached", ErrResourceExhausted, m.limits.MaxEventsPerSession)
	}
	evBytes := int64(len(ev.Payload))
	if m.limits.MaxSessionBytes > 0 && rec.eventBytes+evBytes > m.limits.MaxSessionBytes {
		return fmt.Errorf("%w: byte cap %d reached", ErrResourceExhausted, m.limits.MaxSessionBytes)
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock()
	}
	rec.sess.Events = append(rec.sess.Events, ev)
	rec.eventBytes += evBytes
	rec.sess.LastAccessAt = m.clock()

	if rec.sink != nil {
		rec.sink.ObserveEvent(ev)
	}
	if m.store != nil {
		if err := m.store.AppendEvent(rec.sess.ID, ev); err != nil {
			log.Printf("[session] persist event for %s: %v", rec.sess.ID, err)
		}
	}
	return nil
}

// CloseSession terminates a session, invalidates its token and releases
// its memory sink. Closing an unknown or already-closed session is a
// no-op.
func (m *Manager) CloseSession(sessionID, token string) error {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	match := subtle.ConstantTimeCompare([]byte(rec.token), []byte(token)) == 1
	rec.mu.Unlock()
	if !match {
		return ErrUnauthorized
	}
	m.remove(rec, StateClosed)
	return nil
}

// ReapIdle removes every session idle beyond the timeout and releases
// its resources. Sessions already flagged expired by a lazy access
// check are collected too. Called by the background sweeper; safe to
// run concurrently with live traffic.
func (m *Manager) ReapIdle() int {
	now := m.clock()

	m.mu.RLock()
	candidates := make([]*record, 0)
	for _, rec := range m.records {
		candidates = append(candidates, rec)
	}
	m.mu.RUnlock()

	reaped := 0
	for _, rec := range candidates {
		rec.mu.Lock()
		idle := rec.sess.State == StateExpired ||
			(rec.sess.State == StateActive && m.expired(rec.sess.LastAccessAt, now))
		rec.mu.Unlock()
		if idle {
			m.remove(rec, StateExpired)
			reaped++
		}
	}
	return reaped
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	now := m.clock()
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	count := 0
	for _, rec := range records {
		rec.mu.Lock()
		if rec.sess.State == StateActive && !m.expired(rec.sess.LastAccessAt, now) {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

// List returns snapshots of all live sessions, for the CLI.
func (m *Manager) List() []*Session {
	now := m.clock()
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	var out []*Session
	for _, rec := range records {
		rec.mu.Lock()
		if rec.sess.State == StateActive && !m.expired(rec.sess.LastAccessAt, now) {
			out = append(out, snapshot(rec.sess))
		}
		rec.mu.Unlock()
	}
	return out
}

func (m *Manager) authorize(sessionID, token string) (*record, error) {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	// rec.token is cleared by remove under rec.mu, so the compare has
	// to hold the same lock.
	rec.mu.Lock()
	match := subtle.ConstantTimeCompare([]byte(rec.token), []byte(token)) == 1
	rec.mu.Unlock()
	if !match {
		return nil, ErrUnauthorized
	}
	return rec, nil
}

// checkLiveLocked enforces lazy expiry. Caller holds rec.mu.
func (m *Manager) checkLiveLocked(rec *record) error {
	if rec.sess.State != StateActive {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.sess.ID)
	}
	if m.expired(rec.sess.LastAccessAt, m.clock()) {
		rec.sess.State = StateExpired
		return fmt.Errorf("%w: %s expired", ErrNotFound, rec.sess.ID)
	}
	return nil
}

func (m *Manager) remove(rec *record, final State) {
	rec.mu.Lock()
	rec.sess.State = final
	rec.token = ""
	sink := rec.sink
	rec.sink = nil
	id := rec.sess.ID
	rec.mu.Unlock()

	if sink != nil {
		sink.Close()
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSession(id); err != nil {
			log.Printf("[session] delete %s from store: %v", id, err)
		}
	}
}

// activeForOwnerLocked counts live sessions for an owner. Caller holds
// m.mu; rec.mu is taken per record and is never held while m.mu is
// acquired elsewhere, so the nesting is safe.
func (m *Manager) activeForOwnerLocked(ownerID string, now time.Time) int {
	count := 0
	for _, rec := range m.records {
		rec.mu.Lock()
		if rec.sess.OwnerID == ownerID && rec.sess.State == StateActive && !m.expired(rec.sess.LastAccessAt, now) {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

func (m *Manager) expired(lastAccess, now time.Time) bool {
	return m.limits.Timeout > 0 && now.Sub(lastAccess) > m.limits.Timeout
}

func snapshot(sess *Session) *Session {
	cp := *sess
	cp.Events = append([]Event(nil), sess.Events...)
	return &cp
}

func newToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

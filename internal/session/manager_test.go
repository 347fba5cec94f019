package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		Timeout:             30 * time.Minute,
		MaxSessionsPerUser:  4,
		MaxEventsPerSession: 1000,
		MaxSessionBytes:     1 << 20,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCreateSession(t *testing.T) {
	m := NewManager(testLimits())

	id, token, err := m.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if id == "" {
		t.Error("session id should not be empty")
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	sess, err := m.GetSession(id, token)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if sess.OwnerID != "alice" {
		t.Errorf("owner = %q, want alice", sess.OwnerID)
	}
	if sess.State != StateActive {
		t.Errorf("state = %q, want active", sess.State)
	}
}

func TestGetSession_WrongToken(t *testing.T) {
	m := NewManager(testLimits())
	id, _, err := m.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	if _, err := m.GetSession(id, "bogus-token"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong token = %v, want ErrUnauthorized", err)
	}
}

func TestGetSession_Unknown(t *testing.T) {
	m := NewManager(testLimits())
	if _, err := m.GetSession("no-such-session", "whatever"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session = %v, want ErrNotFound", err)
	}
}

func TestTokenIsolation(t *testing.T) {
	m := NewManager(testLimits())
	idA, tokenA, _ := m.CreateSession("alice")
	idB, tokenB, _ := m.CreateSession("bob")

	if _, err := m.GetSession(idA, tokenB); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cross-session token = %v, want ErrUnauthorized", err)
	}
	if _, err := m.GetSession(idB, tokenA); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cross-session token = %v, want ErrUnauthorized", err)
	}
}

func TestAppendEvent_Ordering(t *testing.T) {
	m := NewManager(testLimits())
	id, token, _ := m.CreateSession("alice")

	const n = 50
	for i := 0; i < n; i++ {
		err := m.AppendEvent(id, token, Event{
			Kind:    EventUserMessage,
			Payload: fmt.Sprintf("msg-%d", i),
		})
		if err != nil {
			t.Fatalf("AppendEvent(%d) error: %v", i, err)
		}
	}

	sess, err := m.GetSession(id, token)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if len(sess.Events) != n {
		t.Fatalf("len(events) = %d, want %d", len(sess.Events), n)
	}
	for i, ev := range sess.Events {
		if ev.Payload != fmt.Sprintf("msg-%d", i) {
			t.Errorf("events[%d] = %q, out of order", i, ev.Payload)
		}
	}
}

func TestAppendEvent_EventCap(t *testing.T) {
	limits := testLimits()
	limits.MaxEventsPerSession = 3
	m := NewManager(limits)
	id, token, _ := m.CreateSession("alice")

	for i := 0; i < 3; i++ {
		if err := m.AppendEvent(id, token, Event{Kind: EventUserMessage, Payload: "x"}); err != nil {
			t.Fatalf("AppendEvent(%d) error: %v", i, err)
		}
	}
	err := m.AppendEvent(id, token, Event{Kind: EventUserMessage, Payload: "overflow"})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("over cap = %v, want ErrResourceExhausted", err)
	}

	// Session stays usable for reads after hitting the cap.
	if _, err := m.GetSession(id, token); err != nil {
		t.Errorf("GetSession after cap error: %v", err)
	}
}

func TestAppendEvent_ByteCap(t *testing.T) {
	limits := testLimits()
	limits.MaxSessionBytes = 10
	m := NewManager(limits)
	id, token, _ := m.CreateSession("alice")

	if err := m.AppendEvent(id, token, Event{Kind: EventUserMessage, Payload: "12345"}); err != nil {
		t.Fatalf("first append error: %v", err)
	}
	err := m.AppendEvent(id, token, Event{Kind: EventUserMessage, Payload: "1234567"})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("over byte cap = %v, want ErrResourceExhausted", err)
	}
}

func TestQuota(t *testing.T) {
	limits := testLimits()
	limits.MaxSessionsPerUser = 1
	m := NewManager(limits)

	id, token, err := m.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, _, err := m.CreateSession("alice"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("second session = %v, want ErrQuotaExceeded", err)
	}

	// Other owners are unaffected.
	if _, _, err := m.CreateSession("bob"); err != nil {
		t.Errorf("bob's session error: %v", err)
	}

	// Closing frees the slot.
	if err := m.CloseSession(id, token); err != nil {
		t.Fatalf("CloseSession error: %v", err)
	}
	if _, _, err := m.CreateSession("alice"); err != nil {
		t.Errorf("session after close error: %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLimits(), withClock(clock.Now))
	id, token, _ := m.CreateSession("alice")

	clock.Advance(31 * time.Minute)

	if _, err := m.GetSession(id, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired GetSession = %v, want ErrNotFound", err)
	}
	if err := m.AppendEvent(id, token, Event{Kind: EventUserMessage, Payload: "late"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired AppendEvent = %v, want ErrNotFound", err)
	}
}

func TestExpiredSessionFreesQuota(t *testing.T) {
	clock := newFakeClock()
	limits := testLimits()
	limits.MaxSessionsPerUser = 1
	m := NewManager(limits, withClock(clock.Now))

	if _, _, err := m.CreateSession("alice"); err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	clock.Advance(31 * time.Minute)

	// The expired session no longer counts against the quota even
	// before the reaper runs.
	if _, _, err := m.CreateSession("alice"); err != nil {
		t.Errorf("session after expiry error: %v", err)
	}
}

func TestAccessExtendsLifetime(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLimits(), withClock(clock.Now))
	id, token, _ := m.CreateSession("alice")

	for i := 0; i < 3; i++ {
		clock.Advance(20 * time.Minute)
		if err := m.AppendEvent(id, token, Event{Kind: EventUserMessage, Payload: "ping"}); err != nil {
			t.Fatalf("AppendEvent after %d advances error: %v", i+1, err)
		}
	}
}

func TestCloseSession(t *testing.T) {
	m := NewManager(testLimits())
	id, token, _ := m.CreateSession("alice")

	if err := m.CloseSession(id, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("close with wrong token = %v, want ErrUnauthorized", err)
	}
	if err := m.CloseSession(id, token); err != nil {
		t.Fatalf("CloseSession error: %v", err)
	}
	// Idempotent for unknown ids.
	if err := m.CloseSession(id, token); err != nil {
		t.Errorf("re-close = %v, want nil", err)
	}
	if _, err := m.GetSession(id, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("closed GetSession = %v, want ErrNotFound", err)
	}
}

func TestReapIdle(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLimits(), withClock(clock.Now))

	idOld, tokenOld, _ := m.CreateSession("alice")
	clock.Advance(31 * time.Minute)
	idNew, tokenNew, _ := m.CreateSession("bob")

	if got := m.ReapIdle(); got != 1 {
		t.Errorf("ReapIdle = %d, want 1", got)
	}
	if _, err := m.GetSession(idOld, tokenOld); !errors.Is(err, ErrNotFound) {
		t.Errorf("reaped session = %v, want ErrNotFound", err)
	}
	if _, err := m.GetSession(idNew, tokenNew); err != nil {
		t.Errorf("fresh session error: %v", err)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestReapIdle_CollectsLazilyExpired(t *testing.T) {
	clock := newFakeClock()
	sink := &captureSink{}
	m := NewManager(testLimits(),
		withClock(clock.Now),
		WithMemoryFactory(func(sessionID string) MemorySink {
			return sink
		}))

	id, token, _ := m.CreateSession("alice")
	clock.Advance(31 * time.Minute)

	// The lazy check marks the session expired before any sweep runs.
	if _, err := m.GetSession(id, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired access = %v, want ErrNotFound", err)
	}

	if got := m.ReapIdle(); got != 1 {
		t.Errorf("ReapIdle = %d, want 1", got)
	}
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Error("sink should be closed once the session is reaped")
	}
	m.mu.RLock()
	remaining := len(m.records)
	m.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("records remaining = %d, want 0", remaining)
	}
}

func TestConcurrentAccessAndClose(t *testing.T) {
	m := NewManager(testLimits())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		id, token, err := m.CreateSession("alice")
		if err != nil {
			t.Fatalf("CreateSession error: %v", err)
		}
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = m.GetSession(id, token)
			}
		}()
		go func() {
			defer wg.Done()
			_ = m.CloseSession(id, token)
		}()
		go func() {
			defer wg.Done()
			m.ReapIdle()
			m.ActiveCount()
		}()
		wg.Wait()
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) ObserveEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestMemorySinkLifecycle(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(testLimits(), WithMemoryFactory(func(sessionID string) MemorySink {
		return sink
	}))

	id, token, _ := m.CreateSession("alice")
	if err := m.AppendEvent(id, token, Event{Kind: EventToolCall, Payload: "call"}); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	sink.mu.Lock()
	got := len(sink.events)
	sink.mu.Unlock()
	if got != 1 {
		t.Fatalf("sink observed %d events, want 1", got)
	}

	if err := m.CloseSession(id, token); err != nil {
		t.Fatalf("CloseSession error: %v", err)
	}
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Error("sink should be closed when the session closes")
	}
}

func TestConcurrentAppends(t *testing.T) {
	m := NewManager(testLimits())
	id, token, _ := m.CreateSession("alice")

	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 25
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = m.AppendEvent(id, token, Event{
					Kind:    EventUserMessage,
					Payload: fmt.Sprintf("w%d-%d", w, i),
				})
			}
		}(w)
	}
	wg.Wait()

	sess, err := m.GetSession(id, token)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if len(sess.Events) != workers*perWorker {
		t.Errorf("len(events) = %d, want %d", len(sess.Events), workers*perWorker)
	}
}

package mediator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorralabs/warden/internal/audit"
)

// PendingConfirmation is an action suspended on a human decision.
type PendingConfirmation struct {
	RequestID   string
	Request     ActionRequest
	Reason      string
	RequestedAt time.Time
	resolved    bool
	approved    bool
}

// pendingRegistry tracks NeedsConfirmation decisions until an external
// caller resolves them. The wait is caller-owned; the registry itself
// never times anything out.
type pendingRegistry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*PendingConfirmation
}

func newPendingRegistry() *pendingRegistry {
	r := &pendingRegistry{entries: make(map[string]*PendingConfirmation)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *pendingRegistry) add(req ActionRequest, reason string) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &PendingConfirmation{
		RequestID:   id,
		Request:     req,
		Reason:      reason,
		RequestedAt: time.Now(),
	}
	return id
}

func (r *pendingRegistry) resolve(id string, approved bool) (*PendingConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("mediator: confirmation %s not found", id)
	}
	if entry.resolved {
		return nil, fmt.Errorf("mediator: confirmation %s already resolved", id)
	}
	entry.resolved = true
	entry.approved = approved
	r.cond.Broadcast()

	cp := *entry
	return &cp, nil
}

func (r *pendingRegistry) wait(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("mediator: confirmation id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)
	defer r.mu.Unlock()

	for {
		entry, ok := r.entries[id]
		if !ok {
			return false, fmt.Errorf("mediator: confirmation %s not found", id)
		}
		if entry.resolved {
			approved := entry.approved
			delete(r.entries, id)
			return approved, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		r.cond.Wait()
	}
}

func (r *pendingRegistry) list() []PendingConfirmation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PendingConfirmation
	for _, entry := range r.entries {
		if entry.resolved {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// ResolveConfirmation records the human verdict for a pending request and
// wakes any waiter. The final outcome is audited with the original target.
func (m *Mediator) ResolveConfirmation(requestID string, approved bool) error {
	entry, err := m.pending.resolve(requestID, approved)
	if err != nil {
		return err
	}

	outcome := OutcomeDeny
	reason := "denied by reviewer"
	if approved {
		outcome = OutcomeAllow
		reason = "approved by reviewer"
	}
	if m.auditor != nil {
		rec := audit.DecisionRecord{
			ID:        requestID,
			SessionID: entry.Request.SessionID,
			Kind:      string(entry.Request.Kind),
			Target:    entry.Request.Target(),
			Outcome:   string(outcome),
			Reason:    reason,
		}
		if err := m.auditor.Record(rec); err != nil {
			log.Printf("[mediator] audit record failed: %v", err)
		}
	}
	return nil
}

// WaitConfirmation blocks until the request is resolved or ctx is done,
// returning the reviewer's verdict.
func (m *Mediator) WaitConfirmation(ctx context.Context, requestID string) (bool, error) {
	return m.pending.wait(ctx, requestID)
}

// PendingConfirmations returns a snapshot of unresolved requests.
func (m *Mediator) PendingConfirmations() []PendingConfirmation {
	return m.pending.list()
}

// Package memory derives, stores and retrieves tiered memory entries
// from session events. One Manager exists per session and dies with it;
// entries never outlive their session.
package memory

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/quorralabs/warden/internal/session"
)

// Tier classifies retention buckets.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierWorking   Tier = "working"
	TierSemantic  Tier = "semantic"
	TierEpisodic  Tier = "episodic"
)

// tierOrder fixes the section order of summaries so output stays
// deterministic for identical contents.
var tierOrder = []Tier{TierLongTerm, TierSemantic, TierEpisodic, TierShortTerm, TierWorking}

const DefaultImportance = 1.0

// Entry is one retained memory item.
type Entry struct {
	Content    string
	Tier       Tier
	Importance float64
	Timestamp  time.Time
	Metadata   map[string]any
}

// Persister is the optional durability hook for entries.
type Persister interface {
	SaveEntry(sessionID string, e Entry) error
	ClearEntries(sessionID string, tier Tier) error
	LoadEntries(sessionID string) ([]Entry, error)
}

// Manager holds one session's memory. It implements session.MemorySink
// so the session manager can feed it on every append.
type Manager struct {
	sessionID string
	persister Persister

	mu      sync.Mutex
	entries []Entry
}

type Option func(*Manager)

// WithPersister stores entries durably and rehydrates existing ones at
// construction, so a restart reconstructs identical GetMemories results.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persister = p }
}

func NewManager(sessionID string, opts ...Option) *Manager {
	m := &Manager{sessionID: sessionID}
	for _, opt := range opts {
		opt(m)
	}
	if m.persister != nil {
		entries, err := m.persister.LoadEntries(sessionID)
		if err != nil {
			log.Printf("[memory] load entries for %s: %v", sessionID, err)
		} else {
			m.entries = entries
		}
	}
	return m
}

// ExtractFromEvent maps an event to derived entries deterministically:
// user and assistant messages become one short-term entry each, tool
// calls and results one working entry each. Importance defaults to 1.0
// unless the event metadata carries a higher "importance" value.
func ExtractFromEvent(ev session.Event) []Entry {
	var tier Tier
	switch ev.Kind {
	case session.EventUserMessage, session.EventAssistantMessage:
		tier = TierShortTerm
	case session.EventToolCall, session.EventToolResult:
		tier = TierWorking
	default:
		return nil
	}

	importance := DefaultImportance
	if v, ok := ev.Metadata["importance"]; ok {
		if f, ok := toFloat(v); ok && f > importance {
			importance = f
		}
	}

	return []Entry{{
		Content:    ev.Payload,
		Tier:       tier,
		Importance: importance,
		Timestamp:  ev.Timestamp,
		Metadata:   ev.Metadata,
	}}
}

// ObserveEvent implements session.MemorySink.
func (m *Manager) ObserveEvent(ev session.Event) {
	for _, entry := range ExtractFromEvent(ev) {
		m.AddMemory(entry)
	}
}

// AddMemory inserts one entry, used directly for long-term, semantic and
// episodic entries produced by higher-level summarization.
func (m *Manager) AddMemory(entry Entry) {
	if entry.Importance < 0 {
		entry.Importance = 0
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()

	if m.persister != nil {
		if err := m.persister.SaveEntry(m.sessionID, entry); err != nil {
			log.Printf("[memory] persist entry for %s: %v", m.sessionID, err)
		}
	}
}

// GetMemories filters by tier ("" for all) and minimum importance.
// Results keep insertion order; the filter never mutates state.
func (m *Manager) GetMemories(tier Tier, minImportance float64) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if tier != "" && e.Tier != tier {
			continue
		}
		if e.Importance < minImportance {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ClearMemories removes entries of the given tier, or all entries when
// tier is empty. Used to bound short-term and working growth.
func (m *Manager) ClearMemories(tier Tier) {
	m.mu.Lock()
	if tier == "" {
		m.entries = nil
	} else {
		kept := m.entries[:0]
		for _, e := range m.entries {
			if e.Tier != tier {
				kept = append(kept, e)
			}
		}
		m.entries = kept
	}
	m.mu.Unlock()

	if m.persister != nil {
		if err := m.persister.ClearEntries(m.sessionID, tier); err != nil {
			log.Printf("[memory] clear entries for %s: %v", m.sessionID, err)
		}
	}
}

const maxSummaryBytes = 8 << 10

// Summarize renders retained memories as a compact text block: fixed
// tier order, insertion order within a tier, truncated past the byte
// cap. Identical contents always produce identical output.
func (m *Manager) Summarize() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sb strings.Builder
	for _, tier := range tierOrder {
		wroteHeader := false
		for _, e := range m.entries {
			if e.Tier != tier {
				continue
			}
			if !wroteHeader {
				fmt.Fprintf(&sb, "## %s\n", tier)
				wroteHeader = true
			}
			sb.WriteString("- ")
			sb.WriteString(strings.ReplaceAll(e.Content, "\n", " "))
			sb.WriteByte('\n')
			if sb.Len() > maxSummaryBytes {
				sb.WriteString("... (summary truncated)\n")
				return sb.String()
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Close implements session.MemorySink. Entries are dropped with the
// session; durable copies are removed by the session store cascade.
func (m *Manager) Close() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	}
	return 0, false
}

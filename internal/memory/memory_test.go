package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/quorralabs/warden/internal/session"
)

func TestExtractFromEvent_Tiers(t *testing.T) {
	cases := []struct {
		kind session.EventKind
		tier Tier
	}{
		{session.EventUserMessage, TierShortTerm},
		{session.EventAssistantMessage, TierShortTerm},
		{session.EventToolCall, TierWorking},
		{session.EventToolResult, TierWorking},
	}
	for _, tc := range cases {
		entries := ExtractFromEvent(session.Event{Kind: tc.kind, Payload: "hello"})
		if len(entries) != 1 {
			t.Fatalf("ExtractFromEvent(%s) produced %d entries, want 1", tc.kind, len(entries))
		}
		if entries[0].Tier != tc.tier {
			t.Errorf("ExtractFromEvent(%s).Tier = %q, want %q", tc.kind, entries[0].Tier, tc.tier)
		}
		if entries[0].Importance != DefaultImportance {
			t.Errorf("ExtractFromEvent(%s).Importance = %v, want %v", tc.kind, entries[0].Importance, DefaultImportance)
		}
		if entries[0].Content != "hello" {
			t.Errorf("content = %q, want hello", entries[0].Content)
		}
	}
}

func TestExtractFromEvent_UnknownKind(t *testing.T) {
	if entries := ExtractFromEvent(session.Event{Kind: "mystery", Payload: "x"}); entries != nil {
		t.Errorf("unknown kind produced %v, want nil", entries)
	}
}

func TestExtractFromEvent_ImportanceOverride(t *testing.T) {
	ev := session.Event{
		Kind:     session.EventUserMessage,
		Payload:  "remember this",
		Metadata: map[string]any{"importance": 2.5},
	}
	entries := ExtractFromEvent(ev)
	if entries[0].Importance != 2.5 {
		t.Errorf("importance = %v, want 2.5", entries[0].Importance)
	}

	// Lower values never drop below the default.
	ev.Metadata = map[string]any{"importance": 0.1}
	entries = ExtractFromEvent(ev)
	if entries[0].Importance != DefaultImportance {
		t.Errorf("importance = %v, want default %v", entries[0].Importance, DefaultImportance)
	}

	// Non-numeric values are ignored.
	ev.Metadata = map[string]any{"importance": "very"}
	entries = ExtractFromEvent(ev)
	if entries[0].Importance != DefaultImportance {
		t.Errorf("importance = %v, want default %v", entries[0].Importance, DefaultImportance)
	}
}

func TestExtractFromEvent_Deterministic(t *testing.T) {
	ev := session.Event{
		Kind:      session.EventAssistantMessage,
		Payload:   "same input",
		Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	a := ExtractFromEvent(ev)
	b := ExtractFromEvent(ev)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("extraction produced %d and %d entries, want 1 each", len(a), len(b))
	}
	if a[0].Content != b[0].Content || a[0].Tier != b[0].Tier ||
		a[0].Importance != b[0].Importance || !a[0].Timestamp.Equal(b[0].Timestamp) {
		t.Errorf("extraction not deterministic: %+v vs %+v", a[0], b[0])
	}
}

func TestObserveEventFeedsEntries(t *testing.T) {
	m := NewManager("sess-1")
	m.ObserveEvent(session.Event{Kind: session.EventUserMessage, Payload: "hi"})
	m.ObserveEvent(session.Event{Kind: session.EventToolCall, Payload: "run ls"})

	short := m.GetMemories(TierShortTerm, 0)
	if len(short) != 1 || short[0].Content != "hi" {
		t.Errorf("short-term = %+v, want one 'hi' entry", short)
	}
	working := m.GetMemories(TierWorking, 0)
	if len(working) != 1 || working[0].Content != "run ls" {
		t.Errorf("working = %+v, want one 'run ls' entry", working)
	}
}

func TestGetMemories_Filters(t *testing.T) {
	m := NewManager("sess-1")
	m.AddMemory(Entry{Content: "a", Tier: TierShortTerm, Importance: 1.0})
	m.AddMemory(Entry{Content: "b", Tier: TierShortTerm, Importance: 3.0})
	m.AddMemory(Entry{Content: "c", Tier: TierLongTerm, Importance: 2.0})

	all := m.GetMemories("", 0)
	if len(all) != 3 {
		t.Fatalf("all = %d entries, want 3", len(all))
	}
	if all[0].Content != "a" || all[1].Content != "b" || all[2].Content != "c" {
		t.Error("entries out of insertion order")
	}

	important := m.GetMemories("", 2.0)
	if len(important) != 2 {
		t.Errorf("minImportance filter kept %d, want 2", len(important))
	}

	long := m.GetMemories(TierLongTerm, 0)
	if len(long) != 1 || long[0].Content != "c" {
		t.Errorf("tier filter = %+v, want single 'c'", long)
	}
}

func TestAddMemory_ClampsNegativeImportance(t *testing.T) {
	m := NewManager("sess-1")
	m.AddMemory(Entry{Content: "x", Tier: TierShortTerm, Importance: -5})
	got := m.GetMemories(TierShortTerm, 0)
	if got[0].Importance != 0 {
		t.Errorf("importance = %v, want 0", got[0].Importance)
	}
}

func TestClearMemories(t *testing.T) {
	m := NewManager("sess-1")
	m.AddMemory(Entry{Content: "a", Tier: TierShortTerm, Importance: 1})
	m.AddMemory(Entry{Content: "b", Tier: TierWorking, Importance: 1})

	m.ClearMemories(TierWorking)
	if got := m.GetMemories("", 0); len(got) != 1 || got[0].Tier != TierShortTerm {
		t.Errorf("after tier clear = %+v, want only short-term", got)
	}

	m.ClearMemories("")
	if got := m.GetMemories("", 0); got != nil {
		t.Errorf("after full clear = %+v, want nil", got)
	}
}

func TestSummarize_Deterministic(t *testing.T) {
	build := func() *Manager {
		m := NewManager("sess-1")
		m.AddMemory(Entry{Content: "working note", Tier: TierWorking, Importance: 1})
		m.AddMemory(Entry{Content: "fact one", Tier: TierLongTerm, Importance: 1})
		m.AddMemory(Entry{Content: "chat line\nwith newline", Tier: TierShortTerm, Importance: 1})
		return m
	}

	a := build().Summarize()
	b := build().Summarize()
	if a != b {
		t.Fatalf("summaries differ:\n%s\n---\n%s", a, b)
	}

	// Long-term sections come before short-term and working ones.
	longIdx := strings.Index(a, "## long_term")
	shortIdx := strings.Index(a, "## short_term")
	workIdx := strings.Index(a, "## working")
	if longIdx == -1 || shortIdx == -1 || workIdx == -1 {
		t.Fatalf("missing tier headers in summary:\n%s", a)
	}
	if !(longIdx < shortIdx && shortIdx < workIdx) {
		t.Errorf("tier order wrong in summary:\n%s", a)
	}
	if strings.Contains(a, "chat line\nwith newline") {
		t.Error("newlines should be flattened in summary lines")
	}
	if !strings.Contains(a, "- chat line with newline") {
		t.Errorf("flattened entry missing:\n%s", a)
	}
}

func TestSummarize_Truncation(t *testing.T) {
	m := NewManager("sess-1")
	for i := 0; i < 2000; i++ {
		m.AddMemory(Entry{Content: strings.Repeat("x", 32), Tier: TierShortTerm, Importance: 1})
	}
	s := m.Summarize()
	if len(s) > maxSummaryBytes+64 {
		t.Errorf("summary length = %d, want <= %d", len(s), maxSummaryBytes+64)
	}
	if !strings.Contains(s, "truncated") {
		t.Error("truncated summary should say so")
	}
}

func TestClose_DropsEntries(t *testing.T) {
	m := NewManager("sess-1")
	m.AddMemory(Entry{Content: "a", Tier: TierShortTerm, Importance: 1})
	m.Close()
	if got := m.GetMemories("", 0); got != nil {
		t.Errorf("after close = %+v, want nil", got)
	}
}

type fakePersister struct {
	saved   []Entry
	cleared []Tier
}

func (p *fakePersister) SaveEntry(sessionID string, e Entry) error {
	p.saved = append(p.saved, e)
	return nil
}

func (p *fakePersister) ClearEntries(sessionID string, tier Tier) error {
	p.cleared = append(p.cleared, tier)
	return nil
}

func (p *fakePersister) LoadEntries(sessionID string) ([]Entry, error) {
	return append([]Entry(nil), p.saved...), nil
}

func TestPersisterRoundTrip(t *testing.T) {
	p := &fakePersister{}
	m := NewManager("sess-1", WithPersister(p))
	m.AddMemory(Entry{Content: "durable", Tier: TierLongTerm, Importance: 2})
	if len(p.saved) != 1 {
		t.Fatalf("persister saw %d saves, want 1", len(p.saved))
	}

	// A new manager for the same session rehydrates the entries.
	m2 := NewManager("sess-1", WithPersister(p))
	got := m2.GetMemories(TierLongTerm, 0)
	if len(got) != 1 || got[0].Content != "durable" {
		t.Errorf("rehydrated = %+v, want the durable entry", got)
	}

	m.ClearMemories(TierLongTerm)
	if len(p.cleared) != 1 || p.cleared[0] != TierLongTerm {
		t.Errorf("persister cleared = %v, want [long_term]", p.cleared)
	}
}

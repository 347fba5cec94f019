// Package agent wires sessions, memory, the action mediator and the
// model provider into the turn loop the CLI drives.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/quorralabs/warden/internal/audit"
	"github.com/quorralabs/warden/internal/config"
	"github.com/quorralabs/warden/internal/mediator"
	"github.com/quorralabs/warden/internal/memory"
	"github.com/quorralabs/warden/internal/notify"
	"github.com/quorralabs/warden/internal/policy"
	"github.com/quorralabs/warden/internal/session"
	"github.com/quorralabs/warden/internal/store"
	"github.com/quorralabs/warden/internal/sweeper"
)

// ToolUse is one action the model proposes. Every use passes through
// the mediator before anything touches disk or a shell.
type ToolUse struct {
	Kind    mediator.ActionKind
	Path    string
	Content string
	Command string
}

// Reply is a provider turn result: text plus zero or more tool uses.
type Reply struct {
	Text     string
	ToolUses []ToolUse
}

// Provider interface for the model backend (allows mocking in tests).
type Provider interface {
	Complete(ctx context.Context, history []session.Event, prompt string) (*Reply, error)
	Close()
}

// ProviderFactory creates a Provider instance.
type ProviderFactory func(cfg *config.Config) (Provider, error)

// Notifier pushes pending confirmations to a remote operator.
type Notifier interface {
	NotifyPending(p mediator.PendingConfirmation) error
}

// Options for creating an Agent.
type Options struct {
	ProviderFactory ProviderFactory
	Notifier        Notifier
}

type Agent struct {
	cfg      *config.Config
	policy   *policy.Snapshot
	auditor  *audit.Log
	mediator *mediator.Mediator
	sessions *session.Manager
	tools    *toolExecutor
	st       *store.Store
	sweep    *sweeper.Service
	notifier Notifier
	remote   *notify.TelegramNotifier
	provider Provider
}

// New creates an Agent with default options.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an Agent with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Agent, error) {
	a := &Agent{cfg: cfg}

	pol := policy.NewSnapshot(cfg.Security, cfg.Agent.Workspace)
	a.policy = pol

	auditPath := cfg.Audit.Path
	if auditPath == "" {
		auditPath = filepath.Join(config.ConfigDir(), "data", "decisions.jsonl")
	}
	auditor, err := audit.NewLog(auditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.auditor = auditor
	a.mediator = mediator.New(auditor)
	a.tools = newToolExecutor(pol.WorkspaceRoot)

	limits, err := sessionLimits(cfg.Session)
	if err != nil {
		return nil, err
	}

	sessionOpts := []session.Option{}
	if cfg.Store.Enabled {
		st, err := store.New(cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.st = st
		sessionOpts = append(sessionOpts,
			session.WithStore(st),
			session.WithMemoryFactory(func(sessionID string) session.MemorySink {
				return memory.NewManager(sessionID, memory.WithPersister(st))
			}))
	} else {
		sessionOpts = append(sessionOpts,
			session.WithMemoryFactory(func(sessionID string) session.MemorySink {
				return memory.NewManager(sessionID)
			}))
	}

	a.sessions = session.NewManager(limits, sessionOpts...)
	if err := a.sessions.Restore(); err != nil {
		log.Printf("[agent] restore sessions warning: %v", err)
	}

	interval, err := time.ParseDuration(cfg.Session.CleanupInterval)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup interval: %w", err)
	}
	a.sweep = sweeper.NewService(interval, a.sessions)

	a.notifier = opts.Notifier
	if a.notifier == nil && cfg.Notify.Telegram.Enabled {
		remote, err := notify.NewTelegramNotifier(cfg.Notify.Telegram, a.mediator)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		a.remote = remote
		a.notifier = remote
	}

	factory := opts.ProviderFactory
	if factory == nil {
		factory = DefaultProviderFactory
	}
	provider, err := factory(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.provider = provider

	return a, nil
}

func sessionLimits(cfg config.SessionConfig) (session.Limits, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return session.Limits{}, fmt.Errorf("parse session timeout: %w", err)
	}
	return session.Limits{
		Timeout:             timeout,
		MaxSessionsPerUser:  cfg.MaxSessionsPerUser,
		MaxEventsPerSession: cfg.MaxEventsPerSession,
		MaxSessionBytes:     cfg.MaxSessionBytes,
	}, nil
}

// approvalPollInterval paces the scan for verdicts written to the
// store by another warden process.
const approvalPollInterval = 500 * time.Millisecond

// Start launches the background services. The turn loop itself is
// driven by the caller, one HandleTurn at a time. A configured but
// unreachable operator channel fails Start rather than leaving
// confirmations with nowhere to go.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.sweep.Start(ctx); err != nil {
		return err
	}
	if a.remote != nil {
		if err := a.remote.Start(ctx); err != nil {
			a.sweep.Stop()
			return fmt.Errorf("start telegram notifier: %w", err)
		}
	}
	if a.st != nil {
		go a.pollApprovals(ctx)
	}
	return nil
}

// pollApprovals feeds verdicts recorded in the store back into the
// in-process confirmation registry.
func (a *Agent) pollApprovals(ctx context.Context) {
	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolved, err := a.st.TakeResolvedApprovals()
			if err != nil {
				log.Printf("[agent] poll approvals: %v", err)
				continue
			}
			for _, ap := range resolved {
				approved := ap.Verdict == store.VerdictApproved
				if err := a.mediator.ResolveConfirmation(ap.RequestID, approved); err != nil {
					log.Printf("[agent] resolve %s from store: %v", ap.RequestID, err)
				}
			}
		}
	}
}

// CreateSession opens a session for ownerID and returns (id, token).
func (a *Agent) CreateSession(ownerID string) (string, string, error) {
	return a.sessions.CreateSession(ownerID)
}

// CloseSession ends a session, releasing its memory and quota slot.
func (a *Agent) CloseSession(sessionID, token string) error {
	return a.sessions.CloseSession(sessionID, token)
}

// Sessions exposes the session manager for the CLI listing commands.
func (a *Agent) Sessions() *session.Manager {
	return a.sessions
}

// Mediator exposes the mediator for the CLI approval commands.
func (a *Agent) Mediator() *mediator.Mediator {
	return a.mediator
}

// Policy returns the active policy snapshot.
func (a *Agent) Policy() *policy.Snapshot {
	return a.policy
}

// Auditor returns the decision log.
func (a *Agent) Auditor() *audit.Log {
	return a.auditor
}

// HandleTurn records the user message, runs the provider, mediates and
// executes every proposed tool use, and records the assistant reply.
// All mediation outcomes land in the session event log and the audit
// trail regardless of how the turn ends.
func (a *Agent) HandleTurn(ctx context.Context, sessionID, token, input string) (string, error) {
	now := time.Now()
	if err := a.sessions.AppendEvent(sessionID, token, session.Event{
		Kind:      session.EventUserMessage,
		Payload:   input,
		Timestamp: now,
	}); err != nil {
		return "", err
	}

	maxIterations := a.cfg.Agent.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxToolIterations
	}

	prompt := input
	var finalText string
	for i := 0; i < maxIterations; i++ {
		sess, err := a.sessions.GetSession(sessionID, token)
		if err != nil {
			return "", err
		}

		reply, err := a.provider.Complete(ctx, sess.Events, prompt)
		if err != nil {
			return "", fmt.Errorf("provider: %w", err)
		}
		if reply == nil {
			return finalText, nil
		}
		finalText = reply.Text

		if len(reply.ToolUses) == 0 {
			break
		}

		var results []string
		for _, use := range reply.ToolUses {
			result := a.performToolUse(ctx, sessionID, token, use)
			results = append(results, result)
		}
		prompt = strings.Join(results, "\n")
	}

	if finalText != "" {
		if err := a.sessions.AppendEvent(sessionID, token, session.Event{
			Kind:      session.EventAssistantMessage,
			Payload:   finalText,
			Timestamp: time.Now(),
		}); err != nil {
			return "", err
		}
	}
	return finalText, nil
}

// performToolUse mediates one tool use and executes it when allowed.
// The returned string is what the provider sees as the tool result.
func (a *Agent) performToolUse(ctx context.Context, sessionID, token string, use ToolUse) string {
	req := mediator.ActionRequest{
		Kind:            use.Kind,
		SessionID:       sessionID,
		Path:            use.Path,
		ProposedContent: use.Content,
		Command:         use.Command,
	}

	a.appendEvent(sessionID, token, session.Event{
		Kind:      session.EventToolCall,
		Payload:   describeToolUse(use),
		Timestamp: time.Now(),
	})

	dec := a.mediator.Mediate(req, a.policy)

	var result string
	switch dec.Outcome {
	case mediator.OutcomeDeny:
		result = fmt.Sprintf("denied: %s", dec.Reason)
	case mediator.OutcomeNeedsConfirmation:
		approved, err := a.awaitApproval(ctx, req, dec)
		switch {
		case err != nil:
			result = fmt.Sprintf("denied: %v", err)
		case !approved:
			result = "denied: operator rejected the action"
		default:
			// The session may have expired or closed while the action
			// waited on the operator; an approval for a dead session
			// must not execute.
			if _, err := a.sessions.GetSession(sessionID, token); err != nil {
				result = fmt.Sprintf("denied: session ended while awaiting approval: %v", err)
			} else {
				result = a.tools.execute(ctx, req)
			}
		}
	case mediator.OutcomeAllow:
		result = a.tools.execute(ctx, req)
	}

	a.appendEvent(sessionID, token, session.Event{
		Kind:      session.EventToolResult,
		Payload:   result,
		Timestamp: time.Now(),
	})
	return result
}

// awaitApproval mirrors the pending confirmation into the store so a
// second warden process can resolve it, pushes it to the notifier, and
// blocks until a verdict arrives from any channel.
func (a *Agent) awaitApproval(ctx context.Context, req mediator.ActionRequest, dec mediator.Decision) (bool, error) {
	if a.st != nil {
		ap := store.Approval{
			RequestID:   dec.RequestID,
			Kind:        string(req.Kind),
			Target:      req.Target(),
			Reason:      dec.Reason,
			RequestedAt: time.Now(),
		}
		if err := a.st.SaveApproval(ap); err != nil {
			log.Printf("[agent] persist approval %s: %v", dec.RequestID, err)
		}
		defer func() {
			if err := a.st.DeleteApproval(dec.RequestID); err != nil {
				log.Printf("[agent] drop approval %s: %v", dec.RequestID, err)
			}
		}()
	}
	if a.notifier != nil {
		for _, p := range a.mediator.PendingConfirmations() {
			if p.RequestID == dec.RequestID {
				if err := a.notifier.NotifyPending(p); err != nil {
					log.Printf("[agent] notify pending %s: %v", p.RequestID, err)
				}
				break
			}
		}
	}
	return a.mediator.WaitConfirmation(ctx, dec.RequestID)
}

// appendEvent tolerates cap errors mid-turn: a session that fills up
// still gets its mediation decisions audited, it just stops recording.
func (a *Agent) appendEvent(sessionID, token string, ev session.Event) {
	if err := a.sessions.AppendEvent(sessionID, token, ev); err != nil {
		log.Printf("[agent] append %s event: %v", ev.Kind, err)
	}
}

func describeToolUse(use ToolUse) string {
	payload := map[string]string{"kind": string(use.Kind)}
	switch use.Kind {
	case mediator.ActionRunCommand:
		payload["command"] = use.Command
	default:
		payload["path"] = use.Path
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func (a *Agent) closeStore() {
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			log.Printf("[agent] close store warning: %v", err)
		}
	}
}

func (a *Agent) Shutdown() error {
	a.sweep.Stop()
	if a.remote != nil {
		_ = a.remote.Stop()
	}
	if a.provider != nil {
		a.provider.Close()
	}
	a.closeStore()
	log.Printf("[agent] shutdown complete")
	return nil
}

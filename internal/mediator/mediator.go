// Package mediator decides whether a requested tool action may execute,
// must be denied, or needs human confirmation. It is the only gate the
// agent turn loop consults before touching the local machine.
package mediator

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/quorralabs/warden/internal/audit"
	"github.com/quorralabs/warden/internal/policy"
	"github.com/quorralabs/warden/internal/security"
)

// Mediator validates paths and commands against a policy snapshot and
// produces reviewable decisions. Validator failures fold into denials;
// nothing validation-related escapes as an error.
type Mediator struct {
	paths   *security.PathValidator
	pending *pendingRegistry
	auditor *audit.Log
}

func New(auditor *audit.Log) *Mediator {
	return &Mediator{
		paths:   security.NewPathValidator(),
		pending: newPendingRegistry(),
		auditor: auditor,
	}
}

// Mediate evaluates one request against the given snapshot. Each request
// is single-shot: a NeedsConfirmation decision is resolved externally via
// ResolveConfirmation and never retried inside the mediator.
func (m *Mediator) Mediate(req ActionRequest, pol *policy.Snapshot) Decision {
	var dec Decision
	switch req.Kind {
	case ActionReadFile:
		dec = m.mediateRead(req, pol)
	case ActionApplyEdit:
		dec = m.mediateEdit(req, pol)
	case ActionRunCommand:
		dec = m.mediateCommand(req, pol)
	default:
		dec = Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("unknown action kind %q", req.Kind)}
	}

	m.record(req, dec)
	return dec
}

func (m *Mediator) mediateRead(req ActionRequest, pol *policy.Snapshot) Decision {
	if _, err := m.paths.Validate(req.Path, pol.WorkspaceRoot); err != nil {
		return Decision{Outcome: OutcomeDeny, Reason: err.Error()}
	}
	return Decision{Outcome: OutcomeAllow, Reason: "path inside workspace"}
}

func (m *Mediator) mediateEdit(req ActionRequest, pol *policy.Snapshot) Decision {
	resolved, err := m.paths.Validate(req.Path, pol.WorkspaceRoot)
	if err != nil {
		return Decision{Outcome: OutcomeDeny, Reason: err.Error()}
	}

	// The diff is computed even when auto-approved so the audit trail
	// always carries it.
	current := ""
	if data, err := os.ReadFile(resolved); err == nil {
		current = string(data)
	} else if !os.IsNotExist(err) {
		return Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("read current content: %v", err)}
	}
	preview := renderDiff(current, req.ProposedContent)

	if pol.AutoApproveEdits {
		return Decision{Outcome: OutcomeAllow, Reason: "edits auto-approved by policy", Preview: preview}
	}
	return m.awaitConfirmation(req, Decision{
		Outcome: OutcomeNeedsConfirmation,
		Reason:  "edit requires confirmation",
		Preview: preview,
	})
}

func (m *Mediator) mediateCommand(req ActionRequest, pol *policy.Snapshot) Decision {
	workDir := req.WorkingDir
	if workDir == "" {
		workDir = pol.WorkspaceRoot
	}
	if _, err := m.paths.Validate(workDir, pol.WorkspaceRoot); err != nil {
		return Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("working directory: %v", err)}
	}

	cls, err := security.Classify(req.Command, pol)
	if err != nil {
		return Decision{Outcome: OutcomeDeny, Reason: err.Error()}
	}

	preview := fmt.Sprintf("$ %s\n%s", req.Command, cls.Reason)
	if !cls.RequiresConfirmation {
		return Decision{Outcome: OutcomeAllow, Reason: cls.Reason, Preview: preview}
	}
	return m.awaitConfirmation(req, Decision{
		Outcome: OutcomeNeedsConfirmation,
		Reason:  cls.Reason,
		Preview: preview,
	})
}

func (m *Mediator) awaitConfirmation(req ActionRequest, dec Decision) Decision {
	dec.RequestID = m.pending.add(req, dec.Reason)
	return dec
}

func (m *Mediator) record(req ActionRequest, dec Decision) {
	if m.auditor == nil {
		return
	}
	id := dec.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	rec := audit.DecisionRecord{
		ID:        id,
		SessionID: req.SessionID,
		Kind:      string(req.Kind),
		Target:    req.Target(),
		Outcome:   string(dec.Outcome),
		Reason:    dec.Reason,
		Preview:   dec.Preview,
	}
	if err := m.auditor.Record(rec); err != nil {
		log.Printf("[mediator] audit record failed: %v", err)
	}
}

package mediator

// ActionKind discriminates the tool actions the mediator understands.
type ActionKind string

const (
	ActionReadFile   ActionKind = "read_file"
	ActionApplyEdit  ActionKind = "apply_edit"
	ActionRunCommand ActionKind = "run_command"
)

// ActionRequest is one requested tool action, built from the model's
// tool-call payload and consumed once.
type ActionRequest struct {
	Kind      ActionKind
	SessionID string

	// ReadFile / ApplyEdit
	Path            string
	ProposedContent string

	// RunCommand
	Command    string
	WorkingDir string
}

// Target returns the human-relevant subject of the request, used for
// audit records and previews.
func (r ActionRequest) Target() string {
	switch r.Kind {
	case ActionRunCommand:
		return r.Command
	default:
		return r.Path
	}
}

// Outcome is the mediation result for a request.
type Outcome string

const (
	OutcomeAllow             Outcome = "allow"
	OutcomeDeny              Outcome = "deny"
	OutcomeNeedsConfirmation Outcome = "needs_confirmation"
)

// Decision is what the turn loop acts on. Preview holds a diff for edits
// or the command plus matched-rule explanation for commands; RequestID is
// set only for NeedsConfirmation and keys ResolveConfirmation.
type Decision struct {
	Outcome   Outcome
	Reason    string
	Preview   string
	RequestID string
}

package store

import (
	"fmt"
	"time"
)

// Approval mirrors one pending confirmation to disk so a second warden
// process can list and resolve it while the owning process blocks.
type Approval struct {
	RequestID   string
	Kind        string
	Target      string
	Reason      string
	RequestedAt time.Time
	Verdict     string
}

const (
	VerdictApproved = "approved"
	VerdictDenied   = "denied"
)

// SaveApproval records a confirmation as pending. Re-saving an id
// resets any verdict on it.
func (s *Store) SaveApproval(a Approval) error {
	_, err := s.db.Exec(`
INSERT INTO approvals (request_id, kind, target, reason, requested_at, verdict)
VALUES (?, ?, ?, ?, ?, '')
ON CONFLICT(request_id) DO UPDATE SET verdict=''`,
		a.RequestID, a.Kind, a.Target, a.Reason, encodeTime(a.RequestedAt))
	if err != nil {
		return fmt.Errorf("save approval: %w", err)
	}
	return nil
}

// DeleteApproval drops an approval once the owning process has
// consumed its verdict or abandoned the wait.
func (s *Store) DeleteApproval(requestID string) error {
	if _, err := s.db.Exec(`DELETE FROM approvals WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	return nil
}

// ListPendingApprovals returns approvals awaiting a verdict, oldest
// first.
func (s *Store) ListPendingApprovals() ([]Approval, error) {
	rows, err := s.db.Query(`
SELECT request_id, kind, target, reason, requested_at
FROM approvals WHERE verdict = '' ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var requested string
		if err := rows.Scan(&a.RequestID, &a.Kind, &a.Target, &a.Reason, &requested); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.RequestedAt = decodeTime(requested)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveApproval writes the verdict for a pending approval. Fails if
// the id is unknown or already resolved.
func (s *Store) ResolveApproval(requestID string, approved bool) error {
	verdict := VerdictDenied
	if approved {
		verdict = VerdictApproved
	}
	res, err := s.db.Exec(
		`UPDATE approvals SET verdict = ? WHERE request_id = ? AND verdict = ''`,
		verdict, requestID)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no pending approval %s", requestID)
	}
	return nil
}

// TakeResolvedApprovals returns every approval carrying a verdict and
// removes it, so each verdict is delivered exactly once.
func (s *Store) TakeResolvedApprovals() ([]Approval, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("take approvals: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
SELECT request_id, kind, target, reason, requested_at, verdict
FROM approvals WHERE verdict != ''`)
	if err != nil {
		return nil, fmt.Errorf("take approvals: %w", err)
	}

	var out []Approval
	for rows.Next() {
		var a Approval
		var requested string
		if err := rows.Scan(&a.RequestID, &a.Kind, &a.Target, &a.Reason, &requested, &a.Verdict); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.RequestedAt = decodeTime(requested)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("take approvals: %w", err)
	}
	rows.Close()

	for _, a := range out {
		if _, err := tx.Exec(`DELETE FROM approvals WHERE request_id = ?`, a.RequestID); err != nil {
			return nil, fmt.Errorf("take approvals: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("take approvals: %w", err)
	}
	return out, nil
}

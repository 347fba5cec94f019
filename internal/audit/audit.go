// Package audit appends one JSON record per mediation decision to a
// local log file. Auto-approved actions are recorded with the same
// detail as confirmed ones so the trail stays reviewable.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DecisionRecord captures one mediated action and its outcome.
type DecisionRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Rule      string    `json:"rule,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only JSONL decision log. A nil *Log discards records.
type Log struct {
	mu   sync.Mutex
	path string
}

func NewLog(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: log path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	return &Log{path: path}, nil
}

// Record appends one record. Failures are returned, not fatal; callers
// log and continue since a denied write must not block mediation.
func (l *Log) Record(rec DecisionRecord) error {
	if l == nil {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

// Tail returns up to n most recent records, oldest first.
func (l *Log) Tail(n int) ([]DecisionRecord, error) {
	if l == nil || n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	var records []DecisionRecord
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

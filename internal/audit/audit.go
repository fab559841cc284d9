// Package audit keeps an append-only record of guardrail and review
// decisions, mirrored to logs/audit.jsonl and the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-foreman/internal/shared"
)

// Decisions recorded by the guardrails and the review gate.
const (
	DecisionBlock     = "block"
	DecisionAbort     = "abort"
	DecisionContinue  = "continue"
	DecisionTerminate = "terminate"
	DecisionReject    = "reject"
)

// Entry is one audited decision.
type Entry struct {
	Timestamp string `json:"timestamp"`
	ActionID  string `json:"action_id"`
	TraceID   string `json:"trace_id,omitempty"`
	Step      int    `json:"step,omitempty"`
	Rule      string `json:"rule"`
	Decision  string `json:"decision"`
	Tool      string `json:"tool,omitempty"`
	Reason    string `json:"reason"`
}

// Log writes entries. A nil *Log discards everything.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	blocks atomic.Int64
}

// Open appends to <home>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB mirrors entries into the audit_log table.
func (l *Log) SetDB(d *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// BlockCount returns how many block/abort decisions were recorded.
func (l *Log) BlockCount() int64 {
	if l == nil {
		return 0
	}
	return l.blocks.Load()
}

// Record appends e. Secrets in the reason are redacted before persistence.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Decision == DecisionBlock || e.Decision == DecisionAbort {
		l.blocks.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, action_id, step, rule, decision, tool, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.ActionID, e.Step, e.Rule, e.Decision, e.Tool, e.Reason)
	}
}

// Package audit records security decisions (connect admissions and
// rejections, pairing resolutions, scope denials) to logs/audit.jsonl and,
// when a database is attached, to the audit_log table.
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

	"github.com/basket/go-claw-gateway/internal/shared"
)

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Entry is one audited decision.
type Entry struct {
	Decision string
	Action   string
	Reason   string
	Subject  string
	RemoteIP string
	ConnID   string
	TraceID  string
}

type record struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	ConnID    string `json:"conn_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors entries into the audit_log table. Pass nil to detach.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// Close closes the JSONL file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends e. Reason and subject are redacted first.
func Record(e Entry) {
	if e.Decision == Deny {
		denyCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(record{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  e.Decision,
			Action:    e.Action,
			Reason:    e.Reason,
			Subject:   e.Subject,
			RemoteIP:  e.RemoteIP,
			ConnID:    e.ConnID,
			TraceID:   e.TraceID,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, conn_id, subject, action, decision, reason, remote_ip)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.ConnID, e.Subject, e.Action, e.Decision, e.Reason, e.RemoteIP)
	}
}

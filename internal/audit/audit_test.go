package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(Entry{Decision: Deny, Action: "connect", Reason: "token_mismatch", RemoteIP: "10.0.0.9", ConnID: "c1"})
	Record(Entry{Decision: Allow, Action: "connect", Reason: "token", Subject: "cli"})

	entries := readEntries(t, home)
	if len(entries) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["decision"] != Deny || first["action"] != "connect" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["remote_ip"] != "10.0.0.9" || first["conn_id"] != "c1" {
		t.Fatalf("transport fields missing: %#v", first)
	}
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{Decision: Deny, Action: "connect", Reason: "token=abcdef0123456789abcdef"})

	entries := readEntries(t, home)
	reason, _ := entries[len(entries)-1]["reason"].(string)
	if strings.Contains(reason, "abcdef0123456789abcdef") {
		t.Fatalf("secret leaked into audit log: %q", reason)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{Decision: Allow, Action: "node.pair.approve", Subject: "dev-1"})
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record(Entry{Decision: Deny, Action: "node.pair.reject", Subject: "dev-2"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}

	entries := readEntries(t, home)
	if entries[0]["action"] != "node.pair.approve" || entries[1]["action"] != "node.pair.reject" {
		t.Fatalf("entries out of order: %#v", entries)
	}
}

package task

import (
	"strings"
	"testing"
	"time"
)

const sampleDescriptor = `---
status: pending
retry_count: 2
source: gmail
original_name: invoice_march.pdf
content_hash: a1b2c3d4e5f6
queued_at: 2026-05-01T09:00:00Z
type: invoice
priority: high
x-thread-id: thr_8821
---
Summary: March invoice from Acme Corp.

Please review line items before payment.
`

func TestDecodeFullDescriptor(t *testing.T) {
	tk, err := Decode([]byte(sampleDescriptor))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if tk.Status != StatusPending {
		t.Errorf("status = %q, want pending", tk.Status)
	}
	if tk.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", tk.RetryCount)
	}
	if tk.Source != "gmail" {
		t.Errorf("source = %q, want gmail", tk.Source)
	}
	if tk.OriginalName != "invoice_march.pdf" {
		t.Errorf("original_name = %q", tk.OriginalName)
	}
	if tk.ContentHash != "a1b2c3d4e5f6" {
		t.Errorf("content_hash = %q", tk.ContentHash)
	}
	want := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if !tk.QueuedAt.Equal(want) {
		t.Errorf("queued_at = %v, want %v", tk.QueuedAt, want)
	}
	if tk.Type != "invoice" {
		t.Errorf("type = %q, want invoice", tk.Type)
	}
	if tk.Priority != PriorityHigh {
		t.Errorf("priority = %q, want high", tk.Priority)
	}
	if tk.Extra["x-thread-id"] != "thr_8821" {
		t.Errorf("unknown key x-thread-id = %q, want thr_8821", tk.Extra["x-thread-id"])
	}
	if !strings.HasPrefix(tk.Body, "Summary: March invoice") {
		t.Errorf("body not preserved: %q", tk.Body)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	tk, err := Decode([]byte(sampleDescriptor))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	tk.ID = "TASK_20260501T090000Z_invoice_march"

	encoded, err := Encode(tk)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	again, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode of encoded output failed: %v", err)
	}

	if again.Status != tk.Status || again.RetryCount != tk.RetryCount || again.Source != tk.Source {
		t.Errorf("round trip changed core fields: %+v vs %+v", again, tk)
	}
	if again.Extra["x-thread-id"] != "thr_8821" {
		t.Error("round trip dropped unknown header key")
	}
	if again.Body != tk.Body {
		t.Errorf("round trip changed body: %q vs %q", again.Body, tk.Body)
	}
}

func TestDecodeMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"missing opening separator", "status: pending\n---\nbody"},
		{"unterminated header", "---\nstatus: pending\nretry_count: 0\n"},
		{"header line without colon", "---\nstatus pending\n---\n"},
		{"bad retry_count", "---\nstatus: pending\nretry_count: lots\nsource: s\noriginal_name: o\ncontent_hash: h\nqueued_at: 2026-05-01T09:00:00Z\n---\n"},
		{"negative retry_count", "---\nstatus: pending\nretry_count: -1\nsource: s\noriginal_name: o\ncontent_hash: h\nqueued_at: 2026-05-01T09:00:00Z\n---\n"},
		{"bad queued_at", "---\nstatus: pending\nretry_count: 0\nsource: s\noriginal_name: o\ncontent_hash: h\nqueued_at: yesterday\n---\n"},
		{"unknown status", "---\nstatus: floating\nretry_count: 0\nsource: s\noriginal_name: o\ncontent_hash: h\nqueued_at: 2026-05-01T09:00:00Z\n---\n"},
		{"duplicate key", "---\nstatus: pending\nstatus: done\nretry_count: 0\nsource: s\noriginal_name: o\ncontent_hash: h\nqueued_at: 2026-05-01T09:00:00Z\n---\n"},
		{"missing required key", "---\nstatus: pending\nretry_count: 0\n---\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.input)); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	input := "---\nstatus: pending\nretry_count: 0\nsource: file_drop\noriginal_name: note.md\ncontent_hash: h\nqueued_at: 2026-05-01T09:00:00Z\n---\n"
	tk, err := Decode([]byte(input))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tk.Body != "" {
		t.Errorf("body = %q, want empty", tk.Body)
	}
}

func TestEncodeOmitsUnsetOptionalKeys(t *testing.T) {
	tk := &Task{
		ID:           "TASK_1",
		Source:       "file_drop",
		Status:       StatusPending,
		ContentHash:  "h",
		OriginalName: "note.md",
		QueuedAt:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	encoded, err := Encode(tk)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	text := string(encoded)
	for _, key := range []string{"type:", "priority:", "approval_required:", "approval_status:", "processed_at:", "reason:"} {
		if strings.Contains(text, key) {
			t.Errorf("encoded output contains unset optional key %q:\n%s", key, text)
		}
	}
}

func TestEncodeRefusesInvalidTask(t *testing.T) {
	tk := validTask()
	tk.RetryCount = -5
	if _, err := Encode(tk); err == nil {
		t.Error("expected Encode to reject invalid task")
	}
}

func TestEncodeFoldsNewlinesInHeaderValues(t *testing.T) {
	tk := validTask()
	tk.Reason = "failed 3 times, last error: exit status 1\nstderr:\r\nconnection reset"
	tk.Extra = map[string]string{"x-note": "line one\nline two"}

	encoded, err := Encode(tk)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode of encoded output failed: %v", err)
	}
	if want := "failed 3 times, last error: exit status 1 stderr: connection reset"; decoded.Reason != want {
		t.Errorf("reason = %q, want %q", decoded.Reason, want)
	}
	if want := "line one line two"; decoded.Extra["x-note"] != want {
		t.Errorf("x-note = %q, want %q", decoded.Extra["x-note"], want)
	}
}

func TestEncodeTimesAreUTCRFC3339(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	tk := validTask()
	tk.QueuedAt = time.Date(2026, 5, 1, 4, 0, 0, 0, est)
	tk.ProcessedAt = time.Date(2026, 5, 1, 5, 30, 0, 0, est)

	encoded, err := Encode(tk)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	text := string(encoded)
	if !strings.Contains(text, "queued_at: 2026-05-01T09:00:00Z") {
		t.Errorf("queued_at not normalized to UTC:\n%s", text)
	}
	if !strings.Contains(text, "processed_at: 2026-05-01T10:30:00Z") {
		t.Errorf("processed_at not normalized to UTC:\n%s", text)
	}
}

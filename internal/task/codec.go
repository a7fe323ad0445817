package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HeaderSeparator delimits the key/value header block at the top of a
// descriptor. The block opens with one separator line and closes with a
// second; everything after the closing separator is the body, verbatim.
const HeaderSeparator = "---"

// Required header keys. Decode fails if any is absent.
var requiredKeys = []string{"status", "retry_count", "source", "original_name", "content_hash", "queued_at"}

// Decode parses descriptor bytes into a Task. The task ID is derived from
// the filename by the caller, not stored in the header. Malformed input
// (missing separators, bad key lines, unparseable values) is an explicit
// error, never a best-effort partial result.
func Decode(data []byte) (*Task, error) {
	text := string(data)

	first, rest, ok := cutLine(text)
	if !ok || strings.TrimRight(first, "\r") != HeaderSeparator {
		return nil, fmt.Errorf("descriptor must open with %q separator line", HeaderSeparator)
	}

	t := &Task{Extra: map[string]string{}}
	seen := map[string]bool{}
	closed := false

	for {
		var line string
		line, rest, ok = cutLine(rest)
		if !ok && line == "" {
			break
		}
		if strings.TrimRight(line, "\r") == HeaderSeparator {
			closed = true
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed header line %q: expected \"key: value\"", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("malformed header line %q: empty key", line)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate header key %q", key)
		}
		seen[key] = true

		if err := t.setField(key, value); err != nil {
			return nil, err
		}
	}

	if !closed {
		return nil, fmt.Errorf("descriptor header not terminated by closing %q separator", HeaderSeparator)
	}
	for _, key := range requiredKeys {
		if !seen[key] {
			return nil, fmt.Errorf("missing required header key %q", key)
		}
	}

	t.Body = rest
	return t, nil
}

// setField assigns one header key to its typed Task field, or stashes
// unknown keys in Extra.
func (t *Task) setField(key, value string) error {
	switch key {
	case "status":
		s := Status(value)
		if !s.IsValid() {
			return fmt.Errorf("invalid status %q", value)
		}
		t.Status = s
	case "retry_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid retry_count %q: %w", value, err)
		}
		if n < 0 {
			return fmt.Errorf("retry_count cannot be negative (got %d)", n)
		}
		t.RetryCount = n
	case "source":
		t.Source = value
	case "original_name":
		t.OriginalName = value
	case "content_hash":
		t.ContentHash = value
	case "queued_at":
		ts, err := parseTime(key, value)
		if err != nil {
			return err
		}
		t.QueuedAt = ts
	case "processed_at":
		ts, err := parseTime(key, value)
		if err != nil {
			return err
		}
		t.ProcessedAt = ts
	case "approval_requested_at":
		ts, err := parseTime(key, value)
		if err != nil {
			return err
		}
		t.ApprovalRequestedAt = ts
	case "type":
		t.Type = value
	case "priority":
		p := Priority(value)
		if !p.IsValid() {
			return fmt.Errorf("invalid priority %q", value)
		}
		t.Priority = p
	case "approval_required":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid approval_required %q: %w", value, err)
		}
		t.ApprovalRequired = b
	case "approval_status":
		a := ApprovalStatus(value)
		if !a.IsValid() {
			return fmt.Errorf("invalid approval_status %q", value)
		}
		t.ApprovalStatus = a
	case "reason":
		t.Reason = value
	default:
		t.Extra[key] = value
	}
	return nil
}

// Encode serializes a Task to descriptor bytes. Known keys are written in a
// canonical order, unknown keys sorted after them, then the body verbatim.
// The task is validated first so a malformed descriptor is never written.
func Encode(t *Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to encode invalid task %s: %w", t.ID, err)
	}

	var sb strings.Builder
	sb.WriteString(HeaderSeparator)
	sb.WriteByte('\n')

	writeKV := func(key, value string) {
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(foldValue(value))
		sb.WriteByte('\n')
	}

	writeKV("status", string(t.Status))
	writeKV("retry_count", strconv.Itoa(t.RetryCount))
	writeKV("source", t.Source)
	writeKV("original_name", t.OriginalName)
	writeKV("content_hash", t.ContentHash)
	writeKV("queued_at", formatTime(t.QueuedAt))
	if t.Type != "" {
		writeKV("type", t.Type)
	}
	if t.Priority != PriorityUnset {
		writeKV("priority", string(t.Priority))
	}
	if t.ApprovalRequired {
		writeKV("approval_required", "true")
	}
	if t.ApprovalStatus != ApprovalNone {
		writeKV("approval_status", string(t.ApprovalStatus))
	}
	if !t.ProcessedAt.IsZero() {
		writeKV("processed_at", formatTime(t.ProcessedAt))
	}
	if !t.ApprovalRequestedAt.IsZero() {
		writeKV("approval_requested_at", formatTime(t.ApprovalRequestedAt))
	}
	if t.Reason != "" {
		writeKV("reason", t.Reason)
	}

	extraKeys := make([]string, 0, len(t.Extra))
	for key := range t.Extra {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		writeKV(key, t.Extra[key])
	}

	sb.WriteString(HeaderSeparator)
	sb.WriteByte('\n')
	sb.WriteString(t.Body)

	return []byte(sb.String()), nil
}

// foldValue collapses line breaks in a header value to single spaces. A
// header value occupies exactly one line; a raw newline (a multi-line
// failure reason, say) would otherwise produce a descriptor Decode rejects.
func foldValue(value string) string {
	if !strings.ContainsAny(value, "\r\n") {
		return value
	}
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "\r", " ")
}

// cutLine splits text at the first newline. The returned line excludes the
// newline; ok is false when no newline remains (line holds the tail).
func cutLine(text string) (line, rest string, ok bool) {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return text, "", false
	}
	return text[:idx], text[idx+1:], true
}

func parseTime(key, value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return ts.UTC(), nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

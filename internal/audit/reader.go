package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Filter selects audit entries. Zero fields match everything; From/To are
// inclusive day bounds in UTC.
type Filter struct {
	From   time.Time
	To     time.Time
	Action ActionType
	Actor  string
	Target string
	Limit  int
}

// Query reads matching entries from the daily files, oldest day first.
// Lines that fail to parse are skipped with a warning: a torn tail line
// from a crash must not make history unreadable.
func (l *Logger) Query(filter Filter) ([]Entry, error) {
	days, err := l.dayFiles()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, df := range days {
		if !filter.From.IsZero() && df.day.Before(dayOf(filter.From)) {
			continue
		}
		if !filter.To.IsZero() && df.day.After(dayOf(filter.To)) {
			continue
		}
		fileEntries, err := readDayFile(df.path)
		if err != nil {
			return nil, err
		}
		for _, entry := range fileEntries {
			if filter.Action != "" && entry.ActionType != filter.Action {
				continue
			}
			if filter.Actor != "" && entry.Actor != filter.Actor {
				continue
			}
			if filter.Target != "" && entry.Target != filter.Target {
				continue
			}
			entries = append(entries, entry)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return entries, nil
			}
		}
	}
	return entries, nil
}

// Stats aggregates entry counts over a day range for the summary report.
type Stats struct {
	From     time.Time
	To       time.Time
	Total    int
	ByAction map[ActionType]int
	Failures int
}

// Stats computes per-action counts and the failure total over a day range.
func (l *Logger) Stats(from, to time.Time) (*Stats, error) {
	entries, err := l.Query(Filter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	stats := &Stats{From: from, To: to, ByAction: make(map[ActionType]int)}
	for _, entry := range entries {
		stats.Total++
		stats.ByAction[entry.ActionType]++
		if entry.Error != "" || entry.Result == "failure" {
			stats.Failures++
		}
	}
	return stats, nil
}

// Purge deletes day files older than the retention window and returns the
// number of files removed. The purge itself is recorded.
func (l *Logger) Purge(retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention_days must be at least 1 (got %d)", retentionDays)
	}
	days, err := l.dayFiles()
	if err != nil {
		return 0, err
	}

	cutoff := dayOf(l.now().UTC().AddDate(0, 0, -retentionDays))
	removed := 0
	for _, df := range days {
		if !df.day.Before(cutoff) {
			continue
		}
		if err := os.Remove(df.path); err != nil {
			return removed, fmt.Errorf("removing expired audit log %s: %w", df.path, err)
		}
		removed++
	}

	if removed > 0 {
		if err := l.Record(ActionAuditPurged, "audit", map[string]interface{}{
			"files_removed":  removed,
			"retention_days": retentionDays,
		}); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

type dayFile struct {
	day  time.Time
	path string
}

// dayFiles lists the daily log files in chronological order.
func (l *Logger) dayFiles() ([]dayFile, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing audit directory: %w", err)
	}

	var files []dayFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		dayStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		day, err := time.ParseInLocation(dayFormat, dayStr, time.UTC)
		if err != nil {
			continue
		}
		files = append(files, dayFile{day: day, path: filepath.Join(l.dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].day.Before(files[j].day) })
	return files, nil
}

func readDayFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unparseable audit line %s:%d: %v\n", path, lineNo, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log %s: %w", path, err)
	}
	return entries, nil
}

func dayOf(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

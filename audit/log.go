package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	partitionExt    = ".log"
	partitionLayout = "2006-01-02"
)

// Log is the append-only, day-partitioned audit trail. Each partition is
// a few comment lines followed by one JSON entry per line.
type Log struct {
	dir string

	// Now is the clock used to stamp entries.
	Now func() time.Time

	mu   sync.Mutex
	last map[string]time.Time // newest timestamp per partition
}

func New(dir string) *Log {
	return &Log{dir: dir, Now: time.Now, last: make(map[string]time.Time)}
}

func (l *Log) Dir() string { return l.dir }

func (l *Log) partitionPath(date string) string {
	return filepath.Join(l.dir, date+partitionExt)
}

// Append stamps e with the current time and its checksum and appends it to
// today's partition. Timestamps never go backwards within a partition: if
// the clock reads earlier than the newest entry, the newest entry's time is
// reused.
func (l *Log) Append(e Entry) (Entry, error) {
	e = e.normalized()
	if err := e.validate(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now().UTC()
	date := now.Format(partitionLayout)
	path := l.partitionPath(date)

	last, ok := l.last[date]
	if !ok {
		last = lastTimestamp(path)
	}
	if now.Before(last) {
		now = last
	}
	e.Timestamp = now
	e.Checksum = e.ComputeChecksum()

	if err := l.appendLine(path, date, e); err != nil {
		return Entry{}, err
	}
	l.last[date] = now
	return e, nil
}

func (l *Log) appendLine(path, date string, e Entry) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	var buf []byte
	if info.Size() == 0 {
		buf = append(buf, partitionHeader(date)...)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := file.Write(buf); err != nil {
		return err
	}
	return file.Sync()
}

func partitionHeader(date string) string {
	return "# taskvault audit log\n" +
		"# date: " + date + "\n" +
		"# one JSON entry per line; checksum is sha256 over sorted name=value fields\n"
}

// lastTimestamp reads the newest timestamp already in a partition, or the
// zero time.
func lastTimestamp(path string) time.Time {
	var last time.Time
	_ = scanPartition(path, func(_, _ int, raw []byte) {
		var e Entry
		if json.Unmarshal(raw, &e) == nil && e.Timestamp.After(last) {
			last = e.Timestamp
		}
	})
	return last
}

// scanPartition calls fn for every entry line with its entry index and its
// 1-based line number.
func scanPartition(path string, fn func(index, line int, raw []byte)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	index, line := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		trimmed := strings.TrimSpace(string(raw))
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// The scanner reuses its buffer.
		cp := make([]byte, len(raw))
		copy(cp, raw)
		fn(index, line, cp)
		index++
	}
	return scanner.Err()
}

// --- Queries ---

// Dates lists the partition dates present, oldest first.
func (l *Log) Dates() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		date := strings.TrimSuffix(name, partitionExt)
		if _, err := time.Parse(partitionLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

// ByDate returns the readable entries of one partition in file order.
// Unparseable lines are skipped; VerifyIntegrity reports them.
func (l *Log) ByDate(date string) ([]Entry, error) {
	var out []Entry
	err := scanPartition(l.partitionPath(date), func(_, _ int, raw []byte) {
		var e Entry
		if json.Unmarshal(raw, &e) == nil {
			out = append(out, e)
		}
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return out, nil
}

// ByTaskID returns every entry for id across all partitions.
func (l *Log) ByTaskID(id string) ([]Entry, error) {
	return l.Query(Filter{TaskID: id})
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	TaskID  string
	From    time.Time
	To      time.Time
	Actor   Actor
	Outcome Outcome
	StateTo string
	Limit   int
}

func (f Filter) match(e Entry) bool {
	if f.TaskID != "" && !e.MatchesTaskID(f.TaskID) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.StateTo != "" && e.StateTo != f.StateTo {
		return false
	}
	return true
}

// Query scans partitions oldest first and returns matching entries, at
// most the newest f.Limit of them when Limit is positive. Order stays
// oldest first.
func (l *Log) Query(f Filter) ([]Entry, error) {
	dates, err := l.Dates()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, date := range dates {
		if !f.From.IsZero() && date < f.From.UTC().Format(partitionLayout) {
			continue
		}
		if !f.To.IsZero() && date > f.To.UTC().Format(partitionLayout) {
			continue
		}
		entries, err := l.ByDate(date)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !f.match(e) {
				continue
			}
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

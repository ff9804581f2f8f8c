package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Violation describes one entry that failed verification. Index counts
// entry lines from zero; Line is the 1-based line in the partition file.
type Violation struct {
	Index  int    `json:"index"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

type IntegrityReport struct {
	Date    string      `json:"date"`
	Total   int         `json:"total"`
	Valid   int         `json:"valid"`
	Invalid []Violation `json:"invalid,omitempty"`
}

func (r IntegrityReport) OK() bool { return len(r.Invalid) == 0 }

// VerifyIntegrity recomputes every checksum in a partition and checks that
// timestamps never go backwards. Each bad entry is reported once with all
// of its problems. Only entries with a valid checksum are used as the
// reference for the next timestamp comparison, so one tampered entry does
// not implicate its neighbour.
func (l *Log) VerifyIntegrity(date string) (IntegrityReport, error) {
	report := IntegrityReport{Date: date}
	var prev time.Time
	err := scanPartition(l.partitionPath(date), func(index, line int, raw []byte) {
		report.Total++

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			report.Invalid = append(report.Invalid, Violation{
				Index: index, Line: line, Reason: "malformed entry: " + err.Error(),
			})
			return
		}

		var reasons []string
		checksumOK := e.Verify()
		if !checksumOK {
			reasons = append(reasons, "checksum mismatch")
		}
		if !prev.IsZero() && e.Timestamp.Before(prev) {
			reasons = append(reasons, fmt.Sprintf("timestamp regression: %s before %s",
				e.Timestamp.UTC().Format(time.RFC3339Nano), prev.UTC().Format(time.RFC3339Nano)))
		}
		if checksumOK && !e.Timestamp.Before(prev) {
			prev = e.Timestamp
		}

		if len(reasons) > 0 {
			report.Invalid = append(report.Invalid, Violation{
				Index: index, Line: line, Reason: strings.Join(reasons, "; "),
			})
			return
		}
		report.Valid++
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, fmt.Errorf("no audit partition for %s: %w", date, err)
		}
		return report, err
	}
	return report, nil
}

// VerifyAll verifies every partition, oldest first.
func (l *Log) VerifyAll() ([]IntegrityReport, error) {
	dates, err := l.Dates()
	if err != nil {
		return nil, err
	}
	reports := make([]IntegrityReport, 0, len(dates))
	for _, date := range dates {
		r, err := l.VerifyIntegrity(date)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

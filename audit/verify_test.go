package audit

import (
	"os"
	"strings"
	"testing"
	"time"
)

const testDate = "2026-05-04"

func fillLog(t *testing.T, n int) *Log {
	t.Helper()
	l := newTestLog(t)
	for i := 0; i < n; i++ {
		appendEntry(t, l, "task-12345678", "WATCH", "WRITE")
	}
	return l
}

func TestVerifyIntegrity_Clean(t *testing.T) {
	l := fillLog(t, 4)

	r, err := l.VerifyIntegrity(testDate)
	if err != nil {
		t.Fatal(err)
	}
	if r.Total != 4 || r.Valid != 4 || !r.OK() {
		t.Errorf("report = %+v", r)
	}
}

func TestVerifyIntegrity_FlagsExactlyTheCorruptedEntry(t *testing.T) {
	edits := map[string]func(Entry) Entry{
		"details":    func(e Entry) Entry { e.Details = "edited"; return e },
		"task_id":    func(e Entry) Entry { e.TaskID = "someone-else"; return e },
		"state_to":   func(e Entry) Entry { e.StateTo = "CLOSE"; return e },
		"actor":      func(e Entry) Entry { e.Actor = ActorHuman; return e },
		"outcome":    func(e Entry) Entry { e.Outcome = OutcomeFailure; return e },
		"checksum":   func(e Entry) Entry { e.Checksum = strings.Repeat("0", 64); return e },
		"timestamp+": func(e Entry) Entry { e.Timestamp = e.Timestamp.Add(time.Hour); return e },
		"timestamp-": func(e Entry) Entry { e.Timestamp = e.Timestamp.Add(-time.Hour); return e },
	}
	for name, edit := range edits {
		t.Run(name, func(t *testing.T) {
			l := fillLog(t, 5)
			rewriteLine(t, l.partitionPath(testDate), 2, edit)

			r, err := l.VerifyIntegrity(testDate)
			if err != nil {
				t.Fatal(err)
			}
			if len(r.Invalid) != 1 || r.Invalid[0].Index != 2 {
				t.Fatalf("Invalid = %+v, want only index 2", r.Invalid)
			}
			if r.Valid != 4 || r.Total != 5 {
				t.Errorf("Valid = %d, Total = %d", r.Valid, r.Total)
			}
			if !strings.Contains(r.Invalid[0].Reason, "checksum") {
				t.Errorf("Reason = %q", r.Invalid[0].Reason)
			}
		})
	}
}

func TestVerifyIntegrity_TimestampRegression(t *testing.T) {
	l := fillLog(t, 3)

	// A well-formed entry with a valid checksum but an earlier time.
	e := Entry{Timestamp: testBase, TaskID: "late", StateTo: "WATCH", Actor: ActorSystem, Outcome: OutcomeSuccess}
	e.Checksum = e.ComputeChecksum()
	if err := l.appendLine(l.partitionPath(testDate), testDate, e); err != nil {
		t.Fatal(err)
	}

	r, err := l.VerifyIntegrity(testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Invalid) != 1 || r.Invalid[0].Index != 3 {
		t.Fatalf("Invalid = %+v, want index 3", r.Invalid)
	}
	if !strings.Contains(r.Invalid[0].Reason, "timestamp regression") {
		t.Errorf("Reason = %q", r.Invalid[0].Reason)
	}
}

func TestVerifyIntegrity_MalformedLine(t *testing.T) {
	l := fillLog(t, 2)
	f, err := os.OpenFile(l.partitionPath(testDate), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	r, err := l.VerifyIntegrity(testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Invalid) != 1 || r.Invalid[0].Index != 2 || r.Invalid[0].Line != 6 {
		t.Errorf("Invalid = %+v", r.Invalid)
	}
}

func TestVerifyIntegrity_MissingPartition(t *testing.T) {
	l := New(t.TempDir())
	if _, err := l.VerifyIntegrity("1999-01-01"); err == nil {
		t.Error("expected error for missing partition")
	}
}

func TestVerifyAll(t *testing.T) {
	l := New(t.TempDir())
	day := testBase
	l.Now = func() time.Time { return day }
	appendEntry(t, l, "a", "", "WATCH")
	day = day.Add(24 * time.Hour)
	appendEntry(t, l, "a", "WATCH", "WRITE")

	reports, err := l.VerifyAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("len = %d", len(reports))
	}
	for _, r := range reports {
		if !r.OK() || r.Total != 1 {
			t.Errorf("report = %+v", r)
		}
	}
}

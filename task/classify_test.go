package task

import (
	"reflect"
	"strings"
	"testing"
)

func TestClassifyApproval(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{"Organize the quarterly notes folder", nil},
		{"Pay the plumber", []string{"financial"}},
		{"Reply to Dana and delete the draft", []string{"communication", "deletion"}},
		{"Review the NDA", []string{"legal"}},
		{"Post an update on LinkedIn", []string{"social"}},
		// whole words only
		{"Repayment schedule notes", nil},
		{"Signpost the hallway", nil},
	}
	for _, tt := range tests {
		got := ClassifyApproval(tt.content)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ClassifyApproval(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestClassifyPriority(t *testing.T) {
	tests := map[string]Priority{
		"URGENT: server down":       PriorityUrgent,
		"Need this ASAP":            PriorityUrgent,
		"Important quarterly notes": PriorityHigh,
		"Water the plants":          PriorityNormal,
	}
	for content, want := range tests {
		if got := ClassifyPriority(content); got != want {
			t.Errorf("ClassifyPriority(%q) = %q, want %q", content, got, want)
		}
	}
}

func TestDeriveTitle(t *testing.T) {
	if got := DeriveTitle("\n\n# Weekly review\nmore"); got != "Weekly review" {
		t.Errorf("DeriveTitle = %q", got)
	}
	if got := DeriveTitle("   "); got != "Untitled task" {
		t.Errorf("DeriveTitle(blank) = %q", got)
	}
	long := strings.Repeat("a", 200)
	if got := DeriveTitle(long); len(got) != maxTitleLen {
		t.Errorf("len = %d, want %d", len(got), maxTitleLen)
	}
}

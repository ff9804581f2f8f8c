package document

import (
	"errors"
	"strings"
	"testing"
)

type testMeta struct {
	ID    string `yaml:"id"`
	Count int    `yaml:"count"`
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	data, err := Encode(testMeta{ID: "abc", Count: 3}, "# Title\n\nbody text\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "---\nid: abc\n") {
		t.Errorf("unexpected header:\n%s", data)
	}

	var m testMeta
	doc, err := Decode(data, &m)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "abc" || m.Count != 3 {
		t.Errorf("meta = %+v", m)
	}
	if doc.Body != "# Title\n\nbody text\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no header", "just some text\n"},
		{"unterminated", "---\nid: x\nbody\n"},
		{"bad yaml", "---\nid: [unclosed\n---\n\nbody\n"},
		{"scalar header", "---\njust a string\n---\n\nbody\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecode_EmptyHeader(t *testing.T) {
	var m testMeta
	if _, err := Decode([]byte("---\n---\n\nbody\n"), &m); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParseCheckboxes_ByPosition(t *testing.T) {
	body := "## Steps\n\n- [x] first\n- [ ] second\nnot a box\n* [X] third\n"
	boxes := ParseCheckboxes(body)
	if len(boxes) != 3 {
		t.Fatalf("got %d boxes, want 3", len(boxes))
	}
	want := []Checkbox{
		{Index: 0, Checked: true, Text: "first"},
		{Index: 1, Checked: false, Text: "second"},
		{Index: 2, Checked: true, Text: "third"},
	}
	for i, b := range boxes {
		if b != want[i] {
			t.Errorf("box %d = %+v, want %+v", i, b, want[i])
		}
	}
}

func TestSetCheckbox(t *testing.T) {
	body := RenderCheckboxes([]string{"a", "b", "c"})

	out, err := SetCheckbox(body, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	boxes := ParseCheckboxes(out)
	if boxes[0].Checked || !boxes[1].Checked || boxes[2].Checked {
		t.Errorf("unexpected state: %+v", boxes)
	}

	if _, err := SetCheckbox(body, 5, true); err == nil {
		t.Error("expected error for missing checkbox")
	}
}

package document

import (
	"fmt"
	"regexp"
	"strings"
)

var checkboxRe = regexp.MustCompile(`^(\s*[-*]\s+\[)([ xX])(\]\s?)(.*)$`)

// Checkbox is one "- [ ] text" line. Index is its position among the
// checkboxes of the body, which is its identity.
type Checkbox struct {
	Index   int
	Checked bool
	Text    string
}

// ParseCheckboxes returns every checkbox in body order.
func ParseCheckboxes(body string) []Checkbox {
	var out []Checkbox
	for _, line := range strings.Split(body, "\n") {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Checkbox{
			Index:   len(out),
			Checked: m[2] != " ",
			Text:    strings.TrimSpace(m[4]),
		})
	}
	return out
}

// SetCheckbox sets the check state of the checkbox at index.
func SetCheckbox(body string, index int, checked bool) (string, error) {
	lines := strings.Split(body, "\n")
	seen := 0
	for i, line := range lines {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if seen == index {
			mark := " "
			if checked {
				mark = "x"
			}
			lines[i] = m[1] + mark + m[3] + m[4]
			return strings.Join(lines, "\n"), nil
		}
		seen++
	}
	return body, fmt.Errorf("checkbox %d not found (have %d)", index, seen)
}

// RenderCheckboxes renders one unchecked checkbox line per item.
func RenderCheckboxes(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- [ ] ")
		b.WriteString(strings.TrimSpace(it))
		b.WriteByte('\n')
	}
	return b.String()
}

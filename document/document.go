// Package document reads and writes vault documents: a YAML metadata header
// fenced by "---" lines followed by free-form markdown body text.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrMalformed = errors.New("malformed document")

const fence = "---"

// Document is a parsed file. Meta holds the raw header so callers can
// decode it into their own types.
type Document struct {
	Meta yaml.Node
	Body string
}

// Parse splits raw bytes into header and body. Content without a leading
// fence or with an unparseable header is ErrMalformed.
func Parse(data []byte) (Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	if !strings.HasPrefix(text, fence+"\n") {
		return Document{}, fmt.Errorf("%w: missing metadata header", ErrMalformed)
	}
	rest := text[len(fence)+1:]

	end := strings.Index(rest, "\n"+fence+"\n")
	var header, body string
	switch {
	case strings.HasPrefix(rest, fence+"\n"):
		header, body = "", rest[len(fence)+1:]
	case end >= 0:
		header, body = rest[:end+1], rest[end+len(fence)+2:]
	case strings.HasSuffix(rest, "\n"+fence):
		header, body = rest[:len(rest)-len(fence)], ""
	default:
		return Document{}, fmt.Errorf("%w: unterminated metadata header", ErrMalformed)
	}

	var doc Document
	if err := yaml.Unmarshal([]byte(header), &doc.Meta); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Meta.Kind != 0 && (len(doc.Meta.Content) == 0 || doc.Meta.Content[0].Kind != yaml.MappingNode) {
		return Document{}, fmt.Errorf("%w: metadata is not a mapping", ErrMalformed)
	}
	doc.Body = strings.TrimLeft(body, "\n")
	return doc, nil
}

// Decode unmarshals the header into v.
func (d Document) Decode(v any) error {
	if d.Meta.Kind == 0 {
		return fmt.Errorf("%w: empty metadata", ErrMalformed)
	}
	if err := d.Meta.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode renders meta as the header followed by body.
func Encode(meta any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	buf.WriteString(fence + "\n\n")
	buf.WriteString(strings.TrimLeft(body, "\n"))
	if body != "" && !strings.HasSuffix(body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode parses data and decodes its header into v.
func Decode(data []byte, v any) (Document, error) {
	doc, err := Parse(data)
	if err != nil {
		return Document{}, err
	}
	if err := doc.Decode(v); err != nil {
		return Document{}, err
	}
	return doc, nil
}

package ingest

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMalformed marks a record file that cannot be parsed. Malformed records
// are quarantined, never silently dropped.
var ErrMalformed = errors.New("malformed record")

// Header is the YAML frontmatter of a task record file. Type is the only
// required field.
type Header struct {
	Type             string  `yaml:"type"`
	Priority         string  `yaml:"priority,omitempty"`
	Department       string  `yaml:"department,omitempty"`
	ApprovalRequired bool    `yaml:"approval_required,omitempty"`
	Confidence       float64 `yaml:"confidence,omitempty"`
	Risk             float64 `yaml:"risk,omitempty"`

	// Set on export; intake records never carry them (status and retry
	// bookkeeping belong to the engine, not the producer).
	Status     string `yaml:"status,omitempty"`
	RetryCount int    `yaml:"retry_count,omitempty"`
	CreatedAt  string `yaml:"created_at,omitempty"`
}

// Record is a parsed task record: frontmatter plus an opaque body the
// engine stores but never interprets.
type Record struct {
	Header Header
	Body   string
}

const fence = "---"

// Parse reads a frontmatter-fenced record. The file must start with a
// fence line, carry valid YAML up to the closing fence, and name a type.
func Parse(data []byte) (Record, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, fence+"\n") {
		return Record{}, fmt.Errorf("%w: missing frontmatter fence", ErrMalformed)
	}
	rest := text[len(fence)+1:]
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return Record{}, fmt.Errorf("%w: unterminated frontmatter", ErrMalformed)
	}
	front := rest[:idx]
	body := rest[idx+len(fence)+1:]
	body = strings.TrimPrefix(body, "\n")

	var h Header
	if err := yaml.Unmarshal([]byte(front), &h); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return Record{}, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	if h.Confidence < 0 || h.Confidence > 1 || h.Risk < 0 || h.Risk > 1 {
		return Record{}, fmt.Errorf("%w: confidence and risk must be in [0,1]", ErrMalformed)
	}
	return Record{Header: h, Body: body}, nil
}

// Render writes a record back to its file form, for task export.
func Render(r Record) ([]byte, error) {
	front, err := yaml.Marshal(r.Header)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(fence + "\n")
	b.Write(front)
	b.WriteString(fence + "\n")
	if r.Body != "" {
		b.WriteString(r.Body)
		if !strings.HasSuffix(r.Body, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String()), nil
}

package ingest

import (
	"errors"
	"testing"
)

func TestParseRecord(t *testing.T) {
	data := []byte(`---
type: email
priority: high
department: sales
approval_required: true
confidence: 0.7
risk: 0.2
---
Follow up with the vendor about the renewal.
`)
	rec, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.Header.Type != "email" || rec.Header.Priority != "high" || rec.Header.Department != "sales" {
		t.Fatalf("header: %+v", rec.Header)
	}
	if !rec.Header.ApprovalRequired {
		t.Fatalf("approval_required not parsed")
	}
	if rec.Header.Confidence != 0.7 || rec.Header.Risk != 0.2 {
		t.Fatalf("scores: %+v", rec.Header)
	}
	if rec.Body != "Follow up with the vendor about the renewal.\n" {
		t.Fatalf("body: %q", rec.Body)
	}
}

func TestParseRecordBodyOptional(t *testing.T) {
	rec, err := Parse([]byte("---\ntype: manual\n---\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.Body != "" {
		t.Fatalf("expected empty body, got %q", rec.Body)
	}
}

func TestParseMalformedRecords(t *testing.T) {
	cases := map[string]string{
		"no fence":         "type: email\n",
		"unterminated":     "---\ntype: email\n",
		"bad yaml":         "---\ntype: [unclosed\n---\nbody\n",
		"missing type":     "---\npriority: high\n---\n",
		"confidence range": "---\ntype: email\nconfidence: 1.5\n---\n",
	}
	for name, input := range cases {
		if _, err := Parse([]byte(input)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: got %v, want ErrMalformed", name, err)
		}
	}
}

func TestRenderRoundTrip(t *testing.T) {
	orig := Record{
		Header: Header{Type: "file_arrival", Priority: "low", Department: "ops", Confidence: 0.4},
		Body:   "incoming report\n",
	}
	data, err := Render(orig)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if back.Header != orig.Header {
		t.Fatalf("header changed: %+v vs %+v", back.Header, orig.Header)
	}
	if back.Body != orig.Body {
		t.Fatalf("body changed: %q vs %q", back.Body, orig.Body)
	}
}

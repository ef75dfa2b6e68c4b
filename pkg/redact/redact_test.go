package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := New(false).Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	var nilRedactor *Redactor
	if got := nilRedactor.Text(in); got != in {
		t.Fatalf("nil redactor should pass text through")
	}
}

func TestRedactEnabled(t *testing.T) {
	r := New(true)
	got := r.Text("reach me at a@b.com or (555) 123-4567, budget is 400k")
	if !strings.Contains(got, EmailMask) || !strings.Contains(got, PhoneMask) {
		t.Fatalf("expected both masks, got %q", got)
	}
	if !strings.Contains(got, "budget is 400k") {
		t.Fatalf("non-personal text should survive, got %q", got)
	}
	out := r.Strings([]string{"call 555-123-4567", "hello"})
	if out[0] != "call "+PhoneMask || out[1] != "hello" {
		t.Fatalf("unexpected slice redaction %v", out)
	}
}

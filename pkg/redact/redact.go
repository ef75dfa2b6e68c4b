// Package redact masks personal data in transcript text before it is
// written to timelines or published in call summaries.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{7,}\d`)
)

const (
	EmailMask = "[REDACTED_EMAIL]"
	PhoneMask = "[REDACTED_PHONE]"
)

// Redactor masks emails and phone numbers. The zero value and nil are
// disabled and return text unchanged.
type Redactor struct {
	enabled bool
}

func New(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

func (r *Redactor) Text(in string) string {
	if !r.Enabled() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, EmailMask)
	return phoneRe.ReplaceAllString(out, PhoneMask)
}

// Strings redacts every element into a new slice.
func (r *Redactor) Strings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Text(s)
	}
	return out
}

// Package pii scrubs personally identifying values from evidence exports.
package pii

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Mode selects the scrubbing strategy.
type Mode string

const (
	// ModeOff passes values through untouched.
	ModeOff Mode = "off"
	// ModeRedact replaces matches with a fixed placeholder.
	ModeRedact Mode = "redact"
	// ModeTokenize replaces matches with a stable salted token so the same
	// value maps to the same token within one deployment.
	ModeTokenize Mode = "tokenize"
)

// Redacted is the placeholder emitted in redact mode.
const Redacted = "[REDACTED]"

// ParseMode validates a mode string, defaulting empty to off.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeOff:
		return ModeOff, nil
	case ModeRedact:
		return ModeRedact, nil
	case ModeTokenize:
		return ModeTokenize, nil
	}
	return "", fmt.Errorf("unknown pii mode %q", s)
}

var patterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	// E.164-ish phone numbers (7+ digits with optional separators).
	regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`),
	// US social security numbers.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// 13-19 digit card numbers with optional separators.
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
}

// Scrubber rewrites PII in free-form strings.
type Scrubber struct {
	mode Mode
	salt string
}

// NewScrubber creates a scrubber. The salt only matters in tokenize mode.
func NewScrubber(mode Mode, salt string) *Scrubber {
	return &Scrubber{mode: mode, salt: salt}
}

// Mode returns the configured mode.
func (s *Scrubber) Mode() Mode { return s.mode }

// Scrub rewrites every PII match in the input per the configured mode.
func (s *Scrubber) Scrub(in string) string {
	if s.mode == ModeOff || in == "" {
		return in
	}
	out := in
	for _, p := range patterns {
		out = p.ReplaceAllStringFunc(out, s.replace)
	}
	return out
}

// ScrubMap scrubs every string value of a flat map, returning a copy.
func (s *Scrubber) ScrubMap(in map[string]string) map[string]string {
	if s.mode == ModeOff || len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = s.Scrub(v)
	}
	return out
}

func (s *Scrubber) replace(match string) string {
	if s.mode == ModeRedact {
		return Redacted
	}
	return fmt.Sprintf("tok_%016x", xxhash.Sum64String(s.salt+"|"+match))
}

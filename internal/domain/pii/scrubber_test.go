package pii

import (
	"regexp"
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeOff, false},
		{"off", ModeOff, false},
		{"redact", ModeRedact, false},
		{"  Tokenize ", ModeTokenize, false},
		{"REDACT", ModeRedact, false},
		{"shred", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMode(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestScrubOff(t *testing.T) {
	t.Parallel()
	s := NewScrubber(ModeOff, "")
	in := "contact alice@example.com or +1 555 123 4567"
	if got := s.Scrub(in); got != in {
		t.Errorf("off mode rewrote input: %q", got)
	}
}

func TestScrubRedact(t *testing.T) {
	t.Parallel()
	s := NewScrubber(ModeRedact, "")

	tests := []struct {
		name string
		in   string
	}{
		{"email", "mail alice@example.com about it"},
		{"phone", "call +1 (555) 123-4567 now"},
		{"ssn", "ssn is 123-45-6789 ok"},
		{"card", "card 4111 1111 1111 1111 on file"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := s.Scrub(tt.in)
			if !strings.Contains(got, Redacted) {
				t.Errorf("Scrub(%q) = %q, want %s placeholder", tt.in, got, Redacted)
			}
		})
	}
}

func TestScrubRedactLeavesCleanTextAlone(t *testing.T) {
	t.Parallel()
	s := NewScrubber(ModeRedact, "")
	in := "write_file path=/tmp/report.txt bytes=2048"
	if got := s.Scrub(in); got != in {
		t.Errorf("clean text rewritten: %q", got)
	}
}

func TestScrubTokenizeStable(t *testing.T) {
	t.Parallel()
	s := NewScrubber(ModeTokenize, "deployment-salt")

	first := s.Scrub("reach alice@example.com")
	second := s.Scrub("cc alice@example.com too")

	tokenRe := regexp.MustCompile(`tok_[0-9a-f]{16}`)
	tok1 := tokenRe.FindString(first)
	tok2 := tokenRe.FindString(second)
	if tok1 == "" || tok1 != tok2 {
		t.Errorf("tokens %q and %q, want identical stable token", tok1, tok2)
	}

	// Different values and different salts yield different tokens.
	other := tokenRe.FindString(s.Scrub("reach bob@example.com"))
	if other == tok1 {
		t.Error("distinct values share a token")
	}
	resalted := tokenRe.FindString(NewScrubber(ModeTokenize, "other-salt").Scrub("reach alice@example.com"))
	if resalted == tok1 {
		t.Error("salt does not affect tokens")
	}
}

func TestScrubMap(t *testing.T) {
	t.Parallel()
	s := NewScrubber(ModeRedact, "")

	in := map[string]string{
		"to":   "alice@example.com",
		"path": "/tmp/x",
	}
	out := s.ScrubMap(in)
	if out["to"] != Redacted {
		t.Errorf("to = %q, want %s", out["to"], Redacted)
	}
	if out["path"] != "/tmp/x" {
		t.Errorf("path = %q, want untouched", out["path"])
	}
	// The input map is never mutated.
	if in["to"] != "alice@example.com" {
		t.Error("ScrubMap mutated its input")
	}
}

func TestScrubEmptyString(t *testing.T) {
	t.Parallel()
	if got := NewScrubber(ModeRedact, "").Scrub(""); got != "" {
		t.Errorf("Scrub(\"\") = %q", got)
	}
}

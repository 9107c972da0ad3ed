// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("short string should pass through unchanged, got %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Truncate("", 5); got != "" {
		t.Fatalf("empty string should stay empty, got %q", got)
	}
	if got := Truncate("hello", 0); got != "" {
		t.Fatalf("n<=0 should return empty, got %q", got)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// "café" = c,a,f (1 byte each) + é (2 bytes) = 5 bytes total.
	s := "café"
	got := Truncate(s, 4)
	if got != "caf" {
		t.Fatalf("expected truncation to back off the split multi-byte rune, got %q", got)
	}
}

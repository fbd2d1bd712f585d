// Package uuid tests for UUID generation and validation.
package uuid

import "testing"

// TestNew verifies generated IDs validate as v4.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("generated ID %q is not a valid UUID v4", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid rejects malformed identifiers.
func TestIsValid(t *testing.T) {
	bad := []string{
		"",
		"not-a-uuid",
		"123e4567-e89b-12d3-a456-426614174000",  // v1, not v4
		"123e4567e89b42d3a456426614174000",      // missing dashes
		"123e4567-e89b-42d3-c456-426614174000",  // bad variant bits
	}
	for _, s := range bad {
		if IsValid(s) {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}

	if !IsValid("123e4567-e89b-42d3-a456-426614174000") {
		t.Error("well-formed v4 UUID rejected")
	}
}

// TestValidate returns an error for invalid input.
func TestValidate(t *testing.T) {
	if err := Validate("nope"); err == nil {
		t.Error("expected error for invalid UUID")
	}
	if err := Validate(New()); err != nil {
		t.Errorf("Validate(New()) error = %v", err)
	}
}

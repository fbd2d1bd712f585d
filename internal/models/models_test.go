// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Value verifies the Value() method returns correct string.
func TestUUID_Value(t *testing.T) {
	id := UUID("123e4567-e89b-12d3-a456-426614174000")

	val, err := id.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	if val != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("Value() = %v, want '123e4567-e89b-12d3-a456-426614174000'", val)
	}
}

// TestUUID_Scan_nil verifies nil value handling.
func TestUUID_Scan_nil(t *testing.T) {
	var id UUID
	if err := id.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error = %v", err)
	}
	if id != "" {
		t.Errorf("Scan(nil) = %q, want empty string", id)
	}
}

// TestUUID_Scan_bytes verifies []byte and string scanning.
func TestUUID_Scan_bytes(t *testing.T) {
	var id UUID
	if err := id.Scan([]byte("abc")); err != nil {
		t.Fatalf("Scan([]byte) error = %v", err)
	}
	if id != "abc" {
		t.Errorf("Scan([]byte) = %q, want 'abc'", id)
	}

	if err := id.Scan("def"); err != nil {
		t.Fatalf("Scan(string) error = %v", err)
	}
	if id != "def" {
		t.Errorf("Scan(string) = %q, want 'def'", id)
	}
}

// =====================================================
// Operation Status Tests
// =====================================================

// TestOperationStatus_CanTransition verifies forward-only transitions.
func TestOperationStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to OperationStatus
		want     bool
	}{
		{StatusPending, StatusSyncing, true},
		{StatusSyncing, StatusApplied, true},
		{StatusSyncing, StatusConflict, true},
		{StatusSyncing, StatusFailed, true},
		{StatusApplied, StatusPending, false},
		{StatusFailed, StatusSyncing, false},
		{StatusSyncing, StatusPending, false},
		// The one allowed backward move: manual conflict resolution.
		{StatusConflict, StatusPending, true},
		{StatusPending, StatusPending, true},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

// TestOperationStatus_Terminal verifies terminal status detection.
func TestOperationStatus_Terminal(t *testing.T) {
	if !StatusApplied.Terminal() {
		t.Error("applied should be terminal")
	}
	if !StatusFailed.Terminal() {
		t.Error("failed should be terminal")
	}
	if StatusConflict.Terminal() {
		t.Error("conflict should not be terminal")
	}
	if StatusPending.Terminal() {
		t.Error("pending should not be terminal")
	}
}

// TestOperation_EntityKey verifies the per-entity ordering key.
func TestOperation_EntityKey(t *testing.T) {
	op := &Operation{EntityType: EntityProduct, EntityID: "42"}
	if op.EntityKey() != "product/42" {
		t.Errorf("EntityKey() = %q, want 'product/42'", op.EntityKey())
	}
}

// =====================================================
// Payload Validation Tests
// =====================================================

// TestValidatePayload_create verifies required fields per entity type.
func TestValidatePayload_create(t *testing.T) {
	good := json.RawMessage(`{"name":"Tomates","price":100}`)
	if err := ValidatePayload(EntityProduct, KindCreate, good); err != nil {
		t.Errorf("valid product payload rejected: %v", err)
	}

	missing := json.RawMessage(`{"name":"Tomates"}`)
	if err := ValidatePayload(EntityProduct, KindCreate, missing); err == nil {
		t.Error("expected error for product create missing price")
	}
}

// TestValidatePayload_update accepts partial objects, rejects empty ones.
func TestValidatePayload_update(t *testing.T) {
	if err := ValidatePayload(EntityProduct, KindUpdate, json.RawMessage(`{"price":120}`)); err != nil {
		t.Errorf("partial update rejected: %v", err)
	}
	if err := ValidatePayload(EntityProduct, KindUpdate, json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for empty update payload")
	}
}

// TestValidatePayload_delete requires no payload.
func TestValidatePayload_delete(t *testing.T) {
	if err := ValidatePayload(EntityOrder, KindDelete, nil); err != nil {
		t.Errorf("delete with nil payload rejected: %v", err)
	}
}

// TestValidatePayload_unknownEntity rejects entity types outside the protocol.
func TestValidatePayload_unknownEntity(t *testing.T) {
	if err := ValidatePayload("widget", KindCreate, json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown entity type")
	}
}

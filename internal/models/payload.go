// Package models provides data model definitions for the AgroTour offline core.
package models

import (
	"encoding/json"
	"fmt"
)

// Entity types accepted at the queue boundary. Payloads are opaque JSON
// at rest; shape is checked once, on enqueue, keyed by entity type.
const (
	EntityProduct  = "product"
	EntityOrder    = "order"
	EntityVisit    = "visit"
	EntityLocation = "location"
	EntityUser     = "user"
)

// payloadFields lists fields a create payload must carry per entity type.
// Updates are partial by nature and only need to be valid JSON objects.
var payloadFields = map[string][]string{
	EntityProduct:  {"name", "price"},
	EntityOrder:    {"items"},
	EntityVisit:    {"scheduled_at"},
	EntityLocation: {"name", "lat", "lng"},
	EntityUser:     {"name", "role"},
}

// KnownEntityType reports whether the entity type is part of the
// sync protocol.
func KnownEntityType(entityType string) bool {
	_, ok := payloadFields[entityType]
	return ok
}

// ValidatePayload checks an operation payload against the schema for its
// entity type before it enters the durable queue. Delete operations carry
// no payload and are always valid.
func ValidatePayload(entityType string, kind OperationKind, payload json.RawMessage) error {
	if !KnownEntityType(entityType) {
		return fmt.Errorf("unknown entity type %q", entityType)
	}

	if kind == KindDelete {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload for %s is not a JSON object: %w", entityType, err)
	}

	if kind == KindUpdate {
		if len(fields) == 0 {
			return fmt.Errorf("update payload for %s is empty", entityType)
		}
		return nil
	}

	for _, name := range payloadFields[entityType] {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("%s create payload missing required field %q", entityType, name)
		}
	}
	return nil
}

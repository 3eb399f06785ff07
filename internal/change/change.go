// Package change defines the mutation vocabulary clients use to edit a
// board's objects: Insert, Update and Delete. A Change is the unit that
// travels through the Redis changes stream and is folded into the objects
// document by the checkpointer.
package change

import (
	"encoding/json"
	"fmt"
)

// Kind tags which variant of Change a value holds.
type Kind string

const (
	KindInsert Kind = "Insert"
	KindUpdate Kind = "Update"
	KindDelete Kind = "Delete"
)

// Change is one of Insert{id, object}, Update{id, key, value} or
// Delete{id}. Only one constructor should be used per value; the zero value
// is not a valid Change.
type Change struct {
	Type Kind `json:"type"`

	// Insert
	ID     string                 `json:"id"`
	Object map[string]interface{} `json:"object,omitempty"`

	// Update
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Insert builds an Insert change that creates or replaces the whole object
// identified by id.
func Insert(id string, object map[string]interface{}) Change {
	if object == nil {
		object = map[string]interface{}{}
	}
	return Change{Type: KindInsert, ID: id, Object: object}
}

// Update builds an Update change that sets a single property on an
// existing object. Applying it to a missing object is a no-op.
func Update(id, key string, value json.RawMessage) Change {
	return Change{Type: KindUpdate, ID: id, Key: key, Value: value}
}

// Delete builds a Delete change that removes an object if present.
func Delete(id string) Change {
	return Change{Type: KindDelete, ID: id}
}

// Validate reports whether c is a well-formed value of its declared Type.
func (c Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("change: id is required")
	}
	switch c.Type {
	case KindInsert:
		if c.Object == nil {
			return fmt.Errorf("change: insert requires an object")
		}
	case KindUpdate:
		if c.Key == "" {
			return fmt.Errorf("change: update requires a key")
		}
		if len(c.Value) == 0 {
			return fmt.Errorf("change: update requires a value")
		}
	case KindDelete:
		// no additional fields required
	default:
		return fmt.Errorf("change: unknown type %q", c.Type)
	}
	return nil
}

// MarshalJSON emits the wire shape:
//
//	{"type": "Insert", "id": "...", "object": {...}}
//	{"type": "Update", "id": "...", "key": "...", "value": <json>}
//	{"type": "Delete", "id": "..."}
func (c Change) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case KindInsert:
		return json.Marshal(struct {
			Type   Kind                   `json:"type"`
			ID     string                 `json:"id"`
			Object map[string]interface{} `json:"object"`
		}{c.Type, c.ID, c.Object})
	case KindUpdate:
		return json.Marshal(struct {
			Type  Kind            `json:"type"`
			ID    string          `json:"id"`
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}{c.Type, c.ID, c.Key, c.Value})
	case KindDelete:
		return json.Marshal(struct {
			Type Kind   `json:"type"`
			ID   string `json:"id"`
		}{c.Type, c.ID})
	default:
		return nil, fmt.Errorf("change: cannot marshal unknown type %q", c.Type)
	}
}

// UnmarshalJSON decodes any of the three wire shapes described above,
// rejecting anything that doesn't validate for its tagged type.
func (c *Change) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type   Kind                   `json:"type"`
		ID     string                 `json:"id"`
		Object map[string]interface{} `json:"object"`
		Key    string                 `json:"key"`
		Value  json.RawMessage        `json:"value"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("change: decode: %w", err)
	}
	decoded := Change{
		Type:   wire.Type,
		ID:     wire.ID,
		Object: wire.Object,
		Key:    wire.Key,
		Value:  wire.Value,
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*c = decoded
	return nil
}

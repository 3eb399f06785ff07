package change

import "encoding/json"

// Objects is an in-memory mirror of a board's `objects` document: a mapping
// from object id to its property map. It exists so the fold rule can be
// tested as a pure function, independent of Redis.
type Objects map[string]map[string]interface{}

// Clone returns a deep-enough copy of o for use as a fold starting point in
// tests that assert idempotence of applying the same prefix twice.
func (o Objects) Clone() Objects {
	out := make(Objects, len(o))
	for id, obj := range o {
		copied := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}

// Apply folds a single Change into o:
// Insert creates or replaces the object, Update sets one property but is a
// no-op if the object is missing, Delete removes the object if present.
func (o Objects) Apply(c Change) {
	switch c.Type {
	case KindInsert:
		o[c.ID] = c.Object
	case KindUpdate:
		obj, ok := o[c.ID]
		if !ok {
			return
		}
		var value interface{}
		if err := json.Unmarshal(c.Value, &value); err != nil {
			return
		}
		obj[c.Key] = value
	case KindDelete:
		delete(o, c.ID)
	}
}

// Fold applies changes in order to a fresh Objects document and returns the
// result, matching the checkpointer's semantics of
// fold(initial, stream[..=V]).
func Fold(initial Objects, changes []Change) Objects {
	result := initial.Clone()
	if result == nil {
		result = Objects{}
	}
	for _, c := range changes {
		result.Apply(c)
	}
	return result
}

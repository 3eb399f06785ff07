package change_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/collabboard/boardsync/internal/change"
)

func TestFoldInsertThenUpdateIsLastWriterWins(t *testing.T) {
	t.Parallel()

	result := change.Fold(nil, []change.Change{
		change.Insert("obj-1", map[string]interface{}{"x": 1.0}),
		change.Update("obj-1", "x", json.RawMessage(`2`)),
		change.Update("obj-1", "x", json.RawMessage(`3`)),
	})

	assert.Equal(t, float64(3), result["obj-1"]["x"])
}

func TestFoldUpdateOnMissingObjectIsNoOp(t *testing.T) {
	t.Parallel()

	result := change.Fold(nil, []change.Change{
		change.Update("ghost", "x", json.RawMessage(`1`)),
	})

	assert.NotContains(t, result, "ghost")
}

func TestFoldDeleteDoesNotResurrect(t *testing.T) {
	t.Parallel()

	result := change.Fold(nil, []change.Change{
		change.Insert("obj-1", map[string]interface{}{"x": 1.0}),
		change.Delete("obj-1"),
		change.Update("obj-1", "x", json.RawMessage(`99`)),
	})

	assert.NotContains(t, result, "obj-1")
}

func TestFoldSecondInsertReplacesWholeObject(t *testing.T) {
	t.Parallel()

	result := change.Fold(nil, []change.Change{
		change.Insert("obj-1", map[string]interface{}{"x": 1.0, "y": 2.0}),
		change.Insert("obj-1", map[string]interface{}{"z": 3.0}),
	})

	assert.Equal(t, map[string]interface{}{"z": 3.0}, result["obj-1"])
}

func TestFoldDoesNotMutateInitial(t *testing.T) {
	t.Parallel()

	initial := change.Objects{"obj-1": {"x": 1.0}}
	result := change.Fold(initial, []change.Change{
		change.Update("obj-1", "x", json.RawMessage(`2`)),
	})

	assert.Equal(t, float64(1), initial["obj-1"]["x"])
	assert.Equal(t, float64(2), result["obj-1"]["x"])
}

func TestFoldIsIdempotentUnderReplay(t *testing.T) {
	t.Parallel()

	changes := []change.Change{
		change.Insert("obj-1", map[string]interface{}{"x": 1.0}),
		change.Update("obj-1", "x", json.RawMessage(`2`)),
	}

	first := change.Fold(nil, changes)
	second := change.Fold(first, changes)

	assert.Equal(t, first, second)
}

package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldInsertThenUpdateBecomesInsert(t *testing.T) {
	out := Fold([]Change[int, string]{
		{Type: Insert, Key: 1, Value: "a"},
		{Type: Update, Key: 1, Value: "b"},
	})
	assert.Len(t, out, 1)
	assert.Equal(t, Insert, out[0].Type)
	assert.Equal(t, "b", out[0].Value)
}

func TestFoldInsertThenDeleteVanishes(t *testing.T) {
	out := Fold([]Change[int, string]{
		{Type: Insert, Key: 1, Value: "a"},
		{Type: Delete, Key: 1, Value: "a"},
	})
	assert.Empty(t, out)
}

func TestFoldUpdateThenUpdateKeepsFirstPreviousValue(t *testing.T) {
	first := "before"
	out := Fold([]Change[int, string]{
		{Type: Update, Key: 1, Value: "mid", PreviousValue: &first},
		{Type: Update, Key: 1, Value: "final"},
	})
	assert.Len(t, out, 1)
	assert.Equal(t, Update, out[0].Type)
	assert.Equal(t, "final", out[0].Value)
	if assert.NotNil(t, out[0].PreviousValue) {
		assert.Equal(t, "before", *out[0].PreviousValue)
	}
}

func TestFoldUpdateThenDeleteBecomesDelete(t *testing.T) {
	out := Fold([]Change[int, string]{
		{Type: Update, Key: 1, Value: "mid"},
		{Type: Delete, Key: 1, Value: "mid"},
	})
	assert.Len(t, out, 1)
	assert.Equal(t, Delete, out[0].Type)
}

func TestFoldDeleteThenInsertBecomesUpdate(t *testing.T) {
	out := Fold([]Change[int, string]{
		{Type: Delete, Key: 1, Value: "old"},
		{Type: Insert, Key: 1, Value: "new"},
	})
	assert.Len(t, out, 1)
	assert.Equal(t, Update, out[0].Type)
	assert.Equal(t, "new", out[0].Value)
	if assert.NotNil(t, out[0].PreviousValue) {
		assert.Equal(t, "old", *out[0].PreviousValue)
	}
}

func TestFoldPreservesFirstAppearanceOrderAcrossKeys(t *testing.T) {
	out := Fold([]Change[int, string]{
		{Type: Insert, Key: 2, Value: "b"},
		{Type: Insert, Key: 1, Value: "a"},
		{Type: Update, Key: 2, Value: "b2"},
	})
	assert.Len(t, out, 2)
	assert.Equal(t, 2, out[0].Key)
	assert.Equal(t, 1, out[1].Key)
}

func TestFoldPassthroughForUntouchedKeys(t *testing.T) {
	out := Fold([]Change[int, string]{
		{Type: Insert, Key: 1, Value: "a"},
	})
	assert.Len(t, out, 1)
	assert.Equal(t, Insert, out[0].Type)
}

package diff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ckpt-project/ckpt/pkg/model"
)

func index(entries map[string]string) model.FileIndex {
	idx := make(model.FileIndex, len(entries))
	for path, hash := range entries {
		idx[path] = &model.FileRecord{Path: path, Size: int64(len(hash)), Hash: model.HashValue(hash)}
	}
	return idx
}

func TestCompute_NoPrevious(t *testing.T) {
	c := Compute(index(map[string]string{"b": "2", "a": "1"}), nil)

	assert.Equal(t, []string{"a", "b"}, c.New)
	assert.Empty(t, c.Modified)
	assert.Empty(t, c.Deleted)
}

func TestCompute_NoChanges(t *testing.T) {
	c := Compute(index(map[string]string{"a": "1", "b": "2"}), index(map[string]string{"a": "1", "b": "2"}))

	assert.True(t, c.Empty())
	assert.Empty(t, c.Changed())
}

func TestCompute_AllChangeTypes(t *testing.T) {
	previous := index(map[string]string{"keep": "k", "edit": "old", "gone": "g"})
	current := index(map[string]string{"keep": "k", "edit": "new", "added": "n"})

	c := Compute(current, previous)

	assert.Equal(t, []string{"added"}, c.New)
	assert.Equal(t, []string{"edit"}, c.Modified)
	assert.Equal(t, []string{"gone"}, c.Deleted)
	assert.Equal(t, map[string]bool{"added": true, "edit": true}, c.Changed())
}

func TestCompute_IgnoresMetadataWhenHashMatches(t *testing.T) {
	previous := index(map[string]string{"a": "same"})
	current := index(map[string]string{"a": "same"})
	current["a"].Size = 999
	current["a"].Mode = 0600

	assert.True(t, Compute(current, previous).Empty())
}

func TestChanges_Write(t *testing.T) {
	var buf bytes.Buffer
	Compute(index(map[string]string{"x": "1"}), index(map[string]string{"y": "2"})).Write(&buf)
	out := buf.String()
	assert.Contains(t, out, "+ x")
	assert.Contains(t, out, "- y")
	assert.Contains(t, out, "1 new, 0 modified, 1 deleted")

	buf.Reset()
	Compute(nil, nil).Write(&buf)
	assert.Equal(t, "No changes.\n", buf.String())
}

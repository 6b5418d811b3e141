package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var layout = KeyLayout{TempPrefix: "temp-chunks", FinalPrefix: "final"}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "temp-chunks/sid/chunk_0", layout.ChunkKey("sid", 0))
	assert.Equal(t, "temp-chunks/sid/chunk_41", layout.ChunkKey("sid", 41))
	assert.Equal(t, "temp-chunks/sid/", layout.SessionPrefix("sid"))
	assert.Equal(t, "final/sid/sid_data.jsonl", layout.FinalKey("sid", "data.jsonl"))
}

func TestKeyLayoutSanitizesTraversal(t *testing.T) {
	key := layout.ChunkKey("../../etc", 0)
	assert.NotContains(t, key, "..")

	final := layout.FinalKey("sid", "../../etc/passwd")
	assert.NotContains(t, final, "..")
	assert.Equal(t, "final/sid/sid_passwd", final)
}

func TestParseChunkIndex(t *testing.T) {
	idx, err := ParseChunkIndex("temp-chunks/sid/chunk_17")
	require.NoError(t, err)
	assert.Equal(t, 17, idx)

	_, err = ParseChunkIndex("temp-chunks/sid/part_17")
	assert.Error(t, err)

	_, err = ParseChunkIndex("temp-chunks/sid/chunk_x")
	assert.Error(t, err)
}

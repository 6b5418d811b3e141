package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to SessionStatus }{
		{SessionStatusInit, SessionStatusUploading},
		{SessionStatusInit, SessionStatusFailed},
		{SessionStatusUploading, SessionStatusAssembling},
		{SessionStatusUploading, SessionStatusFailed},
		{SessionStatusAssembling, SessionStatusAssembling},
		{SessionStatusAssembling, SessionStatusCompleted},
		{SessionStatusAssembling, SessionStatusFailed},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to SessionStatus }{
		{SessionStatusInit, SessionStatusAssembling},
		{SessionStatusInit, SessionStatusCompleted},
		{SessionStatusUploading, SessionStatusCompleted},
		{SessionStatusUploading, SessionStatusInit},
		{SessionStatusAssembling, SessionStatusUploading},
		{SessionStatusCompleted, SessionStatusFailed},
		{SessionStatusCompleted, SessionStatusCompleted},
		{SessionStatusFailed, SessionStatusUploading},
		{SessionStatusFailed, SessionStatusFailed},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []SessionStatus{
		SessionStatusInit, SessionStatusUploading, SessionStatusAssembling,
		SessionStatusCompleted, SessionStatusFailed,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "terminal %s must not reach %s", from, to)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	sources := TransitionSources(SessionStatusFailed)
	assert.ElementsMatch(t, []SessionStatus{
		SessionStatusInit, SessionStatusUploading, SessionStatusAssembling,
	}, sources)

	assert.ElementsMatch(t, []SessionStatus{SessionStatusAssembling},
		TransitionSources(SessionStatusCompleted))
	assert.Empty(t, TransitionSources(SessionStatusInit))
}

func TestTotalChunksFor(t *testing.T) {
	tests := []struct {
		declaredSize int64
		chunkSize    int64
		want         int
	}{
		{1, 1024, 1},
		{1023, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{2048, 1024, 2},
		{10*1024*1024 + 1, 1024 * 1024, 11},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TotalChunksFor(tc.declaredSize, tc.chunkSize),
			"size=%d chunk=%d", tc.declaredSize, tc.chunkSize)
	}
}

func TestExpectedChunkSize(t *testing.T) {
	s := &Session{DeclaredSize: 2500, ChunkSize: 1000, TotalChunks: 3}
	assert.Equal(t, int64(1000), s.ExpectedChunkSize(0))
	assert.Equal(t, int64(1000), s.ExpectedChunkSize(1))
	assert.Equal(t, int64(500), s.ExpectedChunkSize(2))

	// Exact multiple: the last chunk is a full chunk.
	even := &Session{DeclaredSize: 2000, ChunkSize: 1000, TotalChunks: 2}
	assert.Equal(t, int64(1000), even.ExpectedChunkSize(1))

	// One-byte file.
	tiny := &Session{DeclaredSize: 1, ChunkSize: 1024, TotalChunks: 1}
	assert.Equal(t, int64(1), tiny.ExpectedChunkSize(0))
}

func TestChunkSizesSumToDeclaredSize(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chunkSize := rapid.Int64Range(1, 1<<20).Draw(t, "chunkSize")
		declaredSize := rapid.Int64Range(1, 1<<24).Draw(t, "declaredSize")

		total := TotalChunksFor(declaredSize, chunkSize)
		s := &Session{DeclaredSize: declaredSize, ChunkSize: chunkSize, TotalChunks: total}

		var sum int64
		for i := 0; i < total; i++ {
			size := s.ExpectedChunkSize(i)
			require.Greater(t, size, int64(0), "chunk %d", i)
			require.LessOrEqual(t, size, chunkSize, "chunk %d", i)
			sum += size
		}
		require.Equal(t, declaredSize, sum)
	})
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()
	s := &Session{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, s.IsExpired(now))
	assert.False(t, s.IsExpired(now.Add(time.Hour)))
	assert.True(t, s.IsExpired(now.Add(time.Hour+time.Second)))
}

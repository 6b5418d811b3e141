// Package object defines the narrow, content-agnostic port over a
// key -> bytes store, with S3 and filesystem implementations in
// subpackages. The backend is chosen by configuration, never at runtime.
package object

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// Store is the object store adapter. Put overwrites atomically from the
// reader's perspective; Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// PutStream consumes the reader into the object at key. Used for the
	// assembled final object.
	PutStream(ctx context.Context, key string, r io.Reader) error
	// List returns every key under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// KeyLayout builds and parses the partitioned key namespace:
// <temp>/<session_id>/chunk_<index> and <final>/<session_id>/<session_id>_<file>.
type KeyLayout struct {
	TempPrefix  string
	FinalPrefix string
}

// ChunkKey returns the temporary key for one chunk of a session.
func (l KeyLayout) ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s/%s/chunk_%d", l.TempPrefix, sanitizeSegment(sessionID), index)
}

// SessionPrefix returns the temporary prefix holding all chunks of a session.
func (l KeyLayout) SessionPrefix(sessionID string) string {
	return fmt.Sprintf("%s/%s/", l.TempPrefix, sanitizeSegment(sessionID))
}

// FinalKey returns the key of the assembled final object.
func (l KeyLayout) FinalKey(sessionID, fileName string) string {
	sid := sanitizeSegment(sessionID)
	return fmt.Sprintf("%s/%s/%s_%s", l.FinalPrefix, sid, sid, sanitizeFileName(fileName))
}

// ParseChunkIndex extracts the chunk index from a temporary chunk key.
func ParseChunkIndex(key string) (int, error) {
	base := key[strings.LastIndex(key, "/")+1:]
	raw, ok := strings.CutPrefix(base, "chunk_")
	if !ok {
		return 0, fmt.Errorf("not a chunk key: %s", key)
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a chunk key: %s", key)
	}
	return idx, nil
}

// sanitizeSegment strips path traversal from a single key segment.
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return strings.TrimSpace(s)
}

// sanitizeFileName cleans a client-supplied file name for safe storage.
func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}
	return name
}

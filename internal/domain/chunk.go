package domain

import "time"

// ChunkRecord is the write-once acceptance record for one chunk of a
// session, keyed by (session_id, index). Once present, later writes of the
// same key return the existing record unchanged.
type ChunkRecord struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"stored_at"`
	StorageKey string    `json:"storage_key"`
}

// StoreChunkOutcome reports how a chunk upload resolved.
type StoreChunkOutcome struct {
	Record   ChunkRecord
	Stored   bool // false means the slot was already reserved
	Uploaded int  // accepted chunk count after this call, one authoritative read
	Total    int  // total chunks the session expects
}

// StatusReport is the client-visible view of a session's progress.
type StatusReport struct {
	Session       *Session
	Uploaded      int
	MissingChunks []int
}

package domain

import (
	"time"
)

// SessionStatus represents the lifecycle state of an upload session
type SessionStatus string

const (
	SessionStatusInit       SessionStatus = "INIT"
	SessionStatusUploading  SessionStatus = "UPLOADING"
	SessionStatusAssembling SessionStatus = "ASSEMBLING"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusFailed     SessionStatus = "FAILED"
)

// IsTerminal returns true for states that admit no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// legalTransitions enumerates every edge of the session state machine.
// ASSEMBLING -> ASSEMBLING is the permitted self-transition used when a
// cancelled assembly is retried.
var legalTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusInit:       {SessionStatusUploading, SessionStatusFailed},
	SessionStatusUploading:  {SessionStatusAssembling, SessionStatusFailed},
	SessionStatusAssembling: {SessionStatusAssembling, SessionStatusCompleted, SessionStatusFailed},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every state from which the given state is
// reachable in a single step. Used to build guarded UPDATE statements.
func TransitionSources(to SessionStatus) []SessionStatus {
	var sources []SessionStatus
	for from, targets := range legalTransitions {
		for _, next := range targets {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// Session represents one dataset upload, addressed by an opaque ID.
type Session struct {
	ID             string            `json:"id" db:"id"`
	OwnerID        string            `json:"owner_id,omitempty" db:"owner_id"`
	FileName       string            `json:"file_name" db:"file_name"`
	DeclaredSize   int64             `json:"declared_size" db:"declared_size"`
	DeclaredType   string            `json:"declared_type" db:"declared_type"`
	ExpectedDigest string            `json:"expected_digest,omitempty" db:"expected_digest"`
	ChunkSize      int64             `json:"chunk_size" db:"chunk_size"`
	TotalChunks    int               `json:"total_chunks" db:"total_chunks"`
	Status         SessionStatus     `json:"status" db:"status"`
	FinalPath      string            `json:"final_path,omitempty" db:"final_path"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at" db:"expires_at"`
}

// IsExpired returns true if the session is past its expiry at the given time.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ExpectedChunkSize returns the byte length a payload for the given index
// must have. Every chunk is exactly ChunkSize bytes except the last, which
// carries the remainder (or a full ChunkSize when DeclaredSize divides
// evenly).
func (s *Session) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		last := s.DeclaredSize - int64(s.TotalChunks-1)*s.ChunkSize
		return last
	}
	return s.ChunkSize
}

// TotalChunksFor computes ceil(declaredSize / chunkSize).
func TotalChunksFor(declaredSize, chunkSize int64) int {
	n := declaredSize / chunkSize
	if declaredSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

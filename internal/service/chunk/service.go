// Package chunk implements idempotent chunk ingestion, ordered reassembly,
// and temporary-chunk cleanup. Coordination relies entirely on the chunk
// index's conditional write and the session store's guarded transitions;
// there are no mutexes here.
package chunk

import (
	"context"
	"io"
	"time"

	"github.com/data-platform/dataset-upload/internal/domain"
	"github.com/data-platform/dataset-upload/internal/observability"
	"github.com/data-platform/dataset-upload/internal/storage/object"
)

// SessionStore is the slice of the session store this service needs.
type SessionStore interface {
	Load(ctx context.Context, id string) (*domain.Session, error)
	MarkUploading(ctx context.Context, id string) error
}

// Index is the chunk index contract. Remember is atomic against concurrent
// callers for the same (session_id, index): exactly one caller wins. A
// Remember that wins but still returns an error leaves the reservation in
// place; the caller releases it through Forget.
type Index interface {
	Remember(ctx context.Context, rec domain.ChunkRecord, ttl time.Duration) (domain.ChunkRecord, bool, error)
	Lookup(ctx context.Context, sessionID string, index int) (*domain.ChunkRecord, error)
	Indices(ctx context.Context, sessionID string) ([]int, error)
	Count(ctx context.Context, sessionID string) (int, error)
	Forget(ctx context.Context, sessionID string, index int) error
	ForgetAll(ctx context.Context, sessionID string) error
}

// Service handles chunk payloads for upload sessions.
type Service struct {
	sessions SessionStore
	index    Index
	store    object.Store
	mirror   object.Store // optional secondary read source for assembly
	keys     object.KeyLayout
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Config holds service collaborators.
type Config struct {
	Sessions SessionStore
	Index    Index
	Store    object.Store
	Mirror   object.Store
	Keys     object.KeyLayout
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewService creates a new chunk service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Service{
		sessions: cfg.Sessions,
		index:    cfg.Index,
		store:    cfg.Store,
		mirror:   cfg.Mirror,
		keys:     cfg.Keys,
		logger:   logger.WithComponent("chunk"),
		metrics:  cfg.Metrics,
	}
}

// StoreChunk ingests one chunk payload. The conditional reservation in the
// index decides the winner under concurrent retries: exactly one call per
// (session_id, index) stores bytes, every other call observes the existing
// record. A failed payload write rolls the reservation back so the upload
// stays retriable.
func (s *Service) StoreChunk(ctx context.Context, sessionID string, index int, payload []byte) (*domain.StoreChunkOutcome, error) {
	session, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.IsExpired(time.Now().UTC()) {
		return nil, s.reject(domain.ErrSessionExpired)
	}
	if session.Status.IsTerminal() {
		return nil, s.reject(domain.ErrSessionTerminal)
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, s.reject(domain.ErrBadIndex.WithDetails(map[string]any{
			"index":       index,
			"totalChunks": session.TotalChunks,
		}))
	}
	if want := session.ExpectedChunkSize(index); int64(len(payload)) != want {
		return nil, s.reject(domain.ErrBadChunkSize.WithDetails(map[string]any{
			"index":    index,
			"expected": want,
			"actual":   len(payload),
		}))
	}

	rec := domain.ChunkRecord{
		SessionID:  sessionID,
		Index:      index,
		Size:       int64(len(payload)),
		StoredAt:   time.Now().UTC(),
		StorageKey: s.keys.ChunkKey(sessionID, index),
	}

	ttl := time.Until(session.ExpiresAt)
	existing, won, err := s.index.Remember(ctx, rec, ttl)
	if err != nil {
		if won {
			// The reservation landed but the index bookkeeping did not;
			// release the slot or every retry would see already_uploaded
			// with no bytes behind it.
			s.rollbackReservation(ctx, sessionID, index)
		}
		return nil, err
	}

	if !won {
		uploaded, err := s.index.Count(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ChunksIngested.WithLabelValues(observability.OutcomeDuplicate).Inc()
		}
		return &domain.StoreChunkOutcome{Record: existing, Stored: false, Uploaded: uploaded, Total: session.TotalChunks}, nil
	}

	if err := s.store.Put(ctx, rec.StorageKey, payload); err != nil {
		// Roll the reservation back so a retry can win the slot again.
		s.rollbackReservation(ctx, sessionID, index)
		return nil, err
	}

	if session.Status == domain.SessionStatusInit {
		// First accepted chunk moves the session to UPLOADING. A failure
		// here is retried implicitly by the next chunk.
		if err := s.sessions.MarkUploading(ctx, sessionID); err != nil {
			s.logger.WithContext(ctx).Error("failed to mark session uploading", err)
		}
	}

	uploaded, err := s.index.Count(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ChunksIngested.WithLabelValues(observability.OutcomeStored).Inc()
		s.metrics.ChunkBytes.Add(float64(len(payload)))
	}
	return &domain.StoreChunkOutcome{Record: rec, Stored: true, Uploaded: uploaded, Total: session.TotalChunks}, nil
}

// rollbackReservation releases a won (session_id, index) slot. The request
// context may already be cancelled by the time the rollback runs, so it uses
// a detached context with its own deadline.
func (s *Service) rollbackReservation(ctx context.Context, sessionID string, index int) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.index.Forget(rbCtx, sessionID, index); err != nil {
		s.logger.WithContext(ctx).WithField("index", index).
			Error("reservation rollback failed, chunk slot stuck until expiry", err)
	}
}

func (s *Service) reject(err error) error {
	if s.metrics != nil {
		s.metrics.ChunksIngested.WithLabelValues(observability.OutcomeRejected).Inc()
	}
	return err
}

// Missing returns the sorted gap set: [0, total_chunks) minus the accepted
// indices.
func (s *Service) Missing(ctx context.Context, session *domain.Session) ([]int, error) {
	indices, err := s.index.Indices(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	accepted := make(map[int]bool, len(indices))
	for _, idx := range indices {
		accepted[idx] = true
	}

	missing := make([]int, 0, session.TotalChunks-len(indices))
	for i := 0; i < session.TotalChunks; i++ {
		if !accepted[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// Uploaded returns the accepted chunk count in a single authoritative read.
func (s *Service) Uploaded(ctx context.Context, sessionID string) (int, error) {
	return s.index.Count(ctx, sessionID)
}

// Assemble concatenates all chunks of the session in strict ascending index
// order into the final object and returns its path. It refuses while any
// chunk is missing. On any failure the partially written final object is
// deleted; the session state is left for the caller to decide.
func (s *Service) Assemble(ctx context.Context, session *domain.Session) (string, error) {
	missing, err := s.Missing(ctx, session)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", domain.ErrMissingChunks.WithDetails(map[string]any{
			"missingChunks": missing,
		})
	}

	start := time.Now()
	finalKey := s.keys.FinalKey(session.ID, session.FileName)

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < session.TotalChunks; i++ {
			if err := s.copyChunk(ctx, session, i, pw); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	if err := s.store.PutStream(ctx, finalKey, pr); err != nil {
		pr.Close()
		// PutStream often fails because ctx died; the delete runs detached
		// so it still goes through.
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if delErr := s.store.Delete(delCtx, finalKey); delErr != nil {
			s.logger.WithContext(ctx).Error("failed to delete partial final object", delErr)
		}
		return "", err
	}

	if s.metrics != nil {
		s.metrics.AssembleDuration.Observe(time.Since(start).Seconds())
	}
	return finalKey, nil
}

// copyChunk streams one chunk into the assembly writer, preferring the
// recorded storage key and falling back to the mirror when configured.
func (s *Service) copyChunk(ctx context.Context, session *domain.Session, index int, w io.Writer) error {
	key := s.keys.ChunkKey(session.ID, index)
	if rec, err := s.index.Lookup(ctx, session.ID, index); err == nil && rec != nil {
		key = rec.StorageKey
	}

	rc, err := s.store.Get(ctx, key)
	if err != nil && s.mirror != nil {
		rc, err = s.mirror.Get(ctx, key)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(w, rc)
	return err
}

// Cleanup deletes every temporary chunk of the session and purges its index
// entries. Best-effort and idempotent: errors are logged, never surfaced.
func (s *Service) Cleanup(ctx context.Context, session *domain.Session) {
	log := s.logger.WithContext(ctx).WithField("session_id", session.ID)

	keys, err := s.store.List(ctx, s.keys.SessionPrefix(session.ID))
	if err != nil {
		log.Error("cleanup: failed to list temp chunks", err)
	}
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			log.WithField("key", key).Error("cleanup: failed to delete temp chunk", err)
		}
	}

	if err := s.index.ForgetAll(ctx, session.ID); err != nil {
		log.Error("cleanup: failed to purge chunk index", err)
	}
}

// RebuildIndex reconstructs the chunk index from the object store's
// temp-chunks listing. The index is a cache of authoritative information;
// this is the cold-cache recovery path.
func (s *Service) RebuildIndex(ctx context.Context, session *domain.Session) error {
	keys, err := s.store.List(ctx, s.keys.SessionPrefix(session.ID))
	if err != nil {
		return err
	}

	ttl := time.Until(session.ExpiresAt)
	for _, key := range keys {
		index, err := object.ParseChunkIndex(key)
		if err != nil || index < 0 || index >= session.TotalChunks {
			continue
		}
		rec := domain.ChunkRecord{
			SessionID:  session.ID,
			Index:      index,
			Size:       session.ExpectedChunkSize(index),
			StoredAt:   time.Now().UTC(),
			StorageKey: key,
		}
		if _, _, err := s.index.Remember(ctx, rec, ttl); err != nil {
			return err
		}
	}
	return nil
}

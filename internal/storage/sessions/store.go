package sessions

import (
	"context"
	"time"

	"github.com/data-platform/dataset-upload/internal/domain"
)

// Store composes the durable repository with the best-effort cache. All
// status transitions go through here so the cache is invalidated on every
// one of them.
type Store struct {
	repo  *Repository
	cache *Cache
}

// NewStore creates a session store. cache may be nil (tests, degraded mode).
func NewStore(repo *Repository, cache *Cache) *Store {
	return &Store{repo: repo, cache: cache}
}

// Insert stores a new session and primes the cache.
func (s *Store) Insert(ctx context.Context, session *domain.Session) error {
	if err := s.repo.Insert(ctx, session); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Set(ctx, session)
	}
	return nil
}

// Load returns the session, serving from cache when possible.
func (s *Store) Load(ctx context.Context, id string) (*domain.Session, error) {
	if s.cache != nil {
		if cached := s.cache.Get(ctx, id); cached != nil {
			return cached, nil
		}
	}

	session, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, session)
	}
	return session, nil
}

// UpdateStatus transitions the session and invalidates its cache entry.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus domain.SessionStatus, finalPath string) (*domain.Session, error) {
	updated, err := s.repo.UpdateStatus(ctx, id, newStatus, finalPath)
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompareAndSwap transitions from -> to only when the session is currently
// in from. The cache is invalidated whenever the swap happened.
func (s *Store) CompareAndSwap(ctx context.Context, id string, from, to domain.SessionStatus, finalPath string) (bool, error) {
	swapped, err := s.repo.CompareAndSwap(ctx, id, from, to, finalPath)
	if swapped && s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
	return swapped, err
}

// RollbackAssembling reverts ASSEMBLING -> UPLOADING after a refused
// completion attempt.
func (s *Store) RollbackAssembling(ctx context.Context, id string) error {
	err := s.repo.RollbackAssembling(ctx, id)
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
	return err
}

// MarkUploading flips INIT -> UPLOADING, a no-op when already past INIT.
func (s *Store) MarkUploading(ctx context.Context, id string) error {
	flipped, err := s.repo.MarkUploading(ctx, id)
	if err != nil {
		return err
	}
	if flipped && s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
	return nil
}

// ListExpired returns non-terminal sessions past their expiry.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	return s.repo.ListExpired(ctx, now)
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Package sessions provides the durable session store (postgres) with a
// best-effort redis cache in front of it. The database is the source of
// truth; every status transition is guarded by the state machine inside the
// UPDATE itself, so no in-process locking is needed.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/data-platform/dataset-upload/internal/domain"
)

// Repository implements the durable session store on postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new session repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// sessionRow represents a database row for sessions
type sessionRow struct {
	ID             string         `db:"id"`
	OwnerID        sql.NullString `db:"owner_id"`
	FileName       string         `db:"file_name"`
	DeclaredSize   int64          `db:"declared_size"`
	DeclaredType   string         `db:"declared_type"`
	ExpectedDigest sql.NullString `db:"expected_digest"`
	ChunkSize      int64          `db:"chunk_size"`
	TotalChunks    int            `db:"total_chunks"`
	Status         string         `db:"status"`
	FinalPath      sql.NullString `db:"final_path"`
	Metadata       []byte         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
}

const sessionColumns = `id, owner_id, file_name, declared_size, declared_type,
	expected_digest, chunk_size, total_chunks, status, final_path, metadata,
	created_at, updated_at, expires_at`

func (r *sessionRow) toDomain() *domain.Session {
	s := &domain.Session{
		ID:           r.ID,
		FileName:     r.FileName,
		DeclaredSize: r.DeclaredSize,
		DeclaredType: r.DeclaredType,
		ChunkSize:    r.ChunkSize,
		TotalChunks:  r.TotalChunks,
		Status:       domain.SessionStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		ExpiresAt:    r.ExpiresAt,
	}

	if r.OwnerID.Valid {
		s.OwnerID = r.OwnerID.String
	}
	if r.ExpectedDigest.Valid {
		s.ExpectedDigest = r.ExpectedDigest.String
	}
	if r.FinalPath.Valid {
		s.FinalPath = r.FinalPath.String
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &s.Metadata)
	}

	return s
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Insert stores a new session row. A duplicate ID fails with CONFLICT.
func (r *Repository) Insert(ctx context.Context, s *domain.Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO sessions (
			id, owner_id, file_name, declared_size, declared_type,
			expected_digest, chunk_size, total_chunks, status, metadata,
			created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`

	_, err = r.db.ExecContext(ctx, query,
		s.ID, nullable(s.OwnerID), s.FileName, s.DeclaredSize, s.DeclaredType,
		nullable(s.ExpectedDigest), s.ChunkSize, s.TotalChunks, string(s.Status),
		metadata, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.NewDomainError(domain.ErrCodeConflict, "session already exists", err)
		}
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to insert session", err)
	}

	return nil
}

// Load retrieves a session by ID.
func (r *Repository) Load(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	var row sessionRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to load session", err)
	}

	return row.toDomain(), nil
}

// UpdateStatus atomically transitions a session to newStatus, refusing any
// edge the state machine does not allow. finalPath is recorded only when
// newStatus is COMPLETED. Returns the updated session.
func (r *Repository) UpdateStatus(ctx context.Context, id string, newStatus domain.SessionStatus, finalPath string) (*domain.Session, error) {
	sources := domain.TransitionSources(newStatus)
	if len(sources) == 0 {
		return nil, domain.ErrIllegalTransition
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	query := `
		UPDATE sessions
		SET status = $2,
		    final_path = CASE WHEN $3 = '' THEN final_path ELSE $3 END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($4)
		RETURNING ` + sessionColumns

	if newStatus != domain.SessionStatusCompleted {
		finalPath = ""
	}

	var row sessionRow
	err := r.db.GetContext(ctx, &row, query, id, string(newStatus), finalPath, pq.Array(from))
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to update session status", err)
	}

	// No row matched: distinguish unknown session from an illegal edge.
	if _, loadErr := r.Load(ctx, id); loadErr != nil {
		return nil, loadErr
	}
	return nil, domain.ErrIllegalTransition
}

// CompareAndSwap transitions from -> to only when the session is currently
// in from, returning whether the swap happened. This is the primitive that
// serializes Complete: the first caller flips UPLOADING -> ASSEMBLING,
// every concurrent caller loses the swap.
func (r *Repository) CompareAndSwap(ctx context.Context, id string, from, to domain.SessionStatus, finalPath string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrIllegalTransition
	}
	if to != domain.SessionStatusCompleted {
		finalPath = ""
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $3,
		    final_path = CASE WHEN $4 = '' THEN final_path ELSE $4 END,
		    updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), finalPath)
	if err != nil {
		return false, domain.NewDomainError(domain.ErrCodeStorage, "failed to swap session status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RollbackAssembling reverts ASSEMBLING -> UPLOADING. Not a state machine
// edge: it undoes a Complete whose precondition check (no missing chunks)
// failed, so the logical transition never happened.
func (r *Repository) RollbackAssembling(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, string(domain.SessionStatusUploading), string(domain.SessionStatusAssembling))
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to roll back assembling", err)
	}
	return nil
}

// MarkUploading flips INIT -> UPLOADING on the first accepted chunk. Already
// being in UPLOADING (or beyond) is a no-op; the returned bool reports
// whether a transition happened.
func (r *Repository) MarkUploading(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, string(domain.SessionStatusUploading), string(domain.SessionStatusInit))
	if err != nil {
		return false, domain.NewDomainError(domain.ErrCodeStorage, "failed to mark session uploading", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListExpired returns sessions past their expiry that are not terminal.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE expires_at < $1 AND status NOT IN ($2, $3)
		ORDER BY expires_at`

	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, query, now,
		string(domain.SessionStatusCompleted), string(domain.SessionStatusFailed))
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to list expired sessions", err)
	}

	sessions := make([]*domain.Session, len(rows))
	for i := range rows {
		sessions[i] = rows[i].toDomain()
	}
	return sessions, nil
}

// Ping verifies the database connection, used by readiness checks.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

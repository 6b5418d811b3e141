// Package upload orchestrates the upload session lifecycle: initialization,
// status reporting, completion, and expiry sweeping. All concurrency control
// lives in the session store's guarded transitions and the chunk index's
// conditional writes.
package upload

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/data-platform/dataset-upload/internal/domain"
	"github.com/data-platform/dataset-upload/internal/observability"
	"github.com/data-platform/dataset-upload/internal/pipeline"
	"github.com/data-platform/dataset-upload/internal/storage/object"
)

// SessionStore is the slice of the session store this service needs.
type SessionStore interface {
	Insert(ctx context.Context, session *domain.Session) error
	Load(ctx context.Context, id string) (*domain.Session, error)
	UpdateStatus(ctx context.Context, id string, newStatus domain.SessionStatus, finalPath string) (*domain.Session, error)
	CompareAndSwap(ctx context.Context, id string, from, to domain.SessionStatus, finalPath string) (bool, error)
	RollbackAssembling(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error)
}

// Chunks is the chunk service contract used during status and completion.
type Chunks interface {
	Missing(ctx context.Context, session *domain.Session) ([]int, error)
	Uploaded(ctx context.Context, sessionID string) (int, error)
	Assemble(ctx context.Context, session *domain.Session) (string, error)
	Cleanup(ctx context.Context, session *domain.Session)
	RebuildIndex(ctx context.Context, session *domain.Session) error
}

// Verifier gates initialization requests and verifies assembled objects.
type Verifier interface {
	ValidateRequest(fileName, declaredType string, declaredSize int64) error
	ParseDigest(digest string) (algo, hexDigest string, err error)
	Verify(ctx context.Context, store object.Store, session *domain.Session, finalKey string) error
}

// Hook is the AI pipeline handoff.
type Hook interface {
	Submit(ctx context.Context, finalPath string, metadata map[string]string) *pipeline.JobRef
}

// InitRequest carries the parameters for a new upload session.
type InitRequest struct {
	OwnerID        string
	FileName       string
	DeclaredSize   int64
	DeclaredType   string
	ExpectedDigest string
	Metadata       map[string]string
}

// CompleteResult is the outcome of a successful completion.
type CompleteResult struct {
	Session  *domain.Session
	Pipeline *pipeline.JobRef
}

// Service orchestrates upload sessions.
type Service struct {
	sessions  SessionStore
	chunks    Chunks
	verifier  Verifier
	store     object.Store
	hook      Hook
	chunkSize int64
	expiry    time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Config holds service collaborators and tunables.
type Config struct {
	Sessions  SessionStore
	Chunks    Chunks
	Verifier  Verifier
	Store     object.Store
	Hook      Hook
	ChunkSize int64
	Expiry    time.Duration
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// NewService creates a new upload service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		sessions:  cfg.Sessions,
		chunks:    cfg.Chunks,
		verifier:  cfg.Verifier,
		store:     cfg.Store,
		hook:      cfg.Hook,
		chunkSize: cfg.ChunkSize,
		expiry:    cfg.Expiry,
		logger:    logger.WithComponent("upload"),
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Initialize validates the request, creates the session in INIT, and returns
// it. The declared digest is normalized to lowercase hex before persisting.
func (s *Service) Initialize(ctx context.Context, req InitRequest) (*domain.Session, error) {
	if err := s.verifier.ValidateRequest(req.FileName, req.DeclaredType, req.DeclaredSize); err != nil {
		return nil, err
	}

	digest := req.ExpectedDigest
	if digest != "" {
		algo, hexDigest, err := s.verifier.ParseDigest(digest)
		if err != nil {
			return nil, err
		}
		digest = algo + ":" + hexDigest
	}

	now := s.now()
	session := &domain.Session{
		ID:             uuid.NewString(),
		OwnerID:        req.OwnerID,
		FileName:       req.FileName,
		DeclaredSize:   req.DeclaredSize,
		DeclaredType:   req.DeclaredType,
		ExpectedDigest: digest,
		ChunkSize:      s.chunkSize,
		TotalChunks:    domain.TotalChunksFor(req.DeclaredSize, s.chunkSize),
		Status:         domain.SessionStatusInit,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.expiry),
	}

	if err := s.sessions.Insert(ctx, session); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
		s.metrics.ActiveSessions.Inc()
	}
	s.logger.WithContext(ctx).
		WithField("session_id", session.ID).
		WithField("total_chunks", session.TotalChunks).
		Info("upload session created")
	return session, nil
}

// Status reports the session together with its authoritative progress. The
// chunk count and gap set come from a single index read each; when the index
// is cold for a session that has accepted chunks, it is rebuilt from the
// object store first.
func (s *Service) Status(ctx context.Context, id string) (*domain.StatusReport, error) {
	session, err := s.sessions.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	uploaded, err := s.chunks.Uploaded(ctx, id)
	if err != nil {
		return nil, err
	}
	if uploaded == 0 && session.Status == domain.SessionStatusUploading {
		// UPLOADING with an empty index means the index was lost; the object
		// store still holds the chunks.
		if err := s.chunks.RebuildIndex(ctx, session); err != nil {
			s.logger.WithContext(ctx).Error("chunk index rebuild failed", err)
		} else if uploaded, err = s.chunks.Uploaded(ctx, id); err != nil {
			return nil, err
		}
	}

	missing, err := s.chunks.Missing(ctx, session)
	if err != nil {
		return nil, err
	}

	return &domain.StatusReport{
		Session:       session,
		Uploaded:      uploaded,
		MissingChunks: missing,
	}, nil
}

// Transition moves the session to newStatus through the store's guarded
// update, which also invalidates the session cache. Illegal edges are
// refused with CONFLICT.
func (s *Service) Transition(ctx context.Context, id string, newStatus domain.SessionStatus) (*domain.Session, error) {
	return s.sessions.UpdateStatus(ctx, id, newStatus, "")
}

// Complete assembles the session into its final object, verifies it, and
// marks the session COMPLETED. Exactly one concurrent caller wins the
// UPLOADING -> ASSEMBLING swap; a session found already in ASSEMBLING is a
// retry of an interrupted completion and proceeds. On a missing gap set the
// swap is rolled back so the client can keep uploading.
func (s *Service) Complete(ctx context.Context, id string) (*CompleteResult, error) {
	session, err := s.sessions.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(s.now()) {
		return nil, domain.ErrSessionExpired
	}

	switch session.Status {
	case domain.SessionStatusUploading:
		swapped, err := s.sessions.CompareAndSwap(ctx, id, domain.SessionStatusUploading, domain.SessionStatusAssembling, "")
		if err != nil {
			return nil, err
		}
		if !swapped {
			// A concurrent caller won the swap or the state moved on.
			return nil, domain.ErrIllegalTransition.WithMessage("completion already in progress")
		}
	case domain.SessionStatusAssembling:
		// Interrupted completion retry; ASSEMBLING -> ASSEMBLING is legal.
	default:
		return nil, domain.ErrIllegalTransition.WithDetails(map[string]any{
			"status": string(session.Status),
		})
	}
	session.Status = domain.SessionStatusAssembling

	finalKey, err := s.chunks.Assemble(ctx, session)
	if err != nil {
		return nil, s.failAssembly(ctx, session, err)
	}

	if err := s.verifier.Verify(ctx, s.store, session, finalKey); err != nil {
		s.fail(ctx, session, err, "verification failed")
		// The request context may be dead here; the rejected object still
		// has to go.
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if delErr := s.store.Delete(delCtx, finalKey); delErr != nil {
			s.logger.WithContext(ctx).Error("failed to delete rejected final object", delErr)
		}
		return nil, err
	}

	completed, err := s.sessions.UpdateStatus(ctx, id, domain.SessionStatusCompleted, finalKey)
	if err != nil {
		return nil, err
	}

	ref := s.hook.Submit(ctx, finalKey, s.hookMetadata(completed))

	// Temp chunks are garbage once the final object exists; cleanup must not
	// delay the response.
	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.chunks.Cleanup(cleanupCtx, completed)
	}()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
		s.metrics.CompleteTotal.WithLabelValues("success").Inc()
	}
	s.logger.WithContext(ctx).
		WithField("session_id", id).
		WithField("final_path", finalKey).
		Info("upload session completed")

	return &CompleteResult{Session: completed, Pipeline: ref}, nil
}

// failAssembly maps an assembly failure onto the right session state: a gap
// set rolls ASSEMBLING back to UPLOADING, a cancellation leaves ASSEMBLING
// for retry, anything else fails the session.
func (s *Service) failAssembly(ctx context.Context, session *domain.Session, err error) error {
	switch {
	case errors.Is(err, domain.ErrMissingChunks):
		if rbErr := s.sessions.RollbackAssembling(ctx, session.ID); rbErr != nil {
			s.logger.WithContext(ctx).Error("failed to roll back assembling", rbErr)
		}
		if s.metrics != nil {
			s.metrics.CompleteTotal.WithLabelValues("missing_chunks").Inc()
		}
	case ctx.Err() != nil:
		// Cancelled mid-assembly; the session stays in ASSEMBLING and the
		// next Complete call retries.
		s.logger.WithContext(ctx).WithField("session_id", session.ID).
			Warn("assembly interrupted, session left in ASSEMBLING")
	default:
		s.fail(ctx, session, err, "assembly failed")
	}
	return err
}

// fail transitions the session to FAILED and records the cause.
func (s *Service) fail(ctx context.Context, session *domain.Session, cause error, msg string) {
	s.logger.WithContext(ctx).WithField("session_id", session.ID).Error(msg, cause)
	if _, err := s.sessions.UpdateStatus(ctx, session.ID, domain.SessionStatusFailed, ""); err != nil {
		s.logger.WithContext(ctx).WithField("session_id", session.ID).
			Error("failed to mark session failed", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
		s.metrics.CompleteTotal.WithLabelValues("failure").Inc()
	}
}

// hookMetadata merges the session metadata with the fields the pipeline
// needs to identify the dataset.
func (s *Service) hookMetadata(session *domain.Session) map[string]string {
	md := make(map[string]string, len(session.Metadata)+3)
	for k, v := range session.Metadata {
		md[k] = v
	}
	md["session_id"] = session.ID
	md["file_name"] = session.FileName
	md["declared_type"] = session.DeclaredType
	return md
}

// SweepExpired fails every non-terminal session past its expiry and removes
// its temporary chunks. Failures on individual sessions are logged and the
// sweep continues. Returns the number of sessions swept.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.sessions.ListExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, session := range expired {
		s.chunks.Cleanup(ctx, session)
		if _, err := s.sessions.UpdateStatus(ctx, session.ID, domain.SessionStatusFailed, ""); err != nil {
			s.logger.WithContext(ctx).WithField("session_id", session.ID).
				Error("sweep: failed to fail expired session", err)
			continue
		}
		swept++
		if s.metrics != nil {
			s.metrics.SessionsSwept.Inc()
			s.metrics.ActiveSessions.Dec()
		}
	}

	if swept > 0 {
		s.logger.WithContext(ctx).WithField("swept", swept).Info("expired sessions swept")
	}
	return swept, nil
}

package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-platform/dataset-upload/internal/domain"
	"github.com/data-platform/dataset-upload/internal/pipeline"
	"github.com/data-platform/dataset-upload/internal/service/chunk"
	"github.com/data-platform/dataset-upload/internal/storage/object"
	"github.com/data-platform/dataset-upload/internal/storage/object/fs"
	"github.com/data-platform/dataset-upload/internal/validator"
)

// memSessions is an in-memory session store enforcing the same guarded
// transitions as the postgres repository.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*domain.Session)}
}

func (m *memSessions) Insert(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return domain.NewDomainError(domain.ErrCodeConflict, "session already exists", nil)
	}
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memSessions) Load(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memSessions) UpdateStatus(ctx context.Context, id string, newStatus domain.SessionStatus, finalPath string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if !domain.CanTransition(s.Status, newStatus) {
		return nil, domain.ErrIllegalTransition
	}
	s.Status = newStatus
	if newStatus == domain.SessionStatusCompleted && finalPath != "" {
		s.FinalPath = finalPath
	}
	s.UpdatedAt = time.Now().UTC()
	copied := *s
	return &copied, nil
}

func (m *memSessions) CompareAndSwap(ctx context.Context, id string, from, to domain.SessionStatus, finalPath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !domain.CanTransition(from, to) {
		return false, domain.ErrIllegalTransition
	}
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	if to == domain.SessionStatusCompleted && finalPath != "" {
		s.FinalPath = finalPath
	}
	return true, nil
}

func (m *memSessions) RollbackAssembling(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status == domain.SessionStatusAssembling {
		s.Status = domain.SessionStatusUploading
	}
	return nil
}

func (m *memSessions) MarkUploading(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status == domain.SessionStatusInit {
		s.Status = domain.SessionStatusUploading
	}
	return nil
}

func (m *memSessions) ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*domain.Session
	for _, s := range m.sessions {
		if s.IsExpired(now) && !s.Status.IsTerminal() {
			copied := *s
			expired = append(expired, &copied)
		}
	}
	return expired, nil
}

// memIndex mirrors the redis index's conditional write semantics.
type memIndex struct {
	mu   sync.Mutex
	recs map[string]domain.ChunkRecord
}

func newMemIndex() *memIndex {
	return &memIndex{recs: make(map[string]domain.ChunkRecord)}
}

func (m *memIndex) key(sessionID string, index int) string {
	return fmt.Sprintf("%s/%d", sessionID, index)
}

func (m *memIndex) Remember(ctx context.Context, rec domain.ChunkRecord, ttl time.Duration) (domain.ChunkRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.recs[m.key(rec.SessionID, rec.Index)]; ok {
		return existing, false, nil
	}
	m.recs[m.key(rec.SessionID, rec.Index)] = rec
	return rec, true, nil
}

func (m *memIndex) Lookup(ctx context.Context, sessionID string, index int) (*domain.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[m.key(sessionID, index)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memIndex) Indices(ctx context.Context, sessionID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var indices []int
	for _, rec := range m.recs {
		if rec.SessionID == sessionID {
			indices = append(indices, rec.Index)
		}
	}
	return indices, nil
}

func (m *memIndex) Count(ctx context.Context, sessionID string) (int, error) {
	indices, _ := m.Indices(ctx, sessionID)
	return len(indices), nil
}

func (m *memIndex) Forget(ctx context.Context, sessionID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, m.key(sessionID, index))
	return nil
}

func (m *memIndex) ForgetAll(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.recs {
		if rec.SessionID == sessionID {
			delete(m.recs, key)
		}
	}
	return nil
}

// fakeHook records pipeline submissions.
type fakeHook struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeHook) Submit(ctx context.Context, finalPath string, metadata map[string]string) *pipeline.JobRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finalPath)
	return &pipeline.JobRef{
		JobID:         "job-1",
		Purpose:       "default",
		Status:        "queued",
		EstimatedTime: "10-30m",
	}
}

type fixture struct {
	uploads  *Service
	chunks   *chunk.Service
	sessions *memSessions
	verifier *validator.Validator
	store    object.Store
	hook     *fakeHook
}

func newFixture(t *testing.T, chunkSize int64) *fixture {
	t.Helper()

	store, err := fs.NewProvider(t.TempDir())
	require.NoError(t, err)

	sessions := newMemSessions()
	keys := object.KeyLayout{TempPrefix: "temp-chunks", FinalPrefix: "final"}

	chunkService := chunk.NewService(chunk.Config{
		Sessions: sessions,
		Index:    newMemIndex(),
		Store:    store,
		Keys:     keys,
	})

	verifier := validator.NewValidator(validator.Config{
		AllowedTypes:      []string{"application/octet-stream", "application/json"},
		AllowedExtensions: []string{"bin", "json", "jsonl"},
		MaxFileSize:       1 << 20,
		DigestAlgorithm:   "sha256",
	})

	hook := &fakeHook{}
	uploads := NewService(Config{
		Sessions:  sessions,
		Chunks:    chunkService,
		Verifier:  verifier,
		Store:     store,
		Hook:      hook,
		ChunkSize: chunkSize,
		Expiry:    time.Hour,
	})

	return &fixture{uploads: uploads, chunks: chunkService, sessions: sessions, verifier: verifier, store: store, hook: hook}
}

func digestOf(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func uploadAll(t *testing.T, f *fixture, session *domain.Session, content []byte) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < session.TotalChunks; i++ {
		start := int64(i) * session.ChunkSize
		end := start + session.ExpectedChunkSize(i)
		_, err := f.chunks.StoreChunk(ctx, session.ID, i, content[start:end])
		require.NoError(t, err)
	}
}

func TestInitializeCreatesSession(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:       "data.bin",
		DeclaredSize:   10,
		DeclaredType:   "application/octet-stream",
		ExpectedDigest: "sha256:ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, domain.SessionStatusInit, session.Status)
	assert.Equal(t, int64(4), session.ChunkSize)
	assert.Equal(t, 3, session.TotalChunks)
	// Digest hex is normalized to lowercase.
	assert.Equal(t, "sha256:abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789", session.ExpectedDigest)
	assert.True(t, session.ExpiresAt.After(session.CreatedAt))
}

func TestInitializeAggregatesValidationFailures(t *testing.T) {
	f := newFixture(t, 4)

	_, err := f.uploads.Initialize(context.Background(), InitRequest{
		FileName:     "data.exe",
		DeclaredSize: 10,
		DeclaredType: "application/x-msdownload",
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeValidation, domain.ErrorCode(err))

	failures, ok := domain.ErrorDetails(err)["failures"].([]string)
	require.True(t, ok)
	// Both the type and the extension check fired independently.
	assert.Len(t, failures, 2)
}

func TestInitializeRejectsBadDigest(t *testing.T) {
	f := newFixture(t, 4)

	_, err := f.uploads.Initialize(context.Background(), InitRequest{
		FileName:       "data.bin",
		DeclaredSize:   10,
		DeclaredType:   "application/octet-stream",
		ExpectedDigest: "md5:abcd",
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeValidation, domain.ErrorCode(err))
}

func TestStatusReportsProgress(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: 12,
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)

	report, err := f.uploads.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Uploaded)
	assert.Equal(t, []int{0, 1, 2}, report.MissingChunks)

	_, err = f.chunks.StoreChunk(ctx, session.ID, 1, []byte("WORL"))
	require.NoError(t, err)

	report, err = f.uploads.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, []int{0, 2}, report.MissingChunks)
	assert.Equal(t, domain.SessionStatusUploading, report.Session.Status)
}

func TestStatusUnknownSession(t *testing.T) {
	f := newFixture(t, 4)

	_, err := f.uploads.Status(context.Background(), "no-such-session")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestCompleteHappyPath(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:       "data.bin",
		DeclaredSize:   int64(len(content)),
		DeclaredType:   "application/octet-stream",
		ExpectedDigest: digestOf(content),
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	result, err := f.uploads.Complete(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SessionStatusCompleted, result.Session.Status)
	assert.NotEmpty(t, result.Session.FinalPath)
	require.NotNil(t, result.Pipeline)
	assert.Equal(t, "queued", result.Pipeline.Status)

	rc, err := f.store.Get(ctx, result.Session.FinalPath)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	assert.Equal(t, []string{result.Session.FinalPath}, f.hook.calls)

	// Temp chunks are removed by the async cleanup.
	require.Eventually(t, func() bool {
		keys, err := f.store.List(ctx, "temp-chunks/"+session.ID+"/")
		return err == nil && len(keys) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCompleteWithGapRollsBackToUploading(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: int64(len(content)),
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)

	// Upload all but chunk 1.
	for _, i := range []int{0, 2} {
		start := int64(i) * session.ChunkSize
		end := start + session.ExpectedChunkSize(i)
		_, err := f.chunks.StoreChunk(ctx, session.ID, i, content[start:end])
		require.NoError(t, err)
	}

	_, err = f.uploads.Complete(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingChunks))
	assert.Equal(t, map[string]any{"missingChunks": []int{1}}, domain.ErrorDetails(err))

	// The ASSEMBLING transition was rolled back; uploading can continue.
	loaded, err := f.sessions.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusUploading, loaded.Status)

	_, err = f.chunks.StoreChunk(ctx, session.ID, 1, content[4:8])
	require.NoError(t, err)

	result, err := f.uploads.Complete(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, result.Session.Status)
}

func TestCompleteDigestMismatchFailsSession(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:       "data.bin",
		DeclaredSize:   int64(len(content)),
		DeclaredType:   "application/octet-stream",
		ExpectedDigest: digestOf([]byte("different content!!!")),
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	_, err = f.uploads.Complete(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDigestMismatch))

	details := domain.ErrorDetails(err)
	assert.NotEmpty(t, details["expected"])
	assert.NotEmpty(t, details["actual"])

	loaded, err := f.sessions.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, loaded.Status)

	// The rejected final object does not survive.
	keys, err := f.store.List(ctx, "final/"+session.ID+"/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.Empty(t, f.hook.calls)
}

func TestCompleteRejectsStructurallyInvalidJSON(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte(`{"a": no}ps`)

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.json",
		DeclaredSize: int64(len(content)),
		DeclaredType: "application/json",
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	_, err = f.uploads.Complete(ctx, session.ID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeStructural, domain.ErrorCode(err))

	loaded, err := f.sessions.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, loaded.Status)
}

func TestCompleteRefusesBeforeFirstChunk(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: 12,
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)

	_, err = f.uploads.Complete(ctx, session.ID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeConflict, domain.ErrorCode(err))
}

func TestCompleteRefusesCompletedSession(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: int64(len(content)),
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	_, err = f.uploads.Complete(ctx, session.ID)
	require.NoError(t, err)

	_, err = f.uploads.Complete(ctx, session.ID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeConflict, domain.ErrorCode(err))
}

// racingSessions lets a concurrent completion win the ASSEMBLING swap in the
// window between the caller's Load and its CompareAndSwap.
type racingSessions struct {
	*memSessions
	once sync.Once
}

func (r *racingSessions) Load(ctx context.Context, id string) (*domain.Session, error) {
	s, err := r.memSessions.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == domain.SessionStatusUploading {
		r.once.Do(func() {
			_, _ = r.memSessions.CompareAndSwap(ctx, id, domain.SessionStatusUploading, domain.SessionStatusAssembling, "")
		})
	}
	return s, nil
}

func TestCompleteConcurrentCallerGetsConflict(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: int64(len(content)),
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	loser := NewService(Config{
		Sessions:  &racingSessions{memSessions: f.sessions},
		Chunks:    f.chunks,
		Verifier:  f.verifier,
		Store:     f.store,
		Hook:      f.hook,
		ChunkSize: 4,
		Expiry:    time.Hour,
	})

	_, err = loser.Complete(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
	assert.Equal(t, domain.ErrCodeConflict, domain.ErrorCode(err))

	// The winner's in-flight state is untouched and nothing was handed off.
	loaded, err := f.sessions.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusAssembling, loaded.Status)
	assert.Empty(t, f.hook.calls)
}

func TestCompleteRetriesInterruptedAssembly(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: int64(len(content)),
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	// An interrupted completion left the session mid-assembly.
	_, err = f.sessions.UpdateStatus(ctx, session.ID, domain.SessionStatusAssembling, "")
	require.NoError(t, err)

	result, err := f.uploads.Complete(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, result.Session.Status)
	assert.Equal(t, []string{result.Session.FinalPath}, f.hook.calls)
}

func TestSweepExpiredFailsSessionsAndRemovesChunks(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	content := []byte("HELLOWORLD!!")

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: int64(len(content)),
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)
	uploadAll(t, f, session, content)

	// Force the session past its expiry.
	f.sessions.mu.Lock()
	f.sessions.sessions[session.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	f.sessions.mu.Unlock()

	swept, err := f.uploads.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	loaded, err := f.sessions.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, loaded.Status)

	keys, err := f.store.List(ctx, "temp-chunks/"+session.ID+"/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Uploading to a swept session is refused.
	_, err = f.chunks.StoreChunk(ctx, session.ID, 0, content[0:4])
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeConflict, domain.ErrorCode(err))
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	session, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: 12,
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)

	updated, err := f.uploads.Transition(ctx, session.ID, domain.SessionStatusUploading)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusUploading, updated.Status)

	// INIT is not reachable again.
	_, err = f.uploads.Transition(ctx, session.ID, domain.SessionStatusInit)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeConflict, domain.ErrorCode(err))

	// UPLOADING cannot jump straight to COMPLETED.
	_, err = f.uploads.Transition(ctx, session.ID, domain.SessionStatusCompleted)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeConflict, domain.ErrorCode(err))
}

func TestSweepSkipsLiveSessions(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	_, err := f.uploads.Initialize(ctx, InitRequest{
		FileName:     "data.bin",
		DeclaredSize: 12,
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)

	swept, err := f.uploads.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

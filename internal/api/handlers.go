package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/data-platform/dataset-upload/internal/domain"
	"github.com/data-platform/dataset-upload/internal/observability"
	"github.com/data-platform/dataset-upload/internal/service/upload"
)

// UploadService is the session lifecycle surface the handlers need.
type UploadService interface {
	Initialize(ctx context.Context, req upload.InitRequest) (*domain.Session, error)
	Status(ctx context.Context, id string) (*domain.StatusReport, error)
	Complete(ctx context.Context, id string) (*upload.CompleteResult, error)
}

// ChunkService ingests chunk payloads.
type ChunkService interface {
	StoreChunk(ctx context.Context, sessionID string, index int, payload []byte) (*domain.StoreChunkOutcome, error)
}

// Handler holds the HTTP handlers for the upload API.
type Handler struct {
	uploads      UploadService
	chunks       ChunkService
	maxChunkBody int64
	logger       *observability.Logger
	started      time.Time
}

// NewHandler creates the API handler set. chunkSize caps the chunk request
// body at its base64 expansion plus envelope headroom; zero disables the cap.
func NewHandler(uploads UploadService, chunks ChunkService, chunkSize int64, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	var maxBody int64
	if chunkSize > 0 {
		maxBody = int64(base64.StdEncoding.EncodedLen(int(chunkSize))) + 4096
	}
	return &Handler{
		uploads:      uploads,
		chunks:       chunks,
		maxChunkBody: maxBody,
		logger:       logger.WithComponent("api"),
		started:      time.Now(),
	}
}

type initRequest struct {
	FileName string            `json:"fileName"`
	FileSize int64             `json:"fileSize"`
	FileType string            `json:"fileType"`
	Checksum string            `json:"checksum,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type initResponse struct {
	UploadID    string    `json:"uploadId"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	UploadURL   string    `json:"uploadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Init creates a new upload session.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "invalid request body", err))
		return
	}

	session, err := h.uploads.Initialize(r.Context(), upload.InitRequest{
		FileName:       req.FileName,
		DeclaredSize:   req.FileSize,
		DeclaredType:   req.FileType,
		ExpectedDigest: req.Checksum,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, initResponse{
		UploadID:    session.ID,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
		UploadURL:   "/api/upload/chunk",
		ExpiresAt:   session.ExpiresAt,
	})
}

type chunkRequest struct {
	UploadID   string `json:"uploadId"`
	ChunkIndex int    `json:"chunkIndex"`
	// TotalChunks is advisory; the session's own chunk count is authoritative.
	TotalChunks int    `json:"totalChunks,omitempty"`
	Data        string `json:"data"`
}

type progress struct {
	Uploaded   int     `json:"uploaded"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

type chunkResponse struct {
	ChunkIndex int      `json:"chunkIndex"`
	Status     string   `json:"status"`
	Progress   progress `json:"progress"`
}

// Chunk ingests one base64-encoded chunk payload. The body is capped before
// decoding so an oversized request is refused instead of buffered whole.
func (h *Handler) Chunk(w http.ResponseWriter, r *http.Request) {
	if h.maxChunkBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkBody)
	}

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "request body exceeds the chunk size", err))
			return
		}
		writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "invalid request body", err))
		return
	}
	if req.UploadID == "" {
		writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "uploadId is required", nil))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "data is not valid base64", err))
		return
	}

	ctx := observability.WithSessionID(r.Context(), req.UploadID)
	outcome, err := h.chunks.StoreChunk(ctx, req.UploadID, req.ChunkIndex, payload)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := "uploaded"
	if !outcome.Stored {
		status = "already_uploaded"
	}

	writeJSON(w, r, http.StatusOK, chunkResponse{
		ChunkIndex: req.ChunkIndex,
		Status:     status,
		Progress: progress{
			Uploaded:   outcome.Uploaded,
			Total:      outcome.Total,
			Percentage: percentage(outcome.Uploaded, outcome.Total),
		},
	})
}

func percentage(uploaded, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(uploaded)/float64(total)*10000) / 100
}

type statusResponse struct {
	UploadID       string    `json:"uploadId"`
	FileName       string    `json:"fileName"`
	FileSize       int64     `json:"fileSize"`
	TotalChunks    int       `json:"totalChunks"`
	UploadedChunks int       `json:"uploadedChunks"`
	MissingChunks  []int     `json:"missingChunks"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Status reports session progress.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	uploadID := mux.Vars(r)["uploadId"]
	ctx := observability.WithSessionID(r.Context(), uploadID)

	report, err := h.uploads.Status(ctx, uploadID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusOK, statusResponse{
		UploadID:       report.Session.ID,
		FileName:       report.Session.FileName,
		FileSize:       report.Session.DeclaredSize,
		TotalChunks:    report.Session.TotalChunks,
		UploadedChunks: report.Uploaded,
		MissingChunks:  report.MissingChunks,
		Status:         string(report.Session.Status),
		CreatedAt:      report.Session.CreatedAt,
		ExpiresAt:      report.Session.ExpiresAt,
	})
}

type completeRequest struct {
	UploadID string `json:"uploadId"`
}

type completeResponse struct {
	UploadID   string           `json:"uploadId"`
	Status     string           `json:"status"`
	FilePath   string           `json:"filePath"`
	AIPipeline *pipelineJobView `json:"aiPipeline,omitempty"`
}

type pipelineJobView struct {
	JobID         string `json:"jobId,omitempty"`
	Status        string `json:"status"`
	EstimatedTime string `json:"estimatedTime"`
}

// Complete assembles, verifies, and finalizes the session.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "invalid request body", err))
		return
	}
	if req.UploadID == "" {
		writeError(w, r, h.logger, domain.NewDomainError(domain.ErrCodeValidation, "uploadId is required", nil))
		return
	}

	ctx := observability.WithSessionID(r.Context(), req.UploadID)
	result, err := h.uploads.Complete(ctx, req.UploadID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := completeResponse{
		UploadID: result.Session.ID,
		Status:   "completed",
		FilePath: result.Session.FinalPath,
	}
	if result.Pipeline != nil {
		resp.AIPipeline = &pipelineJobView{
			JobID:         result.Pipeline.JobID,
			Status:        result.Pipeline.Status,
			EstimatedTime: result.Pipeline.EstimatedTime,
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

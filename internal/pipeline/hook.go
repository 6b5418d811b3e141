package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/data-platform/dataset-upload/internal/observability"
)

// Purpose selects the downstream pipeline for a finalized dataset.
type Purpose string

const (
	PurposeFineTuning Purpose = "fine-tuning"
	PurposeEmbeddings Purpose = "embeddings"
	PurposeTraining   Purpose = "training"
	PurposeIndexing   Purpose = "indexing"
	PurposeDefault    Purpose = "default"
)

// parsePurpose maps the metadata value onto a known purpose.
func parsePurpose(raw string) Purpose {
	switch Purpose(raw) {
	case PurposeFineTuning, PurposeEmbeddings, PurposeTraining, PurposeIndexing:
		return Purpose(raw)
	}
	return PurposeDefault
}

// estimates is the client-visible processing estimate per purpose.
var estimates = map[Purpose]string{
	PurposeFineTuning: "30-60m",
	PurposeEmbeddings: "5-15m",
	PurposeTraining:   "1-4h",
	PurposeIndexing:   "5-10m",
	PurposeDefault:    "10-30m",
}

// JobRef is the reference returned to the completion caller.
type JobRef struct {
	JobID         string `json:"jobId"`
	Purpose       string `json:"purpose"`
	Status        string `json:"status"`
	EstimatedTime string `json:"estimatedTime"`
}

// Hook is the single entry point the upload service calls after a session
// completes. Submit only constructs the job reference and enqueues; all
// downstream work happens on the processor's workers.
type Hook struct {
	processor *Processor
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewHook creates a pipeline hook on the given processor.
func NewHook(processor *Processor, logger *observability.Logger, metrics *observability.Metrics) *Hook {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Hook{
		processor: processor,
		logger:    logger.WithComponent("pipeline"),
		metrics:   metrics,
	}
}

// Submit dispatches the finalized object to the pipeline selected by
// metadata["purpose"]. Enqueue failures are logged and swallowed: the
// upload itself has already succeeded.
func (h *Hook) Submit(ctx context.Context, finalPath string, metadata map[string]string) *JobRef {
	purpose := parsePurpose(metadata["purpose"])

	job := &Job{
		ID:        uuid.NewString(),
		Purpose:   purpose,
		FinalPath: finalPath,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	ref := &JobRef{
		JobID:         job.ID,
		Purpose:       string(purpose),
		Status:        "queued",
		EstimatedTime: estimates[purpose],
	}

	if err := h.processor.Enqueue(job); err != nil {
		h.logger.WithContext(ctx).WithField("job_id", job.ID).
			Error("pipeline handoff failed", err)
		ref.Status = "deferred"
		return ref
	}

	if h.metrics != nil {
		h.metrics.PipelineJobs.WithLabelValues(string(purpose)).Inc()
	}
	h.logger.WithContext(ctx).
		WithField("job_id", job.ID).
		WithField("purpose", string(purpose)).
		Info("pipeline job queued")
	return ref
}

// Package enhance implements the submission path of the image-enhancement
// pipeline: validation, cache reuse, credit reservation, and the atomic
// job+outbox write.
package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/cachekey"
	"server/internal/credits"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/jobstore"
	"server/internal/metrics"
	"server/internal/stream"
)

// Kicker triggers an immediate dispatch attempt after a submission commits.
// Purely a latency optimization; the periodic sweep owns correctness.
type Kicker interface {
	Kick()
}

// Options configures the orchestrator.
type Options struct {
	Provider       string
	Model          string
	CallbackURL    func(jobID string) string
	CallbackSecret string
	MaxMegapixels  float64
	MaxUploadBytes int64
}

// Orchestrator validates submissions and composes the cache, ledger, store,
// and dispatcher trigger. It owns job creation; all post-creation mutation
// belongs to the callback ingestor.
type Orchestrator struct {
	sql    infra.SQLClient
	ledger *credits.Ledger
	caster *stream.Broadcaster
	kicker Kicker
	pipe   *metrics.Pipeline
	logger zerolog.Logger
	opts   Options
}

func NewOrchestrator(sql infra.SQLClient, ledger *credits.Ledger, caster *stream.Broadcaster, kicker Kicker, pipe *metrics.Pipeline, logger zerolog.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		sql:    sql,
		ledger: ledger,
		caster: caster,
		kicker: kicker,
		pipe:   pipe,
		logger: logger,
		opts:   opts,
	}
}

// SubmitRequest carries one enhancement submission.
type SubmitRequest struct {
	TenantID          string
	UserID            string
	PhotoID           string
	ImageURL          string
	CompositeImageURL string
	InputHash         string
	Masks             []domain.Mask
	Calibration       domain.Calibration
	Options           map[string]any
	Width             int
	Height            int
	SizeBytes         int64
}

// SubmitResult is the outcome of a submission: either a queued job or a cache
// hit carrying a prior job's variants.
type SubmitResult struct {
	JobID    string
	Status   domain.JobStatus
	Cached   bool
	Variants []domain.Variant
}

// Submit runs the submission path. On success exactly one job row and one
// outbox event exist, written in a single transaction together with the
// credit reservation; a failure at any point leaves no rows and no debit.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := o.validate(req); err != nil {
		o.pipe.Submission(metrics.SubmissionRejected)
		return nil, err
	}

	key := cachekey.Normalize(req.InputHash, req.Masks, req.Calibration, req.Options, o.opts.Provider, o.opts.Model)

	if cachedID, err := jobstore.FindCachedCompleted(ctx, o.sql, req.TenantID, key); err == nil {
		variants, err := jobstore.Variants(ctx, o.sql, cachedID)
		if err != nil {
			return nil, err
		}
		o.pipe.Submission(metrics.SubmissionCached)
		o.logger.Info().Str("job_id", cachedID).Str("tenant_id", req.TenantID).Msg("submission served from cache")
		return &SubmitResult{JobID: cachedID, Status: domain.JobStatusCompleted, Cached: true, Variants: variants}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	job := &domain.EnhancementJob{
		ID:                 uuid.NewString(),
		TenantID:           req.TenantID,
		UserID:             req.UserID,
		PhotoID:            req.PhotoID,
		InputURL:           req.ImageURL,
		CompositeInputURL:  req.CompositeImageURL,
		InputHash:          req.InputHash,
		CacheKey:           key,
		IdempotencyKey:     uuid.NewString(),
		Masks:              req.Masks,
		Calibration:        req.Calibration,
		Options:            req.Options,
		Provider:           o.opts.Provider,
		Model:              o.opts.Model,
		Status:             domain.JobStatusQueued,
		ReservedCostMicros: credits.EstimateCost(megapixels(req.Width, req.Height), len(req.Masks), len(req.Calibration) > 0),
	}

	envelope := domain.DispatchEnvelope{
		JobID:             job.ID,
		TenantID:          job.TenantID,
		Provider:          job.Provider,
		Model:             job.Model,
		InputURL:          job.InputURL,
		CompositeInputURL: job.CompositeInputURL,
		Masks:             job.Masks,
		Calibration:       job.Calibration,
		Options:           job.Options,
		IdempotencyKey:    job.IdempotencyKey,
		CallbackURL:       o.opts.CallbackURL(job.ID),
		CallbackSecret:    o.opts.CallbackSecret,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch envelope: %w", err)
	}

	err = o.sql.WithTx(ctx, func(q infra.SQLExecutor) error {
		if _, err := o.ledger.Reserve(ctx, q, job.TenantID, job.ReservedCostMicros, job.ID); err != nil {
			return err
		}
		if err := jobstore.InsertJob(ctx, q, job); err != nil {
			return err
		}
		return jobstore.InsertOutboxEvent(ctx, q, &domain.OutboxEvent{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			EventType: domain.OutboxEventTypeDispatch,
			Payload:   payload,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			o.pipe.Submission(metrics.SubmissionRejected)
		}
		return nil, err
	}

	o.pipe.Submission(metrics.SubmissionAccepted)
	o.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Int64("reserved_micros", job.ReservedCostMicros).
		Msg("enhancement job queued")

	if o.kicker != nil {
		o.kicker.Kick()
	}
	return &SubmitResult{JobID: job.ID, Status: domain.JobStatusQueued}, nil
}

// Cancel transitions a non-terminal job to canceled and refunds its
// reservation. Terminal jobs are rejected with domain.ErrJobTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, jobID string) error {
	var refunded bool
	err := o.sql.WithTx(ctx, func(q infra.SQLExecutor) error {
		reserved, applied, err := jobstore.CancelJob(ctx, q, jobID, tenantID)
		if err != nil {
			return err
		}
		if !applied {
			if _, err := jobstore.GetJobForTenant(ctx, q, jobID, tenantID); err != nil {
				return err
			}
			return domain.ErrJobTerminal
		}
		refunded, err = o.ledger.Refund(ctx, q, tenantID, reserved, jobID)
		return err
	})
	if err != nil {
		return err
	}

	if refunded {
		o.pipe.Refund()
	}
	o.logger.Info().Str("job_id", jobID).Str("tenant_id", tenantID).Msg("enhancement job canceled")
	o.caster.Emit(jobID, stream.Event{Status: domain.JobStatusCanceled})
	return nil
}

func (o *Orchestrator) validate(req SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return fmt.Errorf("%w: tenant required", domain.ErrInvalidSubmission)
	case strings.TrimSpace(req.ImageURL) == "":
		return fmt.Errorf("%w: image_url required", domain.ErrInvalidSubmission)
	case strings.TrimSpace(req.InputHash) == "":
		return fmt.Errorf("%w: input_hash required", domain.ErrInvalidSubmission)
	}
	if mp := megapixels(req.Width, req.Height); o.opts.MaxMegapixels > 0 && mp > o.opts.MaxMegapixels {
		return fmt.Errorf("%w: %.1f megapixels exceeds limit of %.1f", domain.ErrImageTooLarge, mp, o.opts.MaxMegapixels)
	}
	if o.opts.MaxUploadBytes > 0 && req.SizeBytes > o.opts.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrImageTooLarge, req.SizeBytes, o.opts.MaxUploadBytes)
	}
	return nil
}

func megapixels(width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	return float64(width) * float64(height) / 1e6
}

// Package callback authenticates, deduplicates, and applies inbound provider
// callbacks. It owns all job mutation after creation: progress updates,
// completion with variants, failure with refund.
package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/credits"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/jobstore"
	"server/internal/metrics"
	"server/internal/stream"
)

// Meta carries the transport-level attributes of one callback delivery.
type Meta struct {
	Signature string
	Timestamp string
	Nonce     string
	RemoteIP  string
}

// Ingestor applies provider callbacks to job state.
type Ingestor struct {
	sql       infra.SQLClient
	ledger    *credits.Ledger
	caster    *stream.Broadcaster
	pipe      *metrics.Pipeline
	geo       geoip.CountryResolver
	logger    zerolog.Logger
	secret    string
	tolerance time.Duration
}

func NewIngestor(sql infra.SQLClient, ledger *credits.Ledger, caster *stream.Broadcaster, pipe *metrics.Pipeline, geo geoip.CountryResolver, logger zerolog.Logger, secret string, tolerance time.Duration) *Ingestor {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Ingestor{
		sql:       sql,
		ledger:    ledger,
		caster:    caster,
		pipe:      pipe,
		geo:       geo,
		logger:    logger,
		secret:    secret,
		tolerance: tolerance,
	}
}

// ingestResult carries the post-commit effects of one callback: what to count
// and what to broadcast. Nothing is emitted until the transaction commits.
type ingestResult struct {
	replay   bool
	noop     bool
	refunded bool
	cost     int64
	event    stream.Event
}

// Ingest processes one callback delivery for the job. Authentication failures
// return an error and mutate nothing; replays and callbacks on terminal jobs
// succeed at the transport level while mutating nothing.
//
// The nonce insert, terminal guard, and state mutation run in one
// transaction: a committed nonce implies the mutation it guarded also
// committed, so a provider retry after a transient failure is a fresh
// delivery, not a replay.
func (i *Ingestor) Ingest(ctx context.Context, jobID string, raw []byte, meta Meta) error {
	if err := VerifySignature(i.secret, meta.Timestamp, meta.Signature, raw, i.tolerance, time.Now()); err != nil {
		i.pipe.Callback(metrics.CallbackAuthFailed)
		i.logger.Warn().
			Str("job_id", jobID).
			Str("remote_ip", meta.RemoteIP).
			Str("country", geoip.Country(i.geo, meta.RemoteIP)).
			Err(err).
			Msg("callback: rejected unauthenticated delivery")
		return err
	}

	payload, err := ParsePayload(raw)
	if err != nil {
		i.pipe.Callback(metrics.CallbackInvalid)
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubmission, err)
	}

	var res ingestResult
	err = i.sql.WithTx(ctx, func(q infra.SQLExecutor) error {
		// The nonce insert comes first so a concurrent duplicate delivery
		// loses the race on the unique index, not deeper in.
		if meta.Nonce != "" {
			fresh, err := jobstore.InsertNonce(ctx, q, meta.Nonce, jobID)
			if err != nil {
				return err
			}
			if !fresh {
				res.replay = true
				return nil
			}
		}

		job, err := jobstore.GetJob(ctx, q, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			res.noop = true
			return nil
		}

		switch domain.JobStatus(payload.Status) {
		case domain.JobStatusCompleted:
			return i.applyComplete(ctx, q, job, payload, &res)
		case domain.JobStatusFailed:
			return i.applyFail(ctx, q, job, payload, &res)
		default:
			return i.applyProgress(ctx, q, job, payload, &res)
		}
	})
	if err != nil {
		// Rollback keeps the nonce unspent, so the provider's retry of this
		// delivery is processed, not dropped.
		if errors.Is(err, domain.ErrInvalidSubmission) {
			i.pipe.Callback(metrics.CallbackInvalid)
		}
		return err
	}

	switch {
	case res.replay:
		i.pipe.Callback(metrics.CallbackReplay)
		i.logger.Info().Str("job_id", jobID).Str("nonce", meta.Nonce).Msg("callback: replay ignored")
		return nil
	case res.noop:
		i.pipe.Callback(metrics.CallbackTerminalNoop)
		i.logger.Info().Str("job_id", jobID).Msg("callback: job already terminal, ignoring")
		return nil
	}

	i.pipe.Callback(metrics.CallbackOK)
	if res.refunded {
		i.pipe.Refund()
	}
	switch res.event.Status {
	case domain.JobStatusCompleted:
		i.logger.Info().
			Str("job_id", jobID).
			Int("variants", len(res.event.Variants)).
			Int64("cost_micros", res.cost).
			Msg("callback: job completed")
	case domain.JobStatusFailed:
		i.logger.Warn().
			Str("job_id", jobID).
			Str("error_code", res.event.ErrorCode).
			Str("error_message", res.event.ErrorMessage).
			Msg("callback: job failed")
	}
	i.caster.Emit(jobID, res.event)
	return nil
}

func (i *Ingestor) applyProgress(ctx context.Context, q infra.SQLExecutor, job *domain.EnhancementJob, payload *Payload, res *ingestResult) error {
	status := domain.JobStatus(payload.Status)
	if !domain.ValidProgressStatus(status) {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidSubmission, payload.Status)
	}
	percent := job.ProgressPercent
	if payload.Progress != nil {
		percent = clampPercent(*payload.Progress)
	}

	applied, err := jobstore.UpdateProgress(ctx, q, job.ID, status, percent)
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race against a terminal transition; the guard wins.
		res.noop = true
		return nil
	}

	res.event = stream.Event{Status: status, Progress: percent}
	return nil
}

func (i *Ingestor) applyComplete(ctx context.Context, q infra.SQLExecutor, job *domain.EnhancementJob, payload *Payload, res *ingestResult) error {
	variants, err := payload.Variants()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubmission, err)
	}
	if len(variants) == 0 {
		return fmt.Errorf("%w: completion without results", domain.ErrInvalidSubmission)
	}

	cost := job.ReservedCostMicros
	if payload.CostMicros != nil && *payload.CostMicros >= 0 && *payload.CostMicros < cost {
		cost = *payload.CostMicros
	}
	unused := job.ReservedCostMicros - cost

	applied, err := jobstore.CompleteJob(ctx, q, job.ID, cost)
	if err != nil {
		return err
	}
	if !applied {
		res.noop = true
		return nil
	}
	if err := jobstore.InsertVariants(ctx, q, job.ID, variants); err != nil {
		return err
	}
	if unused > 0 {
		res.refunded, err = i.ledger.Refund(ctx, q, job.TenantID, unused, job.ID)
		if err != nil {
			return err
		}
	}

	res.cost = cost
	res.event = stream.Event{Status: domain.JobStatusCompleted, Progress: 100, Variants: variants}
	return nil
}

func (i *Ingestor) applyFail(ctx context.Context, q infra.SQLExecutor, job *domain.EnhancementJob, payload *Payload, res *ingestResult) error {
	message := payload.ErrorMessage
	if message == "" {
		message = "provider reported failure"
	}

	reserved, applied, err := jobstore.FailJob(ctx, q, job.ID, message, payload.ErrorCode)
	if err != nil {
		return err
	}
	if !applied {
		res.noop = true
		return nil
	}
	res.refunded, err = i.ledger.Refund(ctx, q, job.TenantID, reserved, job.ID)
	if err != nil {
		return err
	}

	res.event = stream.Event{
		Status:       domain.JobStatusFailed,
		Progress:     job.ProgressPercent,
		ErrorMessage: message,
		ErrorCode:    payload.ErrorCode,
	}
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Package outbox delivers pending dispatch events to the external rendering
// provider with at-least-once semantics. Two producers feed it: the immediate
// post-submission trigger (latency) and the periodic sweep (correctness); the
// single idempotent consumer is the conditional claim on the event row.
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"server/internal/credits"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/jobstore"
	"server/internal/metrics"
	"server/internal/sqlinline"
	"server/internal/stream"
)

// Deliverer performs one delivery attempt to the provider.
type Deliverer interface {
	Deliver(ctx context.Context, eventType string, payload []byte) error
}

// stuckClaimAge is how long an event may sit in dispatching before the sweep
// assumes its worker died and returns it to pending.
const stuckClaimAge = 5 * time.Minute

// Options bounds the retry schedule.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher drains pending outbox events. Multiple dispatcher instances may
// run concurrently against the same database; the claim update guarantees an
// event is delivered by at most one of them at a time.
type Dispatcher struct {
	sql    infra.SQLClient
	client Deliverer
	ledger *credits.Ledger
	caster *stream.Broadcaster
	pipe   *metrics.Pipeline
	logger zerolog.Logger
	opts   Options

	kick chan struct{}
}

func NewDispatcher(sql infra.SQLClient, client Deliverer, ledger *credits.Ledger, caster *stream.Broadcaster, pipe *metrics.Pipeline, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 5 * time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Dispatcher{
		sql:    sql,
		client: client,
		ledger: ledger,
		caster: caster,
		pipe:   pipe,
		logger: logger,
		opts:   opts,
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests an immediate sweep. Non-blocking: if a sweep is already
// pending the request coalesces with it.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run consumes kick requests until the context ends. Callers schedule the
// periodic sweep by kicking on a timer; Run itself never sleeps.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("dispatcher: sweep failed")
			}
		}
	}
}

// Sweep releases stale claims and processes pending events until none remain.
// Returns the number of events handled.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	if released, err := jobstore.ReleaseStuckDispatches(ctx, d.sql, stuckClaimAge); err != nil {
		d.logger.Error().Err(err).Msg("dispatcher: release stuck claims failed")
	} else if released > 0 {
		d.logger.Warn().Int64("count", released).Msg("dispatcher: returned stuck events to pending")
	}

	handled := 0
	for {
		ok, err := d.dispatchNext(ctx)
		if err != nil {
			return handled, err
		}
		if !ok {
			return handled, nil
		}
		handled++
	}
}

// dispatchNext claims and handles one pending event. Returns false when the
// queue is drained.
func (d *Dispatcher) dispatchNext(ctx context.Context) (bool, error) {
	var ev domain.OutboxEvent
	err := d.sql.QueryRow(ctx, sqlinline.QClaimNextOutboxEvent).
		Scan(&ev.ID, &ev.JobID, &ev.EventType, &ev.Payload, &ev.Attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	if err := d.client.Deliver(ctx, ev.EventType, ev.Payload); err != nil {
		d.handleFailure(ctx, &ev, err)
		return true, nil
	}

	if _, err := d.sql.Exec(ctx, sqlinline.QMarkOutboxProcessed, ev.ID); err != nil {
		// The delivery happened; a crash here means one extra delivery after
		// the claim expires, which the provider dedupes by idempotency key.
		return true, err
	}
	d.pipe.Dispatch(metrics.DispatchOK)
	d.logger.Info().Str("job_id", ev.JobID).Str("event_id", ev.ID).Msg("dispatcher: delivered")
	return true, nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, ev *domain.OutboxEvent, cause error) {
	attempts := ev.Attempts + 1
	if attempts < d.opts.MaxAttempts {
		delay := d.backoff(attempts)
		if _, err := d.sql.Exec(ctx, sqlinline.QReturnOutboxForRetry, ev.ID, attempts, time.Now().Add(delay)); err != nil {
			d.logger.Error().Err(err).Str("event_id", ev.ID).Msg("dispatcher: requeue failed")
			return
		}
		d.pipe.Dispatch(metrics.DispatchRetry)
		d.logger.Warn().Err(cause).
			Str("job_id", ev.JobID).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("dispatcher: delivery failed, will retry")
		return
	}

	// Retries exhausted: the dispatch obligation is abandoned, the job fails
	// fatally, and the reservation is returned to the tenant.
	var (
		refunded bool
		job      *domain.EnhancementJob
	)
	err := d.sql.WithTx(ctx, func(q infra.SQLExecutor) error {
		if _, err := q.Exec(ctx, sqlinline.QMarkOutboxFailed, ev.ID, attempts); err != nil {
			return err
		}
		var err error
		job, err = jobstore.GetJob(ctx, q, ev.JobID)
		if err != nil {
			return err
		}
		reserved, applied, err := jobstore.FailJob(ctx, q, ev.JobID, "dispatch to provider failed", "dispatch_exhausted")
		if err != nil || !applied {
			return err
		}
		refunded, err = d.ledger.Refund(ctx, q, job.TenantID, reserved, ev.JobID)
		return err
	})
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", ev.ID).Msg("dispatcher: fatal-failure handling failed")
		return
	}

	d.pipe.Dispatch(metrics.DispatchFatal)
	if refunded {
		d.pipe.Refund()
	}
	d.logger.Error().Err(cause).
		Str("job_id", ev.JobID).
		Int("attempts", attempts).
		Msg("dispatcher: delivery abandoned, job failed")
	d.caster.Emit(ev.JobID, stream.Event{
		Status:       domain.JobStatusFailed,
		ErrorMessage: "dispatch to provider failed",
		ErrorCode:    "dispatch_exhausted",
	})
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opts.InitialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.opts.MaxBackoff {
			return d.opts.MaxBackoff
		}
	}
	if delay > d.opts.MaxBackoff {
		delay = d.opts.MaxBackoff
	}
	return delay
}

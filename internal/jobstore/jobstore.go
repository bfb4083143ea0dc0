// Package jobstore persists enhancement jobs, variants, outbox events, and
// webhook nonces. Functions take the executor explicitly so callers decide
// whether a statement runs standalone or inside a wider transaction.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// InsertJob writes a new queued job row.
func InsertJob(ctx context.Context, q infra.SQLExecutor, job *domain.EnhancementJob) error {
	masksJSON, err := json.Marshal(job.Masks)
	if err != nil {
		return fmt.Errorf("encode masks: %w", err)
	}
	calibrationJSON, err := json.Marshal(job.Calibration)
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = q.Exec(ctx, sqlinline.QInsertEnhancementJob,
		job.ID,
		job.TenantID,
		job.UserID,
		job.PhotoID,
		job.InputURL,
		job.CompositeInputURL,
		job.InputHash,
		job.CacheKey,
		job.IdempotencyKey,
		masksJSON,
		calibrationJSON,
		optionsJSON,
		job.Provider,
		job.Model,
		job.ReservedCostMicros,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertOutboxEvent writes the dispatch obligation for a job. Call it on the
// same transaction as InsertJob.
func InsertOutboxEvent(ctx context.Context, q infra.SQLExecutor, ev *domain.OutboxEvent) error {
	if _, err := q.Exec(ctx, sqlinline.QInsertOutboxEvent, ev.ID, ev.JobID, ev.EventType, ev.Payload); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// InsertVariants persists the result variants of a completed job.
func InsertVariants(ctx context.Context, q infra.SQLExecutor, jobID string, variants []domain.Variant) error {
	for _, v := range variants {
		id := v.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := q.Exec(ctx, sqlinline.QInsertVariant, id, jobID, v.OutputURL, v.Rank); err != nil {
			return fmt.Errorf("insert variant rank %d: %w", v.Rank, err)
		}
	}
	return nil
}

// InsertNonce records a callback nonce. Returns false when the nonce was seen
// before, which marks the callback as a replay.
func InsertNonce(ctx context.Context, q infra.SQLExecutor, nonce, jobID string) (bool, error) {
	tag, err := q.Exec(ctx, sqlinline.QInsertWebhookNonce, nonce, jobID)
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindCachedCompleted returns the id of the most recent completed job for the
// tenant and cache key, or ErrNotFound.
func FindCachedCompleted(ctx context.Context, q infra.SQLExecutor, tenantID, cacheKey string) (string, error) {
	var jobID string
	err := q.QueryRow(ctx, sqlinline.QFindCachedCompletedJob, tenantID, cacheKey).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("cache lookup: %w", err)
	}
	return jobID, nil
}

// GetJob loads a job by id regardless of tenant. Used by the callback path,
// which authenticates by signature rather than tenant identity.
func GetJob(ctx context.Context, q infra.SQLExecutor, jobID string) (*domain.EnhancementJob, error) {
	return scanJob(q.QueryRow(ctx, sqlinline.QSelectJob, jobID))
}

// GetJobForTenant loads a job scoped to its owning tenant.
func GetJobForTenant(ctx context.Context, q infra.SQLExecutor, jobID, tenantID string) (*domain.EnhancementJob, error) {
	return scanJob(q.QueryRow(ctx, sqlinline.QSelectJobForTenant, jobID, tenantID))
}

func scanJob(row pgx.Row) (*domain.EnhancementJob, error) {
	var job domain.EnhancementJob
	var optionsJSON []byte
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.UserID,
		&job.Status,
		&job.ProgressPercent,
		&job.ErrorMessage,
		&job.ErrorCode,
		&job.ReservedCostMicros,
		&job.CostMicros,
		&optionsJSON,
		&job.Provider,
		&job.Model,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.CanceledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if len(optionsJSON) > 0 {
		_ = json.Unmarshal(optionsJSON, &job.Options)
	}
	return &job, nil
}

// ListRecent returns the tenant's most recent jobs, newest first.
func ListRecent(ctx context.Context, q infra.SQLExecutor, tenantID string, limit int) ([]domain.EnhancementJob, error) {
	rows, err := q.Query(ctx, sqlinline.QListRecentJobs, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.EnhancementJob
	for rows.Next() {
		var job domain.EnhancementJob
		var optionsJSON []byte
		if err := rows.Scan(
			&job.ID,
			&job.Status,
			&job.ProgressPercent,
			&job.ErrorMessage,
			&job.ErrorCode,
			&optionsJSON,
			&job.Provider,
			&job.Model,
			&job.CreatedAt,
			&job.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		job.TenantID = tenantID
		if len(optionsJSON) > 0 {
			_ = json.Unmarshal(optionsJSON, &job.Options)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Variants returns a job's result variants ordered by rank.
func Variants(ctx context.Context, q infra.SQLExecutor, jobID string) ([]domain.Variant, error) {
	rows, err := q.Query(ctx, sqlinline.QSelectJobVariants, jobID)
	if err != nil {
		return nil, fmt.Errorf("select variants: %w", err)
	}
	defer rows.Close()

	var variants []domain.Variant
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.JobID, &v.OutputURL, &v.Rank); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// UpdateProgress applies a non-terminal progress callback. Jobs already in a
// terminal state are untouched; applied reports whether the row changed.
func UpdateProgress(ctx context.Context, q infra.SQLExecutor, jobID string, status domain.JobStatus, percent int) (bool, error) {
	tag, err := q.Exec(ctx, sqlinline.QUpdateJobProgress, jobID, status, percent)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteJob transitions a non-terminal job to completed. Returns false when
// the job was already terminal.
func CompleteJob(ctx context.Context, q infra.SQLExecutor, jobID string, costMicros int64) (bool, error) {
	var id string
	err := q.QueryRow(ctx, sqlinline.QCompleteJob, jobID, costMicros).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("complete job: %w", err)
	}
	return true, nil
}

// FailJob transitions a non-terminal job to failed and returns the amount that
// was reserved for it. Returns applied=false when the job was already terminal.
func FailJob(ctx context.Context, q infra.SQLExecutor, jobID, errorMessage, errorCode string) (reserved int64, applied bool, err error) {
	err = q.QueryRow(ctx, sqlinline.QFailJob, jobID, errorMessage, errorCode).Scan(&reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fail job: %w", err)
	}
	return reserved, true, nil
}

// CancelJob transitions a non-terminal job to canceled and returns the amount
// that was reserved for it. Returns applied=false when the job was already
// terminal.
func CancelJob(ctx context.Context, q infra.SQLExecutor, jobID, tenantID string) (reserved int64, applied bool, err error) {
	err = q.QueryRow(ctx, sqlinline.QCancelJob, jobID, tenantID).Scan(&reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("cancel job: %w", err)
	}
	return reserved, true, nil
}

// ReleaseStuckDispatches returns events stuck in dispatching (e.g. after a
// worker crash) to pending so the sweep can retry them.
func ReleaseStuckDispatches(ctx context.Context, q infra.SQLExecutor, olderThan time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, sqlinline.QReleaseStuckOutboxEvents, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("release stuck dispatches: %w", err)
	}
	return tag.RowsAffected(), nil
}

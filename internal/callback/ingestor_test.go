package callback

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/credits"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/outbox"
	"server/internal/stream"
)

const testSecret = "callback-secret"

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// fakeDB simulates the rows the ingestor touches: one job, the nonce set, the
// refund ledger, and the variants table. txFailures makes the next N
// transactions fail before any statement runs, like a dropped connection.
type fakeDB struct {
	job        *domain.EnhancementJob
	nonces     map[string]bool
	refunds    map[string]bool
	refunded   int64
	variants   []string
	costPaid   int64
	failedMsg  string
	txFailures int
}

func newFakeDB(job *domain.EnhancementJob) *fakeDB {
	return &fakeDB{job: job, nonces: map[string]bool{}, refunds: map[string]bool{}}
}

func (f *fakeDB) WithTx(ctx context.Context, fn func(q infra.SQLExecutor) error) error {
	if f.txFailures > 0 {
		f.txFailures--
		return errors.New("begin tx: connection reset")
	}
	return fn(f)
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(query, "webhook_nonces"):
		nonce := args[0].(string)
		if f.nonces[nonce] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.nonces[nonce] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(query, "enhancement_variants"):
		f.variants = append(f.variants, args[2].(string))
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(query, "balance_micros = balance_micros +"):
		f.refunded += args[1].(int64)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(query, "progress_percent = $3"):
		if f.job == nil || f.job.Status.Terminal() {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.job.Status = args[1].(domain.JobStatus)
		f.job.ProgressPercent = args[2].(int)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag(""), nil
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	switch {
	case strings.Contains(query, "select id, tenant_id"):
		return f.jobRow()
	case strings.Contains(query, "status = 'completed'") && strings.Contains(query, "returning id"):
		cost := args[1].(int64)
		return scanFunc(func(dest ...any) error {
			if f.job == nil || f.job.Status.Terminal() {
				return pgx.ErrNoRows
			}
			f.job.Status = domain.JobStatusCompleted
			f.job.ProgressPercent = 100
			f.costPaid = cost
			*dest[0].(*string) = f.job.ID
			return nil
		})
	case strings.Contains(query, "status = 'failed'"):
		msg := args[1].(string)
		return scanFunc(func(dest ...any) error {
			if f.job == nil || f.job.Status.Terminal() {
				return pgx.ErrNoRows
			}
			f.job.Status = domain.JobStatusFailed
			f.failedMsg = msg
			*dest[0].(*int64) = f.job.ReservedCostMicros
			return nil
		})
	case strings.Contains(query, "'refund'"):
		jobID := args[3].(string)
		return scanFunc(func(dest ...any) error {
			if f.refunds[jobID] {
				return pgx.ErrNoRows
			}
			f.refunds[jobID] = true
			*dest[0].(*string) = "entry-1"
			return nil
		})
	}
	return scanFunc(func(dest ...any) error { return pgx.ErrNoRows })
}

func (f *fakeDB) jobRow() pgx.Row {
	return scanFunc(func(dest ...any) error {
		if f.job == nil {
			return pgx.ErrNoRows
		}
		j := f.job
		*dest[0].(*string) = j.ID
		*dest[1].(*string) = j.TenantID
		*dest[2].(*string) = j.UserID
		*dest[3].(*domain.JobStatus) = j.Status
		*dest[4].(*int) = j.ProgressPercent
		*dest[5].(*string) = j.ErrorMessage
		*dest[6].(*string) = j.ErrorCode
		*dest[7].(*int64) = j.ReservedCostMicros
		*dest[8].(*int64) = j.CostMicros
		*dest[9].(*[]byte) = nil
		*dest[10].(*string) = j.Provider
		*dest[11].(*string) = j.Model
		*dest[12].(*time.Time) = j.CreatedAt
		*dest[13].(*time.Time) = j.UpdatedAt
		*dest[14].(**time.Time) = j.CompletedAt
		*dest[15].(**time.Time) = j.CanceledAt
		return nil
	})
}

func renderingJob(reserved int64) *domain.EnhancementJob {
	now := time.Now()
	return &domain.EnhancementJob{
		ID:                 "job-1",
		TenantID:           "t1",
		UserID:             "u1",
		Status:             domain.JobStatusRendering,
		ProgressPercent:    10,
		ReservedCostMicros: reserved,
		Provider:           "renderforge",
		Model:              "interior-v2",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func newTestIngestor(db *fakeDB) (*Ingestor, *stream.Broadcaster) {
	caster := stream.NewBroadcaster(zerolog.Nop())
	return NewIngestor(db, credits.NewLedger(zerolog.Nop()), caster, nil, nil, zerolog.Nop(), testSecret, 5*time.Minute), caster
}

// receiveEvent drains the one event a synchronous Emit should have delivered.
func receiveEvent(t *testing.T, sub *stream.Subscriber) stream.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	default:
		t.Fatal("expected a broadcast event")
		return stream.Event{}
	}
}

func assertNoEvent(t *testing.T, sub *stream.Subscriber) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected broadcast event: %+v", ev)
	default:
	}
}

func signedMeta(body []byte, nonce string) Meta {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return Meta{
		Signature: outbox.Sign(testSecret, ts, body),
		Timestamp: ts,
		Nonce:     nonce,
		RemoteIP:  "203.0.113.9",
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"completed","url":"https://cdn/a"}`)
	meta := signedMeta(body, "n-1")
	meta.Signature = "sha256=deadbeef"

	err := ing.Ingest(context.Background(), "job-1", body, meta)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, domain.JobStatusRendering, db.job.Status, "rejected callback must not mutate")
	assert.Empty(t, db.nonces, "rejected callback must not burn the nonce")
}

func TestIngestReplayIsNoop(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	db.nonces["n-1"] = true
	ing, caster := newTestIngestor(db)
	sub := caster.Register("job-1")
	defer caster.Close("job-1", sub)

	body := []byte(`{"status":"completed","url":"https://cdn/a"}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err, "replays succeed at the transport level")
	assert.Equal(t, domain.JobStatusRendering, db.job.Status)
	assert.Empty(t, db.variants)
	assertNoEvent(t, sub)
}

func TestIngestProgressUpdate(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, caster := newTestIngestor(db)
	sub := caster.Register("job-1")
	defer caster.Close("job-1", sub)

	body := []byte(`{"status":"postprocessing","progress":80}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPostprocessing, db.job.Status)
	assert.Equal(t, 80, db.job.ProgressPercent)

	ev := receiveEvent(t, sub)
	assert.Equal(t, domain.JobStatusPostprocessing, ev.Status)
	assert.Equal(t, 80, ev.Progress)
}

func TestIngestProgressClampsPercent(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"rendering","progress":250}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err)
	assert.Equal(t, 100, db.job.ProgressPercent)
}

func TestIngestRejectsUnknownStatus(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"exploding"}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidSubmission)
}

func TestIngestCompleteRefundsUnusedReservation(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, caster := newTestIngestor(db)
	sub := caster.Register("job-1")
	defer caster.Close("job-1", sub)

	body := []byte(`{"status":"completed","cost_micros":300000,"urls":["https://cdn/a","https://cdn/b"]}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, db.job.Status)
	assert.Equal(t, int64(300_000), db.costPaid)
	assert.Equal(t, int64(200_000), db.refunded, "unused reservation flows back")
	assert.Equal(t, []string{"https://cdn/a", "https://cdn/b"}, db.variants)

	ev := receiveEvent(t, sub)
	assert.Equal(t, stream.EventTypeJobUpdate, ev.Type)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, domain.JobStatusCompleted, ev.Status)
	assert.Equal(t, 100, ev.Progress)
	require.Len(t, ev.Variants, 2)
	assert.Equal(t, "https://cdn/a", ev.Variants[0].OutputURL)
	assert.Equal(t, "https://cdn/b", ev.Variants[1].OutputURL)
}

func TestIngestCompleteCostCappedAtReservation(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"completed","cost_micros":900000,"url":"https://cdn/a"}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(500_000), db.costPaid, "provider cannot charge above the reservation")
	assert.Zero(t, db.refunded)
}

func TestIngestCompleteWithoutResultsRejected(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"completed"}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.ErrorIs(t, err, domain.ErrInvalidSubmission)
	assert.Equal(t, domain.JobStatusRendering, db.job.Status)
}

func TestIngestFailRefundsFullReservation(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"failed","error_message":"render crashed","error_code":"provider_error"}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, db.job.Status)
	assert.Equal(t, "render crashed", db.failedMsg)
	assert.Equal(t, int64(500_000), db.refunded)
}

// A transaction that dies mid-flight must leave the nonce unspent so the
// provider's redelivery of the same callback is processed, not treated as a
// replay.
func TestIngestRetryAfterFailedTransaction(t *testing.T) {
	db := newFakeDB(renderingJob(500_000))
	db.txFailures = 1
	ing, caster := newTestIngestor(db)
	sub := caster.Register("job-1")
	defer caster.Close("job-1", sub)

	body := []byte(`{"status":"completed","cost_micros":500000,"url":"https://cdn/a"}`)
	meta := signedMeta(body, "n-1")

	err := ing.Ingest(context.Background(), "job-1", body, meta)
	require.Error(t, err, "first delivery hits the dropped connection")
	assert.Equal(t, domain.JobStatusRendering, db.job.Status)
	assert.Empty(t, db.nonces, "rolled-back delivery must not burn the nonce")
	assertNoEvent(t, sub)

	err = ing.Ingest(context.Background(), "job-1", body, meta)
	require.NoError(t, err, "identical redelivery lands")
	assert.Equal(t, domain.JobStatusCompleted, db.job.Status)
	assert.Equal(t, []string{"https://cdn/a"}, db.variants)

	ev := receiveEvent(t, sub)
	assert.Equal(t, domain.JobStatusCompleted, ev.Status)
}

func TestIngestTerminalJobIsNoop(t *testing.T) {
	job := renderingJob(500_000)
	job.Status = domain.JobStatusCanceled
	db := newFakeDB(job)
	ing, caster := newTestIngestor(db)
	sub := caster.Register("job-1")
	defer caster.Close("job-1", sub)

	body := []byte(`{"status":"completed","url":"https://cdn/late"}`)
	err := ing.Ingest(context.Background(), "job-1", body, signedMeta(body, "n-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, db.job.Status)
	assert.Empty(t, db.variants)
	assert.Zero(t, db.refunded)
	assertNoEvent(t, sub)
}

func TestIngestUnknownJob(t *testing.T) {
	db := newFakeDB(nil)
	ing, _ := newTestIngestor(db)

	body := []byte(`{"status":"rendering"}`)
	err := ing.Ingest(context.Background(), "missing", body, signedMeta(body, "n-1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

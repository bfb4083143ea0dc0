package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
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
	"server/internal/stream"
)

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

type outboxRow struct {
	id          string
	jobID       string
	eventType   string
	payload     []byte
	attempts    int
	status      string
	nextAttempt time.Time
}

// queueDB simulates the outbox table plus the one job the events refer to.
// The mutex exists for tests that exercise Run on its own goroutine.
type queueDB struct {
	mu          sync.Mutex
	events      []*outboxRow
	jobStatus   domain.JobStatus
	jobReserved int64
	refunded    int64
	refunds     map[string]bool
}

func newQueueDB(events ...*outboxRow) *queueDB {
	return &queueDB{events: events, jobStatus: domain.JobStatusQueued, jobReserved: 500_000, refunds: map[string]bool{}}
}

func (f *queueDB) event(id string) *outboxRow {
	for _, ev := range f.events {
		if ev.id == id {
			return ev
		}
	}
	return nil
}

func (f *queueDB) WithTx(ctx context.Context, fn func(q infra.SQLExecutor) error) error {
	return fn(f)
}

func (f *queueDB) statusOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.event(id).status
}

func (f *queueDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(query, "status = 'processed'"):
		f.event(args[0].(string)).status = "processed"
	case strings.Contains(query, "set status = 'pending'") && strings.Contains(query, "attempts = $2"):
		ev := f.event(args[0].(string))
		ev.status = "pending"
		ev.attempts = args[1].(int)
		ev.nextAttempt = args[2].(time.Time)
	case strings.Contains(query, "set status = 'failed'"):
		ev := f.event(args[0].(string))
		ev.status = "failed"
		ev.attempts = args[1].(int)
	case strings.Contains(query, "balance_micros = balance_micros +"):
		f.refunded += args[1].(int64)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *queueDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	switch {
	case strings.Contains(query, "for update skip locked"):
		return scanFunc(func(dest ...any) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			now := time.Now()
			for _, ev := range f.events {
				if ev.status != "pending" || ev.nextAttempt.After(now) {
					continue
				}
				ev.status = "dispatching"
				*dest[0].(*string) = ev.id
				*dest[1].(*string) = ev.jobID
				*dest[2].(*string) = ev.eventType
				*dest[3].(*[]byte) = ev.payload
				*dest[4].(*int) = ev.attempts
				return nil
			}
			return pgx.ErrNoRows
		})
	case strings.Contains(query, "select id, tenant_id"):
		return scanFunc(func(dest ...any) error {
			*dest[0].(*string) = "job-1"
			*dest[1].(*string) = "t1"
			*dest[2].(*string) = "u1"
			*dest[3].(*domain.JobStatus) = f.jobStatus
			*dest[4].(*int) = 0
			*dest[5].(*string) = ""
			*dest[6].(*string) = ""
			*dest[7].(*int64) = f.jobReserved
			*dest[8].(*int64) = 0
			*dest[9].(*[]byte) = nil
			*dest[10].(*string) = "renderforge"
			*dest[11].(*string) = "interior-v2"
			*dest[12].(*time.Time) = time.Now()
			*dest[13].(*time.Time) = time.Now()
			*dest[14].(**time.Time) = nil
			*dest[15].(**time.Time) = nil
			return nil
		})
	case strings.Contains(query, "status = 'failed'") && strings.Contains(query, "returning reserved_cost_micros"):
		return scanFunc(func(dest ...any) error {
			if f.jobStatus.Terminal() {
				return pgx.ErrNoRows
			}
			f.jobStatus = domain.JobStatusFailed
			*dest[0].(*int64) = f.jobReserved
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

func (f *queueDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

type flakyDeliverer struct {
	failures  int
	calls     int
	delivered [][]byte
}

func (d *flakyDeliverer) Deliver(ctx context.Context, eventType string, payload []byte) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("provider unavailable")
	}
	d.delivered = append(d.delivered, payload)
	return nil
}

func pendingEvent(id string) *outboxRow {
	return &outboxRow{
		id:        id,
		jobID:     "job-1",
		eventType: domain.OutboxEventTypeDispatch,
		payload:   []byte(`{"job_id":"job-1"}`),
		status:    "pending",
	}
}

func newTestDispatcher(db *queueDB, client Deliverer, opts Options) *Dispatcher {
	return NewDispatcher(db, client, credits.NewLedger(zerolog.Nop()), stream.NewBroadcaster(zerolog.Nop()), nil, zerolog.Nop(), opts)
}

func TestSweepDeliversPendingEvents(t *testing.T) {
	db := newQueueDB(pendingEvent("ev-1"), pendingEvent("ev-2"))
	client := &flakyDeliverer{}
	d := newTestDispatcher(db, client, Options{MaxAttempts: 3})

	handled, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Equal(t, "processed", db.event("ev-1").status)
	assert.Equal(t, "processed", db.event("ev-2").status)
	assert.Len(t, client.delivered, 2)
}

func TestSweepEmptyQueue(t *testing.T) {
	db := newQueueDB()
	d := newTestDispatcher(db, &flakyDeliverer{}, Options{MaxAttempts: 3})

	handled, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, handled)
}

func TestFailedDeliveryRequeuesWithBackoff(t *testing.T) {
	db := newQueueDB(pendingEvent("ev-1"))
	client := &flakyDeliverer{failures: 100}
	d := newTestDispatcher(db, client, Options{MaxAttempts: 3, InitialBackoff: time.Minute})

	handled, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	ev := db.event("ev-1")
	assert.Equal(t, "pending", ev.status, "failed delivery returns to pending")
	assert.Equal(t, 1, ev.attempts)
	assert.True(t, ev.nextAttempt.After(time.Now()), "retry is deferred")
	assert.Equal(t, domain.JobStatusQueued, db.jobStatus, "job untouched while retries remain")
}

func TestExhaustedRetriesFailJobAndRefund(t *testing.T) {
	ev := pendingEvent("ev-1")
	ev.attempts = 2
	db := newQueueDB(ev)
	client := &flakyDeliverer{failures: 100}
	d := newTestDispatcher(db, client, Options{MaxAttempts: 3, InitialBackoff: time.Minute})

	handled, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	assert.Equal(t, "failed", ev.status)
	assert.Equal(t, 3, ev.attempts)
	assert.Equal(t, domain.JobStatusFailed, db.jobStatus)
	assert.Equal(t, int64(500_000), db.refunded, "abandoned dispatch refunds the reservation")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d := newTestDispatcher(newQueueDB(), &flakyDeliverer{}, Options{
		MaxAttempts:    10,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     30 * time.Second,
	})

	assert.Equal(t, 5*time.Second, d.backoff(1))
	assert.Equal(t, 10*time.Second, d.backoff(2))
	assert.Equal(t, 20*time.Second, d.backoff(3))
	assert.Equal(t, 30*time.Second, d.backoff(4))
	assert.Equal(t, 30*time.Second, d.backoff(9))
}

func TestKickCoalesces(t *testing.T) {
	d := newTestDispatcher(newQueueDB(), &flakyDeliverer{}, Options{MaxAttempts: 1})
	d.Kick()
	d.Kick()
	d.Kick()
	assert.Len(t, d.kick, 1, "pending kicks collapse into one sweep")
}

func TestRunProcessesKicks(t *testing.T) {
	db := newQueueDB(pendingEvent("ev-1"))
	d := newTestDispatcher(db, &flakyDeliverer{}, Options{MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	d.Kick()
	require.Eventually(t, func() bool {
		return db.statusOf("ev-1") == "processed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

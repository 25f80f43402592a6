// Package queue is the durable operation queue for remote writes made while offline
// or during transient failures. The persisted array under StorageKey is the source
// of truth and every call reads it back from storage. When the storage budget
// rejects a save, the queue keeps the whole array in memory instead of losing
// operations, serves reads from that copy, and writes it out on the next save
// that fits.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/metric"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/storage"
)

// StorageKey holds the serialized queue
const StorageKey = "operation_queue"

// Availability reports cached connectivity
type Availability interface {
	IsAvailable() bool
}

// Options configures a Queue
type Options struct {
	MaxRetries int
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

// Queue owns every QueuedOperation record.
type Queue struct {
	store      *storage.Adapter
	bus        events.Publisher
	maxRetries int
	logger     *slog.Logger
	metrics    *metric.Metrics
	now        func() time.Time

	network Availability
	trigger func()

	// mu serializes read-modify-write of the persisted array and guards unsaved
	mu sync.Mutex
	// unsaved is the current array while it does not fit the storage budget
	unsaved []models.QueuedOperation
}

// New creates a queue persisted in store
func New(store *storage.Adapter, bus events.Publisher, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	return &Queue{
		store:      store,
		bus:        bus,
		maxRetries: opts.MaxRetries,
		logger:     logging.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// SetClock replaces the time source (tests)
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// SetTrigger installs the processing trigger fired after Enqueue and Retry while online
func (q *Queue) SetTrigger(network Availability, trigger func()) {
	q.network = network
	q.trigger = trigger
}

// EnqueueOption customizes a new operation
type EnqueueOption func(*models.QueuedOperation)

// WithMaxRetries overrides the retry limit of one operation
func WithMaxRetries(n int) EnqueueOption {
	return func(op *models.QueuedOperation) {
		if n > 0 {
			op.MaxRetries = n
		}
	}
}

// Enqueue appends a pending operation. payload is marshaled to JSON unless it is
// already a json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, opType models.OperationType, payload interface{}, opts ...EnqueueOption) (*models.QueuedOperation, error) {
	if !opType.Valid() {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown operation type %q", opType)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	now := q.now().UnixMilli()
	op := models.QueuedOperation{
		ID:         uuid.New().String(),
		Type:       opType,
		Payload:    raw,
		Status:     models.StatusPending,
		MaxRetries: q.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(&op)
	}

	err = q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, error) {
		return append(ops, op), nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("operation enqueued",
		slog.String("id", op.ID),
		slog.String("type", string(op.Type)),
		slog.Int("maxRetries", op.MaxRetries))
	q.publish(events.OperationAdded, op)
	q.kick()
	return &op, nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, apperrors.New(apperrors.KindValidation, "payload is not valid JSON")
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "encode operation payload", err)
	}
	return raw, nil
}

// Update applies patch to the operation with id and persists it. It returns false
// when no such operation exists.
func (q *Queue) Update(ctx context.Context, id string, patch func(*models.QueuedOperation)) (*models.QueuedOperation, bool, error) {
	var updated *models.QueuedOperation
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, error) {
		for i := range ops {
			if ops[i].ID == id {
				patch(&ops[i])
				ops[i].ID = id
				ops[i].UpdatedAt = q.now().UnixMilli()
				op := ops[i]
				updated = &op
				break
			}
		}
		return ops, nil
	})
	if err != nil || updated == nil {
		return nil, false, err
	}
	q.publish(events.OperationUpdated, *updated)
	return updated, true, nil
}

// Remove deletes the operation with id
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, error) {
		for i := range ops {
			if ops[i].ID == id {
				removed = true
				return append(ops[:i:i], ops[i+1:]...), nil
			}
		}
		return ops, nil
	})
	return removed, err
}

// Get returns the operation with id
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedOperation, bool, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range ops {
		if ops[i].ID == id {
			return &ops[i], true, nil
		}
	}
	return nil, false, nil
}

// List returns every operation in insertion order
func (q *Queue) List(ctx context.Context) ([]models.QueuedOperation, error) {
	return q.snapshot(ctx)
}

// Clear removes every operation and returns how many there were
func (q *Queue) Clear(ctx context.Context) (int, error) {
	count := 0
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, error) {
		count = len(ops)
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	q.logger.Info("operation queue cleared", slog.Int("removed", count))
	return count, nil
}

// CountPending counts operations still waiting to complete (pending, retry, in-progress)
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	ops, err := q.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	pending, _ := countByStatus(ops)
	return pending, nil
}

// CountFailed counts terminally failed operations
func (q *Queue) CountFailed(ctx context.Context) (int, error) {
	ops, err := q.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	_, failed := countByStatus(ops)
	return failed, nil
}

func countByStatus(ops []models.QueuedOperation) (pending, failed int) {
	for _, op := range ops {
		switch op.Status {
		case models.StatusPending, models.StatusRetry, models.StatusInProgress:
			pending++
		case models.StatusFailed:
			failed++
		}
	}
	return pending, failed
}

// Retry resets one operation to pending with a fresh retry budget
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	op, ok, err := q.Update(ctx, id, reset)
	if err != nil || !ok {
		return false, err
	}
	q.logger.Info("operation reset for retry", slog.String("id", op.ID))
	q.kick()
	return true, nil
}

// RetryAll resets every failed or retry-scheduled operation to pending
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	var changed []models.QueuedOperation
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, error) {
		changed = changed[:0]
		for i := range ops {
			if ops[i].Status == models.StatusFailed || ops[i].Status == models.StatusRetry {
				reset(&ops[i])
				ops[i].UpdatedAt = q.now().UnixMilli()
				changed = append(changed, ops[i])
			}
		}
		return ops, nil
	})
	if err != nil {
		return 0, err
	}
	for _, op := range changed {
		q.publish(events.OperationUpdated, op)
	}
	if len(changed) > 0 {
		q.logger.Info("reset operations for retry", slog.Int("count", len(changed)))
		q.kick()
	}
	return len(changed), nil
}

func reset(op *models.QueuedOperation) {
	op.Status = models.StatusPending
	op.RetryCount = 0
	op.NextRetryTime = 0
	op.LastError = ""
}

// Ready returns the operations the processor may run at now: pending ones, and
// retry ones whose nextRetryTime has passed, in insertion order.
func (q *Queue) Ready(ctx context.Context, now time.Time) ([]models.QueuedOperation, error) {
	ops, err := q.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var ready []models.QueuedOperation
	for _, op := range ops {
		if op.ReadyAt(now) {
			ready = append(ready, op)
		}
	}
	return ready, nil
}

// NextRetryTime returns the soonest nextRetryTime among retry operations
func (q *Queue) NextRetryTime(ctx context.Context) (int64, bool, error) {
	ops, err := q.snapshot(ctx)
	if err != nil {
		return 0, false, err
	}
	var soonest int64
	found := false
	for _, op := range ops {
		if op.Status != models.StatusRetry {
			continue
		}
		if !found || op.NextRetryTime < soonest {
			soonest = op.NextRetryTime
			found = true
		}
	}
	return soonest, found, nil
}

// RecoverInProgress returns operations left in-progress by an interrupted pass to pending.
func (q *Queue) RecoverInProgress(ctx context.Context) (int, error) {
	count := 0
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, error) {
		count = 0
		for i := range ops {
			if ops[i].Status == models.StatusInProgress {
				ops[i].Status = models.StatusPending
				ops[i].UpdatedAt = q.now().UnixMilli()
				count++
			}
		}
		return ops, nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.logger.Warn("recovered interrupted operations", slog.Int("count", count))
	}
	return count, nil
}

// Unsaved reports how many operations are held in memory only
func (q *Queue) Unsaved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unsaved)
}

func (q *Queue) snapshot(ctx context.Context) ([]models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// load returns the current array. The caller holds mu.
func (q *Queue) load(ctx context.Context) ([]models.QueuedOperation, error) {
	if q.unsaved != nil {
		return append([]models.QueuedOperation(nil), q.unsaved...), nil
	}
	var ops []models.QueuedOperation
	if _, err := q.store.GetJSON(ctx, StorageKey, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// mutate runs one read-modify-write cycle under the queue lock
func (q *Queue) mutate(ctx context.Context, fn func([]models.QueuedOperation) ([]models.QueuedOperation, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	ops, err = fn(ops)
	if err != nil {
		return err
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	if err := q.store.SetJSON(ctx, StorageKey, ops); err != nil {
		if !errors.Is(err, apperrors.ErrCapacityExceeded) {
			return err
		}
		if q.unsaved == nil {
			logging.Failure(q.logger, err, "operation queue over storage budget, holding it in memory",
				slog.Int("operations", len(ops)))
		}
		q.unsaved = ops
	} else if q.unsaved != nil {
		q.logger.Info("operation queue persisted again", slog.Int("operations", len(ops)))
		q.unsaved = nil
	}
	q.metrics.SetQueueDepth(countByStatus(ops))
	return nil
}

func (q *Queue) publish(kind events.Kind, op models.QueuedOperation) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{Kind: kind, Operation: &op})
}

// kick fires the processing trigger when online. The trigger must not block.
func (q *Queue) kick() {
	if q.trigger == nil {
		return
	}
	if q.network != nil && !q.network.IsAvailable() {
		return
	}
	q.trigger()
}

// Package processor drains the operation queue: one pass at a time, operations in
// selection order, with exponential backoff for failures.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/metric"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/queue"
)

// DefaultMinWakeup is the shortest delay of a scheduled wake-up
const DefaultMinWakeup = time.Second

// authRetryLimit caps retries of operations failing with an authentication error
const authRetryLimit = 1

// OperationStore is the queue as seen by the processor
type OperationStore interface {
	Ready(ctx context.Context, now time.Time) ([]models.QueuedOperation, error)
	Update(ctx context.Context, id string, patch func(*models.QueuedOperation)) (*models.QueuedOperation, bool, error)
	Remove(ctx context.Context, id string) (bool, error)
	NextRetryTime(ctx context.Context) (int64, bool, error)
	RecoverInProgress(ctx context.Context) (int, error)
}

// Executor performs the remote call of one operation
type Executor interface {
	Dispatch(ctx context.Context, op models.QueuedOperation) error
}

// Availability reports cached connectivity
type Availability interface {
	IsAvailable() bool
}

// Options configures a Processor
type Options struct {
	Backoff   *queue.Backoff
	MinWakeup time.Duration
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// Status describes the processor for admin views
type Status struct {
	Running    bool       `json:"running"`
	NextWakeup *time.Time `json:"nextWakeup,omitempty"`
	LastPass   *time.Time `json:"lastPass,omitempty"`
	Completed  int        `json:"lastCompleted"`
}

// Processor runs processing passes over the queue
type Processor struct {
	queue    OperationStore
	executor Executor
	network  Availability
	bus      events.Publisher

	backoff   *queue.Backoff
	minWakeup time.Duration
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time

	// single-flight guard
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	timer         *time.Timer
	nextWakeup    time.Time
	lastPass      time.Time
	lastCompleted int
	stopped       bool
}

// New creates a processor. Triggered and scheduled passes run until Stop.
func New(store OperationStore, executor Executor, network Availability, bus events.Publisher, opts Options) *Processor {
	if opts.Backoff == nil {
		opts.Backoff = queue.NewBackoff(0, 0)
	}
	if opts.MinWakeup <= 0 {
		opts.MinWakeup = DefaultMinWakeup
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:     store,
		executor:  executor,
		network:   network,
		bus:       bus,
		backoff:   opts.Backoff,
		minWakeup: opts.MinWakeup,
		logger:    logging.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetClock replaces the time source (tests)
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Processor) online() bool {
	return p.network == nil || p.network.IsAvailable()
}

// TriggerProcessing starts a pass in the background and returns immediately
func (p *Processor) TriggerProcessing() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.Process(p.ctx, false)
	}()
}

// Stop cancels the scheduled wake-up and waits for triggered passes to return
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.nextWakeup = time.Time{}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Process runs one pass and returns how many operations completed. It returns 0
// at once while another pass is active, or while offline unless force is set.
func (p *Processor) Process(ctx context.Context, force bool) int {
	if !force && !p.online() {
		p.logger.Debug("processing skipped: offline")
		return 0
	}
	if !p.running.CompareAndSwap(false, true) {
		return 0
	}

	completed := p.pass(ctx, force)
	p.running.Store(false)

	p.scheduleWakeup(ctx)
	return completed
}

func (p *Processor) pass(ctx context.Context, force bool) int {
	p.cancelWakeup()

	start := p.now()
	p.publish(events.Event{Kind: events.QueueProcessingStarted})

	// Only one pass runs at a time, so anything still in progress was orphaned
	// by an earlier pass whose status write failed.
	if _, err := p.queue.RecoverInProgress(ctx); err != nil {
		logging.Failure(p.logger, err, "recover in-progress operations failed")
	}

	completed := 0
	ops, err := p.queue.Ready(ctx, start)
	if err != nil {
		logging.Failure(p.logger, err, "queue read failed")
	}
	if len(ops) > 0 {
		p.logger.Info("processing queue", slog.Int("ready", len(ops)), slog.Bool("force", force))
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if !force && !p.online() {
			p.logger.Warn("connectivity lost, stopping pass", slog.Int("completed", completed))
			break
		}
		if p.run(ctx, op) {
			completed++
		}
	}

	p.metrics.ObservePass(p.now().Sub(start), completed)
	p.mu.Lock()
	p.lastPass = start
	p.lastCompleted = completed
	p.mu.Unlock()

	p.publish(events.Event{Kind: events.QueueProcessingCompleted, Completed: completed})
	return completed
}

// run executes one operation and records the outcome. It reports success.
func (p *Processor) run(ctx context.Context, op models.QueuedOperation) bool {
	current, ok, err := p.queue.Update(ctx, op.ID, func(o *models.QueuedOperation) {
		o.Status = models.StatusInProgress
	})
	if err != nil {
		logging.Failure(p.logger, err, "mark operation in progress failed", slog.String("id", op.ID))
		return false
	}
	if !ok {
		return false
	}

	if err := p.executor.Dispatch(ctx, *current); err != nil {
		p.fail(ctx, *current, err)
		return false
	}

	done, ok, err := p.queue.Update(ctx, op.ID, func(o *models.QueuedOperation) {
		o.Status = models.StatusCompleted
		o.NextRetryTime = 0
		o.LastError = ""
	})
	if err != nil {
		logging.Failure(p.logger, err, "mark operation completed failed", slog.String("id", op.ID))
	}
	if !ok || done == nil {
		done = current
		done.Status = models.StatusCompleted
	}

	p.metrics.ObserveOperation(string(op.Type), "completed")
	p.logger.Info("operation completed", slog.String("id", op.ID), slog.String("type", string(op.Type)))
	p.publish(events.Event{Kind: events.OperationCompleted, Operation: done})

	if _, err := p.queue.Remove(ctx, op.ID); err != nil {
		logging.Failure(p.logger, err, "remove completed operation failed", slog.String("id", op.ID))
	}
	return true
}

// retryLimit returns how many retries a failure of err allows, or -1 when it is terminal
func retryLimit(op models.QueuedOperation, err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return -1
	case apperrors.KindAuthentication:
		if op.MaxRetries < authRetryLimit {
			return op.MaxRetries
		}
		return authRetryLimit
	default:
		return op.MaxRetries
	}
}

func (p *Processor) fail(ctx context.Context, op models.QueuedOperation, cause error) {
	logging.Failure(p.logger, cause, "operation failed",
		slog.String("id", op.ID),
		slog.String("type", string(op.Type)),
		slog.Int("retryCount", op.RetryCount))

	if limit := retryLimit(op, cause); op.RetryCount < limit {
		delay := p.backoff.Delay(op.RetryCount)
		if ra := apperrors.RetryAfter(cause); ra > delay {
			delay = ra
		}
		next := p.now().Add(delay).UnixMilli()
		_, _, err := p.queue.Update(ctx, op.ID, func(o *models.QueuedOperation) {
			o.Status = models.StatusRetry
			o.RetryCount++
			o.NextRetryTime = next
			o.LastError = cause.Error()
		})
		if err != nil {
			logging.Failure(p.logger, err, "schedule retry failed, returning operation to pending", slog.String("id", op.ID))
			if _, _, err := p.queue.Update(ctx, op.ID, func(o *models.QueuedOperation) {
				o.Status = models.StatusPending
			}); err != nil {
				logging.Failure(p.logger, err, "return operation to pending failed", slog.String("id", op.ID))
			}
			return
		}
		p.metrics.ObserveOperation(string(op.Type), "retry")
		p.logger.Info("operation scheduled for retry",
			slog.String("id", op.ID),
			slog.Int("retryCount", op.RetryCount+1),
			slog.Duration("delay", delay))
		return
	}

	failed, ok, err := p.queue.Update(ctx, op.ID, func(o *models.QueuedOperation) {
		o.Status = models.StatusFailed
		o.NextRetryTime = 0
		o.LastError = cause.Error()
	})
	if err != nil {
		logging.Failure(p.logger, err, "mark operation failed", slog.String("id", op.ID))
	}
	if !ok || failed == nil {
		failed = &op
		failed.Status = models.StatusFailed
		failed.LastError = cause.Error()
	}
	p.metrics.ObserveOperation(string(op.Type), "failed")
	p.publish(events.Event{Kind: events.OperationFailed, Operation: failed})
}

// scheduleWakeup arms a single timer for the soonest retry, at least minWakeup out
func (p *Processor) scheduleWakeup(ctx context.Context) {
	next, ok, err := p.queue.NextRetryTime(ctx)
	if err != nil {
		logging.Failure(p.logger, err, "read next retry time failed")
		return
	}
	if !ok {
		return
	}

	now := p.now()
	delay := time.UnixMilli(next).Sub(now)
	if delay < p.minWakeup {
		delay = p.minWakeup
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(delay, p.TriggerProcessing)
	p.nextWakeup = now.Add(delay)
	p.logger.Debug("wake-up scheduled", slog.Duration("in", delay))
}

func (p *Processor) cancelWakeup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.nextWakeup = time.Time{}
}

// Status returns a snapshot of the processor state
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{Running: p.running.Load(), Completed: p.lastCompleted}
	if !p.nextWakeup.IsZero() {
		t := p.nextWakeup
		s.NextWakeup = &t
	}
	if !p.lastPass.IsZero() {
		t := p.lastPass
		s.LastPass = &t
	}
	return s
}

func (p *Processor) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

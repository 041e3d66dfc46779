package messaging

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/circuitbreaker"
	"github.com/qahub/reputation-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION DISPATCHER
// Fire-and-forget hand-off of unlock notifications. The evaluator only pays
// for a channel send; delivery, retries and dead-lettering happen on workers.
// ══════════════════════════════════════════════════════════════════════════════

// Notification is one unlock notification in flight.
type Notification struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	QueuedAt      time.Time `json:"queued_at"`
}

// DispatcherObserver receives dispatcher outcomes. Implemented by the
// Prometheus collectors.
type DispatcherObserver interface {
	NotificationDropped(reason string)
	NotificationDelivered(took time.Duration)
	NotificationFailed()
	QueueDepth(name string, depth int)
}

type noopDispatcherObserver struct{}

func (noopDispatcherObserver) NotificationDropped(string)          {}
func (noopDispatcherObserver) NotificationDelivered(time.Duration) {}
func (noopDispatcherObserver) NotificationFailed()                 {}
func (noopDispatcherObserver) QueueDepth(string, int)              {}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// Workers is the number of concurrent delivery workers.
	Workers int

	// QueueSize bounds pending notifications. A full queue rejects new ones.
	QueueSize int

	// DeliveryTimeout bounds one delivery attempt.
	DeliveryTimeout time.Duration

	// DeadLetterQueueSize is the max size of the DLQ. Zero disables it.
	DeadLetterQueueSize int

	// Retrier retries failed deliveries. Defaults to retry.NotifierRetrier.
	Retrier *retry.Retrier

	Logger   *slog.Logger
	Observer DispatcherObserver
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:             4,
		QueueSize:           1000,
		DeliveryTimeout:     5 * time.Second,
		DeadLetterQueueSize: 1000,
	}
}

// Dispatcher implements achievement.Notifier on top of a downstream sink.
type Dispatcher struct {
	sink    achievement.Notifier
	queue   chan Notification
	config  DispatcherConfig
	retrier *retry.Retrier
	dlq     *DeadLetterQueue

	logger   *slog.Logger
	observer DispatcherObserver

	mu      sync.RWMutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ achievement.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher delivering to sink. Call Start to run
// the workers.
func NewDispatcher(sink achievement.Notifier, config DispatcherConfig) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Observer == nil {
		config.Observer = noopDispatcherObserver{}
	}
	if config.Retrier == nil {
		config.Retrier = retry.NotifierRetrier(isDeliveryRetryable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:     sink,
		queue:    make(chan Notification, config.QueueSize),
		config:   config,
		retrier:  config.Retrier,
		logger:   config.Logger.With("component", "notification_dispatcher"),
		observer: config.Observer,
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.DeadLetterQueueSize > 0 {
		d.dlq = NewDeadLetterQueue(config.DeadLetterQueueSize)
	}
	return d
}

// isDeliveryRetryable stops retrying once the breaker has opened.
func isDeliveryRetryable(err error) bool {
	if circuitbreaker.IsRejection(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// NotifyAchievementUnlocked queues a notification. It never blocks: a full
// queue returns shared.ErrNotificationQueueFull and the notification is lost.
func (d *Dispatcher) NotifyAchievementUnlocked(_ context.Context, userID, achievementID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.observer.NotificationDropped("closed")
		return ErrEventBusClosed
	}

	n := Notification{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
		QueuedAt:      time.Now().UTC(),
	}
	select {
	case d.queue <- n:
		d.observer.QueueDepth("notifications", len(d.queue))
		return nil
	default:
		d.observer.NotificationDropped("queue_full")
		return shared.ErrNotificationQueueFull
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start launches the delivery workers. It is a no-op when already started.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("notification dispatcher started", "workers", d.config.Workers, "queue_size", d.config.QueueSize)
}

// Stop stops accepting notifications and waits for the queue to drain or ctx
// to expire, whichever comes first. Undelivered notifications are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.cancel()
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-finished
		d.logger.Warn("notification dispatcher stopped before draining")
		return ctx.Err()
	}
}

// DeadLetterQueue returns the dead letter queue, or nil when disabled.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.dlq
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification delivery panicked",
				"notification_id", n.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			d.observer.NotificationFailed()
		}
	}()

	start := time.Now()
	attempts := 0
	err := d.retrier.Do(d.ctx, func(ctx context.Context) error {
		attempts++
		ctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
		defer cancel()
		return d.sink.NotifyAchievementUnlocked(ctx, n.UserID, n.AchievementID)
	})
	if err == nil {
		d.observer.NotificationDelivered(time.Since(start))
		return
	}

	d.observer.NotificationFailed()
	d.logger.Warn("notification delivery failed",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"achievement_id", n.AchievementID,
		"attempts", attempts,
		"error", err,
	)
	if d.dlq != nil {
		d.dlq.Add(DeadLetterEntry{
			Notification: n,
			Error:        err,
			Attempts:     attempts,
			FailedAt:     time.Now().UTC(),
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a notification that exhausted its retries.
type DeadLetterEntry struct {
	Notification Notification
	Error        error
	Attempts     int
	FailedAt     time.Time
}

// DeadLetterQueue keeps the most recent failed notifications for inspection.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		entries: make([]DeadLetterEntry, 0),
		maxSize: maxSize,
	}
}

// Add adds an entry, evicting the oldest at capacity.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

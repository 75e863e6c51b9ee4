package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/jobs"
)

type notificationStore interface {
	Create(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, id, recipientID string, readAt time.Time) error
	MarkAllRead(ctx context.Context, recipientID string, readAt time.Time) (int64, error)
}

type notificationTransport interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

type dispatchMetrics interface {
	NotificationDispatched(eventType string)
	NotificationDeduplicated(eventType string)
}

// DispatcherConfig tunes fan-out behaviour.
type DispatcherConfig struct {
	ChannelPrefix     string
	DedupTTL          time.Duration
	WorkerConcurrency int
	WorkerRetries     int
	RetryDelay        time.Duration
}

// NotificationDispatcher persists state-change notifications and fans them
// out to recipients over pub/sub. Callers invoke Dispatch exactly once per
// transition per distinct recipient; the dispatcher enforces that contract
// with an idempotency key so retried calls collapse to one delivery.
type NotificationDispatcher struct {
	store     notificationStore
	transport notificationTransport
	metrics   dispatchMetrics
	logger    *zap.Logger
	cfg       DispatcherConfig
	queue     *jobs.Queue
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*NotificationDispatcher)

// WithDispatchMetrics wires the dispatched/deduplicated counters.
func WithDispatchMetrics(metrics dispatchMetrics) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// NewNotificationDispatcher constructs the dispatcher and its worker queue.
func NewNotificationDispatcher(store notificationStore, transport notificationTransport, cfg DispatcherConfig, logger *zap.Logger, opts ...DispatcherOption) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "notify"
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	d := &NotificationDispatcher{
		store:     store,
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		metrics:   noopDispatchMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.queue = jobs.NewQueue("notifications", d.deliver, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return d
}

// Start begins background delivery workers.
func (d *NotificationDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains the delivery workers.
func (d *NotificationDispatcher) Stop() {
	d.queue.Stop()
}

type pushJob struct {
	Channel string
	Body    []byte
}

// Dispatch records the event for its recipient and queues the push. The
// idempotency key (recipient, subject, transition) makes a second call for
// the same logical transition a no-op.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, event models.Event) error {
	if event.RecipientID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "notification recipient is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.FormattedTimestamp == "" {
		event.FormattedTimestamp = event.OccurredAt.Format(time.RFC3339)
	}

	dedupKey := fmt.Sprintf("%s:dedup:%s:%s", d.cfg.ChannelPrefix, event.RecipientID, event.DedupKey())
	acquired, err := d.transport.SetNX(ctx, dedupKey, string(event.Type), d.cfg.DedupTTL)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve notification key")
	}
	if !acquired {
		d.metrics.NotificationDeduplicated(string(event.Type))
		d.logger.Debug("duplicate notification suppressed",
			zap.String("recipient", event.RecipientID),
			zap.String("dedup_key", event.DedupKey()))
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode notification")
	}

	notification := &models.Notification{
		RecipientID:   event.RecipientID,
		RecipientRole: event.RecipientRole,
		Type:          event.Type,
		SubjectID:     event.SubjectID,
		Transition:    event.Transition,
		Payload:       payload,
		CreatedAt:     event.OccurredAt,
	}
	if err := d.store.Create(ctx, notification); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist notification")
	}

	job := jobs.Job{
		ID:   notification.ID,
		Type: string(event.Type),
		Payload: pushJob{
			Channel: fmt.Sprintf("%s:%s", d.cfg.ChannelPrefix, event.RecipientID),
			Body:    payload,
		},
	}
	if err := d.queue.Enqueue(job); err != nil {
		// The durable feed row exists; the client picks it up on next sync.
		d.logger.Warn("failed to queue notification push", zap.Error(err), zap.String("notification_id", notification.ID))
	}

	d.metrics.NotificationDispatched(string(event.Type))
	return nil
}

func (d *NotificationDispatcher) deliver(ctx context.Context, job jobs.Job) error {
	push, ok := job.Payload.(pushJob)
	if !ok {
		d.logger.Error("unexpected notification job payload", zap.String("job_id", job.ID))
		return nil
	}
	if err := d.transport.Publish(ctx, push.Channel, push.Body); err != nil {
		return fmt.Errorf("publish notification %s: %w", job.ID, err)
	}
	return nil
}

// Feed returns the recipient's persisted notifications plus the unread count.
func (d *NotificationDispatcher) Feed(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error) {
	if filter.RecipientID == "" {
		return nil, 0, appErrors.ErrUnauthorized
	}
	notifications, err := d.store.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	unread, err := d.store.CountUnread(ctx, filter.RecipientID)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread notifications")
	}
	return notifications, unread, nil
}

// MarkRead acknowledges a single notification for the recipient.
func (d *NotificationDispatcher) MarkRead(ctx context.Context, id, recipientID string) error {
	if err := d.store.MarkRead(ctx, id, recipientID, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	return nil
}

// MarkAllRead acknowledges every unread notification for the recipient.
func (d *NotificationDispatcher) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	count, err := d.store.MarkAllRead(ctx, recipientID, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	return count, nil
}

type noopDispatchMetrics struct{}

func (noopDispatchMetrics) NotificationDispatched(string)   {}
func (noopDispatchMetrics) NotificationDeduplicated(string) {}

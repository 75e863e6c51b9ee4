package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

type notificationStoreStub struct {
	mu   sync.Mutex
	rows []*models.Notification
	seq  int
}

func (s *notificationStoreStub) Create(ctx context.Context, notification *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	notification.ID = fmt.Sprintf("notification-%d", s.seq)
	copy := *notification
	s.rows = append(s.rows, &copy)
	return nil
}

func (s *notificationStoreStub) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.Notification, 0)
	for _, row := range s.rows {
		if row.RecipientID != filter.RecipientID {
			continue
		}
		if filter.UnreadOnly && row.ReadAt != nil {
			continue
		}
		result = append(result, *row)
	}
	return result, nil
}

func (s *notificationStoreStub) CountUnread(ctx context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.rows {
		if row.RecipientID == recipientID && row.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *notificationStoreStub) MarkRead(ctx context.Context, id, recipientID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id && row.RecipientID == recipientID && row.ReadAt == nil {
			row.ReadAt = &readAt
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *notificationStoreStub) MarkAllRead(ctx context.Context, recipientID string, readAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, row := range s.rows {
		if row.RecipientID == recipientID && row.ReadAt == nil {
			row.ReadAt = &readAt
			count++
		}
	}
	return count, nil
}

type publishedMessage struct {
	Channel string
	Body    []byte
}

// transportStub emulates the redis SETNX/PUBLISH pair in memory.
type transportStub struct {
	mu        sync.Mutex
	keys      map[string]string
	published chan publishedMessage
}

func newTransportStub() *transportStub {
	return &transportStub{
		keys:      make(map[string]string),
		published: make(chan publishedMessage, 16),
	}
}

func (t *transportStub) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.keys[key]; exists {
		return false, nil
	}
	t.keys[key] = value
	return true, nil
}

func (t *transportStub) Publish(ctx context.Context, channel string, payload []byte) error {
	t.published <- publishedMessage{Channel: channel, Body: payload}
	return nil
}

type metricsRecorder struct {
	mu           sync.Mutex
	dispatched   int
	deduplicated int
}

func (m *metricsRecorder) NotificationDispatched(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched++
}

func (m *metricsRecorder) NotificationDeduplicated(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deduplicated++
}

func newDispatcherFixture() (*NotificationDispatcher, *notificationStoreStub, *transportStub, *metricsRecorder) {
	store := &notificationStoreStub{}
	transport := newTransportStub()
	metrics := &metricsRecorder{}
	dispatcher := NewNotificationDispatcher(store, transport, DispatcherConfig{
		ChannelPrefix:     "notify",
		DedupTTL:          time.Hour,
		WorkerConcurrency: 1,
	}, nil, WithDispatchMetrics(metrics))
	return dispatcher, store, transport, metrics
}

func acceptedEvent(recipientID string) models.Event {
	return models.Event{
		Type:          models.EventSessionAccepted,
		RecipientID:   recipientID,
		RecipientRole: models.RoleStudent,
		SubjectID:     "session-1",
		Transition:    "REQUESTED->ACCEPTED",
		OccurredAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherPersistsAndPublishes(t *testing.T) {
	dispatcher, store, transport, metrics := newDispatcherFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	require.NoError(t, dispatcher.Dispatch(ctx, acceptedEvent("student-1")))

	select {
	case msg := <-transport.published:
		require.Equal(t, "notify:student-1", msg.Channel)
		require.Contains(t, string(msg.Body), "REQUESTED->ACCEPTED")
	case <-time.After(2 * time.Second):
		t.Fatal("push was never published")
	}

	require.Len(t, store.rows, 1)
	require.Equal(t, 1, metrics.dispatched)
}

func TestDispatcherCollapsesDuplicateTransitions(t *testing.T) {
	dispatcher, store, _, metrics := newDispatcherFixture()
	ctx := context.Background()

	require.NoError(t, dispatcher.Dispatch(ctx, acceptedEvent("student-1")))
	require.NoError(t, dispatcher.Dispatch(ctx, acceptedEvent("student-1")))

	// Second call for the same (recipient, subject, transition) is a no-op.
	require.Len(t, store.rows, 1)
	require.Equal(t, 1, metrics.dispatched)
	require.Equal(t, 1, metrics.deduplicated)
}

func TestDispatcherFansOutPerRecipient(t *testing.T) {
	dispatcher, store, _, _ := newDispatcherFixture()
	ctx := context.Background()

	require.NoError(t, dispatcher.Dispatch(ctx, acceptedEvent("student-1")))
	require.NoError(t, dispatcher.Dispatch(ctx, acceptedEvent("lecturer-1")))

	// Same transition, distinct recipients: both get their own row.
	require.Len(t, store.rows, 2)
}

func TestDispatcherRequiresRecipient(t *testing.T) {
	dispatcher, _, _, _ := newDispatcherFixture()

	err := dispatcher.Dispatch(context.Background(), models.Event{
		Type:       models.EventSessionAccepted,
		SubjectID:  "session-1",
		Transition: "REQUESTED->ACCEPTED",
	})
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestDispatcherFeedAndAcknowledge(t *testing.T) {
	dispatcher, _, _, _ := newDispatcherFixture()
	ctx := context.Background()

	require.NoError(t, dispatcher.Dispatch(ctx, acceptedEvent("student-1")))
	rescheduled := acceptedEvent("student-1")
	rescheduled.Type = models.EventSessionRescheduled
	rescheduled.Transition = "RESCHEDULED:2026-03-10T10:00:00Z"
	require.NoError(t, dispatcher.Dispatch(ctx, rescheduled))

	feed, unread, err := dispatcher.Feed(ctx, models.NotificationFilter{RecipientID: "student-1"})
	require.NoError(t, err)
	require.Len(t, feed, 2)
	require.Equal(t, 2, unread)

	require.NoError(t, dispatcher.MarkRead(ctx, feed[0].ID, "student-1"))
	_, unread, err = dispatcher.Feed(ctx, models.NotificationFilter{RecipientID: "student-1"})
	require.NoError(t, err)
	require.Equal(t, 1, unread)

	// Acknowledging someone else's notification misses.
	err = dispatcher.MarkRead(ctx, feed[1].ID, "student-2")
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))

	count, err := dispatcher.MarkAllRead(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

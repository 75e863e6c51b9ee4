// Package realtime implements the subscriber side of the notification push:
// a per-user client that holds the pub/sub subscription, unifies the two
// delivery paths, and turns at-least-once transport into exactly-one UI
// effect per logical transition.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

// State is the client connection lifecycle.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Alert is the single user-visible notification produced per event.
type Alert struct {
	Title   string
	Message string
	Event   models.Event
}

// AlertHandler receives UI alerts. Called once per deduplicated event.
type AlertHandler func(Alert)

// Registrar registers the client's delivery address with the dispatcher.
// Registration must succeed before the client reports CONNECTED; a client
// whose address the dispatcher does not know would silently miss pushes.
type Registrar interface {
	Register(ctx context.Context, recipientID, address string) error
}

// ViewInvalidator drops cached views by key.
type ViewInvalidator interface {
	Invalidate(viewKey string)
}

type connectionMetrics interface {
	RealtimeConnected()
	RealtimeDisconnected()
	RealtimeEventHandled(eventType string)
}

// Config tunes one client instance.
type Config struct {
	RecipientID        string
	DeliveryAddress    string
	ChannelPrefix      string
	RegisterTimeout    time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "notify"
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 250 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Client subscribes to one recipient's push channel. Events arriving over
// the live subscription and over Forward (the background-relay path) land on
// the same internal bus and share one dedup set, so a transition delivered
// on both paths produces a single alert and a single view invalidation.
type Client struct {
	rdb         *redis.Client
	registrar   Registrar
	invalidator ViewInvalidator
	alerts      AlertHandler
	metrics     connectionMetrics
	logger      *zap.Logger
	cfg         Config

	mu    sync.Mutex
	state State
	seen  map[string]struct{}

	bus    chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the client.
type Option func(*Client)

// WithConnectionMetrics wires the connection gauge and event counter.
func WithConnectionMetrics(metrics connectionMetrics) Option {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithViewInvalidator wires the cached-view invalidation hook.
func WithViewInvalidator(invalidator ViewInvalidator) Option {
	return func(c *Client) {
		if invalidator != nil {
			c.invalidator = invalidator
		}
	}
}

// NewClient constructs a client. The alert handler is required; the zero
// invalidator and metrics are no-ops.
func NewClient(rdb *redis.Client, registrar Registrar, alerts AlertHandler, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	client := &Client{
		rdb:         rdb,
		registrar:   registrar,
		invalidator: noopInvalidator{},
		alerts:      alerts,
		metrics:     noopConnectionMetrics{},
		logger:      logger,
		cfg:         cfg,
		state:       StateDisconnected,
		seen:        make(map[string]struct{}),
		bus:         make(chan []byte, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev == state {
		return
	}
	if state == StateConnected {
		c.metrics.RealtimeConnected()
	}
	if prev == StateConnected {
		c.metrics.RealtimeDisconnected()
	}
	c.logger.Debug("realtime state changed",
		zap.String("recipient", c.cfg.RecipientID),
		zap.String("from", string(prev)),
		zap.String("to", string(state)))
}

// Start launches the subscription and consumer loops.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.connectLoop(ctx)
}

// Close tears the client down and waits for its goroutines.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
}

// Forward injects an event delivered by the background relay. It shares the
// subscription's bus and dedup set, so double delivery of the same
// transition collapses to one handling.
func (c *Client) Forward(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.bus <- payload:
		return nil
	}
}

func (c *Client) channel() string {
	return fmt.Sprintf("%s:%s", c.cfg.ChannelPrefix, c.cfg.RecipientID)
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		// Register first: reporting CONNECTED with an unregistered address
		// would mean silently missing pushes. Registration failure keeps the
		// client CONNECTING and retrying.
		regCtx, cancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
		err := c.registrar.Register(regCtx, c.cfg.RecipientID, c.cfg.DeliveryAddress)
		cancel()
		if err != nil {
			c.logger.Warn("delivery address registration failed",
				zap.Error(err), zap.String("recipient", c.cfg.RecipientID))
			if !c.sleep(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		pubsub := c.rdb.Subscribe(ctx, c.channel())
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("subscription failed", zap.Error(err), zap.String("channel", c.channel()))
			if !c.sleep(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		c.setState(StateConnected)
		attempt = 0
		c.pump(ctx, pubsub)
		_ = pubsub.Close()
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		if !c.sleep(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (c *Client) pump(ctx context.Context, pubsub *redis.PubSub) {
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case c.bus <- []byte(msg.Payload):
			}
		}
	}
}

// sleep waits the capped exponential backoff for the given attempt. It
// returns false when the context ended first.
func (c *Client) sleep(ctx context.Context, attempt int) bool {
	delay := c.cfg.ReconnectBaseDelay
	for i := 0; i < attempt && delay < c.cfg.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > c.cfg.ReconnectMaxDelay {
		delay = c.cfg.ReconnectMaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.bus:
			c.handle(payload)
		}
	}
}

func (c *Client) handle(payload []byte) {
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.Warn("undecodable push payload dropped", zap.Error(err))
		return
	}
	key := event.DedupKey()
	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		c.logger.Debug("duplicate push ignored", zap.String("key", key))
		return
	}
	c.seen[key] = struct{}{}
	c.mu.Unlock()

	for _, view := range viewsFor(event) {
		c.invalidator.Invalidate(view)
	}
	if c.alerts != nil {
		c.alerts(alertFor(event))
	}
	c.metrics.RealtimeEventHandled(string(event.Type))
}

// viewsFor maps an event type to the cached views it affects. Each type
// names its views explicitly; nothing triggers a blanket invalidation.
func viewsFor(event models.Event) []string {
	switch event.Type {
	case models.EventSessionRequested, models.EventSessionAccepted,
		models.EventSessionRejected, models.EventSessionRescheduled,
		models.EventSessionCancelled, models.EventSummarySubmitted,
		models.EventSummaryApproved:
		return []string{"guidance:list", "guidance:detail:" + event.SubjectID}
	case models.EventChainCreated, models.EventChainEscalated:
		return []string{"chains:detail:" + event.SubjectID}
	case models.EventChainApproved, models.EventChainRejected,
		models.EventChainRevoked:
		return []string{"chains:detail:" + event.SubjectID, "readiness:flags:" + event.SubjectID}
	}
	return nil
}

// alertFor renders the one user-visible alert for an event. Unknown types
// degrade to a generic alert rather than being dropped.
func alertFor(event models.Event) Alert {
	alert := Alert{Event: event}
	switch event.Type {
	case models.EventSessionRequested:
		alert.Title = "Guidance session requested"
		alert.Message = "A student requested a guidance session."
	case models.EventSessionAccepted:
		alert.Title = "Session accepted"
		alert.Message = "Your guidance session was accepted."
	case models.EventSessionRejected:
		alert.Title = "Session rejected"
		alert.Message = "Your guidance session was rejected."
	case models.EventSessionRescheduled:
		alert.Title = "Session rescheduled"
		alert.Message = "A guidance session was moved to a new date."
	case models.EventSessionCancelled:
		alert.Title = "Session cancelled"
		alert.Message = "A guidance session was cancelled."
	case models.EventSummarySubmitted:
		alert.Title = "Summary submitted"
		alert.Message = "A session summary is waiting for your approval."
	case models.EventSummaryApproved:
		alert.Title = "Summary approved"
		alert.Message = "Your session summary was approved."
	case models.EventChainCreated:
		alert.Title = "Approval requested"
		alert.Message = "A request is waiting for your decision."
	case models.EventChainApproved:
		alert.Title = "Request approved"
		alert.Message = "Your request was fully approved."
	case models.EventChainRejected:
		alert.Title = "Request rejected"
		alert.Message = "Your request was rejected."
	case models.EventChainEscalated:
		alert.Title = "Approval escalated"
		alert.Message = "A request now needs the department head's decision."
	case models.EventChainRevoked:
		alert.Title = "Approval revoked"
		alert.Message = "A previously granted approval was withdrawn."
	default:
		alert.Title = "Notification"
		alert.Message = "You have a new notification."
	}
	return alert
}

// RedisRegistrar records the delivery address in redis where the dispatcher
// looks it up. The key expires so stale tabs age out.
type RedisRegistrar struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistrar constructs a registrar.
func NewRedisRegistrar(rdb *redis.Client, prefix string, ttl time.Duration) *RedisRegistrar {
	if prefix == "" {
		prefix = "notify"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRegistrar{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Register stores the recipient's delivery address.
func (r *RedisRegistrar) Register(ctx context.Context, recipientID, address string) error {
	return r.rdb.Set(ctx, fmt.Sprintf("%s:address:%s", r.prefix, recipientID), address, r.ttl).Err()
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

type noopConnectionMetrics struct{}

func (noopConnectionMetrics) RealtimeConnected()          {}
func (noopConnectionMetrics) RealtimeDisconnected()       {}
func (noopConnectionMetrics) RealtimeEventHandled(string) {}

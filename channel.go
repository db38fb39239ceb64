package storesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState is the change channel's connection status.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ChannelConfig configures the websocket change channel.
type ChannelConfig struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/ws".
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token during the handshake.
	AuthToken string `yaml:"-"`

	// PingInterval between liveness pings. Default: 15s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// LivenessTimeout is how long the connection may stay silent before
	// it is declared dead. Default: 30s.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// WriteTimeout bounds control-frame writes. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxReconnectAttempts bounds automatic reconnection. Once
	// exhausted the channel stays down until ResetReconnect. Default: 10.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// Reconnect shapes the backoff between reconnection attempts.
	Reconnect RetryPolicy `yaml:"reconnect"`
}

// DefaultChannelConfig returns channel defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		PingInterval:         15 * time.Second,
		LivenessTimeout:      30 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxReconnectAttempts: 10,
		Reconnect:            DefaultRetryPolicy(),
	}
}

func (c ChannelConfig) normalized() ChannelConfig {
	def := DefaultChannelConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = def.LivenessTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return c
}

// EventHandler reacts to a dispatched change event. Handler failures
// are isolated: one failing handler never blocks the others.
type EventHandler func(ctx context.Context, event ChangeEvent) error

type registeredHandler struct {
	name     string
	priority int
	fn       EventHandler
}

// ChangeChannel maintains a websocket subscription to server-side
// change notifications and patches the local replica record by record.
// Events it cannot apply granularly invalidate the resource's delta
// cursor so the next sync cycle refetches the full listing.
type ChangeChannel struct {
	store  RecordStore
	config ChannelConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnectionState
	handlers       []registeredHandler
	stateListeners []func(ConnectionState)
	attempts       int
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChangeChannel creates a change channel that patches the given
// store.
func NewChangeChannel(store RecordStore, config ChannelConfig, logger *slog.Logger) *ChangeChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeChannel{
		store:  store,
		config: config.normalized(),
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *ChangeChannel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener invoked on every connection state
// transition.
func (c *ChangeChannel) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// RegisterHandler adds a named event handler. Higher priority runs
// first; ties run in registration order.
func (c *ChangeChannel) RegisterHandler(name string, priority int, fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registeredHandler{name: name, priority: priority, fn: fn})
	sort.SliceStable(c.handlers, func(i, j int) bool {
		return c.handlers[i].priority > c.handlers[j].priority
	})
}

// Connect dials the change channel and starts the read and ping loops.
// Lost connections reconnect automatically with backoff until the
// attempt budget runs out.
func (c *ChangeChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(ctx)
	}
	c.mu.Unlock()

	return c.dial()
}

func (c *ChangeChannel) dial() error {
	c.setState(StateConnecting)

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	conn, resp, err := c.dialer.DialContext(c.ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &TransportError{Kind: FailureNetwork, Op: "channel_dial", StatusCode: status, Cause: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Close tears down the channel permanently.
func (c *ChangeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
	return nil
}

// ResetReconnect zeroes the reconnection budget and, if disconnected,
// dials again. Called when the application learns connectivity is
// back (user action, OS network event).
func (c *ChangeChannel) ResetReconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.attempts = 0
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		return nil
	}
	return c.dial()
}

func (c *ChangeChannel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.LivenessTimeout))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		resetDeadline()

		var event ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil || event.Resource == "" || event.Kind == "" {
			c.logger.Warn("dropping malformed change message", "err", err)
			continue
		}

		c.dispatch(event)
	}
}

func (c *ChangeChannel) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read loop observes the broken connection and
				// drives the reconnect.
				_ = conn.Close()
				return
			}
		}
	}
}

// dispatch applies the built-in store patch, then runs registered
// handlers in priority order with failures isolated per handler.
func (c *ChangeChannel) dispatch(event ChangeEvent) {
	ctx := c.ctx

	if err := c.applyEvent(ctx, event); err != nil {
		c.logger.Warn("failed to apply change event",
			"resource", event.Resource, "kind", event.Kind, "err", err)
	}

	c.mu.Lock()
	handlers := make([]registeredHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		if err := c.runHandler(ctx, h, event); err != nil {
			c.logger.Warn("change handler failed",
				"handler", h.name, "resource", event.Resource, "kind", event.Kind, "err", err)
		}
	}
}

// runHandler invokes one handler, converting a panic into an error so
// a broken handler cannot take down the read loop.
func (c *ChangeChannel) runHandler(ctx context.Context, h registeredHandler, event ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.fn(ctx, event)
}

// applyEvent patches the local replica for one event. Updates carrying
// the full record patch that record alone; stale pushes (version not
// newer than local) are dropped. Bulk events clear the resource's
// delta cursor so the next cycle refetches everything.
func (c *ChangeChannel) applyEvent(ctx context.Context, event ChangeEvent) error {
	switch event.Kind {
	case ChangeUpdated:
		if event.Record == nil {
			return c.invalidate(ctx, event.Resource)
		}
		return c.patchRecord(ctx, event)

	case ChangeDeleted:
		serverTime := event.ServerTime
		if serverTime.IsZero() {
			serverTime = time.Now()
		}
		for _, id := range event.AffectedIDs {
			local, err := c.store.GetAny(ctx, event.Resource, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if local.Deleted {
				continue
			}
			// Same discipline as record patches: a pending local
			// mutation survives, and a delete older than the local
			// update is a stale push.
			if local.NeedsSync || !serverTime.After(local.UpdatedAt) {
				c.logger.Debug("ignoring stale delete push",
					"resource", event.Resource, "id", id, "dirty", local.NeedsSync)
				continue
			}
			if err := c.store.MarkDeleted(ctx, event.Resource, id); err != nil {
				return err
			}
		}
		return nil

	case ChangeBulk:
		return c.invalidate(ctx, event.Resource)

	default:
		c.logger.Warn("dropping change event of unknown kind", "kind", event.Kind)
		return nil
	}
}

func (c *ChangeChannel) patchRecord(ctx context.Context, event ChangeEvent) error {
	incoming := event.Record.Clone()
	incoming.Resource = event.Resource
	serverTime := event.ServerTime
	if serverTime.IsZero() {
		serverTime = time.Now()
	}

	local, err := c.store.GetAny(ctx, incoming.Resource, incoming.ID)
	if err == ErrNotFound {
		incoming.NeedsSync = false
		now := time.Now()
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		return c.store.Upsert(ctx, incoming)
	}
	if err != nil {
		return err
	}

	if !local.SupersededBy(incoming, serverTime) {
		c.logger.Debug("ignoring stale change push",
			"resource", incoming.Resource, "id", incoming.ID,
			"local_version", local.ServerVersion, "pushed_version", incoming.ServerVersion)
		return nil
	}

	incoming.NeedsSync = false
	incoming.CreatedAt = local.CreatedAt
	incoming.UpdatedAt = time.Now()
	return c.store.Upsert(ctx, incoming)
}

// invalidate drops the delta cursor for a resource so the next sync
// cycle fetches the full listing.
func (c *ChangeChannel) invalidate(ctx context.Context, resource ResourceType) error {
	return c.store.DeleteMeta(ctx, lastSyncKey(resource))
}

func (c *ChangeChannel) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if closed || c.ctx.Err() != nil {
		return
	}

	c.logger.Warn("change channel disconnected", "err", cause)
	go c.reconnect()
}

func (c *ChangeChannel) reconnect() {
	for {
		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.config.MaxReconnectAttempts {
			c.logger.Error("change channel reconnect budget exhausted",
				"attempts", attempt-1)
			return
		}

		backoff := c.config.Reconnect.Backoff(attempt)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("change channel reconnect failed",
				"attempt", attempt, "backoff", backoff, "err", err)
			continue
		}
		c.logger.Info("change channel reconnected", "attempt", attempt)
		return
	}
}

func (c *ChangeChannel) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	listeners := make([]func(ConnectionState), len(c.stateListeners))
	copy(listeners, c.stateListeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

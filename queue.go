package storesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionType enumerates the mutations the queue knows how to dispatch.
type ActionType string

const (
	ActionCartAdd        ActionType = "cart-add"
	ActionCartUpdate     ActionType = "cart-update"
	ActionCartClear      ActionType = "cart-clear"
	ActionOrderCreate    ActionType = "order-create"
	ActionFavoriteToggle ActionType = "favorite-toggle"
	ActionRecordUpdate   ActionType = "record-update"

	// ActionRequest is the generic method+endpoint+payload fallback for
	// mutation shapes the dispatch table does not recognize.
	ActionRequest ActionType = "request"
)

// ActionStatus tracks a queued action through its lifecycle.
// Transitions: pending -> processing -> {removed | pending | failed}.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionFailed     ActionStatus = "failed"
)

// QueuedAction is a durable intent to mutate server state, captured
// while the device is offline or a call fails.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`
	Status     ActionStatus    `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`

	// Resource and RecordID correlate the action with the local record
	// it mutates, so a confirmed ack can clear the record's dirty flag.
	// Empty for actions that do not map to a single record.
	Resource ResourceType `json:"resource,omitempty"`
	RecordID string       `json:"record_id,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`

	// NextAttemptAt delays the next dispatch for backoff. Zero means
	// eligible immediately.
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// ActionHandler dispatches one action through the transport. The
// default handler calls Transport.DispatchMutation; resource-specific
// handlers may be registered to override it.
type ActionHandler func(ctx context.Context, transport Transport, action QueuedAction) (*MutationAck, error)

// QueueConfig configures the offline action queue.
type QueueConfig struct {
	// MaxRetries bounds dispatch attempts per action. Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// Retry shapes the backoff between attempts.
	Retry RetryPolicy `yaml:"retry"`

	// FailedRetention is how long terminally failed actions are kept
	// for diagnostics before cleanup removes them. Default: 24h.
	FailedRetention time.Duration `yaml:"failed_retention"`
}

// DefaultQueueConfig returns queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:      5,
		Retry:           DefaultRetryPolicy(),
		FailedRetention: 24 * time.Hour,
	}
}

// ActionQueue is the durable FIFO of pending mutations. Draining is
// strictly sequential so dependent mutations (add to cart, then update
// quantity) reach the server in order.
type ActionQueue struct {
	store     RecordStore
	transport Transport
	config    QueueConfig
	breaker   *CircuitBreaker
	clock     Clock
	logger    *slog.Logger

	mu       sync.Mutex
	draining bool
	handlers map[ActionType]ActionHandler
}

// NewActionQueue creates an action queue backed by the given store.
func NewActionQueue(store RecordStore, transport Transport, config QueueConfig, logger *slog.Logger) *ActionQueue {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.FailedRetention <= 0 {
		config.FailedRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionQueue{
		store:     store,
		transport: transport,
		config:    config,
		breaker:   NewCircuitBreaker(5, 60*time.Second),
		clock:     SystemClock(),
		logger:    logger,
		handlers:  make(map[ActionType]ActionHandler),
	}
}

// SetClock injects a clock for tests.
func (q *ActionQueue) SetClock(clock Clock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

// RegisterHandler installs a resource-specific dispatch handler for an
// action type, replacing the generic DispatchMutation path.
func (q *ActionQueue) RegisterHandler(actionType ActionType, handler ActionHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[actionType] = handler
}

// Enqueue appends a mutation intent and returns its stable identifier.
func (q *ActionQueue) Enqueue(ctx context.Context, actionType ActionType, payload json.RawMessage) (string, error) {
	return q.EnqueueForRecord(ctx, actionType, payload, "", "")
}

// EnqueueForRecord appends a mutation intent correlated with a local
// record, so the record's dirty flag is cleared when the server acks.
func (q *ActionQueue) EnqueueForRecord(ctx context.Context, actionType ActionType, payload json.RawMessage, resource ResourceType, recordID string) (string, error) {
	action := QueuedAction{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    payload,
		Status:     ActionPending,
		MaxRetries: q.config.MaxRetries,
		Resource:   resource,
		RecordID:   recordID,
		EnqueuedAt: q.now(),
	}
	if err := q.store.SaveAction(ctx, action); err != nil {
		return "", err
	}
	return action.ID, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`

	// Failed counts actions that went terminally failed this pass.
	Failed int `json:"failed"`

	// Requeued counts actions left pending for a later pass.
	Requeued int `json:"requeued"`
}

// Drain processes pending actions strictly in FIFO order, one at a
// time. Re-entrant calls return ErrQueueDraining so no action is
// dispatched twice concurrently.
//
// A retryable failure leaves the action pending and stops the pass:
// dispatching later actions past a stalled one would reorder dependent
// mutations on the server. Terminal failures (retry exhaustion or a
// non-retryable error) are skipped over instead.
func (q *ActionQueue) Drain(ctx context.Context) (*DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, ErrQueueDraining
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	actions, err := q.store.LoadActions(ctx)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	now := q.now()

	for _, action := range actions {
		if action.Status == ActionFailed {
			continue
		}
		if action.NextAttemptAt.After(now) {
			result.Requeued++
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Attempted++

		action.Status = ActionProcessing
		if err := q.store.SaveAction(ctx, action); err != nil {
			return result, err
		}

		ack, dispatchErr := q.dispatch(ctx, action)
		if dispatchErr == nil {
			if err := q.store.DeleteAction(ctx, action.ID); err != nil {
				return result, err
			}
			q.acknowledge(ctx, action, ack)
			result.Succeeded++
			continue
		}

		action.RetryCount++
		action.ErrorMessage = dispatchErr.Error()

		if action.RetryCount >= action.MaxRetries || !IsRetryable(dispatchErr) {
			action.Status = ActionFailed
			if err := q.store.SaveAction(ctx, action); err != nil {
				return result, err
			}
			q.logger.Warn("queued action failed permanently",
				"action", action.Type, "id", action.ID,
				"retries", action.RetryCount, "err", dispatchErr)
			result.Failed++
			continue
		}

		action.Status = ActionPending
		action.NextAttemptAt = now.Add(q.config.Retry.Backoff(action.RetryCount))
		if err := q.store.SaveAction(ctx, action); err != nil {
			return result, err
		}
		result.Requeued++
		break
	}

	return result, nil
}

func (q *ActionQueue) dispatch(ctx context.Context, action QueuedAction) (*MutationAck, error) {
	q.mu.Lock()
	handler := q.handlers[action.Type]
	q.mu.Unlock()

	var ack *MutationAck
	err := q.breaker.Execute(func() error {
		var err error
		if handler != nil {
			ack, err = handler(ctx, q.transport, action)
		} else {
			ack, err = q.transport.DispatchMutation(ctx, action.Type, action.Payload)
		}
		return err
	})
	return ack, err
}

// acknowledge clears the dirty flag on the record an acked action
// mutated. Failure to update is logged, not escalated: the next sync
// cycle reconciles the record anyway.
func (q *ActionQueue) acknowledge(ctx context.Context, action QueuedAction, ack *MutationAck) {
	if ack == nil || action.Resource == "" || action.RecordID == "" {
		return
	}
	rec, err := q.store.GetAny(ctx, action.Resource, action.RecordID)
	if err != nil {
		return
	}
	rec.NeedsSync = false
	if ack.ServerVersion > rec.ServerVersion {
		rec.ServerVersion = ack.ServerVersion
	}
	if err := q.store.Upsert(ctx, rec); err != nil {
		q.logger.Warn("failed to clear dirty flag after ack",
			"resource", action.Resource, "id", action.RecordID, "err", err)
	}
}

// PendingCount returns the number of actions awaiting dispatch.
func (q *ActionQueue) PendingCount(ctx context.Context) (int, error) {
	actions, err := q.store.LoadActions(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, a := range actions {
		if a.Status != ActionFailed {
			n++
		}
	}
	return n, nil
}

// FailedActions returns terminally failed actions for diagnostics.
// They remain queryable until Cleanup prunes them.
func (q *ActionQueue) FailedActions(ctx context.Context) ([]QueuedAction, error) {
	actions, err := q.store.LoadActions(ctx)
	if err != nil {
		return nil, err
	}
	var failed []QueuedAction
	for _, a := range actions {
		if a.Status == ActionFailed {
			failed = append(failed, a)
		}
	}
	return failed, nil
}

// Cleanup removes terminally failed actions older than the retention
// window. Returns the number removed.
func (q *ActionQueue) Cleanup(ctx context.Context) (int, error) {
	actions, err := q.store.LoadActions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-q.config.FailedRetention)
	var removed int
	for _, a := range actions {
		if a.Status == ActionFailed && a.EnqueuedAt.Before(cutoff) {
			if err := q.store.DeleteAction(ctx, a.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (q *ActionQueue) now() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock.Now()
}

package storesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EngineSummary is a point-in-time view of the engine's health for
// diagnostics screens.
type EngineSummary struct {
	Online          bool            `json:"online"`
	Channel         ConnectionState `json:"channel"`
	SyncState       SyncState       `json:"sync_state"`
	PendingActions  int             `json:"pending_actions"`
	FailedActions   int             `json:"failed_actions"`
	Conflicts       int             `json:"conflicts"`
	Usage           StoreUsage      `json:"usage"`
	LastCycle       *CycleResult    `json:"last_cycle,omitempty"`
	RetainedBackups int             `json:"retained_backups"`
}

// Engine is the facade over the sync machinery: a local replica the
// application reads from, an action queue it writes through, a
// periodic reconciliation loop, and a live change channel. All reads
// are served locally; the network is only ever touched by the queue
// and the orchestrator.
type Engine struct {
	config    Config
	logger    *slog.Logger
	store     RecordStore
	transport Transport
	backend   BlobBackend
	ledger    *Ledger
	queue     *ActionQueue
	channel   *ChangeChannel
	orch      *SyncOrchestrator

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires an engine from configuration. An empty Store.Path
// keeps the replica in memory; an empty Channel.URL disables the
// change channel and relies on periodic sync alone.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	encryptor, err := NewEncryptor(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to set up encryption: %w", err)
	}

	var store RecordStore
	if cfg.Store.Path == "" {
		store = NewMemoryStore(cfg.Store.CapacityBytes)
	} else {
		sqliteStore, err := NewSQLiteStore(cfg.Store, encryptor, logger)
		if err != nil {
			return nil, err
		}
		store = sqliteStore
		// Snapshot blobs must stay decryptable across restarts too, so
		// the ledger shares the store's salt-resolved encryptor.
		encryptor = sqliteStore.Encryptor()
	}

	backend, err := newArchiveBackend(cfg.Archive)
	if err != nil {
		store.Close()
		return nil, err
	}

	ledger, err := NewLedger(backend, encryptor, cfg.Ledger, logger)
	if err != nil {
		store.Close()
		backend.Close()
		return nil, err
	}

	transport := NewHTTPTransport(cfg.Transport, nil)
	queue := NewActionQueue(store, transport, cfg.Queue, logger)
	orch := NewSyncOrchestrator(store, transport, queue, ledger, cfg.Sync, logger)

	var channel *ChangeChannel
	if cfg.Channel.URL != "" {
		channel = NewChangeChannel(store, cfg.Channel, logger)
	}

	return &Engine{
		config:    cfg,
		logger:    logger,
		store:     store,
		transport: transport,
		backend:   backend,
		ledger:    ledger,
		queue:     queue,
		channel:   channel,
		orch:      orch,
	}, nil
}

// Start launches the periodic sync loop, the failed-action cleanup
// loop, and the change channel. A channel that cannot connect is
// logged and retried in the background; it never blocks startup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.orch.Start(loopCtx)

	e.wg.Add(1)
	go e.cleanupLoop(loopCtx)

	if e.channel != nil {
		if err := e.channel.Connect(loopCtx); err != nil {
			e.logger.Warn("change channel unavailable at startup", "err", err)
		}
	}

	e.logger.Info("sync engine started",
		"role", e.config.Sync.Role,
		"interval", e.config.Sync.Interval,
		"channel", e.channel != nil)
	return nil
}

// Stop shuts the engine down and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.orch.Stop()
	if e.channel != nil {
		_ = e.channel.Close()
	}
	e.wg.Wait()

	var firstErr error
	if err := e.store.Close(); err != nil {
		firstErr = err
	}
	if err := e.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("sync engine stopped")
	return firstErr
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := e.queue.Cleanup(ctx); err != nil {
				e.logger.Warn("failed-action cleanup failed", "err", err)
			} else if removed > 0 {
				e.logger.Debug("removed expired failed actions", "count", removed)
			}
		}
	}
}

// Get returns a live record from the local replica. Tombstoned and
// unknown records return ErrNotFound.
func (e *Engine) Get(ctx context.Context, resource ResourceType, id string) (Record, error) {
	return e.store.Get(ctx, resource, id)
}

// List returns all live records of a type from the local replica.
func (e *Engine) List(ctx context.Context, resource ResourceType) ([]Record, error) {
	return e.store.ListLive(ctx, resource)
}

// RecordFilter selects records in filtered listing reads.
type RecordFilter func(Record) bool

// ListFiltered returns live records of a type matching the filter,
// evaluated against the local replica. A nil filter matches
// everything.
func (e *Engine) ListFiltered(ctx context.Context, resource ResourceType, filter RecordFilter) ([]Record, error) {
	recs, err := e.store.ListLive(ctx, resource)
	if err != nil || filter == nil {
		return recs, err
	}
	matched := recs[:0]
	for _, rec := range recs {
		if filter(rec) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// Put writes a record locally and queues its mutation for the server.
// The write is visible immediately; the dirty flag clears once the
// server acknowledges.
func (e *Engine) Put(ctx context.Context, resource ResourceType, id string, payload json.RawMessage) (Record, error) {
	now := time.Now()

	rec, err := e.store.GetAny(ctx, resource, id)
	switch err {
	case nil:
		rec.Payload = append(json.RawMessage(nil), payload...)
		rec.Deleted = false
		rec.LocalVersion++
		rec.NeedsSync = true
		rec.UpdatedAt = now
	case ErrNotFound:
		rec = Record{
			ID:           id,
			Resource:     resource,
			Payload:      append(json.RawMessage(nil), payload...),
			LocalVersion: 1,
			NeedsSync:    true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	default:
		return Record{}, err
	}

	if err := e.store.Upsert(ctx, rec); err != nil {
		return Record{}, err
	}

	body, err := json.Marshal(struct {
		Resource ResourceType    `json:"resource"`
		ID       string          `json:"id"`
		Payload  json.RawMessage `json:"payload"`
		Version  int64           `json:"server_version"`
	}{resource, id, rec.Payload, rec.ServerVersion})
	if err != nil {
		return Record{}, err
	}
	if _, err := e.queue.EnqueueForRecord(ctx, ActionRecordUpdate, body, resource, id); err != nil {
		return Record{}, err
	}

	e.drainSoon()
	return rec, nil
}

// Delete tombstones a record locally and queues the deletion.
func (e *Engine) Delete(ctx context.Context, resource ResourceType, id string) error {
	if err := e.store.MarkDeleted(ctx, resource, id); err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		Resource ResourceType `json:"resource"`
		ID       string       `json:"id"`
		Deleted  bool         `json:"deleted"`
	}{resource, id, true})
	if err != nil {
		return err
	}
	if _, err := e.queue.EnqueueForRecord(ctx, ActionRecordUpdate, body, resource, id); err != nil {
		return err
	}

	e.drainSoon()
	return nil
}

// EnqueueAction queues an ad-hoc mutation (cart operations, order
// placement) that does not map onto a single stored record.
func (e *Engine) EnqueueAction(ctx context.Context, actionType ActionType, payload json.RawMessage) (string, error) {
	id, err := e.queue.Enqueue(ctx, actionType, payload)
	if err != nil {
		return "", err
	}
	e.drainSoon()
	return id, nil
}

// drainSoon pushes queued mutations in the background when online.
// Re-entrant drains are refused by the queue itself.
func (e *Engine) drainSoon() {
	if !e.orch.Online() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.queue.Drain(ctx); err != nil && err != ErrQueueDraining {
			e.logger.Warn("background queue drain failed", "err", err)
		}
	}()
}

// SyncNow runs a reconciliation cycle immediately.
func (e *Engine) SyncNow(ctx context.Context) (*CycleResult, error) {
	return e.orch.SyncNow(ctx)
}

// SetOnline flips connectivity. Going online drains the queue, resets
// the channel's reconnect budget, and kicks a sync cycle.
func (e *Engine) SetOnline(online bool) {
	e.orch.SetOnline(online)
	if !online {
		return
	}

	if e.channel != nil {
		if err := e.channel.ResetReconnect(); err != nil && err != ErrChannelClosed {
			e.logger.Warn("change channel reconnect failed", "err", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.config.Sync.CycleTimeout)
		defer cancel()
		if _, err := e.orch.SyncNow(ctx); err != nil {
			switch err {
			case ErrSyncInProgress, ErrOffline, ErrClosed:
			default:
				e.logger.Warn("sync after reconnect failed", "err", err)
			}
		}
	}()
}

// Online reports connectivity as last set.
func (e *Engine) Online() bool {
	return e.orch.Online()
}

// OnConnectionStateChange registers a listener for change channel
// state transitions. No-op without a configured channel.
func (e *Engine) OnConnectionStateChange(fn func(ConnectionState)) {
	if e.channel != nil {
		e.channel.OnStateChange(fn)
	}
}

// OnChange registers a change-event handler. No-op without a
// configured channel.
func (e *Engine) OnChange(name string, priority int, fn EventHandler) {
	if e.channel != nil {
		e.channel.RegisterHandler(name, priority, fn)
	}
}

// Conflicts returns unresolved version conflicts.
func (e *Engine) Conflicts() []ConflictRecord {
	return e.ledger.Conflicts()
}

// Snapshots returns retained snapshots, newest first.
func (e *Engine) Snapshots() []Snapshot {
	return e.ledger.Snapshots()
}

// Summary assembles a diagnostic view of the engine.
func (e *Engine) Summary(ctx context.Context) (*EngineSummary, error) {
	usage, err := e.store.Usage(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := e.queue.FailedActions(ctx)
	if err != nil {
		return nil, err
	}

	summary := &EngineSummary{
		Online:          e.orch.Online(),
		Channel:         StateDisconnected,
		SyncState:       e.orch.State(),
		PendingActions:  pending,
		FailedActions:   len(failed),
		Conflicts:       e.ledger.ConflictCount(),
		Usage:           usage,
		LastCycle:       e.orch.LastCycle(),
		RetainedBackups: len(e.ledger.Snapshots()),
	}
	if e.channel != nil {
		summary.Channel = e.channel.State()
	}
	return summary, nil
}

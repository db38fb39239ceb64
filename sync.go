package storesync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// SyncState is the orchestrator's cycle state.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "syncing"
)

// CycleOutcome classifies a finished sync cycle.
type CycleOutcome string

const (
	// CycleSuccess means every resource type reconciled cleanly.
	CycleSuccess CycleOutcome = "success"

	// CyclePartial means at least one type failed but the others were
	// applied and kept.
	CyclePartial CycleOutcome = "partial"

	// CycleError means every type failed and the store was rolled back
	// to the pre-cycle snapshot.
	CycleError CycleOutcome = "error"
)

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	// Interval between periodic cycles. Default: 60s.
	Interval time.Duration `yaml:"interval"`

	// Cooldown after a finished cycle during which SyncNow returns the
	// previous result instead of starting a new cycle. Default: 5s.
	Cooldown time.Duration `yaml:"cooldown"`

	// CycleTimeout bounds one full cycle. Default: 2m.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	// PageLimit is the page size for full listings. Default: 100.
	PageLimit int `yaml:"page_limit"`

	// Role gates which resource types are synced.
	Role SessionRole `yaml:"role"`

	// TombstoneRetention is how long deletion markers are kept before a
	// clean cycle prunes them. Default: 7 days.
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`

	// Snapshot enables a pre-cycle snapshot so a total failure can be
	// rolled back. Default: true (DefaultSyncConfig).
	Snapshot bool `yaml:"snapshot"`
}

// DefaultSyncConfig returns orchestrator defaults for a customer
// session.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:           60 * time.Second,
		Cooldown:           5 * time.Second,
		CycleTimeout:       2 * time.Minute,
		PageLimit:          100,
		Role:               RoleCustomer,
		TombstoneRetention: 7 * 24 * time.Hour,
		Snapshot:           true,
	}
}

func (c SyncConfig) normalized() SyncConfig {
	def := DefaultSyncConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = def.CycleTimeout
	}
	if c.PageLimit <= 0 {
		c.PageLimit = def.PageLimit
	}
	if c.Role == "" {
		c.Role = def.Role
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = def.TombstoneRetention
	}
	return c
}

// SyncResult reports the reconciliation of one resource type within a
// cycle. Types fail independently; one failed type never blocks the
// others.
type SyncResult struct {
	Resource  ResourceType  `json:"resource"`
	Success   bool          `json:"success"`
	Delta     bool          `json:"delta"`
	Fetched   int           `json:"fetched"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Deleted   int           `json:"deleted"`
	Purged    int           `json:"purged"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Outcome    CycleOutcome  `json:"outcome"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Results    []SyncResult  `json:"results"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	RolledBack bool          `json:"rolled_back"`
	QueueDrain *DrainResult  `json:"queue_drain,omitempty"`
}

// SyncOrchestrator drives full reconciliation cycles: drain the action
// queue, snapshot, fetch and merge every resource type for the session
// role, then converge deletions. At most one cycle runs at a time.
type SyncOrchestrator struct {
	store     RecordStore
	transport Transport
	queue     *ActionQueue
	ledger    *Ledger
	config    SyncConfig
	logger    *slog.Logger
	clock     Clock

	mu           sync.Mutex
	state        SyncState
	online       bool
	closed       bool
	lastCycle    *CycleResult
	lastCycleEnd time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncOrchestrator creates an orchestrator. The ledger is optional;
// without it cycles run without snapshot protection or conflict
// tracking.
func NewSyncOrchestrator(store RecordStore, transport Transport, queue *ActionQueue, ledger *Ledger, config SyncConfig, logger *slog.Logger) *SyncOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncOrchestrator{
		store:     store,
		transport: transport,
		queue:     queue,
		ledger:    ledger,
		config:    config.normalized(),
		logger:    logger,
		clock:     SystemClock(),
		state:     SyncIdle,
		online:    true,
	}
}

// SetClock injects a clock for tests.
func (o *SyncOrchestrator) SetClock(clock Clock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = clock
}

// SetOnline flips connectivity. Cycles refuse to start while offline.
func (o *SyncOrchestrator) SetOnline(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online = online
}

// Online reports current connectivity as last set.
func (o *SyncOrchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// State returns the current cycle state.
func (o *SyncOrchestrator) State() SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastCycle returns the most recent cycle result, or nil before the
// first cycle.
func (o *SyncOrchestrator) LastCycle() *CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCycle
}

// Start launches the periodic sync loop.
func (o *SyncOrchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil || o.closed {
		o.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.syncLoop(loopCtx)
}

// Stop halts the periodic loop and waits for an in-flight cycle.
func (o *SyncOrchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.closed = true
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

func (o *SyncOrchestrator) syncLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SyncNow(ctx); err != nil {
				switch err {
				case ErrOffline, ErrSyncInProgress:
					// Expected while disconnected or busy.
				default:
					o.logger.Error("periodic sync cycle failed", "err", err)
				}
			}
		}
	}
}

// SyncNow runs one full cycle. It returns ErrOffline when
// disconnected and ErrSyncInProgress when a cycle is already running.
// A request landing inside the cooldown window returns the previous
// cycle's result without contacting the server.
func (o *SyncOrchestrator) SyncNow(ctx context.Context) (*CycleResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if !o.online {
		o.mu.Unlock()
		return nil, ErrOffline
	}
	if o.state == SyncRunning {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	if o.lastCycle != nil && o.clock.Now().Sub(o.lastCycleEnd) < o.config.Cooldown {
		last := o.lastCycle
		o.mu.Unlock()
		return last, nil
	}
	o.state = SyncRunning
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.config.CycleTimeout)
	defer cancel()

	result := o.runCycle(ctx)

	o.mu.Lock()
	o.state = SyncIdle
	o.lastCycle = result
	o.lastCycleEnd = o.clock.Now()
	o.mu.Unlock()

	return result, nil
}

func (o *SyncOrchestrator) runCycle(ctx context.Context) *CycleResult {
	start := o.now()
	cycle := &CycleResult{StartedAt: start}

	// Local mutations go out first so the fetch below reflects them.
	if o.queue != nil {
		drain, err := o.queue.Drain(ctx)
		if err != nil && err != ErrQueueDraining {
			o.logger.Warn("queue drain before sync failed", "err", err)
		}
		cycle.QueueDrain = drain
	}

	var snapshotID string
	if o.config.Snapshot && o.ledger != nil {
		snap, err := o.ledger.CreateSnapshot(ctx, "pre-sync", o.store)
		if err != nil {
			o.logger.Warn("pre-sync snapshot failed, cycle runs without rollback", "err", err)
		} else {
			snapshotID = snap.ID
		}
	}

	resources := ResourcesFor(o.config.Role)
	results := make([]SyncResult, len(resources))

	var wg sync.WaitGroup
	for i, resource := range resources {
		wg.Add(1)
		go func(i int, resource ResourceType) {
			defer wg.Done()
			results[i] = o.syncResource(ctx, resource)
		}(i, resource)
	}
	wg.Wait()

	cycle.Results = results
	for _, r := range results {
		if r.Success {
			cycle.Succeeded++
		} else {
			cycle.Failed++
		}
	}

	switch {
	case cycle.Failed == 0:
		cycle.Outcome = CycleSuccess
	case cycle.Succeeded > 0:
		cycle.Outcome = CyclePartial
	default:
		cycle.Outcome = CycleError
		if snapshotID != "" {
			if err := o.ledger.RestoreSnapshot(ctx, snapshotID, o.store); err != nil {
				o.logger.Error("rollback after failed cycle failed", "snapshot", snapshotID, "err", err)
			} else {
				cycle.RolledBack = true
				o.logger.Warn("sync cycle failed entirely, store rolled back", "snapshot", snapshotID)
			}
		}
	}

	if cycle.Outcome == CycleSuccess {
		cutoff := o.now().Add(-o.config.TombstoneRetention)
		if pruned, err := o.store.PruneTombstones(ctx, cutoff); err != nil {
			o.logger.Warn("tombstone prune failed", "err", err)
		} else if pruned > 0 {
			o.logger.Debug("pruned tombstones", "count", pruned)
		}
	}

	if cycle.Outcome != CycleError {
		if err := o.store.SetMeta(ctx, metaLastCycleTime, strconv.FormatInt(o.now().UnixNano(), 10)); err != nil {
			o.logger.Warn("failed to persist cycle time", "err", err)
		}
	}

	cycle.Duration = o.now().Sub(start)
	o.logger.Info("sync cycle finished",
		"outcome", cycle.Outcome,
		"succeeded", cycle.Succeeded,
		"failed", cycle.Failed,
		"rolled_back", cycle.RolledBack,
		"duration", cycle.Duration)
	return cycle
}

// syncResource reconciles one resource type. It prefers a delta fetch
// when a cursor exists and falls back to a full listing with purge
// when the server declines the delta.
func (o *SyncOrchestrator) syncResource(ctx context.Context, resource ResourceType) SyncResult {
	start := o.now()
	result := SyncResult{Resource: resource}

	fetched, err := o.fetch(ctx, resource)
	if err != nil {
		result.Error = err.Error()
		result.Duration = o.now().Sub(start)
		o.logger.Warn("resource sync failed", "resource", resource, "err", err)
		return result
	}

	result.Delta = fetched.IsDelta
	result.Fetched = len(fetched.Items)

	if err := o.apply(ctx, resource, fetched, &result); err != nil {
		result.Error = err.Error()
		result.Duration = o.now().Sub(start)
		o.logger.Warn("resource merge failed", "resource", resource, "err", err)
		return result
	}

	cursor := fetched.ServerTime
	if cursor.IsZero() {
		cursor = o.now()
	}
	if err := o.store.SetMeta(ctx, lastSyncKey(resource), strconv.FormatInt(cursor.UnixNano(), 10)); err != nil {
		o.logger.Warn("failed to persist sync cursor", "resource", resource, "err", err)
	}

	result.Success = true
	result.Duration = o.now().Sub(start)
	return result
}

// fetch retrieves the server state for a resource: a delta when a
// cursor is available, otherwise a full paginated listing.
func (o *SyncOrchestrator) fetch(ctx context.Context, resource ResourceType) (*FetchResult, error) {
	if since, ok := o.lastSync(ctx, resource); ok {
		res, err := o.transport.FetchDelta(ctx, resource, since)
		if err != nil {
			return nil, err
		}
		if res.IsDelta {
			return res, nil
		}
		// Server declined the delta; what came back is a full listing.
	}
	return o.fetchFull(ctx, resource)
}

func (o *SyncOrchestrator) fetchFull(ctx context.Context, resource ResourceType) (*FetchResult, error) {
	combined := &FetchResult{}
	params := FetchParams{Limit: o.config.PageLimit}

	for {
		page, err := o.transport.FetchResource(ctx, resource, params)
		if err != nil {
			return nil, err
		}
		combined.Items = append(combined.Items, page.Items...)
		combined.DeletedIDs = append(combined.DeletedIDs, page.DeletedIDs...)
		combined.ServerTime = page.ServerTime
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	return combined, nil
}

// apply merges fetched state into the store. Incoming records are
// compared against local state explicitly; a record with a pending
// local mutation keeps its payload unless the server copy is strictly
// newer. After a full listing, live records absent from the listing
// are tombstoned, except ones still awaiting sync.
func (o *SyncOrchestrator) apply(ctx context.Context, resource ResourceType, fetched *FetchResult, result *SyncResult) error {
	serverTime := fetched.ServerTime
	if serverTime.IsZero() {
		serverTime = o.now()
	}

	for _, incoming := range fetched.Items {
		incoming.Resource = resource
		applied, conflict, err := o.mergeRecord(ctx, incoming, serverTime)
		if err != nil {
			return err
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
		if conflict {
			result.Conflicts++
		}
	}

	for _, id := range fetched.DeletedIDs {
		applied, conflict, err := o.applyDeletion(ctx, resource, id, serverTime)
		if err != nil {
			return fmt.Errorf("failed to apply deletion of %s/%s: %w", resource, id, err)
		}
		if applied {
			result.Deleted++
		}
		if conflict {
			result.Conflicts++
		}
	}

	if !fetched.IsDelta {
		serverLive := make(map[string]bool, len(fetched.Items))
		for _, rec := range fetched.Items {
			if !rec.Deleted {
				serverLive[rec.ID] = true
			}
		}
		local, err := o.store.ListLive(ctx, resource)
		if err != nil {
			return err
		}
		// Dirty records survive the purge; their mutations have not
		// reached the server yet.
		surviving := make([]string, 0, len(local))
		for _, rec := range local {
			if serverLive[rec.ID] || rec.NeedsSync {
				surviving = append(surviving, rec.ID)
			} else {
				result.Purged++
			}
		}
		if err := o.store.Purge(ctx, resource, surviving); err != nil {
			return err
		}
	}

	return nil
}

// mergeRecord applies one incoming record under last-write-wins.
// Returns whether the incoming copy was applied and whether a conflict
// with a pending local mutation was detected.
func (o *SyncOrchestrator) mergeRecord(ctx context.Context, incoming Record, serverTime time.Time) (applied, conflict bool, err error) {
	local, err := o.store.GetAny(ctx, incoming.Resource, incoming.ID)
	if err == ErrNotFound {
		if incoming.Deleted {
			return false, false, nil
		}
		incoming.NeedsSync = false
		now := o.now()
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		return true, false, o.store.Upsert(ctx, incoming)
	}
	if err != nil {
		return false, false, err
	}

	conflict = local.NeedsSync && incoming.ServerVersion != local.ServerVersion
	if conflict && o.ledger != nil {
		o.ledger.RecordConflict(incoming.Resource, incoming.ID, local.ServerVersion, incoming.ServerVersion)
	}

	if !local.SupersededBy(incoming, serverTime) {
		return false, conflict, nil
	}

	if incoming.Deleted {
		if err := o.store.MarkDeleted(ctx, incoming.Resource, incoming.ID); err != nil {
			return false, conflict, err
		}
	} else {
		incoming.NeedsSync = false
		incoming.CreatedAt = local.CreatedAt
		incoming.UpdatedAt = o.now()
		if err := o.store.Upsert(ctx, incoming); err != nil {
			return false, conflict, err
		}
	}

	if conflict && o.ledger != nil {
		o.ledger.ResolveConflict(incoming.Resource, incoming.ID)
	}
	return true, conflict, nil
}

// applyDeletion tombstones one server-deleted record under the same
// comparison discipline as record patches: a dirty record is never
// deleted out from under its pending mutation, and a deletion whose
// server time does not postdate the local update is stale and dropped.
func (o *SyncOrchestrator) applyDeletion(ctx context.Context, resource ResourceType, id string, serverTime time.Time) (applied, conflict bool, err error) {
	local, err := o.store.GetAny(ctx, resource, id)
	if err == ErrNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if local.Deleted {
		return false, false, nil
	}
	if local.NeedsSync {
		// The deleted server copy carries no version; zero marks it
		// unknown in the conflict record.
		if o.ledger != nil {
			o.ledger.RecordConflict(resource, id, local.ServerVersion, 0)
		}
		return false, true, nil
	}
	if !serverTime.After(local.UpdatedAt) {
		return false, false, nil
	}
	return true, false, o.store.MarkDeleted(ctx, resource, id)
}

// lastSync reads the persisted delta cursor for a resource.
func (o *SyncOrchestrator) lastSync(ctx context.Context, resource ResourceType) (time.Time, bool) {
	val, err := o.store.GetMeta(ctx, lastSyncKey(resource))
	if err != nil || val == "" {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func (o *SyncOrchestrator) now() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clock.Now()
}

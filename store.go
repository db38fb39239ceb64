package storesync

import (
	"context"
	"time"
)

// RecordStore is the durable local replica of server-owned records.
// It is the single shared mutable resource of the engine; the queue,
// orchestrator, and change channel mutate it only through these
// operations.
//
// Read accessors never return tombstoned records; reconciliation logic
// uses GetAny to see them.
type RecordStore interface {
	// Get returns the live record, or ErrNotFound if the record is
	// absent or tombstoned.
	Get(ctx context.Context, resource ResourceType, id string) (Record, error)

	// GetAny returns the record including tombstones. Used by
	// reconciliation, never by presentation-facing reads.
	GetAny(ctx context.Context, resource ResourceType, id string) (Record, error)

	// ListLive returns all non-tombstoned records of a type. Order is
	// unspecified. Storage read failures degrade to an empty result
	// with a logged error rather than failing a render path.
	ListLive(ctx context.Context, resource ResourceType) ([]Record, error)

	// Upsert inserts or replaces a record. UpdatedAt is set to now;
	// CreatedAt of an existing record is preserved.
	Upsert(ctx context.Context, rec Record) error

	// MarkDeleted sets the tombstone flag without erasing the payload.
	MarkDeleted(ctx context.Context, resource ResourceType, id string) error

	// Purge tombstones every record of the type whose id is not in
	// survivingIDs. Used after full-listing fetches to converge on
	// server-side deletions.
	Purge(ctx context.Context, resource ResourceType, survivingIDs []string) error

	// PruneTombstones permanently removes tombstoned records whose
	// deletion is older than the cutoff. Returns the number removed.
	PruneTombstones(ctx context.Context, cutoff time.Time) (int, error)

	// Export captures the entire record state for a snapshot.
	Export(ctx context.Context) ([]Record, error)

	// ImportReplace replaces the entire record state verbatim, used to
	// restore a snapshot after a failed sync cycle.
	ImportReplace(ctx context.Context, recs []Record) error

	// Usage reports the stored-bytes estimate and the configured
	// capacity ceiling. Exceeding capacity is reported, never enforced
	// by eviction.
	Usage(ctx context.Context) (StoreUsage, error)

	// SaveAction persists a queued action (insert or update in place).
	SaveAction(ctx context.Context, action QueuedAction) error

	// DeleteAction removes a queued action after confirmed success.
	DeleteAction(ctx context.Context, id string) error

	// LoadActions returns all persisted actions in enqueue order.
	LoadActions(ctx context.Context) ([]QueuedAction, error)

	// GetMeta and SetMeta access the scalar coordination keyspace
	// (last-sync cursors and similar).
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error

	// Close releases storage resources.
	Close() error
}

// StoreUsage reports storage size diagnostics.
type StoreUsage struct {
	// UsedBytes is an estimate of total stored bytes.
	UsedBytes int64 `json:"used_bytes"`

	// CapacityBytes is the configured ceiling. Zero means unlimited.
	CapacityBytes int64 `json:"capacity_bytes"`

	// OverCapacity is true when UsedBytes exceeds CapacityBytes.
	OverCapacity bool `json:"over_capacity"`

	RecordCount int64 `json:"record_count"`
	ActionCount int64 `json:"action_count"`
}

// Meta keys used by the engine.
const (
	metaLastSyncPrefix = "last_sync/" // per-resource delta cursor
	metaLastCycleTime  = "last_cycle_time"

	// metaEncryptionSalt holds the hex-encoded key-derivation salt,
	// persisted at first open so a password-derived key can be rebuilt
	// after restart. The salt is not secret; only the password is.
	metaEncryptionSalt = "encryption_salt"
)

func lastSyncKey(resource ResourceType) string {
	return metaLastSyncPrefix + string(resource)
}

package storesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// ConflictRecord tracks a per-record version conflict awaiting
// resolution: a server version arrived for a record that also carries
// an unacknowledged local mutation.
type ConflictRecord struct {
	ID            string       `json:"id"`
	Resource      ResourceType `json:"resource"`
	RecordID      string       `json:"record_id"`
	LocalVersion  int64        `json:"local_version"`
	ServerVersion int64        `json:"server_version"`
	DetectedAt    time.Time    `json:"detected_at"`
}

// Snapshot describes an immutable point-in-time copy of the record
// store, taken before a sync cycle so a catastrophic failure can be
// rolled back.
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	RecordCount int       `json:"record_count"`
	SizeBytes   int64     `json:"size_bytes"`
	Compressed  bool      `json:"compressed"`
	Encrypted   bool      `json:"encrypted"`

	// BlobKey locates the snapshot blob in the backend.
	BlobKey string `json:"blob_key"`
}

// LedgerConfig configures the conflict & snapshot ledger.
type LedgerConfig struct {
	// RetentionCount is the number of snapshots to retain. Default: 5.
	RetentionCount int `yaml:"retention_count"`

	// Compression enables snappy compression of snapshot blobs.
	// Default: true (DefaultLedgerConfig).
	Compression bool `yaml:"compression"`
}

// DefaultLedgerConfig returns ledger defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RetentionCount: 5,
		Compression:    true,
	}
}

const ledgerManifestKey = "snapshots/manifest.json"

// ledgerManifest is the persisted snapshot history.
type ledgerManifest struct {
	Snapshots []Snapshot `json:"snapshots"`
}

// Ledger owns ConflictRecord and Snapshot state. Snapshot blobs live
// in a BlobBackend (memory, local file, or S3 for off-device
// archival); conflicts are kept in memory, surfaced through the sync
// summary, and resolved by the last-write-wins policy.
type Ledger struct {
	backend   BlobBackend
	encryptor *Encryptor
	config    LedgerConfig
	logger    *slog.Logger

	mu        sync.RWMutex
	manifest  ledgerManifest
	conflicts map[string]ConflictRecord // keyed by resource + "/" + record id
}

// NewLedger creates a ledger over the given blob backend. The
// encryptor is optional; when set, snapshot blobs are encrypted.
func NewLedger(backend BlobBackend, encryptor *Encryptor, config LedgerConfig, logger *slog.Logger) (*Ledger, error) {
	if config.RetentionCount <= 0 {
		config.RetentionCount = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		backend:   backend,
		encryptor: encryptor,
		config:    config,
		logger:    logger,
		conflicts: make(map[string]ConflictRecord),
	}

	if err := l.loadManifest(context.Background()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load snapshot manifest: %w", err)
		}
	}

	return l, nil
}

func (l *Ledger) loadManifest(ctx context.Context) error {
	data, err := l.backend.Read(ctx, ledgerManifestKey)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &l.manifest)
}

func (l *Ledger) saveManifestLocked(ctx context.Context) error {
	data, err := json.Marshal(l.manifest)
	if err != nil {
		return err
	}
	return l.backend.Write(ctx, ledgerManifestKey, data)
}

// CreateSnapshot captures the store's entire record state under the
// given name and returns the snapshot descriptor. Older snapshots
// beyond the retention count are pruned.
func (l *Ledger) CreateSnapshot(ctx context.Context, name string, store RecordStore) (*Snapshot, error) {
	recs, err := store.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot export: %w", err)
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("snapshot encode: %w", err)
	}

	snap := Snapshot{
		ID:          uuid.NewString(),
		Name:        name,
		CreatedAt:   time.Now(),
		RecordCount: len(recs),
	}
	snap.BlobKey = "snapshots/" + snap.ID + ".snap"

	if l.config.Compression {
		data = snappy.Encode(nil, data)
		snap.Compressed = true
	}
	if l.encryptor != nil {
		data, err = l.encryptor.Encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("snapshot encrypt: %w", err)
		}
		snap.Encrypted = true
	}
	snap.SizeBytes = int64(len(data))

	if err := l.backend.Write(ctx, snap.BlobKey, data); err != nil {
		return nil, fmt.Errorf("snapshot write: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifest.Snapshots = append(l.manifest.Snapshots, snap)
	l.pruneLocked(ctx)
	if err := l.saveManifestLocked(ctx); err != nil {
		l.logger.Warn("failed to persist snapshot manifest", "err", err)
	}
	return &snap, nil
}

// RestoreSnapshot replaces the store's record state with the snapshot
// contents, verbatim.
func (l *Ledger) RestoreSnapshot(ctx context.Context, id string, store RecordStore) error {
	snap, ok := l.findSnapshot(id)
	if !ok {
		return ErrSnapshotNotFound
	}

	data, err := l.backend.Read(ctx, snap.BlobKey)
	if err != nil {
		return fmt.Errorf("snapshot read: %w", err)
	}

	if snap.Encrypted {
		if l.encryptor == nil {
			return fmt.Errorf("snapshot %s is encrypted but no encryptor configured", id)
		}
		data, err = l.encryptor.Decrypt(data)
		if err != nil {
			return fmt.Errorf("snapshot decrypt: %w", err)
		}
	}
	if snap.Compressed {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("snapshot decompress: %w", err)
		}
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("snapshot decode: %w", err)
	}

	return store.ImportReplace(ctx, recs)
}

// DiscardSnapshot removes a snapshot and its blob.
func (l *Ledger) DiscardSnapshot(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, snap := range l.manifest.Snapshots {
		if snap.ID == id {
			if err := l.backend.Delete(ctx, snap.BlobKey); err != nil {
				l.logger.Warn("failed to delete snapshot blob", "id", id, "err", err)
			}
			l.manifest.Snapshots = append(l.manifest.Snapshots[:i], l.manifest.Snapshots[i+1:]...)
			return l.saveManifestLocked(ctx)
		}
	}
	return ErrSnapshotNotFound
}

// Snapshots returns the retained snapshots, newest first.
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Snapshot, len(l.manifest.Snapshots))
	copy(out, l.manifest.Snapshots)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (l *Ledger) findSnapshot(id string) (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, snap := range l.manifest.Snapshots {
		if snap.ID == id {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// pruneLocked drops the oldest snapshots beyond the retention count.
func (l *Ledger) pruneLocked(ctx context.Context) {
	if len(l.manifest.Snapshots) <= l.config.RetentionCount {
		return
	}
	sort.Slice(l.manifest.Snapshots, func(i, j int) bool {
		return l.manifest.Snapshots[i].CreatedAt.Before(l.manifest.Snapshots[j].CreatedAt)
	})
	excess := len(l.manifest.Snapshots) - l.config.RetentionCount
	for _, snap := range l.manifest.Snapshots[:excess] {
		if err := l.backend.Delete(ctx, snap.BlobKey); err != nil {
			l.logger.Warn("failed to delete pruned snapshot blob", "id", snap.ID, "err", err)
		}
	}
	l.manifest.Snapshots = l.manifest.Snapshots[excess:]
}

func conflictKey(resource ResourceType, recordID string) string {
	return string(resource) + "/" + recordID
}

// RecordConflict notes a version conflict for a record. A newer
// conflict for the same record replaces the old entry.
func (l *Ledger) RecordConflict(resource ResourceType, recordID string, localVersion, serverVersion int64) ConflictRecord {
	conflict := ConflictRecord{
		ID:            uuid.NewString(),
		Resource:      resource,
		RecordID:      recordID,
		LocalVersion:  localVersion,
		ServerVersion: serverVersion,
		DetectedAt:    time.Now(),
	}

	l.mu.Lock()
	l.conflicts[conflictKey(resource, recordID)] = conflict
	l.mu.Unlock()

	l.logger.Info("version conflict recorded",
		"resource", resource, "id", recordID,
		"local_version", localVersion, "server_version", serverVersion)
	return conflict
}

// ResolveConflict removes a conflict after the losing version has been
// discarded.
func (l *Ledger) ResolveConflict(resource ResourceType, recordID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conflicts, conflictKey(resource, recordID))
}

// Conflicts returns the unresolved conflicts, oldest first.
func (l *Ledger) Conflicts() []ConflictRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ConflictRecord, 0, len(l.conflicts))
	for _, c := range l.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// ConflictCount returns the number of unresolved conflicts.
func (l *Ledger) ConflictCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conflicts)
}

package storesync

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite record store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string `yaml:"path"`

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int `yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections
	MaxConnections int `yaml:"max_connections"`

	// CapacityBytes is the diagnostic storage ceiling. Exceeding it is
	// reported through Usage, not enforced. Default: 2 GiB.
	CapacityBytes int64 `yaml:"capacity_bytes"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           "storesync.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
		CapacityBytes:  2 << 30,
	}
}

// SQLiteStore implements RecordStore using SQLite. Records, the action
// queue, and the meta keyspace share one database file so the local
// replica survives restarts as a unit.
type SQLiteStore struct {
	db        *sql.DB
	config    SQLiteStoreConfig
	encryptor *Encryptor
	logger    *slog.Logger
	mu        sync.RWMutex
	closed    bool

	// Prepared statements for hot paths
	selectStmt   *sql.Stmt
	upsertStmt   *sql.Stmt
	tombstone    *sql.Stmt
	listLiveStmt *sql.Stmt
	saveAction   *sql.Stmt
	deleteAction *sql.Stmt
	getMetaStmt  *sql.Stmt
	setMetaStmt  *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed record
// store. The encryptor is optional; when set, record payloads are
// encrypted at rest.
func NewSQLiteStore(config SQLiteStoreConfig, encryptor *Encryptor, logger *slog.Logger) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "storesync.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.CapacityBytes <= 0 {
		config.CapacityBytes = 2 << 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:        db,
		config:    config,
		encryptor: encryptor,
		logger:    logger,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	if err := store.resolveEncryptionSalt(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve encryption salt: %w", err)
	}

	return store, nil
}

// resolveEncryptionSalt pins the key-derivation salt to the database.
// On first open the encryptor's fresh salt is persisted; on reopen the
// key is re-derived from the stored salt, so the same password keeps
// decrypting records written by earlier processes.
func (s *SQLiteStore) resolveEncryptionSalt() error {
	if s.encryptor == nil {
		return nil
	}
	ctx := context.Background()

	stored, err := s.GetMeta(ctx, metaEncryptionSalt)
	if err != nil {
		return err
	}
	if stored != "" {
		salt, err := hex.DecodeString(stored)
		if err != nil {
			return fmt.Errorf("stored salt is corrupt: %w", err)
		}
		resolved, err := s.encryptor.withSalt(salt)
		if err != nil {
			return err
		}
		s.encryptor = resolved
		return nil
	}
	if salt := s.encryptor.Salt(); len(salt) > 0 {
		return s.SetMeta(ctx, metaEncryptionSalt, hex.EncodeToString(salt))
	}
	return nil
}

// Encryptor returns the store's resolved encryptor, reflecting the
// persisted salt when the key is password-derived. Components sharing
// encrypted state with the store (snapshot blobs) must use it instead
// of the encryptor passed to NewSQLiteStore.
func (s *SQLiteStore) Encryptor() *Encryptor {
	return s.encryptor
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Local replica of server-owned records, wrapped with sync metadata
		CREATE TABLE IF NOT EXISTS records (
			resource TEXT NOT NULL,
			id TEXT NOT NULL,
			payload BLOB,
			server_version INTEGER NOT NULL DEFAULT 0,
			local_version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			needs_sync INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (resource, id)
		);

		-- Durable FIFO queue of pending mutations
		CREATE TABLE IF NOT EXISTS actions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			action_type TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			record_id TEXT NOT NULL DEFAULT '',
			error_message TEXT,
			enqueued_at INTEGER NOT NULL,
			next_attempt_at INTEGER NOT NULL DEFAULT 0
		);

		-- Scalar coordination values (delta cursors, cycle bookkeeping)
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_resource ON records(resource, deleted);
		CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
		CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.selectStmt, err = s.db.Prepare(`
		SELECT payload, server_version, local_version, deleted, needs_sync, created_at, updated_at
		FROM records WHERE resource = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}

	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO records (resource, id, payload, server_version, local_version, deleted, needs_sync, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource, id) DO UPDATE SET
			payload = excluded.payload,
			server_version = excluded.server_version,
			local_version = excluded.local_version,
			deleted = excluded.deleted,
			needs_sync = excluded.needs_sync,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.tombstone, err = s.db.Prepare(`
		UPDATE records SET deleted = 1, needs_sync = 0, updated_at = ? WHERE resource = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare tombstone statement: %w", err)
	}

	s.listLiveStmt, err = s.db.Prepare(`
		SELECT id, payload, server_version, local_version, needs_sync, created_at, updated_at
		FROM records WHERE resource = ? AND deleted = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.saveAction, err = s.db.Prepare(`
		INSERT INTO actions (id, action_type, payload, status, retry_count, max_retries, resource, record_id, error_message, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			next_attempt_at = excluded.next_attempt_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare action statement: %w", err)
	}

	s.deleteAction, err = s.db.Prepare(`DELETE FROM actions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare action delete statement: %w", err)
	}

	s.getMetaStmt, err = s.db.Prepare(`SELECT value FROM meta WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare meta select statement: %w", err)
	}

	s.setMetaStmt, err = s.db.Prepare(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare meta upsert statement: %w", err)
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) encodePayload(payload json.RawMessage) ([]byte, error) {
	if s.encryptor == nil || len(payload) == 0 {
		return payload, nil
	}
	return s.encryptor.Encrypt(payload)
}

func (s *SQLiteStore) decodePayload(data []byte) (json.RawMessage, error) {
	if s.encryptor == nil || len(data) == 0 {
		return data, nil
	}
	return s.encryptor.Decrypt(data)
}

// Get returns the live record, or ErrNotFound if absent or tombstoned.
func (s *SQLiteStore) Get(ctx context.Context, resource ResourceType, id string) (Record, error) {
	rec, err := s.GetAny(ctx, resource, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// GetAny returns the record including tombstones.
func (s *SQLiteStore) GetAny(ctx context.Context, resource ResourceType, id string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	var (
		payload              []byte
		serverVer, localVer  int64
		deleted, needsSync   int
		createdAt, updatedAt int64
	)
	err := s.selectStmt.QueryRowContext(ctx, string(resource), id).Scan(
		&payload, &serverVer, &localVer, &deleted, &needsSync, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, newStoreError("get", resource, id, err)
	}

	decoded, err := s.decodePayload(payload)
	if err != nil {
		return Record{}, newStoreError("get", resource, id, err)
	}

	return Record{
		ID:            id,
		Resource:      resource,
		Payload:       decoded,
		ServerVersion: serverVer,
		LocalVersion:  localVer,
		Deleted:       deleted != 0,
		NeedsSync:     needsSync != 0,
		CreatedAt:     time.Unix(0, createdAt),
		UpdatedAt:     time.Unix(0, updatedAt),
	}, nil
}

// ListLive returns all non-tombstoned records of a type. Read failures
// degrade to an empty result with a logged error so a rendering path
// never sees a storage exception.
func (s *SQLiteStore) ListLive(ctx context.Context, resource ResourceType) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.listLiveStmt.QueryContext(ctx, string(resource))
	if err != nil {
		s.logger.Error("record list failed, returning empty result", "resource", resource, "err", err)
		return nil, nil
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			id                   string
			payload              []byte
			serverVer, localVer  int64
			needsSync            int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&id, &payload, &serverVer, &localVer, &needsSync, &createdAt, &updatedAt); err != nil {
			s.logger.Error("record scan failed, returning empty result", "resource", resource, "err", err)
			return nil, nil
		}
		decoded, err := s.decodePayload(payload)
		if err != nil {
			s.logger.Error("record decode failed, skipping", "resource", resource, "id", id, "err", err)
			continue
		}
		recs = append(recs, Record{
			ID:            id,
			Resource:      resource,
			Payload:       decoded,
			ServerVersion: serverVer,
			LocalVersion:  localVer,
			NeedsSync:     needsSync != 0,
			CreatedAt:     time.Unix(0, createdAt),
			UpdatedAt:     time.Unix(0, updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("record iteration failed, returning empty result", "resource", resource, "err", err)
		return nil, nil
	}
	return recs, nil
}

// Upsert inserts or replaces a record, preserving CreatedAt of an
// existing row and stamping UpdatedAt.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now()
	createdAt := now
	if existing, err := s.GetAny(ctx, rec.Resource, rec.ID); err == nil {
		createdAt = existing.CreatedAt
	}

	payload, err := s.encodePayload(rec.Payload)
	if err != nil {
		return newStoreError("upsert", rec.Resource, rec.ID, err)
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	needsSync := 0
	if rec.NeedsSync {
		needsSync = 1
	}

	_, err = s.upsertStmt.ExecContext(ctx,
		string(rec.Resource), rec.ID, payload,
		rec.ServerVersion, rec.LocalVersion, deleted, needsSync,
		createdAt.UnixNano(), now.UnixNano())
	if err != nil {
		return newStoreError("upsert", rec.Resource, rec.ID, err)
	}
	return nil
}

// MarkDeleted sets the tombstone flag without erasing the payload.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, resource ResourceType, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.tombstone.ExecContext(ctx, time.Now().UnixNano(), string(resource), id)
	if err != nil {
		return newStoreError("mark_deleted", resource, id, err)
	}
	return nil
}

// Purge tombstones every record of the type not present in survivingIDs.
func (s *SQLiteStore) Purge(ctx context.Context, resource ResourceType, survivingIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	surviving := make(map[string]struct{}, len(survivingIDs))
	for _, id := range survivingIDs {
		surviving[id] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records WHERE resource = ? AND deleted = 0`, string(resource))
	if err != nil {
		return newStoreError("purge", resource, "", err)
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return newStoreError("purge", resource, "", err)
		}
		if _, ok := surviving[id]; !ok {
			doomed = append(doomed, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return newStoreError("purge", resource, "", err)
	}

	now := time.Now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("purge", resource, "", err)
	}
	defer tx.Rollback()

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET deleted = 1, needs_sync = 0, updated_at = ? WHERE resource = ? AND id = ?`,
			now, string(resource), id); err != nil {
			return newStoreError("purge", resource, id, err)
		}
	}
	return tx.Commit()
}

// PruneTombstones permanently removes tombstoned records older than cutoff.
func (s *SQLiteStore) PruneTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE deleted = 1 AND updated_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, newStoreError("prune", "", "", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Export captures the entire record state, including tombstones.
func (s *SQLiteStore) Export(ctx context.Context) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, id, payload, server_version, local_version, deleted, needs_sync, created_at, updated_at
		FROM records ORDER BY resource, id
	`)
	if err != nil {
		return nil, newStoreError("export", "", "", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			resource, id         string
			payload              []byte
			serverVer, localVer  int64
			deleted, needsSync   int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&resource, &id, &payload, &serverVer, &localVer, &deleted, &needsSync, &createdAt, &updatedAt); err != nil {
			return nil, newStoreError("export", "", "", err)
		}
		decoded, err := s.decodePayload(payload)
		if err != nil {
			return nil, newStoreError("export", ResourceType(resource), id, err)
		}
		recs = append(recs, Record{
			ID:            id,
			Resource:      ResourceType(resource),
			Payload:       decoded,
			ServerVersion: serverVer,
			LocalVersion:  localVer,
			Deleted:       deleted != 0,
			NeedsSync:     needsSync != 0,
			CreatedAt:     time.Unix(0, createdAt),
			UpdatedAt:     time.Unix(0, updatedAt),
		})
	}
	return recs, rows.Err()
}

// ImportReplace replaces the entire record state verbatim.
func (s *SQLiteStore) ImportReplace(ctx context.Context, recs []Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("import", "", "", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return newStoreError("import", "", "", err)
	}

	for _, rec := range recs {
		payload, err := s.encodePayload(rec.Payload)
		if err != nil {
			return newStoreError("import", rec.Resource, rec.ID, err)
		}
		deleted := 0
		if rec.Deleted {
			deleted = 1
		}
		needsSync := 0
		if rec.NeedsSync {
			needsSync = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (resource, id, payload, server_version, local_version, deleted, needs_sync, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(rec.Resource), rec.ID, payload,
			rec.ServerVersion, rec.LocalVersion, deleted, needsSync,
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano()); err != nil {
			return newStoreError("import", rec.Resource, rec.ID, err)
		}
	}
	return tx.Commit()
}

// Usage reports stored-bytes estimate against the configured ceiling.
func (s *SQLiteStore) Usage(ctx context.Context) (StoreUsage, error) {
	if err := s.checkOpen(); err != nil {
		return StoreUsage{}, err
	}

	usage := StoreUsage{CapacityBytes: s.config.CapacityBytes}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM records`)
	var payloadBytes int64
	if err := row.Scan(&usage.RecordCount, &payloadBytes); err != nil {
		return StoreUsage{}, newStoreError("usage", "", "", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`)
	if err := row.Scan(&usage.ActionCount); err != nil {
		return StoreUsage{}, newStoreError("usage", "", "", err)
	}

	// Page-level size is the authoritative estimate; fall back to
	// payload bytes if the pragma is unavailable.
	usage.UsedBytes = payloadBytes
	row = s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)
	var dbSize int64
	if err := row.Scan(&dbSize); err == nil && dbSize > 0 {
		usage.UsedBytes = dbSize
	}

	usage.OverCapacity = usage.CapacityBytes > 0 && usage.UsedBytes > usage.CapacityBytes
	return usage, nil
}

// SaveAction persists a queued action, inserting or updating in place.
func (s *SQLiteStore) SaveAction(ctx context.Context, action QueuedAction) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.saveAction.ExecContext(ctx,
		action.ID, string(action.Type), []byte(action.Payload),
		string(action.Status), action.RetryCount, action.MaxRetries,
		string(action.Resource), action.RecordID,
		action.ErrorMessage, action.EnqueuedAt.UnixNano(), action.NextAttemptAt.UnixNano())
	if err != nil {
		return newStoreError("save_action", "", action.ID, err)
	}
	return nil
}

// DeleteAction removes a queued action after confirmed success.
func (s *SQLiteStore) DeleteAction(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteAction.ExecContext(ctx, id); err != nil {
		return newStoreError("delete_action", "", id, err)
	}
	return nil
}

// LoadActions returns all persisted actions in enqueue order.
func (s *SQLiteStore) LoadActions(ctx context.Context) ([]QueuedAction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_type, payload, status, retry_count, max_retries, resource, record_id, error_message, enqueued_at, next_attempt_at
		FROM actions ORDER BY seq
	`)
	if err != nil {
		return nil, newStoreError("load_actions", "", "", err)
	}
	defer rows.Close()

	var actions []QueuedAction
	for rows.Next() {
		var (
			a                  QueuedAction
			actionType, status string
			resource           string
			payload            []byte
			enqueuedAt, nextAt int64
		)
		if err := rows.Scan(&a.ID, &actionType, &payload, &status, &a.RetryCount, &a.MaxRetries, &resource, &a.RecordID, &a.ErrorMessage, &enqueuedAt, &nextAt); err != nil {
			return nil, newStoreError("load_actions", "", "", err)
		}
		a.Type = ActionType(actionType)
		a.Status = ActionStatus(status)
		a.Resource = ResourceType(resource)
		a.Payload = payload
		a.EnqueuedAt = time.Unix(0, enqueuedAt)
		a.NextAttemptAt = time.Unix(0, nextAt)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetMeta returns the stored value, or empty string if unset.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := s.getMetaStmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", newStoreError("get_meta", "", key, err)
	}
	return value, nil
}

// SetMeta stores a scalar coordination value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.setMetaStmt.ExecContext(ctx, key, value); err != nil {
		return newStoreError("set_meta", "", key, err)
	}
	return nil
}

// DeleteMeta removes a scalar coordination value.
func (s *SQLiteStore) DeleteMeta(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return newStoreError("delete_meta", "", key, err)
	}
	return nil
}

// Close releases the database and prepared statements.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.selectStmt, s.upsertStmt, s.tombstone, s.listLiveStmt,
		s.saveAction, s.deleteAction, s.getMetaStmt, s.setMetaStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}

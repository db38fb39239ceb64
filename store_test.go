package storesync

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]RecordStore {
	t.Helper()

	cfg := DefaultSQLiteStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "replica.db")
	sqlite, err := NewSQLiteStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	memory := NewMemoryStore(0)
	t.Cleanup(func() { memory.Close() })

	return map[string]RecordStore{
		"sqlite": sqlite,
		"memory": memory,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, store, Record{
				ID:            "p-1",
				Resource:      ResourceProducts,
				Payload:       rawPayload(`{"name":"espresso beans"}`),
				ServerVersion: 3,
			})

			rec, err := store.Get(ctx, ResourceProducts, "p-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(rec.Payload, rawPayload(`{"name":"espresso beans"}`)) {
				t.Errorf("payload mismatch: %s", rec.Payload)
			}
			if rec.ServerVersion != 3 {
				t.Errorf("expected server version 3, got %d", rec.ServerVersion)
			}

			if _, err := store.Get(ctx, ResourceProducts, "missing"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound for missing record, got %v", err)
			}

			live, err := store.ListLive(ctx, ResourceProducts)
			if err != nil {
				t.Fatalf("ListLive failed: %v", err)
			}
			if len(live) != 1 {
				t.Errorf("expected 1 live record, got %d", len(live))
			}
		})
	}
}

func TestStoreUpsertPreservesCreatedAt(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, store, Record{ID: "c-1", Resource: ResourceCarts, Payload: rawPayload(`{}`)})

			first, err := store.GetAny(ctx, ResourceCarts, "c-1")
			if err != nil {
				t.Fatalf("GetAny failed: %v", err)
			}

			time.Sleep(5 * time.Millisecond)
			mustUpsert(t, store, Record{ID: "c-1", Resource: ResourceCarts, Payload: rawPayload(`{"qty":2}`)})

			second, err := store.GetAny(ctx, ResourceCarts, "c-1")
			if err != nil {
				t.Fatalf("GetAny failed: %v", err)
			}
			if !second.CreatedAt.Equal(first.CreatedAt) {
				t.Errorf("CreatedAt changed on upsert: %v -> %v", first.CreatedAt, second.CreatedAt)
			}
			if !second.UpdatedAt.After(first.UpdatedAt) {
				t.Errorf("UpdatedAt did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
			}
		})
	}
}

func TestStoreTombstone(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, store, Record{ID: "f-1", Resource: ResourceFavorites, Payload: rawPayload(`{}`)})

			if err := store.MarkDeleted(ctx, ResourceFavorites, "f-1"); err != nil {
				t.Fatalf("MarkDeleted failed: %v", err)
			}

			if _, err := store.Get(ctx, ResourceFavorites, "f-1"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound for tombstone, got %v", err)
			}

			rec, err := store.GetAny(ctx, ResourceFavorites, "f-1")
			if err != nil {
				t.Fatalf("GetAny failed: %v", err)
			}
			if !rec.Deleted {
				t.Error("expected tombstone flag set")
			}

			live, err := store.ListLive(ctx, ResourceFavorites)
			if err != nil {
				t.Fatalf("ListLive failed: %v", err)
			}
			if len(live) != 0 {
				t.Errorf("expected tombstone excluded from ListLive, got %d records", len(live))
			}

			// A later upsert resurrects the record.
			mustUpsert(t, store, Record{ID: "f-1", Resource: ResourceFavorites, Payload: rawPayload(`{"back":true}`)})
			if _, err := store.Get(ctx, ResourceFavorites, "f-1"); err != nil {
				t.Errorf("expected resurrected record to be live, got %v", err)
			}
		})
	}
}

func TestStorePurge(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				mustUpsert(t, store, Record{ID: id, Resource: ResourceBrands, Payload: rawPayload(`{}`)})
			}

			if err := store.Purge(ctx, ResourceBrands, []string{"a"}); err != nil {
				t.Fatalf("Purge failed: %v", err)
			}

			live, err := store.ListLive(ctx, ResourceBrands)
			if err != nil {
				t.Fatalf("ListLive failed: %v", err)
			}
			if len(live) != 1 || live[0].ID != "a" {
				t.Fatalf("expected only record a to survive, got %v", live)
			}

			// Purged records are tombstones, not gone.
			rec, err := store.GetAny(ctx, ResourceBrands, "b")
			if err != nil {
				t.Fatalf("GetAny failed: %v", err)
			}
			if !rec.Deleted {
				t.Error("expected purged record to be tombstoned")
			}
		})
	}
}

func TestStorePruneTombstones(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, store, Record{ID: "old", Resource: ResourceOrders, Payload: rawPayload(`{}`)})
			mustUpsert(t, store, Record{ID: "live", Resource: ResourceOrders, Payload: rawPayload(`{}`)})
			if err := store.MarkDeleted(ctx, ResourceOrders, "old"); err != nil {
				t.Fatalf("MarkDeleted failed: %v", err)
			}

			pruned, err := store.PruneTombstones(ctx, time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("PruneTombstones failed: %v", err)
			}
			if pruned != 1 {
				t.Errorf("expected 1 pruned, got %d", pruned)
			}
			if _, err := store.GetAny(ctx, ResourceOrders, "old"); err != ErrNotFound {
				t.Errorf("expected pruned tombstone gone, got %v", err)
			}
			if _, err := store.Get(ctx, ResourceOrders, "live"); err != nil {
				t.Errorf("expected live record untouched, got %v", err)
			}
		})
	}
}

func TestStoreExportImportReplace(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, store, Record{ID: "x", Resource: ResourceProducts, Payload: rawPayload(`{"v":1}`)})
			mustUpsert(t, store, Record{ID: "y", Resource: ResourceCategories, Payload: rawPayload(`{"v":2}`)})

			before, err := store.Export(ctx)
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if len(before) != 2 {
				t.Fatalf("expected 2 exported records, got %d", len(before))
			}

			mustUpsert(t, store, Record{ID: "z", Resource: ResourceProducts, Payload: rawPayload(`{"v":3}`)})

			if err := store.ImportReplace(ctx, before); err != nil {
				t.Fatalf("ImportReplace failed: %v", err)
			}
			after, err := store.Export(ctx)
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if len(after) != 2 {
				t.Errorf("expected restore to drop the extra record, got %d records", len(after))
			}
			if _, err := store.GetAny(ctx, ResourceProducts, "z"); err != ErrNotFound {
				t.Errorf("expected record z gone after restore, got %v", err)
			}
		})
	}
}

func TestStoreActionOrder(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := []string{"act-1", "act-2", "act-3"}
			for _, id := range ids {
				err := store.SaveAction(ctx, QueuedAction{
					ID:         id,
					Type:       ActionCartAdd,
					Payload:    rawPayload(`{}`),
					Status:     ActionPending,
					MaxRetries: 5,
					EnqueuedAt: time.Now(),
				})
				if err != nil {
					t.Fatalf("SaveAction failed: %v", err)
				}
			}

			actions, err := store.LoadActions(ctx)
			if err != nil {
				t.Fatalf("LoadActions failed: %v", err)
			}
			if len(actions) != 3 {
				t.Fatalf("expected 3 actions, got %d", len(actions))
			}
			for i, id := range ids {
				if actions[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, actions[i].ID)
				}
			}

			// Updating in place must not change the position.
			actions[1].RetryCount = 2
			if err := store.SaveAction(ctx, actions[1]); err != nil {
				t.Fatalf("SaveAction update failed: %v", err)
			}
			reloaded, err := store.LoadActions(ctx)
			if err != nil {
				t.Fatalf("LoadActions failed: %v", err)
			}
			if reloaded[1].ID != "act-2" || reloaded[1].RetryCount != 2 {
				t.Errorf("expected act-2 updated in place, got %+v", reloaded[1])
			}

			if err := store.DeleteAction(ctx, "act-1"); err != nil {
				t.Fatalf("DeleteAction failed: %v", err)
			}
			remaining, err := store.LoadActions(ctx)
			if err != nil {
				t.Fatalf("LoadActions failed: %v", err)
			}
			if len(remaining) != 2 || remaining[0].ID != "act-2" {
				t.Errorf("unexpected actions after delete: %+v", remaining)
			}
		})
	}
}

func TestStoreMeta(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := lastSyncKey(ResourceProducts)

			val, err := store.GetMeta(ctx, key)
			if err != nil {
				t.Fatalf("GetMeta failed: %v", err)
			}
			if val != "" {
				t.Errorf("expected empty value for unset key, got %q", val)
			}

			if err := store.SetMeta(ctx, key, "12345"); err != nil {
				t.Fatalf("SetMeta failed: %v", err)
			}
			val, err = store.GetMeta(ctx, key)
			if err != nil {
				t.Fatalf("GetMeta failed: %v", err)
			}
			if val != "12345" {
				t.Errorf("expected 12345, got %q", val)
			}

			if err := store.DeleteMeta(ctx, key); err != nil {
				t.Fatalf("DeleteMeta failed: %v", err)
			}
			val, _ = store.GetMeta(ctx, key)
			if val != "" {
				t.Errorf("expected empty value after delete, got %q", val)
			}
		})
	}
}

func TestStoreUsageOverCapacity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(8)
	defer store.Close()

	mustUpsert(t, store, Record{ID: "big", Resource: ResourceProducts, Payload: rawPayload(`{"a":"0123456789"}`)})

	usage, err := store.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if !usage.OverCapacity {
		t.Errorf("expected over-capacity report, got %+v", usage)
	}
	if usage.RecordCount != 1 {
		t.Errorf("expected 1 record, got %d", usage.RecordCount)
	}

	// Capacity is diagnostic only: writes still succeed.
	mustUpsert(t, store, Record{ID: "more", Resource: ResourceProducts, Payload: rawPayload(`{"b":1}`)})
}

func TestSQLiteStorePersistence(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultSQLiteStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "persist.db")

	store, err := NewSQLiteStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	mustUpsert(t, store, Record{ID: "p-1", Resource: ResourceProducts, Payload: rawPayload(`{"name":"kettle"}`), ServerVersion: 4})
	if err := store.SetMeta(ctx, metaLastCycleTime, "999"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.Get(ctx, ResourceProducts, "p-1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if rec.ServerVersion != 4 {
		t.Errorf("expected server version 4, got %d", rec.ServerVersion)
	}
	val, err := reopened.GetMeta(ctx, metaLastCycleTime)
	if err != nil || val != "999" {
		t.Errorf("expected meta to survive reopen, got %q err %v", val, err)
	}
}

func TestSQLiteStoreEncryptedPayloads(t *testing.T) {
	ctx := context.Background()
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "local-secret"})
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	cfg := DefaultSQLiteStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "enc.db")
	store, err := NewSQLiteStore(cfg, enc, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	payload := rawPayload(`{"card":"not actually a card"}`)
	mustUpsert(t, store, Record{ID: "cust-1", Resource: ResourceCustomers, Payload: payload})

	rec, err := store.Get(ctx, ResourceCustomers, "cust-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Errorf("encrypted round trip mismatch: %s", rec.Payload)
	}
}

func TestSQLiteStorePasswordKeySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	encCfg := EncryptionConfig{Enabled: true, KeyPassword: "local-secret"}
	cfg := DefaultSQLiteStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "enc.db")

	enc, err := NewEncryptor(encCfg)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	store, err := NewSQLiteStore(cfg, enc, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	payload := rawPayload(`{"name":"grinder"}`)
	mustUpsert(t, store, Record{ID: "p-1", Resource: ResourceProducts, Payload: payload})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A second process derives from a fresh random salt; the store must
	// re-derive against the salt it persisted at first open or every
	// existing payload fails authentication.
	reopenedEnc, err := NewEncryptor(encCfg)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	reopened, err := NewSQLiteStore(cfg, reopenedEnc, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.Get(ctx, ResourceProducts, "p-1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Errorf("payload mismatch after reopen: %s", rec.Payload)
	}
	if !bytes.Equal(reopened.Encryptor().Salt(), store.Encryptor().Salt()) {
		t.Error("expected reopened store to adopt the persisted salt")
	}
}

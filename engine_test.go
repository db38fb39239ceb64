package storesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// newSyncAPI serves the minimal HTTP surface the engine talks to: full
// listings per resource and a mutation endpoint that acks record
// mutations and folds them into the listings.
func newSyncAPI(t *testing.T, listings map[ResourceType][]Record) *httptest.Server {
	t.Helper()
	if listings == nil {
		listings = make(map[ResourceType][]Record)
	}

	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/mutations" {
			var body struct {
				Payload struct {
					Resource ResourceType    `json:"resource"`
					ID       string          `json:"id"`
					Payload  json.RawMessage `json:"payload"`
					Deleted  bool            `json:"deleted"`
				} `json:"payload"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)

			if body.Payload.ID != "" && body.Payload.Resource != "" {
				items := listings[body.Payload.Resource]
				kept := items[:0]
				for _, item := range items {
					if item.ID != body.Payload.ID {
						kept = append(kept, item)
					}
				}
				if !body.Payload.Deleted {
					kept = append(kept, Record{
						ID:            body.Payload.ID,
						Payload:       body.Payload.Payload,
						ServerVersion: 1,
					})
				}
				listings[body.Payload.Resource] = kept
			}

			json.NewEncoder(w).Encode(MutationAck{
				RecordID:      body.Payload.ID,
				ServerVersion: 1,
				ServerTime:    time.Now(),
			})
			return
		}

		resource := ResourceType(strings.TrimPrefix(r.URL.Path, "/api/v1/"))
		json.NewEncoder(w).Encode(FetchResult{
			Items:      listings[resource],
			ServerTime: time.Now(),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, listings map[ResourceType][]Record) *Engine {
	t.Helper()
	srv := newSyncAPI(t, listings)

	cfg := DefaultConfig()
	cfg.Transport.BaseURL = srv.URL
	cfg.Store.Path = "" // in-memory replica

	engine, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })
	return engine
}

func TestEngineSyncPopulatesReplica(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, map[ResourceType][]Record{
		ResourceProducts: {
			{ID: "p-1", Payload: rawPayload(`{"name":"grinder"}`), ServerVersion: 1},
			{ID: "p-2", Payload: rawPayload(`{"name":"kettle"}`), ServerVersion: 1},
		},
	})

	cycle, err := engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if cycle.Outcome != CycleSuccess {
		t.Fatalf("expected success, got %s: %+v", cycle.Outcome, cycle.Results)
	}

	products, err := engine.List(ctx, ResourceProducts)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(products) != 2 {
		t.Errorf("expected 2 products, got %d", len(products))
	}

	rec, err := engine.Get(ctx, ResourceProducts, "p-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.NeedsSync {
		t.Error("server records must not be dirty")
	}
}

func TestEngineListFiltered(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, map[ResourceType][]Record{
		ResourceProducts: {
			{ID: "p-1", Payload: rawPayload(`{"category":"coffee"}`), ServerVersion: 1},
			{ID: "p-2", Payload: rawPayload(`{"category":"tea"}`), ServerVersion: 1},
			{ID: "p-3", Payload: rawPayload(`{"category":"coffee"}`), ServerVersion: 1},
		},
	})

	if _, err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	coffee, err := engine.ListFiltered(ctx, ResourceProducts, func(rec Record) bool {
		var payload struct {
			Category string `json:"category"`
		}
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return false
		}
		return payload.Category == "coffee"
	})
	if err != nil {
		t.Fatalf("ListFiltered failed: %v", err)
	}
	if len(coffee) != 2 {
		t.Errorf("expected 2 matching products, got %d", len(coffee))
	}
	for _, rec := range coffee {
		if rec.ID == "p-2" {
			t.Error("filter let a non-matching record through")
		}
	}

	// A nil filter is a plain listing.
	all, err := engine.ListFiltered(ctx, ResourceProducts, nil)
	if err != nil {
		t.Fatalf("ListFiltered failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected all 3 products with nil filter, got %d", len(all))
	}
}

func TestEngineOfflineWritesQueueAndFlush(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)

	engine.SetOnline(false)

	if _, err := engine.SyncNow(ctx); err != ErrOffline {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	rec, err := engine.Put(ctx, ResourceFavorites, "f-1", rawPayload(`{"product_id":"p-9"}`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !rec.NeedsSync || rec.LocalVersion != 1 {
		t.Errorf("expected dirty local record, got %+v", rec)
	}

	// The write is readable immediately, before any sync.
	got, err := engine.Get(ctx, ResourceFavorites, "f-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.NeedsSync {
		t.Error("expected pending record visible and dirty")
	}

	if _, err := engine.EnqueueAction(ctx, ActionCartAdd, rawPayload(`{"qty":1}`)); err != nil {
		t.Fatalf("EnqueueAction failed: %v", err)
	}

	summary, err := engine.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Online {
		t.Error("expected offline summary")
	}
	if summary.PendingActions != 2 {
		t.Errorf("expected 2 pending actions, got %d", summary.PendingActions)
	}

	// Flipping online flushes the queue in the background.
	engine.SetOnline(true)
	waitFor(t, 5*time.Second, func() bool {
		s, err := engine.Summary(ctx)
		return err == nil && s.PendingActions == 0
	})

	got, err = engine.Get(ctx, ResourceFavorites, "f-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.NeedsSync {
		t.Error("expected dirty flag cleared after ack")
	}
}

func TestEngineLocalDelete(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	engine.SetOnline(false)

	if _, err := engine.Put(ctx, ResourceFavorites, "f-1", rawPayload(`{}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Delete(ctx, ResourceFavorites, "f-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := engine.Get(ctx, ResourceFavorites, "f-1"); err != ErrNotFound {
		t.Errorf("expected deleted record hidden, got %v", err)
	}

	summary, err := engine.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.PendingActions != 2 {
		t.Errorf("expected put and delete queued, got %d", summary.PendingActions)
	}
}

func TestEngineSummaryFields(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)

	if _, err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	summary, err := engine.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if !summary.Online {
		t.Error("expected online")
	}
	if summary.Channel != StateDisconnected {
		t.Errorf("expected disconnected channel (none configured), got %s", summary.Channel)
	}
	if summary.LastCycle == nil || summary.LastCycle.Outcome != CycleSuccess {
		t.Errorf("expected successful last cycle, got %+v", summary.LastCycle)
	}
	if summary.RetainedBackups == 0 {
		t.Error("expected the pre-sync snapshot retained")
	}
}

func TestEngineStartStop(t *testing.T) {
	engine := newTestEngine(t, nil)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Start is idempotent.
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// Stop is idempotent too.
	if err := engine.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	if err := engine.Start(context.Background()); err != ErrClosed {
		t.Errorf("expected ErrClosed after Stop, got %v", err)
	}
}

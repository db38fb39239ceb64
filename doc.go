// Package storesync provides an offline-first synchronization engine
// for client applications that keep a local replica of server-side
// shop data (products, orders, carts, favorites).
//
// All reads are served from the local replica; writes land locally
// first and are pushed through a durable FIFO action queue. A periodic
// reconciliation cycle fetches deltas (or full listings) per resource
// type, merges them under explicit last-write-wins version comparison,
// and converges deletions. A websocket change channel patches the
// replica record by record between cycles.
//
// # Basic Usage
//
// Wire an engine from configuration and start it:
//
//	cfg := storesync.DefaultConfig()
//	cfg.Transport.BaseURL = "https://api.example.com"
//	cfg.Store.Path = "replica.db"
//
//	engine, err := storesync.NewEngine(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Read and write through the replica:
//
//	products, err := engine.List(ctx, storesync.ResourceProducts)
//
//	_, err = engine.Put(ctx, storesync.ResourceFavorites, "fav-1",
//	    json.RawMessage(`{"product_id":"p-1"}`))
//
// Queue an ad-hoc mutation while offline:
//
//	engine.SetOnline(false)
//	_, err = engine.EnqueueAction(ctx, storesync.ActionCartAdd,
//	    json.RawMessage(`{"product_id":"p-1","qty":2}`))
//
// # Features
//
// Local replica:
//   - SQLite-backed store with optional AES-GCM payload encryption
//   - Tombstoned deletions with retention-based pruning
//   - Dirty-flag tracking for unacknowledged local mutations
//
// Reconciliation:
//   - Delta fetch with full-listing fallback and purge convergence
//   - Per-resource failure isolation within a cycle
//   - Pre-cycle snapshots with rollback on total failure
//   - Conflict ledger with last-write-wins resolution
//
// Connectivity:
//   - FIFO action queue with bounded retry, backoff, circuit breaker
//   - Websocket change channel with liveness pings and reconnect
//   - Snapshot archival to memory, local files, or S3
package storesync

package storesync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for retry and backoff tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeTransport implements Transport with pluggable behavior per call.
type fakeTransport struct {
	mu         sync.Mutex
	fetchFn    func(resource ResourceType, params FetchParams) (*FetchResult, error)
	deltaFn    func(resource ResourceType, since time.Time) (*FetchResult, error)
	dispatchFn func(actionType ActionType, payload json.RawMessage) (*MutationAck, error)

	fetched    []ResourceType
	deltas     []ResourceType
	dispatched []ActionType
}

func (f *fakeTransport) FetchResource(ctx context.Context, resource ResourceType, params FetchParams) (*FetchResult, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, resource)
	fn := f.fetchFn
	f.mu.Unlock()

	if fn != nil {
		return fn(resource, params)
	}
	return &FetchResult{ServerTime: time.Now()}, nil
}

func (f *fakeTransport) FetchDelta(ctx context.Context, resource ResourceType, since time.Time) (*FetchResult, error) {
	f.mu.Lock()
	f.deltas = append(f.deltas, resource)
	fn := f.deltaFn
	f.mu.Unlock()

	if fn != nil {
		return fn(resource, since)
	}
	return &FetchResult{ServerTime: time.Now(), IsDelta: true}, nil
}

func (f *fakeTransport) DispatchMutation(ctx context.Context, actionType ActionType, payload json.RawMessage) (*MutationAck, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, actionType)
	fn := f.dispatchFn
	f.mu.Unlock()

	if fn != nil {
		return fn(actionType, payload)
	}
	return &MutationAck{ServerVersion: 1, ServerTime: time.Now()}, nil
}

func (f *fakeTransport) dispatchedTypes() []ActionType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ActionType, len(f.dispatched))
	copy(out, f.dispatched)
	return out
}

func (f *fakeTransport) fetchedResources() []ResourceType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ResourceType, len(f.fetched))
	copy(out, f.fetched)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func mustUpsert(t *testing.T, store RecordStore, rec Record) {
	t.Helper()
	if err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

func rawPayload(s string) json.RawMessage {
	return json.RawMessage(s)
}

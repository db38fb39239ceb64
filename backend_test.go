package storesync

import (
	"bytes"
	"context"
	"os"
	"sort"
	"testing"
)

func testBackends(t *testing.T) map[string]BlobBackend {
	t.Helper()
	file, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	return map[string]BlobBackend{
		"memory": NewMemoryBackend(),
		"file":   file,
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := backend.Write(ctx, "snapshots/a.snap", []byte("alpha")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := backend.Write(ctx, "snapshots/b.snap", []byte("beta")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			data, err := backend.Read(ctx, "snapshots/a.snap")
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(data, []byte("alpha")) {
				t.Errorf("unexpected data: %s", data)
			}

			ok, err := backend.Exists(ctx, "snapshots/b.snap")
			if err != nil || !ok {
				t.Errorf("expected blob to exist, ok=%v err=%v", ok, err)
			}
			ok, err = backend.Exists(ctx, "snapshots/missing.snap")
			if err != nil || ok {
				t.Errorf("expected missing blob, ok=%v err=%v", ok, err)
			}

			keys, err := backend.List(ctx, "snapshots/")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "snapshots/a.snap" {
				t.Errorf("unexpected keys: %v", keys)
			}

			if err := backend.Delete(ctx, "snapshots/a.snap"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := backend.Read(ctx, "snapshots/a.snap"); !os.IsNotExist(err) {
				t.Errorf("expected not-exist after delete, got %v", err)
			}

			// Deleting a missing blob is not an error.
			if err := backend.Delete(ctx, "snapshots/missing.snap"); err != nil {
				t.Errorf("Delete of missing blob failed: %v", err)
			}
		})
	}
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	if err := backend.Write(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("expected traversal key rejected")
	}
}

package storesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransportFetchResource(t *testing.T) {
	var gotPath, gotAuth, gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		json.NewEncoder(w).Encode(FetchResult{
			Items:      []Record{{ID: "p-1", Payload: rawPayload(`{}`), ServerVersion: 1}},
			ServerTime: time.Now(),
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL, AuthToken: "tok-1"}, nil)
	res, err := tr.FetchResource(context.Background(), ResourceProducts, FetchParams{Cursor: "abc", Limit: 10})
	if err != nil {
		t.Fatalf("FetchResource failed: %v", err)
	}

	if gotPath != "/api/v1/products" {
		t.Errorf("path: %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth header: %q", gotAuth)
	}
	if gotCursor != "abc" {
		t.Errorf("cursor: %q", gotCursor)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "p-1" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestHTTPTransportFetchDelta(t *testing.T) {
	var gotLastSync string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders/delta" {
			t.Errorf("path: %q", r.URL.Path)
		}
		gotLastSync = r.URL.Query().Get("last_sync")
		json.NewEncoder(w).Encode(FetchResult{IsDelta: true, ServerTime: time.Now()})
	}))
	defer srv.Close()

	since := time.Unix(0, 42)
	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL}, nil)
	res, err := tr.FetchDelta(context.Background(), ResourceOrders, since)
	if err != nil {
		t.Fatalf("FetchDelta failed: %v", err)
	}
	if gotLastSync != "42" {
		t.Errorf("last_sync: %q", gotLastSync)
	}
	if !res.IsDelta {
		t.Error("expected delta result")
	}
}

func TestHTTPTransportDispatchMutation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/mutations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			ActionType ActionType      `json:"action_type"`
			Payload    json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body failed: %v", err)
		}
		if body.ActionType != ActionCartAdd {
			t.Errorf("action type: %q", body.ActionType)
		}
		json.NewEncoder(w).Encode(MutationAck{RecordID: "c-1", ServerVersion: 2, ServerTime: time.Now()})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL}, nil)
	ack, err := tr.DispatchMutation(context.Background(), ActionCartAdd, rawPayload(`{"qty":1}`))
	if err != nil {
		t.Fatalf("DispatchMutation failed: %v", err)
	}
	if ack.RecordID != "c-1" || ack.ServerVersion != 2 {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestHTTPTransportErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  FailureKind
		retryable bool
	}{
		{http.StatusInternalServerError, FailureServer, true},
		{http.StatusBadRequest, FailureValidation, false},
		{http.StatusUnauthorized, FailureAuth, false},
		{http.StatusConflict, FailureConflict, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL}, nil)
		_, err := tr.FetchResource(context.Background(), ResourceProducts, FetchParams{})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if Classify(err) != tt.wantKind {
			t.Errorf("status %d: expected kind %v, got %v", tt.status, tt.wantKind, Classify(err))
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestHTTPTransportNetworkErrorIsRetryable(t *testing.T) {
	// A closed server yields a connection failure, not an HTTP status.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)
	_, err := tr.FetchResource(context.Background(), ResourceProducts, FetchParams{})
	if err == nil {
		t.Fatal("expected connection failure")
	}
	if Classify(err) != FailureNetwork {
		t.Errorf("expected network failure, got %v", Classify(err))
	}
	if !IsRetryable(err) {
		t.Error("expected network failure to be retryable")
	}
}

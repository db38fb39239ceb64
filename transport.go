package storesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// FetchParams narrows a resource fetch.
type FetchParams struct {
	// Cursor resumes a paginated listing.
	Cursor string

	// Limit caps the number of items per page. Zero means server default.
	Limit int

	// Filters are opaque query filters forwarded to the server.
	Filters map[string]string
}

// FetchResult is the server's answer to a resource fetch. When IsDelta
// is false the caller must treat Items as a complete listing and purge
// records missing from it; when true, Items and DeletedIDs describe
// only what changed since the requested cursor.
type FetchResult struct {
	Items      []Record  `json:"items"`
	DeletedIDs []string  `json:"deleted_ids,omitempty"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more,omitempty"`
	ServerTime time.Time `json:"server_time"`
	IsDelta    bool      `json:"is_delta"`
}

// MutationAck acknowledges a dispatched mutation.
type MutationAck struct {
	// RecordID identifies the server-side record the mutation touched,
	// when applicable.
	RecordID string `json:"record_id,omitempty"`

	// ServerVersion is the version the server assigned to the result.
	ServerVersion int64 `json:"server_version,omitempty"`

	ServerTime time.Time `json:"server_time"`
}

// Transport is the network boundary the engine drives. The rendering
// layer never touches it; the queue and orchestrator are its only
// callers. Implementations map wire failures onto the TransportError
// taxonomy so retry policy can be decided uniformly.
type Transport interface {
	// FetchResource fetches a full or paginated listing of a type.
	FetchResource(ctx context.Context, resource ResourceType, params FetchParams) (*FetchResult, error)

	// FetchDelta fetches changes since the given cursor. A result with
	// IsDelta=false signals the server could not serve a delta and the
	// response must be treated as a full replace.
	FetchDelta(ctx context.Context, resource ResourceType, since time.Time) (*FetchResult, error)

	// DispatchMutation pushes one queued action to the server.
	DispatchMutation(ctx context.Context, actionType ActionType, payload json.RawMessage) (*MutationAck, error)
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	// BaseURL of the sync API, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url"`

	// AuthToken is sent as a bearer token on every request.
	AuthToken string `yaml:"-"`

	// Timeout per request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport implements Transport over a JSON HTTP API.
type HTTPTransport struct {
	config HTTPTransportConfig
	client HTTPDoer
}

// NewHTTPTransport creates an HTTP transport. A nil client uses a
// default http.Client with the configured timeout.
func NewHTTPTransport(config HTTPTransportConfig, client HTTPDoer) *HTTPTransport {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPTransport{config: config, client: client}
}

// FetchResource fetches a listing of the given type.
func (t *HTTPTransport) FetchResource(ctx context.Context, resource ResourceType, params FetchParams) (*FetchResult, error) {
	q := url.Values{}
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	for k, v := range params.Filters {
		q.Set(k, v)
	}

	var result FetchResult
	if err := t.get(ctx, "fetch_"+string(resource), fmt.Sprintf("/api/v1/%s", resource), q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchDelta fetches changes since the given cursor.
func (t *HTTPTransport) FetchDelta(ctx context.Context, resource ResourceType, since time.Time) (*FetchResult, error) {
	q := url.Values{}
	q.Set("last_sync", strconv.FormatInt(since.UnixNano(), 10))

	var result FetchResult
	if err := t.get(ctx, "delta_"+string(resource), fmt.Sprintf("/api/v1/%s/delta", resource), q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DispatchMutation pushes one mutation to the server.
func (t *HTTPTransport) DispatchMutation(ctx context.Context, actionType ActionType, payload json.RawMessage) (*MutationAck, error) {
	op := "dispatch_" + string(actionType)

	body, err := json.Marshal(struct {
		ActionType ActionType      `json:"action_type"`
		Payload    json.RawMessage `json:"payload"`
	}{actionType, payload})
	if err != nil {
		return nil, &TransportError{Kind: FailureValidation, Op: op, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.BaseURL+"/api/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Kind: FailureValidation, Op: op, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Kind: FailureNetwork, Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewTransportError(op, resp.StatusCode, string(msg))
	}

	var ack MutationAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &TransportError{Kind: FailureServer, Op: op, Cause: err}
	}
	return &ack, nil
}

func (t *HTTPTransport) get(ctx context.Context, op, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	u := t.config.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &TransportError{Kind: FailureValidation, Op: op, Cause: err}
	}
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Kind: FailureNetwork, Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewTransportError(op, resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Kind: FailureServer, Op: op, Cause: err}
	}
	return nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}
}

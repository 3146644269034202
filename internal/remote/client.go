// Package remote is the stateless translation layer between the device and
// the remote structured store. It never sees local-only fields.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/openfield/fieldsync/internal/types"
	"github.com/sethvargo/go-retry"
)

// Client talks to the versioned remote API. The base URL is mutable at
// runtime (the UI can repoint the device at another backend); everything
// else is fixed at construction.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	callTimeout time.Duration
	bulkTimeout time.Duration
	maxRetries  uint64

	mu      sync.RWMutex
	baseURL string
}

// NewClient creates a remote API client. callTimeout bounds single-entity
// calls, bulkTimeout the full-collection fetches.
func NewClient(baseURL, apiKey string, callTimeout, bulkTimeout time.Duration, maxRetries uint64) *Client {
	return &Client{
		httpClient:  &http.Client{},
		apiKey:      apiKey,
		callTimeout: callTimeout,
		bulkTimeout: bulkTimeout,
		maxRetries:  maxRetries,
		baseURL:     baseURL,
	}
}

// BaseURL returns the current API base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL repoints the client at a different backend.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	c.baseURL = u
	c.mu.Unlock()
}

// do issues one JSON request with bounded transient-failure retries.
// Conflict and client-error responses are never retried.
func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(250*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.doOnce(ctx, method, path, payload, out, timeout)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return decodeConflict(resp.Body)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Detail: string(bytes.TrimSpace(detail))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// decodeConflict turns a 409 body into a VersionConflictError carrying the
// server's authoritative state.
func decodeConflict(r io.Reader) error {
	var body struct {
		Conflict       bool            `json:"conflict"`
		CurrentVersion int64           `json:"current_version"`
		CurrentState   json.RawMessage `json:"current_state"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return &VersionConflictError{}
	}
	return &VersionConflictError{
		CurrentVersion: body.CurrentVersion,
		CurrentState:   body.CurrentState,
	}
}

// upsertBody wraps an entity payload with the optimistic-concurrency base
// version the server checks before accepting the write.
type upsertBody struct {
	Entity      any   `json:"entity"`
	BaseVersion int64 `json:"base_version"`
}

// --- pins ---

// FetchPins returns the full remote pin collection, soft-deleted included.
func (c *Client) FetchPins(ctx context.Context) ([]types.RemotePin, error) {
	var pins []types.RemotePin
	if err := c.do(ctx, http.MethodGet, "/pins", nil, &pins, c.bulkTimeout); err != nil {
		return nil, err
	}
	return pins, nil
}

// FetchPinsSince returns pins modified after the given instant (incremental pull).
func (c *Client) FetchPinsSince(ctx context.Context, since time.Time) ([]types.RemotePin, error) {
	var pins []types.RemotePin
	path := "/pins/since/" + url.PathEscape(since.UTC().Format(time.RFC3339Nano))
	if err := c.do(ctx, http.MethodGet, path, nil, &pins, c.bulkTimeout); err != nil {
		return nil, err
	}
	return pins, nil
}

// UpsertPin creates or updates one pin with optimistic concurrency and
// returns the accepted state, carrying the version the server assigned.
// Callers must persist that version locally or their next write will
// carry a stale base version. A mismatched base version surfaces as
// *VersionConflictError.
func (c *Client) UpsertPin(ctx context.Context, p types.RemotePin) (types.RemotePin, error) {
	var accepted types.RemotePin
	err := c.do(ctx, http.MethodPost, "/pins", upsertBody{Entity: p, BaseVersion: p.Version}, &accepted, c.callTimeout)
	return accepted, err
}

// UpsertPins applies each pin in order and returns the accepted states;
// safe to call with duplicate ids since every write is an idempotent
// upsert.
func (c *Client) UpsertPins(ctx context.Context, pins []types.RemotePin) ([]types.RemotePin, error) {
	accepted := make([]types.RemotePin, 0, len(pins))
	for _, p := range pins {
		a, err := c.UpsertPin(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("upsert pin %s: %w", p.ID, err)
		}
		accepted = append(accepted, a)
	}
	return accepted, nil
}

// DeletePin soft-deletes a pin remotely, with the same conflict semantics
// as an update.
func (c *Client) DeletePin(ctx context.Context, id string, version int64) error {
	path := "/pins/" + url.PathEscape(id) + "?version=" + strconv.FormatInt(version, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil, c.callTimeout)
}

// --- forms ---

// FetchForms returns the full remote form collection.
func (c *Client) FetchForms(ctx context.Context) ([]types.RemoteForm, error) {
	var forms []types.RemoteForm
	if err := c.do(ctx, http.MethodGet, "/forms", nil, &forms, c.bulkTimeout); err != nil {
		return nil, err
	}
	return forms, nil
}

// FetchFormsSince returns forms modified after the given instant.
func (c *Client) FetchFormsSince(ctx context.Context, since time.Time) ([]types.RemoteForm, error) {
	var forms []types.RemoteForm
	path := "/forms/since/" + url.PathEscape(since.UTC().Format(time.RFC3339Nano))
	if err := c.do(ctx, http.MethodGet, path, nil, &forms, c.bulkTimeout); err != nil {
		return nil, err
	}
	return forms, nil
}

// UpsertForm creates or updates one form with optimistic concurrency and
// returns the accepted state with its server-assigned version.
func (c *Client) UpsertForm(ctx context.Context, f types.RemoteForm) (types.RemoteForm, error) {
	var accepted types.RemoteForm
	err := c.do(ctx, http.MethodPost, "/forms", upsertBody{Entity: f, BaseVersion: f.Version}, &accepted, c.callTimeout)
	return accepted, err
}

// UpsertForms applies each form in order and returns the accepted states.
func (c *Client) UpsertForms(ctx context.Context, forms []types.RemoteForm) ([]types.RemoteForm, error) {
	accepted := make([]types.RemoteForm, 0, len(forms))
	for _, f := range forms {
		a, err := c.UpsertForm(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("upsert form %s: %w", f.ID, err)
		}
		accepted = append(accepted, a)
	}
	return accepted, nil
}

// DeleteForm soft-deletes a form remotely.
func (c *Client) DeleteForm(ctx context.Context, id string, version int64) error {
	path := "/forms/" + url.PathEscape(id) + "?version=" + strconv.FormatInt(version, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil, c.callTimeout)
}

// --- binary storage (signed-URL proxy) ---

// SignedUpload is the backend's grant to PUT one object directly to blob
// storage. The device never holds bucket credentials.
type SignedUpload struct {
	UploadURL string `json:"upload_url"`
	PublicURL string `json:"public_url"`
}

// SignUpload requests a signed PUT URL scoped to an entity and filename.
func (c *Client) SignUpload(ctx context.Context, entityType types.EntityType, entityID, filename string) (*SignedUpload, error) {
	body := map[string]string{
		"entity_type": string(entityType),
		"entity_id":   entityID,
		"filename":    filename,
	}
	var signed SignedUpload
	if err := c.do(ctx, http.MethodPost, "/uploads/sign", body, &signed, c.callTimeout); err != nil {
		return nil, err
	}
	return &signed, nil
}

// DeleteObject removes a stored object by its public URL through the
// backend proxy.
func (c *Client) DeleteObject(ctx context.Context, publicURL string) error {
	path := "/uploads?url=" + url.QueryEscape(publicURL)
	return c.do(ctx, http.MethodDelete, path, nil, nil, c.callTimeout)
}

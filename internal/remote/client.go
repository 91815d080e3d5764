package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/inkrelay/internal/blobstore"
	"github.com/agentworkforce/inkrelay/internal/registry"
	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("not found")

const (
	HeaderProjectName   = "X-Project-Name"
	HeaderUpdatedAt     = "X-Updated-At"
	HeaderCorrelationID = "X-Correlation-Id"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case registry.ErrRecentlyDeleted:
		return e.Code == "recently_deleted"
	case registry.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	default:
		return false
	}
}

// Client talks to the inkrelay HTTP API. It serves as the client-side blob
// store and registry. Transport errors, 429 and 5xx responses are retried
// with exponential backoff.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Token() string {
	return c.token
}

func blobPath(key blobstore.Key) string {
	return fmt.Sprintf("/v1/blobs/%s/%s/%s", url.PathEscape(key.RoomID), url.PathEscape(key.PageID), url.PathEscape(string(key.Kind)))
}

func (c *Client) Put(ctx context.Context, key blobstore.Key, data []byte, meta blobstore.Metadata) error {
	if err := key.Validate(); err != nil {
		return err
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = blobstore.DefaultContentType(key.Kind)
	}
	headers := map[string]string{}
	if meta.ProjectName != "" {
		headers[HeaderProjectName] = url.QueryEscape(meta.ProjectName)
	}
	if _, err := c.do(ctx, http.MethodPut, blobPath(key), headers, data, contentType); err != nil {
		return blobError("put", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key blobstore.Key) (blobstore.Object, error) {
	if err := key.Validate(); err != nil {
		return blobstore.Object{}, err
	}
	resp, err := c.do(ctx, http.MethodGet, blobPath(key), nil, nil, "")
	if err != nil {
		return blobstore.Object{}, blobError("get", key, err)
	}
	meta := blobstore.Metadata{ContentType: resp.header.Get("Content-Type")}
	if raw := resp.header.Get(HeaderProjectName); raw != "" {
		if name, unescapeErr := url.QueryUnescape(raw); unescapeErr == nil {
			meta.ProjectName = name
		}
	}
	if raw := resp.header.Get(HeaderUpdatedAt); raw != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			meta.UpdatedAt = ts
		}
	}
	return blobstore.Object{Data: resp.body, Metadata: meta}, nil
}

func (c *Client) Delete(ctx context.Context, key blobstore.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodDelete, blobPath(key), nil, nil, ""); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return blobError("delete", key, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, roomID string) ([]blobstore.ObjectInfo, error) {
	var out struct {
		Objects []blobstore.ObjectInfo `json:"objects"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(roomID), nil, &out); err != nil {
		return nil, &blobstore.Error{Op: "list", Key: roomID, Err: err}
	}
	return out.Objects, nil
}

func blobError(op string, key blobstore.Key, err error) error {
	if errors.Is(err, ErrNotFound) {
		err = blobstore.ErrNotFound
	}
	return &blobstore.Error{Op: op, Key: key.String(), Err: err}
}

func (c *Client) ListEntries(ctx context.Context) ([]registry.Entry, error) {
	var out struct {
		Entries []registry.Entry `json:"entries"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/registry", nil, &out)
	return out.Entries, err
}

func (c *Client) UpsertEntry(ctx context.Context, entry registry.Entry) (registry.Entry, error) {
	var out registry.Entry
	err := c.doJSON(ctx, http.MethodPost, "/v1/registry", map[string]any{"entry": entry}, &out)
	return out, err
}

func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/registry/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListFolders(ctx context.Context) ([]registry.Folder, error) {
	var out struct {
		Folders []registry.Folder `json:"folders"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/registry/folders", nil, &out)
	return out.Folders, err
}

func (c *Client) UpsertFolder(ctx context.Context, folder registry.Folder) (registry.Folder, error) {
	var out registry.Folder
	err := c.doJSON(ctx, http.MethodPost, "/v1/registry/folders", map[string]any{"folder": folder}, &out)
	return out, err
}

func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/registry/folders/"+url.PathEscape(id), nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, requestPath, nil, payload, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.body, out)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body []byte,
	contentType string,
) (response, error) {
	policy := c.backOff()
	var out response
	err := backoff.Retry(func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set(HeaderCorrelationID, correlationID())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return backoff.Permanent(readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			out = response{status: resp.StatusCode, header: resp.Header, body: payload}
			return nil
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			policy.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return httpErr
		}
		return backoff.Permanent(httpErr)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return response{}, err
	}
	return out, nil
}

func correlationID() string {
	return "inkrelay_" + ulid.Make().String()
}

// retryAfterBackOff follows the wrapped policy but lets a server's
// Retry-After replace the next delay, capped at maxDelay.
type retryAfterBackOff struct {
	backoff.BackOff
	maxDelay   time.Duration
	retryAfter time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	delay := b.BackOff.NextBackOff()
	retryAfter := b.retryAfter
	b.retryAfter = 0
	if delay == backoff.Stop || retryAfter <= 0 {
		return delay
	}
	if retryAfter > b.maxDelay {
		return b.maxDelay
	}
	return retryAfter
}

func (b *retryAfterBackOff) Reset() {
	b.retryAfter = 0
	b.BackOff.Reset()
}

func (c *Client) backOff() *retryAfterBackOff {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	baseDelay := c.baseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if c.maxRetries <= 0 {
		return &retryAfterBackOff{BackOff: &backoff.StopBackOff{}, maxDelay: maxDelay}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = baseDelay
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	return &retryAfterBackOff{
		BackOff:  backoff.WithMaxRetries(exp, uint64(c.maxRetries)),
		maxDelay: maxDelay,
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

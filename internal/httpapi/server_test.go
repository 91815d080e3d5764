package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/inkrelay/internal/blobstore"
	"github.com/agentworkforce/inkrelay/internal/history"
	"github.com/agentworkforce/inkrelay/internal/registry"
	"github.com/agentworkforce/inkrelay/internal/room"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "dev-secret"

var allScopes = []string{
	scopeRoomsJoin, scopeRoomsRead, scopeRoomsAdmin,
	scopeBlobsRead, scopeBlobsWrite,
	scopeRegistryRead, scopeRegistryWrite,
	scopeAdminRead,
}

type testEnv struct {
	server *Server
	hub    *room.Hub
	blobs  *blobstore.MemoryStore
}

func newTestEnv(t *testing.T, cfg ServerConfig) testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	hub, err := room.NewHub(room.HubOptions{Logger: logger})
	if err != nil {
		t.Fatalf("new hub failed: %v", err)
	}
	t.Cleanup(func() { _ = hub.Close() })
	reg, err := registry.NewService(registry.Options{})
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	blobs := blobstore.NewMemoryStore()
	promReg := prometheus.NewRegistry()
	server := NewServer(Dependencies{
		Hub:        hub,
		Registry:   reg,
		Blobs:      blobs,
		Logger:     logger,
		Gatherer:   promReg,
		Registerer: promReg,
	}, cfg)
	return testEnv{server: server, hub: hub, blobs: blobs}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/registry",
		headers: map[string]string{
			"X-Correlation-Id": "corr_1",
		},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["code"] != "unauthorized" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestTokenValidation(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"expired", mustTestJWT(t, testSecret, "u1", allScopes, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong secret", mustTestJWT(t, "other", "u1", allScopes, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"wrong audience", mustTestJWTWithAudience(t, testSecret, "u1", allScopes, "other-service", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"missing user", mustTestJWT(t, testSecret, "", allScopes, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"missing scope", mustTestJWT(t, testSecret, "u1", []string{scopeBlobsRead}, time.Now().Add(time.Hour)), http.StatusForbidden},
		{"malformed", "not-a-token", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, env.server, request{
				method: http.MethodGet,
				path:   "/v1/registry",
				headers: map[string]string{
					"Authorization":    "Bearer " + tc.token,
					"X-Correlation-Id": "corr_tok",
				},
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestScopesAcceptSpaceSeparatedString(t *testing.T) {
	claims, authErr := authorizeToken(mustTestJWTClaims(t, testSecret, jwt.MapClaims{
		"user_id": "u1",
		"scopes":  "registry:read blobs:read",
		"aud":     tokenAudience,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}), testSecret, scopeBlobsRead, time.Now())
	if authErr != nil {
		t.Fatalf("expected token to authorize, got %v", authErr)
	}
	if _, ok := claims.Scopes[scopeRegistryRead]; !ok {
		t.Fatalf("expected registry:read scope, got %+v", claims.Scopes)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/registry",
		headers: map[string]string{
			"Authorization": "Bearer " + mustTestJWT(t, testSecret, "u1", allScopes, time.Now().Add(time.Hour)),
		},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "missing X-Correlation-Id header") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	handler := env.server.Handler()
	resp := doRequest(t, handler, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", resp.Code)
	}
	resp = doRequest(t, handler, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "inkrelay_http_requests_total") {
		t.Fatalf("expected http request counter in metrics output")
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/nope"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestRegistryEntryLifecycle(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "owner-1", allScopes, time.Now().Add(time.Hour))
	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_reg",
	}

	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/registry",
		headers: headers,
		body: map[string]any{
			"entry": map[string]any{
				"id":          "nb-1",
				"name":        "Lecture notes",
				"pageCount":   3,
				"lastMod":     1000,
				"contentHash": "abc123",
			},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected upsert 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var saved registry.Entry
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if saved.OwnerID != "owner-1" || saved.ID != "nb-1" {
		t.Fatalf("unexpected saved entry: %+v", saved)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/registry?contentHash=abc123", headers: headers})
	var listed struct {
		Entries []registry.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Entries) != 1 || listed.Entries[0].Name != "Lecture notes" {
		t.Fatalf("expected one entry by hash, got %+v", listed.Entries)
	}

	other := mustTestJWT(t, testSecret, "owner-2", allScopes, time.Now().Add(time.Hour))
	resp = doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/registry",
		headers: map[string]string{
			"Authorization":    "Bearer " + other,
			"X-Correlation-Id": "corr_reg",
		},
	})
	listed.Entries = nil
	_ = json.NewDecoder(resp.Body).Decode(&listed)
	if len(listed.Entries) != 0 {
		t.Fatalf("expected owners to be isolated, got %+v", listed.Entries)
	}

	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/registry/nb-1", headers: headers})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected delete 204, got %d", resp.Code)
	}

	resp = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/registry",
		headers: headers,
		body: map[string]any{
			"entry": map[string]any{"id": "nb-1", "name": "Lecture notes", "lastMod": 1000},
		},
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected stale upsert to conflict, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "recently_deleted") {
		t.Fatalf("expected recently_deleted code, got %s", resp.Body.String())
	}

	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/registry/nb-1", headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected second delete 404, got %d", resp.Code)
	}
}

func TestRegistryRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	headers := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "owner-1", allScopes, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_bad",
	}
	resp := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/registry", headers: headers, body: []byte("{")})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", resp.Code)
	}
	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/registry", headers: headers, body: map[string]any{}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing entry, got %d", resp.Code)
	}
}

func TestRegistryFolders(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	headers := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "owner-1", allScopes, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_fold",
	}
	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/registry/folders",
		headers: headers,
		body:    map[string]any{"folder": map[string]any{"id": "f1", "name": "School"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected folder upsert 200, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/registry/folders", headers: headers})
	var listed struct {
		Folders []registry.Folder `json:"folders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode folders: %v", err)
	}
	if len(listed.Folders) != 1 || listed.Folders[0].Name != "School" {
		t.Fatalf("unexpected folders: %+v", listed.Folders)
	}
	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/registry/folders/f1", headers: headers})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected folder delete 204, got %d", resp.Code)
	}
}

func TestBlobRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "u1", allScopes, time.Now().Add(time.Hour))
	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_blob",
		"Content-Type":     "application/json",
		headerProjectName:  url.QueryEscape("Physics 101"),
	}
	payload := []byte(`[{"id":"s1","tool":"pen","lastMod":1}]`)
	resp := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/blobs/room-1/page-0/base-history",
		headers: headers,
		body:    payload,
	})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected put 204, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/blobs/room-1/page-0/base-history", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected get 200, got %d", resp.Code)
	}
	if !bytes.Equal(resp.Body.Bytes(), payload) {
		t.Fatalf("expected payload back, got %s", resp.Body.String())
	}
	if got := resp.Header().Get(headerProjectName); got != url.QueryEscape("Physics 101") {
		t.Fatalf("expected project name header, got %q", got)
	}
	if resp.Header().Get(headerUpdatedAt) == "" {
		t.Fatalf("expected updated-at header")
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/blobs/room-1", headers: headers})
	var listed struct {
		Objects []blobstore.ObjectInfo `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode objects: %v", err)
	}
	if len(listed.Objects) != 1 || listed.Objects[0].Key.PageID != "page-0" {
		t.Fatalf("unexpected objects: %+v", listed.Objects)
	}

	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/blobs/room-1/page-0/base-history", headers: headers})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected delete 204, got %d", resp.Code)
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/blobs/room-1/page-0/base-history", headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/blobs/room-1/page-0/base-history", headers: headers})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected idempotent delete 204, got %d", resp.Code)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/blobs/room-1/page-0/thumbnail", headers: headers})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", resp.Code)
	}
}

func TestBlobScopes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	readOnly := mustTestJWT(t, testSecret, "u1", []string{scopeBlobsRead}, time.Now().Add(time.Hour))
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPut,
		path:   "/v1/blobs/room-1/page-0/base-history",
		headers: map[string]string{
			"Authorization":    "Bearer " + readOnly,
			"X-Correlation-Id": "corr_scope",
		},
		body: []byte("[]"),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing blobs:write, got %d", resp.Code)
	}
}

func TestBlobPayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBlobBytes: 8})
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPut,
		path:   "/v1/blobs/room-1/page-0/modifications",
		headers: map[string]string{
			"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "u1", allScopes, time.Now().Add(time.Hour)),
			"X-Correlation-Id": "corr_big",
		},
		body: bytes.Repeat([]byte("x"), 64),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	headers := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "u1", allScopes, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_rl",
	}
	for i := 0; i < 2; i++ {
		resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/registry", headers: headers})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 on request %d, got %d", i, resp.Code)
		}
	}
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/registry", headers: headers})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", resp.Header().Get("Retry-After"))
	}
}

func TestAdminStatusAndDashboard(t *testing.T) {
	env := newTestEnv(t, ServerConfig{BackendProfile: "durable-local", RoomBackend: "file", BlobBackend: "s3"})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected dashboard 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %q", ct)
	}
	if !strings.Contains(resp.Body.String(), "/v1/admin/status") {
		t.Fatalf("expected dashboard to poll the admin status route")
	}

	session := env.hub.NewSession("room-1", "u1")
	if err := env.hub.Connect(context.Background(), "room-1", session); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	readOnly := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "u1", []string{scopeRoomsRead}, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_admin",
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/status", headers: readOnly})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin:read, got %d", resp.Code)
	}

	admin := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "ops", []string{scopeAdminRead}, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_admin",
	}
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/status", headers: admin})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var status struct {
		BackendProfile string            `json:"backendProfile"`
		BlobBackend    string            `json:"blobBackend"`
		Rooms          []room.RoomStatus `json:"rooms"`
		PersistQueue   room.QueueStats   `json:"persistQueue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.BackendProfile != "durable-local" || status.BlobBackend != "s3" {
		t.Fatalf("unexpected backends: %+v", status)
	}
	if len(status.Rooms) != 1 || status.Rooms[0].RoomID != "room-1" || status.Rooms[0].Sessions != 1 {
		t.Fatalf("unexpected rooms: %+v", status.Rooms)
	}
	if status.PersistQueue.Capacity <= 0 || status.PersistQueue.Depth != 0 {
		t.Fatalf("unexpected persist queue stats: %+v", status.PersistQueue)
	}
}

func TestRoomRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	headers := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "u1", allScopes, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_room",
	}
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/rooms/missing", headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", resp.Code)
	}

	ctx := context.Background()
	session := env.hub.NewSession("room-1", "u1")
	if err := env.hub.Connect(ctx, "room-1", session); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	key, _ := blobstore.NewKey("room-1", "page-0", blobstore.KindBaseHistory)
	if err := env.blobs.Put(ctx, key, []byte("[]"), blobstore.Metadata{}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/rooms", headers: headers})
	var listed struct {
		Rooms []room.RoomStatus `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(listed.Rooms) != 1 || listed.Rooms[0].RoomID != "room-1" || listed.Rooms[0].Sessions != 1 {
		t.Fatalf("unexpected rooms: %+v", listed.Rooms)
	}

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/rooms/room-1", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected room snapshot 200, got %d", resp.Code)
	}

	readOnly := map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, testSecret, "u1", []string{scopeRoomsRead}, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_room",
	}
	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/rooms/room-1", headers: readOnly})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without rooms:admin, got %d", resp.Code)
	}

	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/rooms/room-1", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected delete 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var deleted map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&deleted)
	if deleted["blobsRemoved"] != float64(1) {
		t.Fatalf("expected one blob removed, got %+v", deleted)
	}
	if _, err := env.blobs.Get(ctx, key); err == nil {
		t.Fatalf("expected room blobs to be gone")
	}
	select {
	case _, ok := <-session.Outbound():
		for ok {
			_, ok = <-session.Outbound()
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected session outbound to close")
	}
}

func TestWebSocketRelay(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rooms/room-1/connect"

	token := mustTestJWT(t, testSecret, "u1", []string{scopeRoomsJoin}, time.Now().Add(time.Hour))
	a, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial a failed: %v", err)
	}
	defer a.Close(websocket.StatusNormalClosure, "")
	b, _, err := websocket.Dial(ctx, wsURL+"?access_token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial b failed: %v", err)
	}
	defer b.Close(websocket.StatusNormalClosure, "")

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		var frame room.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read full-sync on %s failed: %v", name, err)
		}
		if frame.Type != room.FrameFullSync {
			t.Fatalf("expected full-sync first on %s, got %s", name, frame.Type)
		}
	}

	update := room.StateUpdate(0, []history.Item{{ID: "s1", Tool: history.ToolPen, LastMod: 1}}, nil)
	if err := wsjson.Write(ctx, a, update); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var relayed room.Frame
	if err := wsjson.Read(ctx, b, &relayed); err != nil {
		t.Fatalf("read relayed frame failed: %v", err)
	}
	if relayed.Type != room.FrameStateUpdate || len(relayed.History) != 1 || relayed.History[0].ID != "s1" {
		t.Fatalf("unexpected relayed frame: %+v", relayed)
	}

	state, err := env.hub.Snapshot(ctx, "room-1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if page := state.Pages[0]; page == nil || len(page.History) != 1 {
		t.Fatalf("expected canonical page 0 with one item, got %+v", state.Pages)
	}
}

func TestWebSocketRequiresJoinScope(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rooms/room-1/connect"

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}

	token := mustTestJWT(t, testSecret, "u1", []string{scopeRoomsRead}, time.Now().Add(time.Hour))
	_, resp, err = websocket.Dial(ctx, wsURL+"?access_token="+token, nil)
	if err == nil {
		t.Fatalf("expected dial without rooms:join to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", resp)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, userID string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, userID, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, userID string, scopes []string, aud string, exp time.Time) string {
	return mustTestJWTClaims(t, secret, jwt.MapClaims{
		"user_id": userID,
		"scopes":  scopes,
		"exp":     exp.Unix(),
		"aud":     aud,
	})
}

func mustTestJWTClaims(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

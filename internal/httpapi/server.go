package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/inkrelay/internal/blobstore"
	"github.com/agentworkforce/inkrelay/internal/registry"
	"github.com/agentworkforce/inkrelay/internal/room"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	headerProjectName = "X-Project-Name"
	headerUpdatedAt   = "X-Updated-At"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxBlobBytes    int64
	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string
	// Backend names are reported on /v1/admin/status.
	BackendProfile string
	RoomBackend    string
	BlobBackend    string
}

type Dependencies struct {
	Hub      *room.Hub
	Registry *registry.Service
	Blobs    blobstore.Store
	Logger   logrus.FieldLogger
	// Gatherer backs /metrics; Registerer receives the HTTP metrics.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

type Server struct {
	hub         *room.Hub
	registry    *registry.Service
	blobs       blobstore.Store
	logger      logrus.FieldLogger
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     *httpMetrics
	metricsView http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = 64 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		hub:         deps.Hub,
		registry:    deps.Registry,
		blobs:       deps.Blobs,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     newHTTPMetrics(deps.Registerer),
		metricsView: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// Handler wraps the server with the access log.
func (s *Server) Handler() http.Handler {
	return accessLog(s, s.logger, s.metrics)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metricsView.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid path", getCorrelationID(r))
			return
		}
		parts[i] = unescaped
	}

	if len(parts) == 4 && parts[1] == "rooms" && parts[3] == "connect" && r.Method == http.MethodGet {
		s.handleConnect(w, r, parts[2])
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "admin_status"
	case len(parts) == 2 && parts[1] == "rooms" && r.Method == http.MethodGet:
		requiredScope, route = scopeRoomsRead, "rooms_list"
	case len(parts) == 3 && parts[1] == "rooms" && r.Method == http.MethodGet:
		requiredScope, route = scopeRoomsRead, "room_get"
	case len(parts) == 3 && parts[1] == "rooms" && r.Method == http.MethodDelete:
		requiredScope, route = scopeRoomsAdmin, "room_delete"
	case len(parts) == 3 && parts[1] == "blobs" && r.Method == http.MethodGet:
		requiredScope, route = scopeBlobsRead, "blob_list"
	case len(parts) == 5 && parts[1] == "blobs" && r.Method == http.MethodGet:
		requiredScope, route = scopeBlobsRead, "blob_get"
	case len(parts) == 5 && parts[1] == "blobs" && r.Method == http.MethodPut:
		requiredScope, route = scopeBlobsWrite, "blob_put"
	case len(parts) == 5 && parts[1] == "blobs" && r.Method == http.MethodDelete:
		requiredScope, route = scopeBlobsWrite, "blob_delete"
	case len(parts) == 3 && parts[1] == "registry" && parts[2] == "folders" && r.Method == http.MethodGet:
		requiredScope, route = scopeRegistryRead, "folders_list"
	case len(parts) == 3 && parts[1] == "registry" && parts[2] == "folders" && r.Method == http.MethodPost:
		requiredScope, route = scopeRegistryWrite, "folder_upsert"
	case len(parts) == 4 && parts[1] == "registry" && parts[2] == "folders" && r.Method == http.MethodDelete:
		requiredScope, route = scopeRegistryWrite, "folder_delete"
	case len(parts) == 2 && parts[1] == "registry" && r.Method == http.MethodGet:
		requiredScope, route = scopeRegistryRead, "entries_list"
	case len(parts) == 2 && parts[1] == "registry" && r.Method == http.MethodPost:
		requiredScope, route = scopeRegistryWrite, "entry_upsert"
	case len(parts) == 3 && parts[1] == "registry" && r.Method == http.MethodDelete:
		requiredScope, route = scopeRegistryWrite, "entry_delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "admin_status":
		s.handleAdminStatus(w, r, correlationID)
	case "rooms_list":
		s.handleRoomsList(w, r, correlationID)
	case "room_get":
		s.handleRoomGet(w, r, parts[2], correlationID)
	case "room_delete":
		s.handleRoomDelete(w, r, parts[2], correlationID)
	case "blob_list":
		s.handleBlobList(w, r, parts[2], correlationID)
	case "blob_get":
		s.handleBlobGet(w, r, parts[2:], correlationID)
	case "blob_put":
		s.handleBlobPut(w, r, parts[2:], correlationID)
	case "blob_delete":
		s.handleBlobDelete(w, r, parts[2:], correlationID)
	case "entries_list":
		s.handleEntriesList(w, r, claims, correlationID)
	case "entry_upsert":
		s.handleEntryUpsert(w, r, claims, correlationID)
	case "entry_delete":
		s.handleEntryDelete(w, r, claims, parts[2], correlationID)
	case "folders_list":
		s.handleFoldersList(w, r, claims, correlationID)
	case "folder_upsert":
		s.handleFolderUpsert(w, r, claims, correlationID)
	case "folder_delete":
		s.handleFolderDelete(w, r, claims, parts[3], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleRoomsList(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "rooms are not enabled", correlationID)
		return
	}
	rooms, err := s.hub.Rooms(r.Context())
	if err != nil {
		s.writeRoomError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) handleRoomGet(w http.ResponseWriter, r *http.Request, roomID, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "rooms are not enabled", correlationID)
		return
	}
	state, err := s.hub.Snapshot(r.Context(), roomID)
	if err != nil {
		s.writeRoomError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "state": state})
}

// handleRoomDelete removes the room's durable snapshot and every blob
// stored under it.
func (s *Server) handleRoomDelete(w http.ResponseWriter, r *http.Request, roomID, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "rooms are not enabled", correlationID)
		return
	}
	if err := s.hub.DeleteRoom(r.Context(), roomID); err != nil {
		s.writeRoomError(w, err, correlationID)
		return
	}
	removed := 0
	if s.blobs != nil {
		n, err := blobstore.DeleteRoom(r.Context(), s.blobs, roomID)
		removed = n
		if err != nil {
			s.logger.WithError(err).WithField("room", roomID).Error("[httpapi] room blob cleanup failed")
			writeError(w, http.StatusBadGateway, "blob_store_error", err.Error(), correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "deleted": true, "blobsRemoved": removed})
}

func (s *Server) writeRoomError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, room.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, room.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, room.ErrHubClosed), errors.Is(err, room.ErrRoomClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, room.ErrPersistence):
		writeError(w, http.StatusBadGateway, "persistence_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) blobKey(w http.ResponseWriter, segments []string, correlationID string) (blobstore.Key, bool) {
	key, err := blobstore.NewKey(segments[0], segments[1], blobstore.Kind(segments[2]))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return blobstore.Key{}, false
	}
	if s.blobs == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "blob storage is not enabled", correlationID)
		return blobstore.Key{}, false
	}
	return key, true
}

func (s *Server) handleBlobPut(w http.ResponseWriter, r *http.Request, segments []string, correlationID string) {
	key, ok := s.blobKey(w, segments, correlationID)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBlobBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "blob exceeds configured limit", correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return
	}
	meta := blobstore.Metadata{ContentType: r.Header.Get("Content-Type")}
	if raw := r.Header.Get(headerProjectName); raw != "" {
		name, err := url.QueryUnescape(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid "+headerProjectName+" header", correlationID)
			return
		}
		meta.ProjectName = name
	}
	if err := s.blobs.Put(r.Context(), key, data, meta); err != nil {
		s.writeBlobError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request, segments []string, correlationID string) {
	key, ok := s.blobKey(w, segments, correlationID)
	if !ok {
		return
	}
	obj, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		s.writeBlobError(w, err, correlationID)
		return
	}
	contentType := obj.Metadata.ContentType
	if contentType == "" {
		contentType = blobstore.DefaultContentType(key.Kind)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	if obj.Metadata.ProjectName != "" {
		w.Header().Set(headerProjectName, url.QueryEscape(obj.Metadata.ProjectName))
	}
	if !obj.Metadata.UpdatedAt.IsZero() {
		w.Header().Set(headerUpdatedAt, obj.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

func (s *Server) handleBlobDelete(w http.ResponseWriter, r *http.Request, segments []string, correlationID string) {
	key, ok := s.blobKey(w, segments, correlationID)
	if !ok {
		return
	}
	if err := s.blobs.Delete(r.Context(), key); err != nil {
		s.writeBlobError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlobList(w http.ResponseWriter, r *http.Request, roomID, correlationID string) {
	if s.blobs == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "blob storage is not enabled", correlationID)
		return
	}
	infos, err := s.blobs.List(r.Context(), roomID)
	if err != nil {
		s.writeBlobError(w, err, correlationID)
		return
	}
	if infos == nil {
		infos = []blobstore.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": infos})
}

func (s *Server) writeBlobError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "blob not found", correlationID)
	case errors.Is(err, blobstore.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.WithError(err).Error("[httpapi] blob store failure")
		writeError(w, http.StatusBadGateway, "blob_store_error", err.Error(), correlationID)
	}
}

func (s *Server) handleEntriesList(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "registry is not enabled", correlationID)
		return
	}
	var (
		entries []registry.Entry
		err     error
	)
	if hash := strings.TrimSpace(r.URL.Query().Get("contentHash")); hash != "" {
		entries, err = s.registry.FindByContentHash(r.Context(), claims.UserID, hash)
	} else {
		entries, err = s.registry.List(r.Context(), claims.UserID)
	}
	if err != nil {
		s.writeRegistryError(w, err, correlationID)
		return
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleEntryUpsert(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "registry is not enabled", correlationID)
		return
	}
	var req struct {
		Entry *registry.Entry `json:"entry"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Entry == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "entry is required", correlationID)
		return
	}
	saved, err := s.registry.Upsert(r.Context(), claims.UserID, *req.Entry)
	if err != nil {
		s.writeRegistryError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleEntryDelete(w http.ResponseWriter, r *http.Request, claims tokenClaims, id, correlationID string) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "registry is not enabled", correlationID)
		return
	}
	if err := s.registry.Delete(r.Context(), claims.UserID, id); err != nil {
		s.writeRegistryError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFoldersList(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "registry is not enabled", correlationID)
		return
	}
	folders, err := s.registry.ListFolders(r.Context(), claims.UserID)
	if err != nil {
		s.writeRegistryError(w, err, correlationID)
		return
	}
	if folders == nil {
		folders = []registry.Folder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleFolderUpsert(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "registry is not enabled", correlationID)
		return
	}
	var req struct {
		Folder *registry.Folder `json:"folder"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Folder == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "folder is required", correlationID)
		return
	}
	saved, err := s.registry.UpsertFolder(r.Context(), claims.UserID, *req.Folder)
	if err != nil {
		s.writeRegistryError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request, claims tokenClaims, id, correlationID string) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "registry is not enabled", correlationID)
		return
	}
	if err := s.registry.DeleteFolder(r.Context(), claims.UserID, id); err != nil {
		s.writeRegistryError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, registry.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, registry.ErrRecentlyDeleted):
		writeError(w, http.StatusConflict, "recently_deleted", err.Error(), correlationID)
	default:
		s.logger.WithError(err).Error("[httpapi] registry failure")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/inkrelay/internal/blobstore"
	"github.com/agentworkforce/inkrelay/internal/httpapi"
	"github.com/agentworkforce/inkrelay/internal/registry"
	"github.com/agentworkforce/inkrelay/internal/room"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env")
	}
	configureLogger(log)

	addr := envOrDefault("INKRELAY_ADDR", ":8080")
	dsns, err := storageDSNsFromEnv()
	if err != nil {
		log.WithError(err).Fatal("invalid storage configuration")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	roomBackend, err := room.BuildStateBackendFromDSN(dsns.room)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize room state backend")
	}
	hub, err := room.NewHub(room.HubOptions{
		Backend:         roomBackend,
		Logger:          log,
		Metrics:         room.NewMetrics(promReg),
		IdleTimeout:     durationEnv("INKRELAY_ROOM_IDLE_TIMEOUT", 0),
		PersistWorkers:  intEnv("INKRELAY_PERSIST_WORKERS", 0),
		PersistCapacity: intEnv("INKRELAY_PERSIST_QUEUE_SIZE", 0),
		SessionBuffer:   intEnv("INKRELAY_SESSION_BUFFER", 0),
		InboxCapacity:   intEnv("INKRELAY_ROOM_INBOX_SIZE", 0),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize room hub")
	}

	registryBackend, err := registry.BuildBackendFromDSN(dsns.registry)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize registry backend")
	}
	reg, err := registry.NewService(registry.Options{
		Backend:     registryBackend,
		Logger:      log,
		DeleteGrace: durationEnv("INKRELAY_REGISTRY_DELETE_GRACE", 0),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize registry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := blobstore.BuildFromDSN(ctx, dsns.blob)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize blob store")
	}
	if blobs != nil {
		blobs = blobstore.Instrument(blobs, backendName(dsns.blob), blobstore.NewMetrics(promReg))
	}

	server := httpapi.NewServer(httpapi.Dependencies{
		Hub:        hub,
		Registry:   reg,
		Blobs:      blobs,
		Logger:     log,
		Gatherer:   promReg,
		Registerer: promReg,
	}, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("INKRELAY_JWT_SECRET"),
		RateLimitMax:    intEnv("INKRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("INKRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("INKRELAY_MAX_BODY_BYTES", 0),
		MaxBlobBytes:    int64Env("INKRELAY_MAX_BLOB_BYTES", 0),
		AllowedOrigins:  listEnv("INKRELAY_ALLOWED_ORIGINS"),
		BackendProfile:  dsns.profile,
		RoomBackend:     backendName(dsns.room),
		BlobBackend:     backendName(dsns.blob),
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "profile": dsns.profile}).Info("inkrelay listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server failed")
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("INKRELAY_SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := hub.Close(); err != nil {
		log.WithError(err).Warn("room hub close failed")
	}
	if err := reg.Close(); err != nil {
		log.WithError(err).Warn("registry close failed")
	}
	if err := blobstore.Close(blobs); err != nil {
		log.WithError(err).Warn("blob store close failed")
	}
}

func configureLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(envOrDefault("INKRELAY_LOG_LEVEL", "info"))
	if err != nil {
		logger.Warnf("invalid INKRELAY_LOG_LEVEL=%q, using info", os.Getenv("INKRELAY_LOG_LEVEL"))
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	switch strings.ToLower(envOrDefault("INKRELAY_LOG_FORMAT", "text")) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

type storageDSNs struct {
	profile  string
	room     string
	registry string
	blob     string
}

// storageDSNsFromEnv resolves each store from its own DSN variable, falling
// back to the backend profile's default.
func storageDSNsFromEnv() (storageDSNs, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("INKRELAY_BACKEND_PROFILE")))
	dataDir := envOrDefault("INKRELAY_DATA_DIR", ".inkrelay")
	var defaults storageDSNs
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		defaults = storageDSNs{room: "memory://", registry: "memory://", blob: "memory://"}
	case "durable-local", "local-durable":
		defaults = storageDSNs{
			room:     "file://" + filepath.Join(dataDir, "rooms"),
			registry: "file://" + filepath.Join(dataDir, "registry.json"),
			blob:     "file://" + filepath.Join(dataDir, "blobs"),
		}
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("INKRELAY_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("INKRELAY_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return storageDSNs{}, fmt.Errorf("INKRELAY_PRODUCTION_DSN or INKRELAY_POSTGRES_DSN is required when INKRELAY_BACKEND_PROFILE=%s", profile)
		}
		blobDSN := strings.TrimSpace(os.Getenv("INKRELAY_BLOB_DSN"))
		if blobDSN == "" {
			return storageDSNs{}, fmt.Errorf("INKRELAY_BLOB_DSN is required when INKRELAY_BACKEND_PROFILE=%s", profile)
		}
		defaults = storageDSNs{room: productionDSN, registry: productionDSN, blob: blobDSN}
	default:
		return storageDSNs{}, fmt.Errorf("unsupported INKRELAY_BACKEND_PROFILE: %s", profile)
	}
	return storageDSNs{
		profile:  profile,
		room:     envOrDefault("INKRELAY_ROOM_DSN", defaults.room),
		registry: envOrDefault("INKRELAY_REGISTRY_DSN", defaults.registry),
		blob:     envOrDefault("INKRELAY_BLOB_DSN", defaults.blob),
	}, nil
}

func backendName(dsn string) string {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok || scheme == "" {
		return "file"
	}
	return strings.ToLower(scheme)
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func listEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

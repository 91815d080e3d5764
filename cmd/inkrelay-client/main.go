package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/inkrelay/internal/clientsync"
	"github.com/agentworkforce/inkrelay/internal/history"
	"github.com/agentworkforce/inkrelay/internal/remote"
	"github.com/agentworkforce/inkrelay/internal/replica"
	"github.com/agentworkforce/inkrelay/internal/room"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env")
	}

	baseURL := flag.String("base-url", envOrDefault("INKRELAY_BASE_URL", "http://127.0.0.1:8080"), "inkrelay base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("INKRELAY_TOKEN")), "bearer token")
	roomID := flag.String("room", strings.TrimSpace(os.Getenv("INKRELAY_ROOM")), "room ID")
	projectName := flag.String("project", strings.TrimSpace(os.Getenv("INKRELAY_PROJECT")), "project name attached to uploaded blobs")
	replicaDir := flag.String("replica-dir", envOrDefault("INKRELAY_REPLICA_DIR", ".inkrelay-replica"), "local replica directory")
	inboxDir := flag.String("inbox-dir", strings.TrimSpace(os.Getenv("INKRELAY_INBOX_DIR")), "directory watched for page files")
	syncDelay := flag.Duration("sync-delay", durationEnv("INKRELAY_SYNC_DELAY", 300*time.Millisecond), "sync debounce window")
	uploadDelay := flag.Duration("upload-delay", durationEnv("INKRELAY_UPLOAD_DELAY", 750*time.Millisecond), "blob upload debounce window")
	freehandLimit := flag.Int("freehand-limit", intEnv("INKRELAY_FREEHAND_LIMIT", 2000), "realtime item limit for freehand pages")
	vectorLimit := flag.Int("vector-limit", intEnv("INKRELAY_VECTOR_LIMIT", 500), "realtime item limit for vector pages")
	modificationLimit := flag.Int("modification-limit", intEnv("INKRELAY_MODIFICATION_LIMIT", 50), "inline modification limit")
	compactDeleted := flag.Int("compact-deleted", intEnv("INKRELAY_COMPACT_DELETED", 100), "deleted item count that triggers auto-compaction (negative disables)")
	compactRatio := flag.Float64("compact-ratio", floatEnv("INKRELAY_COMPACT_RATIO", 0.3), "deleted ratio that triggers auto-compaction (negative disables)")
	compactMin := flag.Int("compact-min-items", intEnv("INKRELAY_COMPACT_MIN_ITEMS", 50), "page size below which the ratio trigger is ignored (negative removes the floor)")
	timeout := flag.Duration("timeout", durationEnv("INKRELAY_CLIENT_TIMEOUT", 30*time.Second), "connect and flush timeout")
	once := flag.Bool("once", false, "sync the inbox once and exit")
	flag.Parse()

	configureLogger(log)
	if strings.TrimSpace(*token) == "" {
		log.Fatal("token is required (--token or INKRELAY_TOKEN)")
	}
	if strings.TrimSpace(*roomID) == "" {
		log.Fatal("room is required (--room or INKRELAY_ROOM)")
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}

	store, err := replica.Open(*replicaDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open local replica")
	}
	defer store.Close()

	blobs := remote.NewClient(*baseURL, *token, nil)
	roomLog := log.WithField("room", *roomID)

	var manager *clientsync.Manager
	transport, err := clientsync.NewWebSocketTransport(clientsync.WebSocketOptions{
		BaseURL: *baseURL,
		RoomID:  *roomID,
		Token:   *token,
		Handler: func(ctx context.Context, frame room.Frame) error {
			return manager.HandleFrame(ctx, frame)
		},
		Logger: roomLog,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize transport")
	}
	manager, err = clientsync.NewManager(clientsync.Options{
		RoomID:      *roomID,
		ProjectName: *projectName,
		Replica:     store,
		Blobs:       blobs,
		Transport:   transport,
		Thresholds: clientsync.Thresholds{
			Freehand:      *freehandLimit,
			Vector:        *vectorLimit,
			Modifications: *modificationLimit,
		},
		Policy: history.Policy{
			MaxDeleted: *compactDeleted,
			MaxRatio:   *compactRatio,
			MinItems:   *compactMin,
		},
		SyncDelay:   *syncDelay,
		UploadDelay: *uploadDelay,
		Logger:      roomLog,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize sync manager")
	}
	defer manager.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(rootCtx)
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- transport.Run(runCtx) }()
	go logNotifications(runCtx, manager.Notifications(), roomLog)

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, *timeout)
	err = transport.WaitConnected(connectCtx)
	cancelConnect()
	if err != nil {
		log.WithError(err).Fatal("could not connect to room")
	}
	roomLog.Info("connected")

	if *inboxDir != "" {
		if err := ingestDir(manager, *inboxDir, roomLog); err != nil {
			log.WithError(err).Fatal("failed to read inbox")
		}
	}
	if *once {
		flush(manager, *timeout)
		return
	}

	if *inboxDir != "" {
		go func() {
			if err := watchInbox(runCtx, manager, *inboxDir, roomLog); err != nil && !errors.Is(err, context.Canceled) {
				roomLog.WithError(err).Error("inbox watcher stopped")
			}
		}()
	}

	select {
	case <-rootCtx.Done():
		roomLog.Info("shutting down")
	case err := <-runDone:
		roomLog.WithError(err).Error("transport stopped")
	}
	flush(manager, *timeout)
}

func flush(manager *clientsync.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := manager.Flush(ctx); err != nil {
		log.WithError(err).Warn("pending syncs not flushed")
	}
}

func logNotifications(ctx context.Context, notes <-chan clientsync.Notification, entry logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-notes:
			entry.WithFields(logrus.Fields{"kind": note.Kind, "page": note.PageIdx}).WithError(note.Err).Warn("sync degraded")
		}
	}
}

func configureLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(envOrDefault("INKRELAY_LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(os.Getenv("INKRELAY_LOG_FORMAT"), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %.2f", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}

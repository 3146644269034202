package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/api"
	"github.com/openfield/fieldsync/internal/config"
	"github.com/openfield/fieldsync/internal/images"
	"github.com/openfield/fieldsync/internal/queue"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/store"
	syncpkg "github.com/openfield/fieldsync/internal/sync"
	"github.com/openfield/fieldsync/internal/types"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline-first field data sync agent",
	Long: "FieldSync keeps a device-local store of field survey data (map pins and " +
		"health forms) reconciled with a remote backend: durable mutation queue, " +
		"conflict resolution, attachment sync, and a local control API for the UI.",
	RunE: run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	initLogger(cfg.Log)
	slog.Info("configuration loaded", "version", Version)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	deviceID, err := db.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}
	slog.Info("device identity resolved", "device_id", deviceID)

	// 5. Remote client; a persisted runtime override beats the config URL.
	client, err := buildRemoteClient(ctx, cfg, db)
	if err != nil {
		return err
	}
	slog.Info("remote client initialized", "base_url", client.BaseURL())

	// 6. Attachment reconciliation
	files, err := images.NewFileStore(cfg.Images.CacheDir)
	if err != nil {
		return err
	}
	blobs, err := images.NewBlobClient(cfg.Images.S3, client)
	if err != nil {
		return err
	}
	pinHook := images.NewPinHook(images.NewReconciler(files, blobs), db.Pins(), client)

	// 7. Sync handlers and manager
	pinPass := syncpkg.NewHandler(
		"pins",
		db.Pins(),
		client.Pins(),
		syncpkg.Codec[types.Pin, types.RemotePin]{
			ToLocal:  types.PinFromRemote,
			ToRemote: types.PinToRemote,
		},
		pinHook.AfterSync,
	)
	formPass := syncpkg.NewHandler(
		"forms",
		db.Forms(),
		client.Forms(),
		syncpkg.Codec[types.Form, types.RemoteForm]{
			ToLocal:  types.FormFromRemote,
			ToRemote: types.FormToRemote,
		},
		nil,
	)
	manager := syncpkg.NewManager(db, pinPass, formPass, pinHook)

	// 8. Operation queue
	q := queue.New(db, queue.NewRemoteDispatcher(client, db.Pins(), db.Forms()), queue.Config{
		DeviceID:    deviceID,
		BatchSize:   cfg.Queue.BatchSize,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Queue.BaseDelay),
		MaxDelay:    time.Duration(cfg.Queue.MaxDelay),
		Retention:   time.Duration(cfg.Queue.Retention),
	})
	q.OnEvent(func(e queue.Event) {
		slog.Warn("queue operation permanently failed",
			"component", "main",
			"event", e.Type,
			"operation_id", e.OperationID,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"error", e.Error,
		)
	})

	// 9. Background schedules
	scheduler := syncpkg.NewScheduler(ctx)
	if err := scheduler.Add(cfg.Scheduler.DrainSchedule, "queue-drain", func(ctx context.Context) error {
		_, err := q.Process(ctx)
		if errors.Is(err, queue.ErrDrainInProgress) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Add(cfg.Scheduler.PullSchedule, "incremental-pull", manager.PullChanges); err != nil {
		return err
	}
	if err := scheduler.Add(cfg.Scheduler.SweepSchedule, "reconciliation-sweep", manager.SyncNow); err != nil {
		return err
	}
	if err := scheduler.Add(cfg.Scheduler.CleanupSchedule, "queue-cleanup", func(ctx context.Context) error {
		_, err := q.CleanupOld(ctx)
		return err
	}); err != nil {
		return err
	}
	scheduler.Start()

	// 10. Control API
	handler := api.NewHandler(manager, q, db.Pins(), db.Forms(), client, db, cfg.Server.APIKey)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("control api listening", "address", addr)
		// ErrServerClosed is the expected error on graceful Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown: stop schedules, drain the API, close the store.
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// buildRemoteClient constructs the API client, applying any base-URL
// override the user persisted through the control API.
func buildRemoteClient(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (*remote.Client, error) {
	baseURL := cfg.Remote.BaseURL
	if v, err := db.GetSyncMeta(ctx, store.MetaAPIBaseURL); err == nil && v != "" {
		slog.Info("applying persisted base url override", "base_url", v)
		baseURL = v
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read base url override: %w", err)
	}

	return remote.NewClient(
		baseURL,
		cfg.Remote.APIKey,
		time.Duration(cfg.Remote.CallTimeout),
		time.Duration(cfg.Remote.BulkTimeout),
		uint64(cfg.Remote.MaxRetries),
	), nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

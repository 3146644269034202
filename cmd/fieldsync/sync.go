package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/config"
	"github.com/openfield/fieldsync/internal/images"
	"github.com/openfield/fieldsync/internal/queue"
	"github.com/openfield/fieldsync/internal/store"
	syncpkg "github.com/openfield/fieldsync/internal/sync"
	"github.com/openfield/fieldsync/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync pass and exit",
	Long: "Drains the pending operation queue, then reconciles pins and forms " +
		"against the remote store. Useful from cron or for debugging; the " +
		"long-running server schedules the same work itself.",
	RunE: runSyncOnce,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg.Log)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	deviceID, err := db.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}

	client, err := buildRemoteClient(ctx, cfg, db)
	if err != nil {
		return err
	}

	files, err := images.NewFileStore(cfg.Images.CacheDir)
	if err != nil {
		return err
	}
	blobs, err := images.NewBlobClient(cfg.Images.S3, client)
	if err != nil {
		return err
	}
	pinHook := images.NewPinHook(images.NewReconciler(files, blobs), db.Pins(), client)

	q := queue.New(db, queue.NewRemoteDispatcher(client, db.Pins(), db.Forms()), queue.Config{
		DeviceID:    deviceID,
		BatchSize:   cfg.Queue.BatchSize,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Queue.BaseDelay),
		MaxDelay:    time.Duration(cfg.Queue.MaxDelay),
		Retention:   time.Duration(cfg.Queue.Retention),
	})

	// Queued mutations first: they carry the user's explicit edits.
	res, err := q.Process(ctx)
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	fmt.Printf("queue: %d processed, %d successful, %d failed\n",
		res.Total, res.Successful, res.Failed)

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

	if err := syncpkg.NewManager(db, pinPass, formPass, pinHook).SyncNow(ctx); err != nil {
		return err
	}
	fmt.Println("sync completed")
	return nil
}

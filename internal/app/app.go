// Package app wires the ChronoShare daemon together from a Config: it
// opens the three databases, migrates them, and constructs the
// NameStore, ActionLog, ObjectStore, SyncLog, SyncCore, FetchManager,
// Scheduler and ContentServer that together keep a shared folder in
// sync.
package app

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chronoshare/internal/actionlog"
	"chronoshare/internal/config"
	"chronoshare/internal/core"
	"chronoshare/internal/database"
	"chronoshare/internal/database/migrations"
	"chronoshare/internal/fetcher"
	"chronoshare/internal/namestore"
	"chronoshare/internal/objectstore"
	"chronoshare/internal/objectstore/s3mirror"
	"chronoshare/internal/scheduler"
	"chronoshare/internal/synccore"
	"chronoshare/internal/synclog"
	"chronoshare/internal/transport"
)

// objectCacheEvictionTag names the periodic task that sweeps stale
// sub-store connections out of the ObjectStore's DbCache.
const objectCacheEvictionTag = "objectstore-eviction"

// App is the application layer between the CLI and the sync engine. It
// constructs all dependencies from config and manages their lifecycle.
type App struct {
	cfg *config.Config

	ActionLog *actionlog.Log
	Objects   *objectstore.Store
	SyncLog   *synclog.Log
	SyncCore  *synccore.Core
	Fetch     *fetcher.Manager
	Scheduler *scheduler.Scheduler
	Names     *namestore.Store

	logger  *slog.Logger
	logFile *os.File

	actionDB *database.Connection
	syncDB   *database.Connection
}

// New constructs a fully wired App from cfg, using face as the NDN
// transport (a real face in production, transport.NewNetwork().NewFace()
// in tests). The caller must call Close when done.
func New(cfg *config.Config, face transport.Face) (*App, error) {
	if err := os.MkdirAll(cfg.Database.MetadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	logger, logFile, err := newLogger(cfg.LogDir, cfg.LocalPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	actionDB, err := database.Open(filepath.Join(cfg.Database.MetadataDir, "action-log.db"))
	if err != nil {
		return nil, fmt.Errorf("opening action log database: %w", err)
	}
	if err := migrations.Up(actionDB.DB, migrations.ActionLog); err != nil {
		actionDB.Close()
		return nil, fmt.Errorf("migrating action log database: %w", err)
	}

	syncDB, err := database.Open(filepath.Join(cfg.Database.MetadataDir, "sync-log.db"))
	if err != nil {
		actionDB.Close()
		return nil, fmt.Errorf("opening sync log database: %w", err)
	}
	if err := migrations.Up(syncDB.DB, migrations.SyncLog); err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("migrating sync log database: %w", err)
	}

	names := namestore.New(actionDB.DB)
	local := core.NewDeviceName(cfg.LocalPrefix)
	if err := names.RegisterLocal(local); err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("registering local device: %w", err)
	}

	signer, err := loadOrCreateSigner(cfg)
	if err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("loading device key: %w", err)
	}

	clock := core.RealClock{}
	sched := scheduler.New(clock, logger)

	sl := synclog.New(syncDB.DB)

	encryptor, err := loadSegmentEncryptor(cfg)
	if err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("configuring segment encryption: %w", err)
	}

	var mirror *s3mirror.Mirror
	if cfg.Mirror.Enabled {
		mirror, err = s3mirror.New(context.Background(), s3mirror.Config{
			Bucket: cfg.Mirror.Bucket,
			Prefix: cfg.Mirror.Prefix,
			Region: cfg.Mirror.Region,
		})
		if err != nil {
			actionDB.Close()
			syncDB.Close()
			return nil, fmt.Errorf("configuring cold-storage mirror: %w", err)
		}
	}

	objects, err := objectstore.New(objectstore.Config{
		Root:      cfg.Database.MetadataDir,
		AppName:   cfg.AppName,
		Device:    local,
		Signer:    signer,
		Logger:    logger,
		Clock:     clock,
		Encryptor: encryptor,
		Mirror:    mirror,
	})
	if err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("opening object store: %w", err)
	}

	fm := fetcher.NewManager(fetcher.ManagerConfig{Face: face, Clock: clock, Logger: logger})

	// sc is assigned once synccore.New returns, below; onGap only ever
	// runs after Start, by which time it is set. Declaring it up front
	// lets the fetchGap closure call back into it once a remote action
	// has advanced this replica's own sync state.
	var sc *synccore.Core

	al := actionlog.New(actionlog.Config{
		DB:           actionDB.DB,
		Names:        names,
		Clock:        clock,
		Signer:       signer,
		Logger:       logger,
		AppName:      cfg.AppName,
		SharedFolder: cfg.SharedFolderName,
		OnUpdate:     fetchWinningContent(fm, objects, logger, cfg.AppName, local),
		OnRemove: func(filename string) {
			logger.Debug("file state removed", "filename", filename)
		},
	})

	sc, err = synccore.New(synccore.Config{
		Face:             face,
		SyncLog:          sl,
		Scheduler:        sched,
		Clock:            clock,
		IDGen:            core.UUIDGenerator{},
		Logger:           logger,
		SyncPrefix:       cfg.Transport.SyncPrefix,
		InterestLifetime: time.Duration(cfg.Transport.InterestLifetime) * time.Second,
		OnGap:            fetchGap(fm, al, sl, &sc, logger, cfg.AppName, cfg.SharedFolderName),
	})
	if err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("constructing sync core: %w", err)
	}

	contentServer := transport.NewContentServer(al, objects)
	if _, err := face.RegisterPrefix(cfg.LocalPrefix, contentServer.Handler()); err != nil {
		actionDB.Close()
		syncDB.Close()
		return nil, fmt.Errorf("registering content server prefix: %w", err)
	}

	cacheLifetime := time.Duration(cfg.ObjectCacheLifetimeSeconds) * time.Second
	if cacheLifetime <= 0 {
		cacheLifetime = 60 * time.Second
	}
	sched.Schedule(scheduler.Task{
		Tag:      objectCacheEvictionTag,
		Delay:    cacheLifetime,
		Interval: cacheLifetime,
		Run:      objects.EvictStaleSubStores,
	})

	return &App{
		cfg:       cfg,
		ActionLog: al,
		Objects:   objects,
		SyncLog:   sl,
		SyncCore:  sc,
		Fetch:     fm,
		Scheduler: sched,
		Names:     names,
		logger:    logger,
		logFile:   logFile,
		actionDB:  actionDB,
		syncDB:    syncDB,
	}, nil
}

// Run starts the sync core and the scheduler's executor loop, blocking
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.SyncCore.Start(ctx); err != nil {
		return fmt.Errorf("starting sync core: %w", err)
	}
	a.Scheduler.Run(ctx)
	return nil
}

// RecordLocalUpdate records a local file update whose content the
// caller has already segmented (fileHash, segCount), then
// advances this replica's own SyncLog state and republishes it exactly
// as spec.md §4.4's "on local state change" describes. Callers that
// only need the ActionLog side effect (tests) can call
// a.ActionLog.AddLocalUpdate directly; anything driving real sync
// should go through here.
func (a *App) RecordLocalUpdate(ctx context.Context, filename string, fileHash core.Hash, mtime time.Time, mode uint32, segCount uint64) (*core.Action, error) {
	action, err := a.ActionLog.AddLocalUpdate(filename, fileHash, mtime, mode, segCount)
	if err != nil {
		return nil, err
	}
	if err := a.advanceLocalSync(ctx, action); err != nil {
		return action, err
	}
	return action, nil
}

// RecordLocalDelete records a local file delete and advances local sync
// state the same way RecordLocalUpdate does. Returns (nil, nil) if
// filename had no prior update to delete, matching
// ActionLog.AddLocalDelete.
func (a *App) RecordLocalDelete(ctx context.Context, filename string) (*core.Action, error) {
	action, err := a.ActionLog.AddLocalDelete(filename)
	if err != nil || action == nil {
		return action, err
	}
	if err := a.advanceLocalSync(ctx, action); err != nil {
		return action, err
	}
	return action, nil
}

func (a *App) advanceLocalSync(ctx context.Context, action *core.Action) error {
	oldDigest, err := a.SyncLog.RootDigest()
	if err != nil {
		return fmt.Errorf("reading root digest before advancing local sync state: %w", err)
	}

	status := synclog.StatusUpdate
	if action.Kind == core.ActionDelete {
		status = synclog.StatusDelete
	}
	if _, err := a.SyncLog.UpdateDeviceSeq(action.Device, action.Seq, status); err != nil {
		return fmt.Errorf("advancing local sync state: %w", err)
	}

	a.SyncCore.OnLocalStateChange(ctx, oldDigest)
	return nil
}

// Close releases every resource App opened.
func (a *App) Close() error {
	var firstErr error

	a.Fetch.StopAll()
	a.Scheduler.Close()

	if err := a.Objects.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing object store: %w", err)
	}
	if err := a.actionDB.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing action log database: %w", err)
	}
	if err := a.syncDB.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing sync log database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// loadSegmentEncryptor builds the optional at-rest segment encryptor
// when cfg.Encryption is enabled. The passphrase unlocking the private
// key comes from CHRONOSHARE_PASSPHRASE: a long-running daemon has no
// terminal to prompt on, unlike the interactive `chronoshare keys-init`
// CLI command which uses golang.org/x/term instead.
func loadSegmentEncryptor(cfg *config.Config) (objectstore.SegmentEncryptor, error) {
	if !cfg.Encryption.Enabled {
		return nil, nil
	}
	passphrase := os.Getenv("CHRONOSHARE_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("encryption is enabled but CHRONOSHARE_PASSPHRASE is not set")
	}
	return objectstore.NewAgeSegmentEncryptor(cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath, passphrase)
}

// loadOrCreateSigner reads the device's ed25519 key pair from the
// configured paths, generating and persisting a new one if absent.
func loadOrCreateSigner(cfg *config.Config) (*core.Signer, error) {
	keyPath := cfg.Encryption.PrivateKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Database.MetadataDir, "keys", "chronoshare.key")
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil || len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("device key at %s is malformed", keyPath)
		}
		return core.NewSigner(ed25519.PrivateKey(block.Bytes)), nil
	}

	_, priv, err := core.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	block := &pem.Block{Type: "CHRONOSHARE DEVICE KEY", Bytes: priv}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("writing device key: %w", err)
	}
	return core.NewSigner(priv), nil
}

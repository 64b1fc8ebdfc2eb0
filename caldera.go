// Package caldera is a table-format storage engine built around immutable
// snapshots. Every state change of a table produces a new snapshot
// manifest; the manifest, not the data, is what a table points at. That
// makes shallow clones cheap: CREATE TABLE with a snapshot locator pins a
// new table to an existing snapshot and shares its data blocks until the
// tables diverge.
package caldera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calderadb/caldera/internal/blockstore"
	"github.com/calderadb/caldera/internal/catalog"
	"github.com/calderadb/caldera/internal/clone"
	"github.com/calderadb/caldera/internal/history"
	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/internal/liveness"
	"github.com/calderadb/caldera/internal/locator"
	"github.com/calderadb/caldera/internal/snapshotstore"
)

var (
	ErrNotStarted = errors.New("caldera: engine not started")
	ErrClosed     = errors.New("caldera: engine closed")
)

// Config configures the engine. Only Paths[0] is used at the moment;
// future versions may use multiple paths for tiering.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold checked at startup.
	MinimumFreeGB uint
	// Logger is an optional logger. If nil, a stderr logger is used.
	Logger *logrus.Logger
}

// Engine is the main storage engine handle. It owns the KV store and the
// lifecycle of every subsystem built on it.
type Engine struct {
	log    *logrus.Logger
	config Config

	kvMu      sync.RWMutex
	kv        *keyValStore.KeyValStore
	snapshots *snapshotstore.SnapshotStore
	blocks    *blockstore.BlockStore
	ledger    *history.HistoryIndex
	tables    *catalog.Catalog
	refs      *liveness.Tracker
	resolver  *locator.Resolver
	cloner    *clone.Orchestrator

	// writeMu serializes the snapshot-advancing statements per table name.
	writeMuMu sync.Mutex
	writeMu   map[string]*sync.Mutex

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// New constructs an engine handle. New does not perform I/O; call Start to
// open storage and run clone recovery.
func New(conf Config) (*Engine, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Engine{
		log:     conf.Logger,
		config:  conf,
		writeMu: make(map[string]*sync.Mutex),
	}, nil
}

// Start opens the KV store, wires the subsystems and rolls back any clone
// that was interrupted by a crash. Safe to call multiple times; only the
// first call has effect.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		dataRoot := e.config.Paths[0]
		if err := os.MkdirAll(dataRoot, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}

		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:         []string{filepath.Join(dataRoot, "kv")},
			MinimumFreeGB: e.config.MinimumFreeGB,
			Logger:        e.log,
		})
		if err != nil {
			startErr = fmt.Errorf("init kv: %w", err)
			return
		}

		snapshots := snapshotstore.NewSnapshotStore(kv, e.log)
		blocks := blockstore.NewBlockStore(kv, e.log)
		ledger := history.NewHistoryIndex(kv, e.log)
		tables := catalog.NewCatalog(kv, e.log)
		refs := liveness.NewTracker(kv, snapshots, blocks, e.log)
		resolver := locator.NewResolver(snapshots)
		cloner := clone.NewOrchestrator(kv, tables, ledger, snapshots, refs, e.log)

		if err := cloner.RecoverIntents(); err != nil {
			startErr = fmt.Errorf("recover clone intents: %w", err)
			_ = kv.Close()
			return
		}

		e.kvMu.Lock()
		e.kv = kv
		e.snapshots = snapshots
		e.blocks = blocks
		e.ledger = ledger
		e.tables = tables
		e.refs = refs
		e.resolver = resolver
		e.cloner = cloner
		e.kvMu.Unlock()

		if err := e.recoverDrops(); err != nil {
			startErr = fmt.Errorf("recover table drops: %w", err)
			_ = kv.Close()
			return
		}

		e.started.Store(true)
		e.log.WithFields(logrus.Fields{"path": dataRoot}).Info("Caldera engine started")
	})
	return startErr
}

// Run starts the engine, blocks until ctx is canceled, then performs a
// bounded graceful shutdown. A convenience for the daemon.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Close(shutdownCtx)
}

// Close flushes and closes the KV store. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.kvMu.Lock()
		kv := e.kv
		e.kv = nil
		e.kvMu.Unlock()
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = fmt.Errorf("close kv: %w", err)
			}
		}
		e.log.Info("Caldera engine closed")
	})
	return closeErr
}

// storedKV reads the KV handle without the started gate, for internal
// paths that run during startup recovery.
func (e *Engine) storedKV() *keyValStore.KeyValStore {
	e.kvMu.RLock()
	defer e.kvMu.RUnlock()
	return e.kv
}

// kvHandle gates statement entry on the engine lifecycle.
func (e *Engine) kvHandle() (*keyValStore.KeyValStore, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}

	e.kvMu.RLock()
	kv := e.kv
	e.kvMu.RUnlock()
	if kv == nil {
		return nil, ErrClosed
	}
	return kv, nil
}

// tableLock returns the mutex serializing snapshot-advancing statements
// for one table name. Statements on distinct tables do not contend.
func (e *Engine) tableLock(name string) *sync.Mutex {
	e.writeMuMu.Lock()
	defer e.writeMuMu.Unlock()
	mu, ok := e.writeMu[name]
	if !ok {
		mu = &sync.Mutex{}
		e.writeMu[name] = mu
	}
	return mu
}

// Tracker exposes the liveness tracker, mainly for tests and the
// inspection tooling.
func (e *Engine) Tracker() *liveness.Tracker {
	return e.refs
}

// Snapshots exposes the snapshot store for inspection tooling.
func (e *Engine) Snapshots() *snapshotstore.SnapshotStore {
	return e.snapshots
}

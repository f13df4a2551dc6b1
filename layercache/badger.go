package layercache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"vgraph/cas"
)

// BadgerConfig configures the embedded Badger tier.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites trades write latency for durability.
	SyncWrites bool
	// GCInterval is how often to run value log GC; 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts zap to Badger's Logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// BadgerBackend stores blobs in an embedded Badger database keyed by
// "cas/<hash bytes>".
type BadgerBackend struct {
	db     *badger.DB
	log    *zap.SugaredLogger
	stop   chan struct{}
	done   chan struct{}
	gcTick time.Duration
	ratio  float64
}

// OpenBadger opens the Badger tier and starts value log GC if configured.
func OpenBadger(cfg BadgerConfig, log *zap.SugaredLogger) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent tier")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	b := &BadgerBackend{
		db:     db,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		gcTick: cfg.GCInterval,
		ratio:  cfg.GCDiscardRatio,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go b.gcLoop()
	} else {
		close(b.done)
	}
	return b, nil
}

func (b *BadgerBackend) Name() string { return "badger" }

func badgerKey(addr cas.Hash) []byte {
	return append([]byte("cas/"), addr[:]...)
}

func (b *BadgerBackend) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(addr))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return data, nil
}

func (b *BadgerBackend) Put(ctx context.Context, addr cas.Hash, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(addr), data)
	})
}

func (b *BadgerBackend) Delete(ctx context.Context, addr cas.Hash) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(addr))
	})
}

func (b *BadgerBackend) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(addr))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger get: %w", err)
	}
	return true, nil
}

// Close stops GC and closes the database.
func (b *BadgerBackend) Close() error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.done
	return b.db.Close()
}

func (b *BadgerBackend) gcLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.gcTick)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect
			if err := b.db.RunValueLogGC(b.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warnw("badger value log GC failed", "error", err)
			}
		}
	}
}

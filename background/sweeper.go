// Package background runs periodic maintenance: the retention sweeper that
// deletes unreferenced snapshot blobs, and the worker that drains dependent
// value roots.
package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"vgraph/cas"
	"vgraph/layercache"
	"vgraph/store"
)

var sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vgraph_retention_swept_total",
	Help: "Addresses processed by the retention sweeper by result",
}, []string{"result"})

const sweepBatch = 256

// Sweeper deletes snapshot and batch blobs whose addresses no change set
// references and that have not been used for longer than the retention age.
type Sweeper struct {
	db       *store.DB
	cas      layercache.Store
	log      *zap.SugaredLogger
	interval time.Duration
	age      time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(db *store.DB, cas layercache.Store, log *zap.SugaredLogger, interval, age time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		db:       db,
		cas:      cas,
		log:      log,
		interval: interval,
		age:      age,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to stop and waits for it.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.log.Warnw("retention sweep failed", "swept", n, "error", err)
			} else if n > 0 {
				s.log.Infow("retention sweep", "swept", n)
			}
		}
	}
}

// RunOnce sweeps every stale address and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := cas.NowMs() - s.age.Milliseconds()
	swept := 0
	for {
		stale, err := s.db.StaleAddresses(ctx, cutoff, sweepBatch)
		if err != nil {
			return swept, err
		}
		removed := 0
		for _, addr := range stale {
			ok, err := s.db.SweepAddress(ctx, addr, cutoff, func(ctx context.Context) error {
				if err := s.cas.Delete(ctx, addr); err != nil && !errors.Is(err, layercache.ErrNotFound) {
					return fmt.Errorf("deleting blob %s: %w", addr.Short(), err)
				}
				return nil
			})
			if err != nil {
				sweptTotal.WithLabelValues("error").Inc()
				return swept, err
			}
			if !ok {
				// used again since it was listed
				sweptTotal.WithLabelValues("kept").Inc()
				continue
			}
			sweptTotal.WithLabelValues("deleted").Inc()
			removed++
		}
		swept += removed
		if len(stale) < sweepBatch || removed == 0 {
			return swept, nil
		}
	}
}

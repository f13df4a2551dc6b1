// Command vgraphd is the vgraph server daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vgraph/api"
	"vgraph/background"
	"vgraph/changeset"
	"vgraph/config"
	"vgraph/events"
	"vgraph/layercache"
	"vgraph/logging"
	"vgraph/pack"
	"vgraph/rebaser"
	"vgraph/rpc"
	"vgraph/snapshot"
	"vgraph/store"
)

var (
	configPath string
	listenFlag string
	dataFlag   string
)

var rootCmd = &cobra.Command{
	Use:          "vgraphd",
	Short:        "vgraph server daemon",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file (YAML or JSON)")
	rootCmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on (default: :7448)")
	rootCmd.Flags().StringVar(&dataFlag, "data", "", "Data directory (default: ./data)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon holds everything the server owns.
type daemon struct {
	cfg *config.Config
	log *zap.SugaredLogger

	db      *store.DB
	cache   *layercache.Cache
	badger  *layercache.BadgerBackend
	redis   *redis.Client
	bus     *events.Bus
	mgr     *changeset.Manager
	rebaser *rebaser.Service

	rpcServer *rpc.RedisServer
	sweeper   *background.Sweeper
	dvu       *background.DVUWorker
	handler   http.Handler
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if dataFlag != "" {
		cfg.DataDir = dataFlag
	}

	log, err := logging.New(cfg.Log.Level, cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Infow("vgraphd starting",
		"listen", cfg.Listen,
		"data", cfg.DataDir,
		"database", cfg.Database.Driver,
		"redis", cfg.Redis.URL != "",
		"badger", cfg.CAS.BadgerPath,
		"s3", cfg.CAS.S3.Endpoint,
		"version", cfg.Version,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	d.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      d.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout(cfg) + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("vgraphd listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}
	d.Stop()
	log.Info("vgraphd stopped")
	return nil
}

// requestTimeout bounds a request: an apply may wait the full rebase
// timeout plus a DVU wait.
func requestTimeout(cfg *config.Config) time.Duration {
	return cfg.Rebase.Timeout + 30*time.Second
}

// newDaemon opens storage and wires the components. Nothing runs until
// Start.
func newDaemon(cfg *config.Config, log *zap.SugaredLogger) (d *daemon, err error) {
	d = &daemon{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.db, err = store.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		d.redis, err = layercache.DialRedis(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
	}

	backends, err := d.backends()
	if err != nil {
		return nil, err
	}
	d.cache = layercache.New(layercache.Config{
		MemoryEntries: cfg.CAS.MemoryEntries,
		MemoryIdleTTL: cfg.CAS.MemoryIdleTTL,
	}, log.Named("cas"), backends...)

	d.bus = events.NewBus(256)
	publishers := []events.Publisher{d.bus}
	if d.redis != nil {
		publishers = append(publishers, events.NewRedisPublisher(d.redis))
	}
	pub := events.NewMulti(log.Named("events"), publishers...)

	opts := changeset.Options{
		RequireApproval:   cfg.Approval.Required,
		AllowSelfApproval: cfg.Approval.AllowSelf,
		RebaseTimeout:     cfg.Rebase.Timeout,
		DVUWaitTimeout:    cfg.DVU.WaitTimeout,
		DVUPollInterval:   cfg.DVU.PollInterval,
		BatchKind:         pack.BatchKind(cfg.Rebase.BatchKind),
		SnapshotOptions: []snapshot.Option{
			snapshot.WithSlowPool(snapshot.NewSlowPool(cfg.Snapshot.SlowWorkers)),
			snapshot.WithFetchRetry(cfg.Snapshot.FetchAttempts, cfg.Snapshot.FetchInterval),
			snapshot.WithLogger(log.Named("snapshot")),
		},
	}
	d.mgr = changeset.NewManager(d.db, d.cache, nil, pub, log.Named("changeset"), opts)
	d.rebaser = rebaser.New(d.mgr, log.Named("rebaser"), cfg.Rebase.ReplayConcurrency)

	if d.redis != nil {
		d.mgr.SetRebaseClient(rpc.NewRedisClient(d.redis, ""))
		d.rpcServer = rpc.NewRedisServer(d.redis, "", d.rebaser, log.Named("rpc"))
	} else {
		d.mgr.SetRebaseClient(rpc.NewLocal(d.rebaser))
	}

	d.sweeper = background.NewSweeper(d.db, d.cache, log.Named("retention"), cfg.Retention.Interval, cfg.Retention.Age)
	d.dvu = background.NewDVUWorker(d.db, d.mgr, nil, log.Named("dvu"), cfg.DVU.WorkerInterval)

	tokens := api.NewTokenService([]byte(cfg.Auth.JWTSecret), "vgraph")
	if !tokens.Enabled() {
		log.Warn("auth.jwt_secret is empty: requests are trusted by header")
	}
	d.handler = api.WithDefaults(api.NewRouter(d.mgr, d.db, cfg, tokens, log.Named("api")), log.Named("http"), requestTimeout(cfg))
	return d, nil
}

// backends returns the persistent CAS tiers in lookup order.
func (d *daemon) backends() ([]layercache.Backend, error) {
	cfg := d.cfg.CAS
	var backends []layercache.Backend

	if d.redis != nil {
		backends = append(backends, layercache.NewRedisBackend(d.redis, cfg.MemoryIdleTTL))
	}
	if cfg.BadgerPath != "" {
		b, err := layercache.OpenBadger(layercache.DefaultBadgerConfig(cfg.BadgerPath), d.log.Named("badger"))
		if err != nil {
			return nil, err
		}
		d.badger = b
		backends = append(backends, b)
	}
	if cfg.SQL {
		backends = append(backends, layercache.NewSQLBackend(d.db))
	}
	if cfg.S3.Endpoint != "" {
		s3, err := layercache.NewS3Backend(layercache.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, s3)
	}
	if len(backends) == 0 {
		d.log.Warn("no persistent CAS tier configured: snapshots live in memory only")
	}
	return backends, nil
}

// Start launches the background workers.
func (d *daemon) Start(ctx context.Context) {
	if d.rpcServer != nil {
		d.rpcServer.Start()
	}
	d.sweeper.Start(ctx)
	d.dvu.Start(ctx)

	ch, cancel := d.bus.Subscribe()
	go func() {
		<-ctx.Done()
		cancel()
	}()
	go func() {
		for e := range ch {
			d.log.Debugw("event",
				"kind", e.Kind,
				"workspace", e.WorkspaceID,
				"changeSet", e.ChangeSetID,
				"actor", e.Actor,
			)
		}
	}()
}

// Stop stops the background workers.
func (d *daemon) Stop() {
	if d.rpcServer != nil {
		d.rpcServer.Stop()
	}
	d.dvu.Stop()
	d.sweeper.Stop()
}

// Close releases storage. Safe on a partially built daemon.
func (d *daemon) Close() {
	if d.cache != nil {
		d.cache.Close()
	}
	if d.badger != nil {
		if err := d.badger.Close(); err != nil {
			d.log.Warnw("closing badger", "error", err)
		}
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

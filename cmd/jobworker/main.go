// Command jobworker runs queued job workers against a shared job store.
//
// Subcommands:
//
//	run      claim and process checksum jobs until interrupted
//	enqueue  add a checksum job to the store
//	migrate  create the PostgreSQL jobs table and exit
package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gfs "cloud.google.com/go/firestore"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quintans/jobprocessor/backlog"
	"github.com/quintans/jobprocessor/backoff"
	"github.com/quintans/jobprocessor/internal/config"
	"github.com/quintans/jobprocessor/processor"
	"github.com/quintans/jobprocessor/store/firestore"
	"github.com/quintans/jobprocessor/store/memory"
	"github.com/quintans/jobprocessor/store/postgres"
	"github.com/quintans/jobprocessor/worker"
)

// ChecksumJob asks for the SHA-256 digest of Data.
type ChecksumJob struct {
	Data string `json:"data" msgpack:"data"`
}

type ChecksumResult struct {
	Digest string `json:"digest" msgpack:"digest"`
}

func checksum(_ context.Context, job ChecksumJob) (ChecksumResult, error) {
	if job.Data == "" {
		return ChecksumResult{}, errors.New("empty data")
	}
	sum := sha256.Sum256([]byte(job.Data))
	return ChecksumResult{Digest: hex.EncodeToString(sum[:])}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "jobworker",
		Short:         "Queued job worker",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		enqueueCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jobworker:", err)
		os.Exit(1)
	}
}

// env bundles what every subcommand needs.
type env struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	store  backlog.Store
	worker *worker.Worker[ChecksumJob, ChecksumResult]
	close  func()
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	w := worker.New(cfg.JobKind, checksum,
		worker.WithCodec(worker.GetCodec(cfg.Codec)),
		worker.WithPollingInterval(cfg.PollingInterval),
		worker.WithLogger(processor.NewZapLogger(log)),
	)

	return &env{
		cfg:    cfg,
		log:    log,
		store:  store,
		worker: w,
		close: func() {
			closeStore()
			_ = log.Sync()
		},
	}, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func openStore(ctx context.Context, cfg *config.Config) (backlog.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		s := postgres.New(db,
			postgres.TableOption(cfg.Table),
			postgres.LockDurationOption(cfg.LeaseDuration),
			postgres.MaxAttemptsOption(cfg.MaxAttempts),
		)
		return s, func() { db.Close() }, nil
	case config.StoreFirestore:
		client, err := gfs.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, err
		}
		s := firestore.New(client,
			firestore.CollectionPathOption(cfg.Collection),
			firestore.LockDurationOption(cfg.LeaseDuration),
			firestore.MaxAttemptsOption(cfg.MaxAttempts),
		)
		return s, func() { client.Close() }, nil
	default:
		s := memory.New(
			memory.LockDurationOption(cfg.LeaseDuration),
			memory.MaxAttemptsOption(cfg.MaxAttempts),
		)
		return s, func() {}, nil
	}
}

func runCmd() *cobra.Command {
	var iterations int
	var seed []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and process jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			for _, data := range seed {
				if _, err := e.worker.Enqueue(ctx, e.store, ChecksumJob{Data: data}); err != nil {
					return fmt.Errorf("seed: %w", err)
				}
			}

			budget := processor.Unbounded()
			if cmd.Flags().Changed("iterations") {
				budget = processor.Exactly(iterations)
			}
			return run(ctx, e, budget)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 0, "process at most this many jobs, stopping early when the backlog is empty")
	cmd.Flags().StringArrayVar(&seed, "seed", nil, "enqueue a job with this data before running (repeatable)")
	return cmd
}

func run(ctx context.Context, e *env, budget processor.Budget) error {
	opts := []processor.Option{
		processor.WithLogger(processor.NewZapLogger(e.log)),
	}

	if e.cfg.StoreRetryAttempts > 0 {
		opts = append(opts, processor.WithStoreRetry(backoff.NewExponentialBackoff(
			backoff.MaxRetriesOption(e.cfg.StoreRetryAttempts),
		)))
	}

	if e.cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := processor.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, processor.WithMetrics(metrics))

		srv := serveMetrics(e.cfg.MetricsAddr, reg, e.log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stop := processor.NewStopFlag()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			e.log.Infow("stop requested, finishing current job", "signal", sig.String())
			stop.Stop()
		case <-stop.Done():
		}
	}()
	defer stop.Stop()

	e.log.Infow("worker started",
		"service", e.worker.ServiceName(),
		"store", e.cfg.Store,
		"budget", budget.String(),
	)
	return processor.Run(ctx, e.worker, e.store, stop, budget, opts...)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func enqueueCmd() *cobra.Command {
	var data string
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a checksum job to the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if e.cfg.Store == config.StoreMemory {
				return errors.New("enqueue needs a shared store, set STORE to postgres or firestore")
			}

			var runAt time.Time
			if delay > 0 {
				runAt = time.Now().Add(delay)
			}
			id, err := e.worker.EnqueueAt(ctx, e.store, ChecksumJob{Data: data}, runAt)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "data to digest")
	cmd.Flags().DurationVar(&delay, "delay", 0, "do not run the job before this delay")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL jobs table and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			s, ok := e.store.(*postgres.Store)
			if !ok {
				return fmt.Errorf("migrate is only supported by the postgres store, not %q", e.cfg.Store)
			}
			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.log.Infow("migration complete", "table", e.cfg.Table)
			return nil
		},
	}
}

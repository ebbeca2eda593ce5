// Command jobschedd runs the background job scheduler as a standalone
// process: it loads configuration from JOBSCHED_* variables, starts the
// engine and the manager, serves diagnostics over HTTP and enqueues a
// periodic housekeeping job.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/azargarov/jobsched"
	"github.com/azargarov/jobsched/config"
	"github.com/azargarov/jobsched/history"
	"github.com/azargarov/jobsched/relay"
	"github.com/azargarov/jobsched/statusapi"
)

const (
	housekeepingInterval = time.Minute
	shutdownTimeout      = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		lg.FromContext(ctx).Error("jobschedd exited with error", lg.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := lg.FromContext(ctx)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	queue := jobsched.NewPriorityWorkQueue(cfg.MaxQueueSize)
	bus := jobsched.NewEventBus()
	container := jobsched.NewContainer()

	engineOpts := cfg.EngineOptions()
	engineOpts.Scopes = container
	engineOpts.OnJobError = func(info jobsched.ItemInfo, err error) {
		logger.Warn("work item attempt failed",
			lg.String("item_id", info.ID),
			lg.String("type", info.Type),
			lg.Int("retry_count", info.RetryCount),
			lg.Any("error", err),
		)
	}

	var store *history.Store
	if cfg.HistoryDriver != "none" {
		store, err = history.Open(ctx, cfg.HistoryDriver, cfg.HistoryDSN)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("history store close failed", lg.Any("error", err))
			}
		}()
		engineOpts.Recorder = store
		container.ProvideValue("history", store)
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; events will not be relayed", lg.Any("error", err))
		} else {
			r := relay.New(rdb, cfg.RedisChannel)
			r.Attach(bus)
			defer r.Detach(bus)
			logger.Info("relaying events", lg.String("channel", r.Channel()))
		}
	}

	engine := jobsched.NewEngine(queue, bus, engineOpts)
	manager := jobsched.NewManager(queue, bus, cfg.ManagerOptions())
	producer := newHousekeeper(manager, cfg.LifecycleOptions())

	for _, svc := range []jobsched.Service{engine, producer} {
		if err := manager.Register(svc); err != nil {
			return err
		}
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	if err := manager.StartAll(ctx); err != nil {
		logger.Error("some services failed to start", lg.Any("error", err))
	}

	var routerOpts []statusapi.Option
	if store != nil {
		routerOpts = append(routerOpts, statusapi.WithHistory(store))
	}
	srv := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           statusapi.NewRouter(manager, queue, routerOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("status server listening", lg.String("addr", cfg.StatusAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return multierr.Append(srv.Shutdown(sctx), manager.Shutdown(sctx))
	})
	return g.Wait()
}

// newHousekeeper returns a service that enqueues a low priority job which
// reports history counts every housekeepingInterval.
func newHousekeeper(m *jobsched.Manager, opts jobsched.Options) *jobsched.Lifecycle {
	var svc *jobsched.Lifecycle
	svc = jobsched.NewLifecycle("housekeeper", opts, func(ctx context.Context) error {
		return svc.RunPeriodically(ctx, housekeepingInterval, func(ctx context.Context) error {
			item := jobsched.NewWorkItem("history-report", "housekeeping", reportHistory,
				jobsched.WithPriority(-1),
				jobsched.WithRetry(jobsched.RetryPolicy{MaxRetries: 1, Delay: 10 * time.Second}),
			)
			return m.Enqueue(ctx, item)
		})
	})
	return svc
}

func reportHistory(ctx context.Context, scope jobsched.Scope) error {
	store, err := jobsched.ResolveAs[*history.Store](scope, "history")
	if errors.Is(err, jobsched.ErrUnknownDependency) {
		return nil
	}
	if err != nil {
		return err
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	lg.FromContext(ctx).Info("history totals", lg.Any("counts", counts))
	return nil
}

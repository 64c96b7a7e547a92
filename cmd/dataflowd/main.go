// Command dataflowd runs the Dataflow Engine daemon: it owns the Object,
// Ref, Lock, and Log stores, the Task Runner, and the scheduler, exposing
// only ambient health/metrics endpoints — the six named Dataflow Engine
// operations are a library surface (internal/dataflow.Engine), not an HTTP
// API, per this module's scope.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dataflowhq/dataflowd/internal/dataflow"
	"github.com/dataflowhq/dataflowd/internal/ir"
	"github.com/dataflowhq/dataflowd/internal/lockservice"
	"github.com/dataflowhq/dataflowd/internal/lockservice/localbolt"
	"github.com/dataflowhq/dataflowd/internal/lockservice/remoteredis"
	"github.com/dataflowhq/dataflowd/internal/logstore"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/natsbus"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
	"github.com/dataflowhq/dataflowd/internal/obs"
	"github.com/dataflowhq/dataflowd/internal/obslog"
	"github.com/dataflowhq/dataflowd/internal/procident"
	"github.com/dataflowhq/dataflowd/internal/refstore"
	"github.com/dataflowhq/dataflowd/internal/taskrunner"
)

const service = "dataflowd"

func main() {
	obslog.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obs.InitTracer(ctx, service)
	shutdownMetrics := obs.InitMetrics(ctx, service)
	defer obs.Flush(context.Background(), shutdownTrace)
	defer obs.Flush(context.Background(), shutdownMetrics)

	dataDir := getEnvDefault("DATAFLOWD_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}
	scratchDir := getEnvDefault("DATAFLOWD_SCRATCH_DIR", filepath.Join(dataDir, "scratch"))
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		slog.Error("create scratch dir", "error", err)
		os.Exit(1)
	}
	repo := getEnvDefault("DATAFLOWD_REPO", "default")

	meter := obs.Meter()
	tracer := obs.Tracer()

	objects, err := objectstore.Open(filepath.Join(dataDir, "objects.db"), meter, tracer)
	if err != nil {
		slog.Error("open object store", "error", err)
		os.Exit(1)
	}
	defer objects.Close()

	refs, err := refstore.Open(filepath.Join(dataDir, "refs.db"), meter)
	if err != nil {
		slog.Error("open ref store", "error", err)
		os.Exit(1)
	}
	defer refs.Close()

	logs, err := logstore.Open(filepath.Join(dataDir, "logs.db"))
	if err != nil {
		slog.Error("open log store", "error", err)
		os.Exit(1)
	}
	defer logs.Close()

	ident := procident.New()

	locks, holderFactory, closeLocks, err := buildLockService(dataDir, ident)
	if err != nil {
		slog.Error("build lock service", "error", err)
		os.Exit(1)
	}
	defer closeLocks()

	runner := taskrunner.New(objects, refs, logs, ir.NewArgvTemplate(), ident, scratchDir, tracer)

	var publish dataflow.EventPublisher
	if nc := connectNATS(); nc != nil {
		defer nc.Close()
		publish = natsbus.New(nc).Publisher()
	}

	// NewEngine is the library surface this daemon keeps warm: an embedder
	// (HTTP routing, a CLI, a test harness) drives dataflowExecute/Start/
	// Execution/Cancel/GetGraph directly against it, per this module's
	// explicit exclusion of an HTTP/CLI surface from its own scope.
	_ = dataflow.NewEngine(objects, refs, locks, runner, logs, holderFactory, publish, tracer)

	janitor := startJanitor(refs, scratchDir)
	defer janitor.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", obs.PromHandler())

	addr := getEnvDefault("DATAFLOWD_HTTP_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("dataflowd started", "addr", addr, "repo", repo)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildLockService wires the Lock Service's local-bbolt strategy by
// default, or the Redis remote strategy when DATAFLOWD_REDIS_ADDR is set,
// and returns the holder factory that encodes this process's identity in
// whichever shape that strategy's holders expect.
func buildLockService(dataDir string, ident procident.Provider) (*lockservice.Service, func() (lockservice.Holder, error), func() error, error) {
	if addr := os.Getenv("DATAFLOWD_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ttl := 5 * time.Minute
		strategy := remoteredis.New(client, ttl)
		holderFactory := func() (lockservice.Holder, error) {
			sessionID, err := uuid.NewV7()
			if err != nil {
				return lockservice.Holder{}, err
			}
			return lockservice.Holder{Descriptor: sessionID.String(), AcquiredAt: time.Now()}, nil
		}
		return lockservice.New(strategy), holderFactory, client.Close, nil
	}

	strategy, err := localbolt.Open(filepath.Join(dataDir, "locks.db"), ident)
	if err != nil {
		return nil, nil, nil, err
	}
	holderFactory := func() (lockservice.Holder, error) {
		id, err := ident.Current()
		if err != nil {
			return lockservice.Holder{}, err
		}
		descriptor, err := localbolt.EncodeDescriptor(id, service)
		if err != nil {
			return lockservice.Holder{}, err
		}
		return lockservice.Holder{Descriptor: descriptor, AcquiredAt: time.Now()}, nil
	}
	return lockservice.New(strategy), holderFactory, strategy.Close, nil
}

// connectNATS returns a connected client when DATAFLOWD_NATS_URL is set, or
// nil otherwise; the event bus is additive, so a missing/unreachable NATS
// never blocks startup.
func connectNATS() *nats.Conn {
	url := os.Getenv("DATAFLOWD_NATS_URL")
	if url == "" {
		return nil
	}
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("nats connect failed, continuing without event bus", "error", err)
		return nil
	}
	return nc
}

// startJanitor registers the periodic maintenance job: dropping terminal
// run bookkeeping past a retention window and sweeping scratch directories
// left behind by a daemon crash that skipped the Task Runner's own
// deferred cleanup.
func startJanitor(refs *refstore.Store, scratchDir string) *cron.Cron {
	c := cron.New()
	spec := getEnvDefault("DATAFLOWD_JANITOR_CRON", "@every 1m")
	retention := 7 * 24 * time.Hour
	grace := 1 * time.Hour
	_, err := c.AddFunc(spec, func() {
		sweepScratch(scratchDir, grace)
		sweepRuns(refs, retention)
	})
	if err != nil {
		slog.Error("register janitor schedule", "error", err, "spec", spec)
	}
	c.Start()
	return c
}

// sweepRuns deletes terminal DataflowRun records older than retention, per
// workspace. A run still in model.RunRunning is never swept, even past the
// window, since that would destroy the one durable record dataflowExecution
// reads back from for a run that outlived this process.
func sweepRuns(refs *refstore.Store, retention time.Duration) {
	workspaces, err := refs.Workspaces().List()
	if err != nil {
		slog.Warn("janitor: list workspaces failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-retention)
	for _, workspace := range workspaces {
		runs, err := refs.Runs().List(workspace)
		if err != nil {
			slog.Warn("janitor: list runs failed", "workspace", workspace, "error", err)
			continue
		}
		for _, run := range runs {
			if run.Status == model.RunRunning || run.CompletedAt.IsZero() || run.CompletedAt.After(cutoff) {
				continue
			}
			if err := refs.Runs().Delete(workspace, run.RunID); err != nil {
				slog.Warn("janitor: delete run failed", "workspace", workspace, "run", run.RunID, "error", err)
			}
		}
	}
}

func sweepScratch(scratchDir string, grace time.Duration) {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-grace)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(scratchDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("scratch sweep failed", "path", path, "error", err)
		}
	}
}

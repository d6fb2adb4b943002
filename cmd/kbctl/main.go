// Command kbctl is a thin, non-interactive smoke-test binary. It loads
// configuration, opens a pool, and walks every coordination primitive
// through one happy-path call so an operator can confirm a freshly
// provisioned schema is wired up correctly, analogous to the original's
// __MAIN__ demo entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/glenn-edgar/kb-coordinator/internal/config"
	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbjob"
	"github.com/glenn-edgar/kb-coordinator/internal/kbrpcclient"
	"github.com/glenn-edgar/kb-coordinator/internal/kbrpcserver"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstatus"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstream"
	"github.com/glenn-edgar/kb-coordinator/internal/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kbctl failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("op=kbctl.run: %w", err)
	}

	log := observability.SetupLogger(cfg)
	observability.InitMetrics()

	runID := uuid.NewString()
	log = log.With(slog.String("request_id", runID))

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=kbctl.run: %w", err)
	}
	if shutdownTracing != nil {
		defer shutdownTracing(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = observability.ContextWithRequestID(ctx, runID)
	ctx = observability.ContextWithLogger(ctx, log)

	pool, err := kbstore.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("op=kbctl.run: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("op=kbctl.run: %w", err)
	}
	log.Info("connected to database")

	policy := domain.RetryPolicy{MaxRetries: cfg.DefaultMaxRetries, BaseDelay: cfg.DefaultBaseDelay}

	if err := smokeStatus(ctx, log, pool, cfg, policy); err != nil {
		return err
	}
	if err := smokeStream(ctx, log, pool, cfg, policy); err != nil {
		return err
	}
	if err := smokeJob(ctx, log, pool, cfg, policy); err != nil {
		return err
	}
	if err := smokeRPC(ctx, log, pool, cfg, policy); err != nil {
		return err
	}

	log.Info("smoke test complete")
	return nil
}

func smokeStatus(ctx context.Context, log *slog.Logger, pool kbstore.Pool, cfg config.Config, policy domain.RetryPolicy) error {
	store := kbstatus.New(pool, cfg.StatusTable)
	path := os.Getenv("KBCTL_STATUS_PATH")
	if path == "" {
		log.Info("skipping status smoke test: KBCTL_STATUS_PATH not set")
		return nil
	}
	outcome, err := store.Set(ctx, path, `{"probe":"kbctl"}`, policy)
	if err != nil {
		return fmt.Errorf("op=kbctl.smokeStatus: %w", err)
	}
	data, err := store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("op=kbctl.smokeStatus: %w", err)
	}
	log.Info("status roundtrip", slog.String("path", path), slog.String("outcome", string(outcome)), slog.String("data", data))
	return nil
}

func smokeStream(ctx context.Context, log *slog.Logger, pool kbstore.Pool, cfg config.Config, policy domain.RetryPolicy) error {
	store := kbstream.New(pool, cfg.StreamTable)
	path := os.Getenv("KBCTL_STREAM_PATH")
	if path == "" {
		log.Info("skipping stream smoke test: KBCTL_STREAM_PATH not set")
		return nil
	}
	if err := store.Push(ctx, path, `{"probe":"kbctl"}`, policy); err != nil {
		return fmt.Errorf("op=kbctl.smokeStream: %w", err)
	}
	log.Info("stream push ok", slog.String("path", path))
	return nil
}

func smokeJob(ctx context.Context, log *slog.Logger, pool kbstore.Pool, cfg config.Config, policy domain.RetryPolicy) error {
	store := kbjob.New(pool, cfg.JobTable)
	path := os.Getenv("KBCTL_JOB_PATH")
	if path == "" {
		log.Info("skipping job queue smoke test: KBCTL_JOB_PATH not set")
		return nil
	}
	queued, err := store.CountQueued(ctx, path)
	if err != nil {
		return fmt.Errorf("op=kbctl.smokeJob: %w", err)
	}
	free, err := store.CountFree(ctx, path)
	if err != nil {
		return fmt.Errorf("op=kbctl.smokeJob: %w", err)
	}
	observability.SetPoolSlotsAvailable(observability.ComponentJobQueue, path, float64(free))
	log.Info("job queue counts", slog.String("path", path), slog.Int("queued", queued), slog.Int("free", free))
	return nil
}

func smokeRPC(ctx context.Context, log *slog.Logger, pool kbstore.Pool, cfg config.Config, policy domain.RetryPolicy) error {
	serverPath := os.Getenv("KBCTL_RPC_SERVER_PATH")
	if serverPath == "" {
		log.Info("skipping RPC smoke test: KBCTL_RPC_SERVER_PATH not set")
		return nil
	}
	serverStore := kbrpcserver.New(pool, cfg.RPCServerTable)
	empty, err := serverStore.CountEmptyJobs(ctx, serverPath)
	if err != nil {
		return fmt.Errorf("op=kbctl.smokeRPC: %w", err)
	}

	clientStore := kbrpcclient.New(pool, cfg.RPCClientTable)
	clientPath := os.Getenv("KBCTL_RPC_CLIENT_PATH")
	if clientPath == "" {
		log.Info("rpc server empty slots", slog.String("server_path", serverPath), slog.Int64("empty", empty))
		return nil
	}
	free, err := clientStore.FindFreeSlots(ctx, clientPath)
	if err != nil && !errors.Is(err, domain.ErrNoRecords) {
		return fmt.Errorf("op=kbctl.smokeRPC: %w", err)
	}
	log.Info("rpc smoke test", slog.String("server_path", serverPath), slog.Int64("server_empty", empty),
		slog.String("client_path", clientPath), slog.Int64("client_free", free))
	return nil
}

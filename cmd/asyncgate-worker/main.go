// Command asyncgate-worker is a reference worker: it polls
// asyncgate-server for queued work, claims a batch, and completes each
// task with the fixed result {"echoed": true}. Real workers follow the same
// claim/start/complete-or-fail loop against their own task types.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asyncgate/asyncgate/pkg/workerclient"
	"github.com/google/uuid"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "asyncgate-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	baseURL := os.Getenv("ASYNCGATE_SERVER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("ASYNCGATE_WORKER_TOKEN")
	if token == "" {
		return fmt.Errorf("ASYNCGATE_WORKER_TOKEN is required")
	}
	workerID := os.Getenv("ASYNCGATE_WORKER_ID")
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}

	log := slog.Default().With("worker_id", workerID)
	client := workerclient.New(baseURL, token)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	leaseTTL := 30 * time.Second
	poll := 2 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		claimed, err := client.ClaimNext(ctx, workerID, map[string]bool{"echo": true}, "1.0.0", 5, leaseTTL)
		if err != nil {
			log.Error("claim failed", "err", err)
			time.Sleep(poll)
			continue
		}
		if len(claimed) == 0 {
			time.Sleep(poll)
			continue
		}

		for _, c := range claimed {
			processTask(ctx, log, client, c, workerID)
		}
	}
}

func processTask(ctx context.Context, log *slog.Logger, client *workerclient.Client, c workerclient.ClaimedTask, workerID string) {
	log = log.With("task_id", c.TaskID, "lease_id", c.Lease.LeaseID)

	if _, err := client.StartTask(ctx, c.TaskID, c.Lease.LeaseID, workerID); err != nil {
		log.Error("start failed", "err", err)
		return
	}

	if err := client.ReportProgress(ctx, c.TaskID, c.Lease.LeaseID, workerID, map[string]any{"pct": 50}); err != nil {
		log.Warn("progress report failed", "err", err)
	}

	if err := client.Complete(ctx, c.TaskID, c.Lease.LeaseID, workerID, map[string]any{"echoed": true}, nil); err != nil {
		log.Error("complete failed, failing task", "err", err)
		if failErr := client.Fail(ctx, c.TaskID, c.Lease.LeaseID, workerID, err.Error(), true); failErr != nil {
			log.Error("fail also failed", "err", failErr)
		}
		return
	}
	log.Info("task completed")
}

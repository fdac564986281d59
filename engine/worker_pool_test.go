package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaylab/filesync/engine"
)

func TestWorkerPoolRunsEnqueuedJobs(t *testing.T) {
	queue := engine.NewJobQueue(10)

	var processed atomic.Int32
	pool := engine.NewWorkerPool(context.Background(), queue, 3, func(ctx context.Context, job engine.SyncJob) error {
		processed.Add(1)
		return nil
	}, nil)

	for i := 0; i < 10; i++ {
		if err := queue.Enqueue(engine.SyncJob{Filename: "f"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() != 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := processed.Load(); got != 10 {
		t.Fatalf("expected 10 jobs processed, got %d", got)
	}

	pool.Stop()
	stats := pool.Stats()
	if stats.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", stats.Completed)
	}
}

func TestWorkerPoolFailingJobDoesNotCrashPool(t *testing.T) {
	queue := engine.NewJobQueue(10)
	errBoom := errors.New("boom")

	pool := engine.NewWorkerPool(context.Background(), queue, 1, func(ctx context.Context, job engine.SyncJob) error {
		if job.Filename == "bad" {
			return errBoom
		}
		return nil
	}, nil)

	_ = queue.Enqueue(engine.SyncJob{Filename: "bad"})
	_ = queue.Enqueue(engine.SyncJob{Filename: "good"})

	deadline := time.Now().Add(2 * time.Second)
	for queue.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	pool.Stop()
	stats := pool.Stats()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed job, got %d", stats.Failed)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed job, got %d", stats.Completed)
	}
}

func TestWorkerPoolShutdownAbandonsQueuedJobsNotRunning(t *testing.T) {
	queue := engine.NewJobQueue(10)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var ran atomic.Int32

	pool := engine.NewWorkerPool(context.Background(), queue, 1, func(ctx context.Context, job engine.SyncJob) error {
		if job.Filename == "running" {
			started <- struct{}{}
			<-release
		}
		ran.Add(1)
		return nil
	}, nil)

	_ = queue.Enqueue(engine.SyncJob{Filename: "running"})
	<-started // the single worker is now blocked inside the handler

	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(engine.SyncJob{Filename: "queued"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight job was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the in-flight job finished")
	}

	if ran.Load() != 1 {
		t.Errorf("expected exactly 1 job to have run, got %d", ran.Load())
	}

	stats := pool.Stats()
	if stats.Abandoned != 3 {
		t.Errorf("expected 3 abandoned jobs, got %d", stats.Abandoned)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed job, got %d", stats.Completed)
	}
}

func TestWorkerPoolStatsReportsActiveWorkers(t *testing.T) {
	queue := engine.NewJobQueue(10)

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	pool := engine.NewWorkerPool(context.Background(), queue, 1, func(ctx context.Context, job engine.SyncJob) error {
		started <- struct{}{}
		<-release
		return nil
	}, nil)

	_ = queue.Enqueue(engine.SyncJob{Filename: "running"})
	<-started

	if got := pool.Stats().Active; got != 1 {
		t.Errorf("expected 1 active worker mid-job, got %d", got)
	}

	close(release)
	pool.Stop()

	if got := pool.Stats().Active; got != 0 {
		t.Errorf("expected 0 active workers after Stop, got %d", got)
	}
}

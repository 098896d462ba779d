package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publisher pushes documents into the search index. It is satisfied by
// index.Indexer.
type Publisher interface {
	IndexRule(ctx context.Context, org string, ruleID int64) error
	IndexActiveRule(ctx context.Context, activeRuleID int64) error
}

// WorkerPool processes queued index jobs using a pool of goroutines.
type WorkerPool struct {
	store     *JobStore
	publisher Publisher
	cfg       *JobConfig
	logger    *slog.Logger
	processed *prometheus.CounterVec
	wake      chan struct{}
	wg        sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. Job outcome counters are
// registered with reg when it is not nil.
func NewWorkerPool(store *JobStore, publisher Publisher, cfg *JobConfig, reg prometheus.Registerer, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Index jobs processed by kind and outcome.",
	}, []string{"kind", "outcome"})
	if reg != nil {
		reg.MustRegister(processed)
	}
	return &WorkerPool{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		processed: processed,
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes one idle worker without waiting for the next poll. Callers
// use it right after committing a session that enqueued jobs.
func (wp *WorkerPool) Notify() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for jobs. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

// Drain processes queued jobs on the calling goroutine until none is left
// to claim, and returns how many were processed. Failed jobs that are
// re-queued are retried within the same call until their retries run out.
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		ok, err := wp.processOne(ctx, -1)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// workerLoop is the main loop for a single worker goroutine.
func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Debug("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Debug("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
		case <-wp.wake:
		}
		// Keep going while there is work so a burst does not wait for
		// one tick per job.
		for ctx.Err() == nil {
			ok, err := wp.processOne(ctx, workerID)
			if err != nil {
				wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
				break
			}
			if !ok {
				break
			}
		}
	}
}

// processOne claims and processes a single job. It reports false when no
// job was available.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) (bool, error) {
	job, err := wp.store.Claim(wp.cfg.MaxRetries)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	err = wp.publish(ctx, job)
	if err != nil {
		wp.logger.Error("job failed",
			"workerID", workerID,
			"jobID", job.ID,
			"kind", job.Kind,
			"entityID", job.EntityID,
			"attempt", job.AttemptCount,
			"error", err)
		wp.processed.WithLabelValues(string(job.Kind), "error").Inc()
		if failErr := wp.store.Fail(job.ID, err.Error(), wp.cfg.MaxRetries); failErr != nil {
			wp.logger.Error("failed to mark job as failed", "jobID", job.ID, "error", failErr)
		}
		return true, nil
	}

	wp.logger.Debug("job completed",
		"workerID", workerID,
		"jobID", job.ID,
		"kind", job.Kind,
		"entityID", job.EntityID,
		"duration", time.Since(start).String())
	wp.processed.WithLabelValues(string(job.Kind), "ok").Inc()

	if err := wp.store.Complete(job.ID, time.Since(start)); err != nil {
		wp.logger.Error("failed to mark job as complete", "jobID", job.ID, "error", err)
	}
	return true, nil
}

func (wp *WorkerPool) publish(ctx context.Context, job *IndexJob) error {
	switch job.Kind {
	case KindRule:
		return wp.publisher.IndexRule(ctx, job.Organization, job.EntityID)
	case KindActiveRule:
		return wp.publisher.IndexActiveRule(ctx, job.EntityID)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// cleanupLoop periodically cleans up stuck jobs and old completed jobs.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				recovered, err := wp.store.CleanupStuckJobs(wp.cfg.ClaimTimeout, wp.cfg.MaxRetries)
				if err != nil {
					wp.logger.Error("failed to cleanup stuck jobs", "error", err)
				} else if recovered > 0 {
					wp.logger.Info("recovered stuck jobs", "count", recovered)
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old jobs", "error", err)
				} else if deleted > 0 {
					wp.logger.Info("deleted old jobs", "count", deleted)
				}
			}
		}
	}
}

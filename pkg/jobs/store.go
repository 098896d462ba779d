package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codequality/rule-registry/pkg/pagetoken"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobState is returned when a job is not in a state the operation
	// accepts.
	ErrJobState = errors.New("invalid job state")
	// ErrInvalidPageToken is returned by List for a malformed page token.
	ErrInvalidPageToken = errors.New("invalid page token")
)

// JobStore provides database operations for index jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the index_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&IndexJob{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	Kind         string
	Organization string
	State        string
}

// EnqueueRule queues the publication of a rule document in tx.
func (s *JobStore) EnqueueRule(tx *gorm.DB, org string, ruleID int64, requestedBy string) error {
	_, err := s.EnqueueTx(tx, &IndexJob{Kind: KindRule, Organization: org, EntityID: ruleID, RequestedBy: requestedBy})
	return err
}

// EnqueueActiveRule queues the publication of an active rule document in tx.
func (s *JobStore) EnqueueActiveRule(tx *gorm.DB, activeRuleID int64, requestedBy string) error {
	_, err := s.EnqueueTx(tx, &IndexJob{Kind: KindActiveRule, EntityID: activeRuleID, RequestedBy: requestedBy})
	return err
}

// Enqueue queues a job outside of any caller transaction.
func (s *JobStore) Enqueue(job *IndexJob) (*IndexJob, error) {
	return s.EnqueueTx(s.db, job)
}

// EnqueueTx queues a job in tx. A job still queued for the same document
// makes a new one redundant, since publication rebuilds the whole document
// when it runs; that job is returned instead. Running jobs do not count, as
// they may have read the state this job is meant to publish. Requeued jobs
// do not count either, since they may run out of retries.
//
// On postgres and mysql the reused job stays row-locked until tx ends, so
// Claim skips it until the change it publishes is committed.
func (s *JobStore) EnqueueTx(tx *gorm.DB, job *IndexJob) (*IndexJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}
	if job.RequestedBy == "" {
		job.RequestedBy = "system"
	}
	job.DedupKey = dedupKey(job.Kind, job.Organization, job.EntityID)

	var existing IndexJob
	err := pendingDuplicate(tx, job.DedupKey).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check queued job: %w", err)
	}

	if err := tx.Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// pendingDuplicate selects the untried queued job with the given dedup key.
func pendingDuplicate(tx *gorm.DB, key string) *gorm.DB {
	q := tx.Where("dedup_key = ? AND state = ? AND attempt_count = 0", key, JobStateQueued)
	return forUpdate(q, "")
}

// forUpdate adds a row lock on dialects that support one.
func forUpdate(q *gorm.DB, options string) *gorm.DB {
	switch q.Dialector.Name() {
	case "postgres", "mysql":
		return q.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
	}
	return q
}

// Claim atomically picks the oldest queued job and transitions it to
// running. Row locks with SKIP LOCKED are used where the database supports
// them. Returns nil if no jobs are available.
func (s *JobStore) Claim(maxRetries int) (*IndexJob, error) {
	var job IndexJob

	err := s.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
			Order("requested_at ASC")
		q = forUpdate(q, "SKIP LOCKED")
		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := time.Now()
		return tx.Model(&IndexJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if job.ID == "" {
		return nil, nil
	}

	// Reload to get the updated values.
	if err := s.db.First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete marks a job as succeeded.
func (s *JobStore) Complete(jobID string, duration time.Duration) error {
	now := time.Now()
	result := s.db.Model(&IndexJob{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":       JobStateSucceeded,
		"finished_at": now,
		"duration_ms": duration.Milliseconds(),
		"message":     "Published",
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. If the attempt count is within retries, the
// job is re-queued; otherwise it becomes failed.
func (s *JobStore) Fail(jobID string, errMsg string, maxRetries int) error {
	now := time.Now()

	var job IndexJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": now,
	}

	if job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	} else {
		updates["state"] = JobStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	}

	result := s.db.Model(&IndexJob{}).Where("id = ?", jobID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("fail job: %w", result.Error)
	}
	return nil
}

// Cancel marks a queued job as canceled.
func (s *JobStore) Cancel(jobID string) error {
	now := time.Now()
	result := s.db.Model(&IndexJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": now,
			"message":     "Canceled by user",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		job, err := s.Get(jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("%w: job %s is %s, only queued jobs can be canceled", ErrJobState, jobID, job.State)
	}
	return nil
}

// Retry queues a new job publishing the same document as a failed one. The
// failed job is kept for its history. When a job for the document is
// already queued, that job is returned instead.
func (s *JobStore) Retry(jobID string, requestedBy string) (*IndexJob, error) {
	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State != JobStateFailed {
		return nil, fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", ErrJobState, jobID, job.State)
	}
	return s.Enqueue(&IndexJob{
		Kind:         job.Kind,
		Organization: job.Organization,
		EntityID:     job.EntityID,
		RequestedBy:  requestedBy,
		Message:      "Retry of " + job.ID,
	})
}

// Stats counts jobs per state. States without jobs are reported as zero.
func (s *JobStore) Stats() (map[JobState]int64, error) {
	var rows []struct {
		State JobState
		Count int64
	}
	if err := s.db.Model(&IndexJob{}).Select("state, COUNT(*) AS count").Group("state").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	stats := map[JobState]int64{
		JobStateQueued:    0,
		JobStateRunning:   0,
		JobStateSucceeded: 0,
		JobStateFailed:    0,
		JobStateCanceled:  0,
	}
	for _, r := range rows {
		stats[r.State] = r.Count
	}
	return stats, nil
}

// Get retrieves a job by ID. Returns nil, nil if it does not exist.
func (s *JobStore) Get(jobID string) (*IndexJob, error) {
	var job IndexJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(filter JobListFilter, pageSize int, pageToken string) ([]IndexJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&IndexJob{})
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.Organization != "" {
			q = q.Where("organization_uuid = ?", filter.Organization)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(s.db).Order("requested_at DESC, id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, id, err := pagetoken.Decode(pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
		}
		query = query.Where(pagetoken.Where("requested_at", "id"), pagetoken.Args(t, id)...)
	}

	var records []IndexJob
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagetoken.Encode(last.RequestedAt, last.ID)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs recovers running jobs that have been stuck (started_at
// older than claimTimeout). A job with retries left goes back to queued; one
// that used them all becomes failed, as Fail would have done. It returns the
// number of recovered jobs.
func (s *JobStore) CleanupStuckJobs(claimTimeout time.Duration, maxRetries int) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	var recovered int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		stuck := func() *gorm.DB {
			return tx.Model(&IndexJob{}).Where("state = ? AND started_at < ?", JobStateRunning, cutoff)
		}
		failed := stuck().Where("attempt_count >= ?", maxRetries).
			Updates(map[string]any{
				"state":       JobStateFailed,
				"finished_at": time.Now(),
				"last_error":  "Timed out (stuck job recovery)",
				"message":     "Max retries exceeded: timed out",
			})
		if failed.Error != nil {
			return failed.Error
		}
		requeued := stuck().
			Updates(map[string]any{
				"state":      JobStateQueued,
				"started_at": nil,
				"last_error": "Timed out (stuck job recovery)",
			})
		if requeued.Error != nil {
			return requeued.Error
		}
		recovered = failed.RowsAffected + requeued.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", err)
	}
	return recovered, nil
}

// DeleteOlderThan removes terminal jobs older than the given cutoff.
func (s *JobStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("state IN ? AND finished_at < ?",
		[]JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}, cutoff).
		Delete(&IndexJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

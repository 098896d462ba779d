package jobs

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A unique shared-cache DSN with a single connection keeps every
	// statement, transactional or not, on the same in-memory database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, NewJobStore(db).AutoMigrate())
	return db
}

func TestEnqueueCreatesJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	created, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, JobStateQueued, created.State)
	assert.Equal(t, "system", created.RequestedBy)
	assert.Equal(t, "rule:org1:7", created.DedupKey)
	assert.False(t, created.RequestedAt.IsZero())
}

func TestEnqueueCoalescesQueuedJobs(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	first, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 7})
	require.NoError(t, err)
	second, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 7})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org2", EntityID: 7})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, _, total, err := store.List(JobListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestEnqueueDoesNotCoalesceRunningJobs(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	first, err := store.Enqueue(&IndexJob{Kind: KindActiveRule, EntityID: 3})
	require.NoError(t, err)
	claimed, err := store.Claim(3)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	second, err := store.Enqueue(&IndexJob{Kind: KindActiveRule, EntityID: 3})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEnqueueTxRollsBackWithCaller(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)

	tx := db.Begin()
	require.NoError(t, tx.Error)
	require.NoError(t, store.EnqueueRule(tx, "org1", 1, "alice"))
	require.NoError(t, store.EnqueueActiveRule(tx, 2, "alice"))
	require.NoError(t, tx.Rollback().Error)

	_, _, total, err := store.List(JobListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	tx = db.Begin()
	require.NoError(t, store.EnqueueRule(tx, "org1", 1, "alice"))
	require.NoError(t, tx.Commit().Error)

	records, _, total, err := store.List(JobListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "alice", records[0].RequestedBy)
}

func TestClaimTransitionsOldestJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	older := &IndexJob{Kind: KindRule, Organization: "org1", EntityID: 1, RequestedAt: time.Now().Add(-time.Minute)}
	newer := &IndexJob{Kind: KindRule, Organization: "org1", EntityID: 2, RequestedAt: time.Now()}
	_, err := store.Enqueue(newer)
	require.NoError(t, err)
	_, err = store.Enqueue(older)
	require.NoError(t, err)

	claimed, err := store.Claim(3)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, JobStateRunning, claimed.State)
	assert.Equal(t, 1, claimed.AttemptCount)
	assert.NotNil(t, claimed.StartedAt)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	claimed, err := store.Claim(3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job, err := store.Enqueue(&IndexJob{Kind: KindRule, EntityID: 1})
	require.NoError(t, err)
	_, err = store.Claim(3)
	require.NoError(t, err)

	require.NoError(t, store.Complete(job.ID, 1500*time.Millisecond))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, got.State)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.NotNil(t, got.FinishedAt)
	assert.True(t, got.IsTerminal())
}

func TestFailRequeuesUntilMaxRetries(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job, err := store.Enqueue(&IndexJob{Kind: KindRule, EntityID: 1})
	require.NoError(t, err)

	maxRetries := 2
	for attempt := 1; attempt <= maxRetries; attempt++ {
		claimed, err := store.Claim(maxRetries)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)
		require.NoError(t, store.Fail(job.ID, "index down", maxRetries))
	}

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Equal(t, maxRetries, got.AttemptCount)
	assert.Equal(t, "index down", got.LastError)
	assert.Contains(t, got.Message, "Max retries exceeded")

	claimed, err := store.Claim(maxRetries)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCancelJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job, err := store.Enqueue(&IndexJob{Kind: KindRule, EntityID: 1})
	require.NoError(t, err)

	require.NoError(t, store.Cancel(job.ID))
	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCanceled, got.State)

	err = store.Cancel(job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobState)

	err = store.Cancel("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRetryJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job, err := store.Enqueue(&IndexJob{Kind: KindActiveRule, EntityID: 3})
	require.NoError(t, err)

	_, err = store.Retry(job.ID, "bob")
	assert.ErrorIs(t, err, ErrJobState)

	_, err = store.Claim(0)
	require.NoError(t, err)
	require.NoError(t, store.Fail(job.ID, "boom", 0))

	retried, err := store.Retry(job.ID, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, JobStateQueued, retried.State)
	assert.Equal(t, KindActiveRule, retried.Kind)
	assert.Equal(t, int64(3), retried.EntityID)
	assert.Equal(t, "bob", retried.RequestedBy)
	assert.Equal(t, 0, retried.AttemptCount)

	old, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, old.State)

	_, err = store.Retry("missing", "bob")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStats(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Len(t, stats, 5)
	assert.Zero(t, stats[JobStateQueued])

	for i := int64(1); i <= 3; i++ {
		_, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: i})
		require.NoError(t, err)
	}
	claimed, err := store.Claim(5)
	require.NoError(t, err)
	require.NoError(t, store.Complete(claimed.ID, time.Millisecond))

	stats, err = store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[JobStateQueued])
	assert.Equal(t, int64(1), stats[JobStateSucceeded])
}

func TestListFiltersAndPaginates(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(&IndexJob{
			Kind:         KindRule,
			Organization: "org1",
			EntityID:     int64(i + 1),
			RequestedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.Enqueue(&IndexJob{Kind: KindActiveRule, EntityID: 9})
	require.NoError(t, err)

	page, next, total, err := store.List(JobListFilter{Kind: string(KindRule)}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].EntityID, "newest first")
	require.NotEmpty(t, next)

	page, _, _, err = store.List(JobListFilter{Kind: string(KindRule)}, 2, next)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].EntityID)

	_, _, _, err = store.List(JobListFilter{}, 2, "not-a-time")
	assert.Error(t, err)
}

func TestCleanupStuckJobs(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	job, err := store.Enqueue(&IndexJob{Kind: KindRule, EntityID: 1})
	require.NoError(t, err)
	_, err = store.Claim(3)
	require.NoError(t, err)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&IndexJob{}).Where("id = ?", job.ID).Update("started_at", stale).Error)

	recovered, err := store.CleanupStuckJobs(10*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, got.State)
}

func TestCleanupStuckJobsFailsExhaustedJobs(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	job, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 1})
	require.NoError(t, err)
	_, err = store.Claim(1)
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&IndexJob{}).Where("id = ?", job.ID).Update("started_at", stale).Error)

	recovered, err := store.CleanupStuckJobs(10*time.Minute, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.NotNil(t, got.FinishedAt)

	// A later change to the same document gets a job a worker can claim.
	next, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 1})
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, next.ID)
	claimed, err := store.Claim(1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, next.ID, claimed.ID)
}

func TestEnqueueDoesNotCoalesceRequeuedJobs(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	first, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 1})
	require.NoError(t, err)
	_, err = store.Claim(3)
	require.NoError(t, err)
	require.NoError(t, store.Fail(first.ID, "index down", 3))

	requeued, err := store.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, JobStateQueued, requeued.State)
	require.Equal(t, 1, requeued.AttemptCount)

	second, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	third, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: 1})
	require.NoError(t, err)
	assert.Equal(t, second.ID, third.ID)
}

func TestPendingDuplicateLocksRow(t *testing.T) {
	pg, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=rules dbname=rules sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	sql := pg.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return pendingDuplicate(tx, "rule:org1:7").First(&IndexJob{})
	})
	assert.Contains(t, sql, "FOR UPDATE")
	assert.NotContains(t, sql, "SKIP LOCKED")
	assert.Contains(t, sql, "attempt_count = 0")

	sql = setupTestDB(t).ToSQL(func(tx *gorm.DB) *gorm.DB {
		return pendingDuplicate(tx, "rule:org1:7").First(&IndexJob{})
	})
	assert.NotContains(t, sql, "FOR UPDATE")
}

func TestListPaginatesAcrossEqualTimestamps(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		job, err := store.Enqueue(&IndexJob{Kind: KindRule, Organization: "org1", EntityID: int64(i + 1), RequestedAt: at})
		require.NoError(t, err)
		want[job.ID] = true
	}

	seen := map[string]bool{}
	token := ""
	for pages := 0; pages < 5; pages++ {
		page, next, _, err := store.List(JobListFilter{}, 2, token)
		require.NoError(t, err)
		for _, j := range page {
			assert.False(t, seen[j.ID], "job %s listed twice", j.ID)
			seen[j.ID] = true
		}
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, want, seen)
}

func TestDeleteOlderThan(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job, err := store.Enqueue(&IndexJob{Kind: KindRule, EntityID: 1})
	require.NoError(t, err)
	_, err = store.Enqueue(&IndexJob{Kind: KindRule, EntityID: 2})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(job.ID))

	deleted, err := store.DeleteOlderThan(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted, "only terminal jobs are removed")
}

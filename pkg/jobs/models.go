package jobs

import (
	"strconv"
	"time"
)

// JobState represents the lifecycle state of an index job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// JobKind names the kind of document an index job publishes.
type JobKind string

const (
	KindRule       JobKind = "rule"
	KindActiveRule JobKind = "active_rule"
)

// IndexJob is the GORM model for one pending index publication. Jobs are
// written in the same transaction as the change they publish, so a committed
// change always has a job and a rolled-back change never does.
type IndexJob struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Kind         JobKind    `gorm:"column:kind;size:20;not null"`
	Organization string     `gorm:"column:organization_uuid;size:40"`
	EntityID     int64      `gorm:"column:entity_id;not null"`
	DedupKey     string     `gorm:"column:dedup_key;size:128;index:idx_index_job_dedup"`
	RequestedBy  string     `gorm:"column:requested_by;not null"`
	RequestedAt  time.Time  `gorm:"column:requested_at;not null"`
	State        JobState   `gorm:"column:state;index:idx_index_job_state;not null;default:queued"`
	Message      string     `gorm:"column:message"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	FinishedAt   *time.Time `gorm:"column:finished_at"`
	AttemptCount int        `gorm:"column:attempt_count;default:0"`
	LastError    string     `gorm:"column:last_error"`
	DurationMs   int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (IndexJob) TableName() string { return "index_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *IndexJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// dedupKey identifies the document a job publishes.
func dedupKey(kind JobKind, org string, entityID int64) string {
	return string(kind) + ":" + org + ":" + strconv.FormatInt(entityID, 10)
}

package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codequality/rule-registry/pkg/pagetoken"
)

// Audit event types.
const (
	EventCustomRuleCreated = "rule.custom.created"
	EventRuleActivated     = "rule.activated"
	EventRuleDeactivated   = "rule.deactivated"
	EventRuleRegistered    = "rule.registered"
	EventRuleUpdated       = "rule.updated"
	EventCustomRuleDeleted = "rule.custom.deleted"
)

// AuditStore provides append-only operations for rule events.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append creates a new immutable event record in sess, so the event commits
// or rolls back with the change it describes.
func (s *AuditStore) Append(ctx context.Context, sess *Session, event *RuleEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := conn(ctx, s.db, sess).Create(event).Error; err != nil {
		return fmt.Errorf("append rule event: %w", err)
	}
	return nil
}

// ListByRule returns paginated events of org for a rule, newest first.
// pageToken is the cursor returned with the previous page.
func (s *AuditStore) ListByRule(ctx context.Context, org string, ruleID int64, pageSize int, pageToken string) ([]RuleEventRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).
		Where("rule_id = ? AND organization_uuid = ?", ruleID, org).
		Order("created_at DESC, id DESC").
		Limit(pageSize + 1)
	if pageToken != "" {
		t, id, err := pagetoken.Decode(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		query = query.Where(pagetoken.Where("created_at", "id"), pagetoken.Args(t, id)...)
	}

	var records []RuleEventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list rule events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagetoken.Encode(last.CreatedAt, last.ID)
		records = records[:pageSize]
	}
	return records, nextToken, nil
}

// DeleteOlderThan removes events created before cutoff and returns how many
// were removed.
func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&RuleEventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete rule events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

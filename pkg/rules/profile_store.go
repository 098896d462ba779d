package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActiveRuleEntry is an activation together with the profile it belongs to.
type ActiveRuleEntry struct {
	Record  ActiveRuleRecord
	Profile QualityProfileRecord
}

// ProfileStore provides operations over quality profiles, active rules and
// active rule parameters.
type ProfileStore struct {
	db *gorm.DB
}

// NewProfileStore creates a new ProfileStore.
func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// InsertProfile creates a quality profile. An empty key is generated.
func (s *ProfileStore) InsertProfile(ctx context.Context, sess *Session, p *QualityProfileRecord) error {
	if p.OrganizationUUID == "" {
		return fmt.Errorf("%w: profile without organization", ErrInvalidRequest)
	}
	if p.Kee == "" {
		p.Kee = uuid.New().String()
	}
	if err := conn(ctx, s.db, sess).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: profile %q already exists", ErrConflict, p.Kee)
		}
		return fmt.Errorf("insert quality profile: %w", err)
	}
	return nil
}

// FindProfileByKey looks up a profile by its external key.
func (s *ProfileStore) FindProfileByKey(ctx context.Context, sess *Session, kee string) (*QualityProfileRecord, error) {
	var p QualityProfileRecord
	if err := conn(ctx, s.db, sess).First(&p, "kee = ?", kee).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("quality profile %q", kee)
		}
		return nil, fmt.Errorf("find quality profile: %w", err)
	}
	return &p, nil
}

// FindProfileByID looks up a profile by its internal id.
func (s *ProfileStore) FindProfileByID(ctx context.Context, sess *Session, id int64) (*QualityProfileRecord, error) {
	var p QualityProfileRecord
	if err := conn(ctx, s.db, sess).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("quality profile id %d", id)
		}
		return nil, fmt.Errorf("find quality profile: %w", err)
	}
	return &p, nil
}

// InsertActiveRule links a rule to a profile. A second link for the same
// (profile, rule) pair violates the unique index and fails with
// ErrAlreadyActive.
func (s *ProfileStore) InsertActiveRule(ctx context.Context, sess *Session, ar *ActiveRuleRecord) error {
	ar.ID = 0
	if err := conn(ctx, s.db, sess).Create(ar).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: rule %d in profile %d", ErrAlreadyActive, ar.RuleID, ar.ProfileID)
		}
		return fmt.Errorf("insert active rule: %w", err)
	}
	return nil
}

// InsertActiveRuleParam stores one parameter override of an active rule.
func (s *ProfileStore) InsertActiveRuleParam(ctx context.Context, sess *Session, p *ActiveRuleParamRecord) error {
	p.ID = 0
	if err := conn(ctx, s.db, sess).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: param %q already set on active rule %d", ErrConflict, p.Key, p.ActiveRuleID)
		}
		return fmt.Errorf("insert active rule param: %w", err)
	}
	return nil
}

// FindActiveRule returns the activation of a rule in a profile.
func (s *ProfileStore) FindActiveRule(ctx context.Context, sess *Session, profileID, ruleID int64) (*ActiveRuleRecord, error) {
	var ar ActiveRuleRecord
	err := conn(ctx, s.db, sess).
		Where("profile_id = ? AND rule_id = ?", profileID, ruleID).
		First(&ar).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("rule %d is not active in profile %d", ruleID, profileID)
		}
		return nil, fmt.Errorf("find active rule: %w", err)
	}
	return &ar, nil
}

// FindActiveRuleByID returns an activation by its id.
func (s *ProfileStore) FindActiveRuleByID(ctx context.Context, sess *Session, id int64) (*ActiveRuleRecord, error) {
	var ar ActiveRuleRecord
	if err := conn(ctx, s.db, sess).First(&ar, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("active rule id %d", id)
		}
		return nil, fmt.Errorf("find active rule: %w", err)
	}
	return &ar, nil
}

// FindActiveRuleParams returns the parameter overrides of the given
// activations, grouped by active rule id.
func (s *ProfileStore) FindActiveRuleParams(ctx context.Context, sess *Session, activeRuleIDs ...int64) (map[int64][]ActiveRuleParamRecord, error) {
	out := make(map[int64][]ActiveRuleParamRecord, len(activeRuleIDs))
	if len(activeRuleIDs) == 0 {
		return out, nil
	}
	var params []ActiveRuleParamRecord
	err := conn(ctx, s.db, sess).
		Where("active_rule_id IN ?", activeRuleIDs).
		Order("active_rule_id ASC, rules_parameter_key ASC").
		Find(&params).Error
	if err != nil {
		return nil, fmt.Errorf("find active rule params: %w", err)
	}
	for _, p := range params {
		out[p.ActiveRuleID] = append(out[p.ActiveRuleID], p)
	}
	return out, nil
}

// ListActiveRulesForRule returns the activations of a rule in the profiles
// of one organization, ordered by profile key.
func (s *ProfileStore) ListActiveRulesForRule(ctx context.Context, sess *Session, org string, ruleID int64) ([]ActiveRuleEntry, error) {
	tx := conn(ctx, s.db, sess)

	var profiles []QualityProfileRecord
	if err := tx.Where("organization_uuid = ?", org).Order("kee ASC").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("list organization profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	byID := make(map[int64]QualityProfileRecord, len(profiles))
	ids := make([]int64, 0, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	var records []ActiveRuleRecord
	if err := tx.Where("rule_id = ? AND profile_id IN ?", ruleID, ids).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	byProfile := make(map[int64]ActiveRuleRecord, len(records))
	for _, r := range records {
		byProfile[r.ProfileID] = r
	}

	var entries []ActiveRuleEntry
	for _, p := range profiles {
		if r, ok := byProfile[p.ID]; ok {
			entries = append(entries, ActiveRuleEntry{Record: r, Profile: p})
		}
	}
	return entries, nil
}

// ListActiveRuleIDs returns the ids of every activation.
func (s *ProfileStore) ListActiveRuleIDs(ctx context.Context, sess *Session) ([]int64, error) {
	var ids []int64
	if err := conn(ctx, s.db, sess).Model(&ActiveRuleRecord{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list active rule ids: %w", err)
	}
	return ids, nil
}

// DeleteActiveRule removes an activation and its parameter overrides.
func (s *ProfileStore) DeleteActiveRule(ctx context.Context, sess *Session, id int64) error {
	tx := conn(ctx, s.db, sess)
	if err := tx.Where("active_rule_id = ?", id).Delete(&ActiveRuleParamRecord{}).Error; err != nil {
		return fmt.Errorf("delete active rule params: %w", err)
	}
	result := tx.Where("id = ?", id).Delete(&ActiveRuleRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete active rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFoundf("active rule id %d", id)
	}
	return nil
}

package rules

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoMigrate creates or updates every table owned by this package.
func AutoMigrate(db *gorm.DB) error {
	for _, model := range AllModels() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("auto-migrate %T: %w", model, err)
		}
	}
	return nil
}

// StoredRule is a rule definition together with the metadata of one
// organization and the declared parameters. Metadata is nil when the
// organization never customized the rule.
type StoredRule struct {
	Definition  RuleDefinitionRecord
	Metadata    *RuleMetadataRecord
	Params      []RuleParamRecord
	TemplateKey *RuleKey
}

// RuleStore provides CRUD operations over rule definitions, metadata and
// parameters. Writes run in the caller's session; the store never commits.
type RuleStore struct {
	db *gorm.DB
}

// NewRuleStore creates a new RuleStore.
func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// InsertDefinition inserts a new definition and returns its id.
func (s *RuleStore) InsertDefinition(ctx context.Context, sess *Session, def *RuleDefinitionRecord) (int64, error) {
	if err := ValidateRemediation(def.DefaultRemediation()); err != nil {
		return 0, fmt.Errorf("default remediation of %s: %w", def.Key(), err)
	}
	def.ID = 0
	if err := conn(ctx, s.db, sess).Create(def).Error; err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: rule %s already exists", ErrConflict, def.Key())
		}
		return 0, fmt.Errorf("insert rule definition: %w", err)
	}
	return def.ID, nil
}

// UpdateDefinition replaces every mutable column of an existing definition.
func (s *RuleStore) UpdateDefinition(ctx context.Context, sess *Session, def *RuleDefinitionRecord) error {
	if err := ValidateRemediation(def.DefaultRemediation()); err != nil {
		return fmt.Errorf("default remediation of %s: %w", def.Key(), err)
	}
	result := conn(ctx, s.db, sess).Model(&RuleDefinitionRecord{ID: def.ID}).
		Select("*").Omit("id", "created_at").
		Updates(def)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: rule %s already exists", ErrConflict, def.Key())
		}
		return fmt.Errorf("update rule definition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFoundf("rule id %d", def.ID)
	}
	return nil
}

// UpdateMetadata creates or replaces the metadata of a rule for one
// organization. The override remediation must be valid on its own.
func (s *RuleStore) UpdateMetadata(ctx context.Context, sess *Session, meta *RuleMetadataRecord) error {
	if meta.OrganizationUUID == "" {
		return fmt.Errorf("%w: metadata without organization", ErrInvalidRequest)
	}
	if err := ValidateRemediation(meta.OverrideRemediation()); err != nil {
		return fmt.Errorf("override remediation of rule %d: %w", meta.RuleID, err)
	}
	if _, err := s.FindDefinitionByID(ctx, sess, meta.RuleID); err != nil {
		return err
	}
	err := conn(ctx, s.db, sess).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "rule_id"}, {Name: "organization_uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"remediation_function", "remediation_gap_mult", "remediation_base_effort",
			"tags",
			"note_data", "note_user_login", "note_created_at", "note_updated_at",
			"updated_at",
		}),
	}).Create(meta).Error
	if err != nil {
		return fmt.Errorf("upsert rule metadata: %w", err)
	}
	return nil
}

// InsertParam declares a parameter on a rule.
func (s *RuleStore) InsertParam(ctx context.Context, sess *Session, ruleID int64, param *RuleParamRecord) error {
	if _, err := s.FindDefinitionByID(ctx, sess, ruleID); err != nil {
		return err
	}
	param.ID = 0
	param.RuleID = ruleID
	if err := conn(ctx, s.db, sess).Create(param).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: param %q already declared on rule %d", ErrConflict, param.Name, ruleID)
		}
		return fmt.Errorf("insert rule param: %w", err)
	}
	return nil
}

// UpdateParam replaces the type, description and default of a declared parameter.
func (s *RuleStore) UpdateParam(ctx context.Context, sess *Session, param *RuleParamRecord) error {
	err := conn(ctx, s.db, sess).Model(&RuleParamRecord{}).
		Where("id = ?", param.ID).
		Updates(map[string]any{
			"param_type":    param.ParamType,
			"description":   param.Description,
			"default_value": param.DefaultValue,
		}).Error
	if err != nil {
		return fmt.Errorf("update rule param: %w", err)
	}
	return nil
}

// FindDefinitionByKey looks up a definition by its rule key.
func (s *RuleStore) FindDefinitionByKey(ctx context.Context, sess *Session, key RuleKey) (*RuleDefinitionRecord, error) {
	var def RuleDefinitionRecord
	err := conn(ctx, s.db, sess).
		Where("plugin_name = ? AND plugin_rule_key = ?", key.Repository, key.Rule).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("rule %s", key)
		}
		return nil, fmt.Errorf("find rule by key: %w", err)
	}
	return &def, nil
}

// FindDefinitionByID looks up a definition by its internal id.
func (s *RuleStore) FindDefinitionByID(ctx context.Context, sess *Session, id int64) (*RuleDefinitionRecord, error) {
	var def RuleDefinitionRecord
	if err := conn(ctx, s.db, sess).First(&def, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("rule id %d", id)
		}
		return nil, fmt.Errorf("find rule by id: %w", err)
	}
	return &def, nil
}

// FindMetadata returns the metadata of a rule for an organization, or nil
// when there is none.
func (s *RuleStore) FindMetadata(ctx context.Context, sess *Session, org string, ruleID int64) (*RuleMetadataRecord, error) {
	var meta RuleMetadataRecord
	err := conn(ctx, s.db, sess).
		Where("rule_id = ? AND organization_uuid = ?", ruleID, org).
		First(&meta).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find rule metadata: %w", err)
	}
	return &meta, nil
}

// FindParams returns the declared parameters of a rule ordered by name.
func (s *RuleStore) FindParams(ctx context.Context, sess *Session, ruleID int64) ([]RuleParamRecord, error) {
	var params []RuleParamRecord
	if err := conn(ctx, s.db, sess).Where("rule_id = ?", ruleID).Order("name ASC").Find(&params).Error; err != nil {
		return nil, fmt.Errorf("find rule params: %w", err)
	}
	return params, nil
}

// FindByKey loads a rule with the metadata of org and its parameters.
func (s *RuleStore) FindByKey(ctx context.Context, sess *Session, org string, key RuleKey) (*StoredRule, error) {
	def, err := s.FindDefinitionByKey(ctx, sess, key)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, sess, org, def)
}

// FindByID loads a rule with the metadata of org and its parameters.
func (s *RuleStore) FindByID(ctx context.Context, sess *Session, org string, id int64) (*StoredRule, error) {
	def, err := s.FindDefinitionByID(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, sess, org, def)
}

func (s *RuleStore) load(ctx context.Context, sess *Session, org string, def *RuleDefinitionRecord) (*StoredRule, error) {
	meta, err := s.FindMetadata(ctx, sess, org, def.ID)
	if err != nil {
		return nil, err
	}
	params, err := s.FindParams(ctx, sess, def.ID)
	if err != nil {
		return nil, err
	}
	rule := &StoredRule{Definition: *def, Metadata: meta, Params: params}
	if def.TemplateID != nil {
		tmpl, err := s.FindDefinitionByID(ctx, sess, *def.TemplateID)
		switch {
		case err == nil:
			key := tmpl.Key()
			rule.TemplateKey = &key
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return rule, nil
}

// DeleteDefinition removes a definition together with its metadata, its
// parameters and every activation of it.
func (s *RuleStore) DeleteDefinition(ctx context.Context, sess *Session, id int64) error {
	tx := conn(ctx, s.db, sess)
	activeIDs := tx.Model(&ActiveRuleRecord{}).Select("id").Where("rule_id = ?", id)
	if err := tx.Where("active_rule_id IN (?)", activeIDs).Delete(&ActiveRuleParamRecord{}).Error; err != nil {
		return fmt.Errorf("delete active rule params: %w", err)
	}
	if err := tx.Where("rule_id = ?", id).Delete(&ActiveRuleRecord{}).Error; err != nil {
		return fmt.Errorf("delete active rules: %w", err)
	}
	if err := tx.Where("rule_id = ?", id).Delete(&RuleParamRecord{}).Error; err != nil {
		return fmt.Errorf("delete rule params: %w", err)
	}
	if err := tx.Where("rule_id = ?", id).Delete(&RuleMetadataRecord{}).Error; err != nil {
		return fmt.Errorf("delete rule metadata: %w", err)
	}
	result := tx.Where("id = ?", id).Delete(&RuleDefinitionRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete rule definition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFoundf("rule id %d", id)
	}
	return nil
}

// ListIDs returns the ids of every rule definition.
func (s *RuleStore) ListIDs(ctx context.Context, sess *Session) ([]int64, error) {
	var ids []int64
	if err := conn(ctx, s.db, sess).Model(&RuleDefinitionRecord{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list rule ids: %w", err)
	}
	return ids, nil
}

// ListOrganizations returns every organization that owns rule metadata or
// quality profiles.
func (s *RuleStore) ListOrganizations(ctx context.Context, sess *Session) ([]string, error) {
	tx := conn(ctx, s.db, sess)
	var fromMeta, fromProfiles []string
	if err := tx.Model(&RuleMetadataRecord{}).Distinct().Pluck("organization_uuid", &fromMeta).Error; err != nil {
		return nil, fmt.Errorf("list metadata organizations: %w", err)
	}
	if err := tx.Model(&QualityProfileRecord{}).Distinct().Pluck("organization_uuid", &fromProfiles).Error; err != nil {
		return nil, fmt.Errorf("list profile organizations: %w", err)
	}
	return sortedUnion(fromMeta, fromProfiles), nil
}

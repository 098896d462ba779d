package rules

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// RuleDefinitionRecord is the analyzer-authored part of a rule. It is written
// on registration and never by end users.
type RuleDefinitionRecord struct {
	ID                          int64           `gorm:"primaryKey;autoIncrement;column:id"`
	RepositoryKey               string          `gorm:"column:plugin_name;uniqueIndex:idx_rules_repo_key,priority:1;size:200;not null"`
	RuleKey                     string          `gorm:"column:plugin_rule_key;uniqueIndex:idx_rules_repo_key,priority:2;size:200;not null"`
	Name                        string          `gorm:"column:name;size:200"`
	Description                 string          `gorm:"column:description;type:text"`
	DescriptionFormat           string          `gorm:"column:description_format;size:20"`
	Severity                    string          `gorm:"column:priority;size:10"`
	RuleType                    string          `gorm:"column:rule_type;size:20"`
	ConfigKey                   string          `gorm:"column:plugin_config_key;size:200"`
	Language                    string          `gorm:"column:language;size:20;index"`
	Tags                        JSONStringSlice `gorm:"column:system_tags;type:text"`
	IsTemplate                  bool            `gorm:"column:is_template;not null;default:false"`
	TemplateID                  *int64          `gorm:"column:template_id;index"`
	DefRemediationFunction      *string         `gorm:"column:def_remediation_function;size:20"`
	DefRemediationGapMultiplier *string         `gorm:"column:def_remediation_gap_mult;size:20"`
	DefRemediationBaseEffort    *string         `gorm:"column:def_remediation_base_effort;size:20"`
	CreatedAt                   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (RuleDefinitionRecord) TableName() string { return "rules" }

// Key returns the rule key of the definition.
func (r *RuleDefinitionRecord) Key() RuleKey {
	return RuleKey{Repository: r.RepositoryKey, Rule: r.RuleKey}
}

// DefaultRemediation returns the default remediation triple.
func (r *RuleDefinitionRecord) DefaultRemediation() Remediation {
	return Remediation{
		Function:      functionPtr(r.DefRemediationFunction),
		GapMultiplier: r.DefRemediationGapMultiplier,
		BaseEffort:    r.DefRemediationBaseEffort,
	}
}

// RuleMetadataRecord is the organization-owned overlay of a rule definition.
// A nil remediation field means "no override".
type RuleMetadataRecord struct {
	RuleID                   int64           `gorm:"primaryKey;column:rule_id;autoIncrement:false"`
	OrganizationUUID         string          `gorm:"primaryKey;column:organization_uuid;size:40"`
	Status                   string          `gorm:"column:status;size:40"`
	RemediationFunction      *string         `gorm:"column:remediation_function;size:20"`
	RemediationGapMultiplier *string         `gorm:"column:remediation_gap_mult;size:20"`
	RemediationBaseEffort    *string         `gorm:"column:remediation_base_effort;size:20"`
	Tags                     JSONStringSlice `gorm:"column:tags;type:text"`
	NoteData                 *string         `gorm:"column:note_data;type:text"`
	NoteUserLogin            *string         `gorm:"column:note_user_login;size:255"`
	NoteCreatedAt            *time.Time      `gorm:"column:note_created_at"`
	NoteUpdatedAt            *time.Time      `gorm:"column:note_updated_at"`
	CreatedAt                time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (RuleMetadataRecord) TableName() string { return "rules_metadata" }

// OverrideRemediation returns the override remediation triple.
func (m *RuleMetadataRecord) OverrideRemediation() Remediation {
	if m == nil {
		return Remediation{}
	}
	return Remediation{
		Function:      functionPtr(m.RemediationFunction),
		GapMultiplier: m.RemediationGapMultiplier,
		BaseEffort:    m.RemediationBaseEffort,
	}
}

// RuleParamRecord is a parameter declared by a rule definition.
type RuleParamRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement;column:id"`
	RuleID       int64     `gorm:"column:rule_id;uniqueIndex:idx_rule_params_name,priority:1;not null"`
	Name         string    `gorm:"column:name;uniqueIndex:idx_rule_params_name,priority:2;size:128;not null"`
	ParamType    string    `gorm:"column:param_type;size:512;not null"`
	Description  string    `gorm:"column:description;type:text"`
	DefaultValue string    `gorm:"column:default_value;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (RuleParamRecord) TableName() string { return "rules_parameters" }

// QualityProfileRecord is a named, organization-scoped set of active rules
// for one language.
type QualityProfileRecord struct {
	ID               int64     `gorm:"primaryKey;autoIncrement;column:id"`
	Kee              string    `gorm:"column:kee;uniqueIndex:idx_profiles_kee;size:255;not null"`
	OrganizationUUID string    `gorm:"column:organization_uuid;index;size:40;not null"`
	Name             string    `gorm:"column:name;size:100;not null"`
	Language         string    `gorm:"column:language;size:20"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (QualityProfileRecord) TableName() string { return "rules_profiles" }

// ActiveRuleRecord links a rule to a quality profile. The unique index on
// (profile_id, rule_id) is what makes an activation unique.
type ActiveRuleRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	ProfileID int64     `gorm:"column:profile_id;uniqueIndex:idx_active_rules_profile_rule,priority:1;not null"`
	RuleID    int64     `gorm:"column:rule_id;uniqueIndex:idx_active_rules_profile_rule,priority:2;index;not null"`
	Severity  string    `gorm:"column:failure_level;size:10;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ActiveRuleRecord) TableName() string { return "active_rules" }

// ActiveRuleParamRecord overrides the value of one rule parameter for one
// active rule.
type ActiveRuleParamRecord struct {
	ID               int64  `gorm:"primaryKey;autoIncrement;column:id"`
	ActiveRuleID     int64  `gorm:"column:active_rule_id;uniqueIndex:idx_active_rule_params_key,priority:1;not null"`
	RulesParameterID int64  `gorm:"column:rules_parameter_id;not null"`
	Key              string `gorm:"column:rules_parameter_key;uniqueIndex:idx_active_rule_params_key,priority:2;size:128;not null"`
	Value            string `gorm:"column:value;type:text"`
}

// TableName returns the GORM table name.
func (ActiveRuleParamRecord) TableName() string { return "active_rule_parameters" }

// RuleEventRecord is an immutable audit entry for a change to a rule or to
// one of its activations.
type RuleEventRecord struct {
	ID               string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OrganizationUUID string    `gorm:"column:organization_uuid;index:idx_rule_events_org_time,priority:1;size:40;not null"`
	RuleID           int64     `gorm:"column:rule_id;index:idx_rule_events_rule_time,priority:1;not null"`
	ProfileID        *int64    `gorm:"column:profile_id"`
	EventType        string    `gorm:"column:event_type;size:64;not null"`
	Actor            string    `gorm:"column:actor;size:255;not null"`
	Outcome          string    `gorm:"column:outcome;size:20;not null"`
	NewValue         JSONAny   `gorm:"column:new_value;type:text"`
	CreatedAt        time.Time `gorm:"column:created_at;index:idx_rule_events_rule_time,priority:2;index:idx_rule_events_org_time,priority:2;autoCreateTime"`
}

// TableName returns the GORM table name.
func (RuleEventRecord) TableName() string { return "rule_events" }

// AllModels lists every record type owned by this package, in migration order.
func AllModels() []any {
	return []any{
		&RuleDefinitionRecord{},
		&RuleMetadataRecord{},
		&RuleParamRecord{},
		&QualityProfileRecord{},
		&ActiveRuleRecord{},
		&ActiveRuleParamRecord{},
		&RuleEventRecord{},
	}
}

func functionPtr(s *string) *RemediationFunctionType {
	if s == nil {
		return nil
	}
	fn := RemediationFunctionType(*s)
	return &fn
}

func stringPtr(s string) *string { return &s }

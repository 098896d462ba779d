package rules

import (
	"fmt"
	"strings"
)

// RuleKey identifies a rule across all analyzers: the repository the rule
// belongs to plus the rule identifier inside that repository.
type RuleKey struct {
	Repository string `json:"repository" validate:"required"`
	Rule       string `json:"rule" validate:"required"`
}

// NewRuleKey builds a RuleKey.
func NewRuleKey(repository, rule string) RuleKey {
	return RuleKey{Repository: repository, Rule: rule}
}

// ParseRuleKey parses the "repository:rule" form. The rule part may itself
// contain colons.
func ParseRuleKey(s string) (RuleKey, error) {
	repo, rule, ok := strings.Cut(s, ":")
	if !ok || repo == "" || rule == "" {
		return RuleKey{}, fmt.Errorf("%w: invalid rule key %q", ErrInvalidRequest, s)
	}
	return RuleKey{Repository: repo, Rule: rule}, nil
}

// String returns the "repository:rule" form.
func (k RuleKey) String() string {
	return k.Repository + ":" + k.Rule
}

// RuleStatus represents the lifecycle status of a rule within an organization.
type RuleStatus string

const (
	StatusReady      RuleStatus = "READY"
	StatusBeta       RuleStatus = "BETA"
	StatusDeprecated RuleStatus = "DEPRECATED"
	StatusRemoved    RuleStatus = "REMOVED"
)

// RuleType classifies the kind of issue a rule raises.
type RuleType string

const (
	TypeCodeSmell     RuleType = "CODE_SMELL"
	TypeBug           RuleType = "BUG"
	TypeVulnerability RuleType = "VULNERABILITY"
)

// Severity levels, lowest first.
const (
	SeverityInfo     = "INFO"
	SeverityMinor    = "MINOR"
	SeverityMajor    = "MAJOR"
	SeverityCritical = "CRITICAL"
	SeverityBlocker  = "BLOCKER"
)

// DescriptionFormat tells the resolver how a stored description must be
// turned into HTML.
type DescriptionFormat string

const (
	FormatHTML     DescriptionFormat = "HTML"
	FormatMarkdown DescriptionFormat = "MARKDOWN"
)

// ValueSource records where an effective remediation attribute came from.
type ValueSource string

const (
	SourceNone       ValueSource = ""
	SourceDefault    ValueSource = "default"
	SourceOverridden ValueSource = "overridden"
)

// Resolved is the effective value of one remediation attribute together with
// its provenance. A zero Resolved means the attribute is absent.
type Resolved[T comparable] struct {
	Value  T           `json:"value"`
	Source ValueSource `json:"source"`
}

// Present reports whether the attribute has an effective value.
func (r Resolved[T]) Present() bool { return r.Source != SourceNone }

// Ptr returns a pointer to the effective value, or nil when absent.
func (r Resolved[T]) Ptr() *T {
	if !r.Present() {
		return nil
	}
	v := r.Value
	return &v
}

// Remediation is a remediation triple where every field is optional.
type Remediation struct {
	Function      *RemediationFunctionType `json:"function,omitempty"`
	GapMultiplier *string                  `json:"gapMultiplier,omitempty"`
	BaseEffort    *string                  `json:"baseEffort,omitempty"`
}

// IsEmpty reports whether no field of the triple is set.
func (r Remediation) IsEmpty() bool {
	return r.Function == nil && r.GapMultiplier == nil && r.BaseEffort == nil
}

// EffectiveRemediation is the per-attribute resolution of default and
// override remediation fields.
type EffectiveRemediation struct {
	Function      Resolved[RemediationFunctionType] `json:"function"`
	GapMultiplier Resolved[string]                  `json:"gapMultiplier"`
	BaseEffort    Resolved[string]                  `json:"baseEffort"`
}

// LegacyRemediation mirrors the effective remediation under the old field
// names for consumers that predate the default/override split.
type LegacyRemediation struct {
	RemediationFunction    *RemediationFunctionType `json:"remediationFunction,omitempty"`
	RemediationCoefficient *string                  `json:"remediationCoefficient,omitempty"`
	RemediationOffset      *string                  `json:"remediationOffset,omitempty"`
}

// ParamView is a declared rule parameter as exposed on read.
type ParamView struct {
	Key          string `json:"key"`
	Type         string `json:"type,omitempty"`
	HTMLDesc     string `json:"htmlDesc,omitempty"`
	DefaultValue string `json:"defaultValue,omitempty"`
}

// RuleView is the merged, read-only view of a rule definition and the
// metadata of one organization.
type RuleView struct {
	ID                  int64                `json:"-"`
	Key                 RuleKey              `json:"-"`
	KeyString           string               `json:"key"`
	Repository          string               `json:"repo"`
	Name                string               `json:"name"`
	HTMLDesc            string               `json:"htmlDesc"`
	MarkdownDesc        string               `json:"mdDesc,omitempty"`
	Severity            string               `json:"severity"`
	Status              RuleStatus           `json:"status"`
	Type                RuleType             `json:"type"`
	InternalKey         string               `json:"internalKey,omitempty"`
	Language            string               `json:"lang"`
	IsTemplate          bool                 `json:"isTemplate"`
	TemplateKey         string               `json:"templateKey,omitempty"`
	DefaultTags         []string             `json:"sysTags"`
	AdditionalTags      []string             `json:"addedTags"`
	Tags                []string             `json:"tags"`
	DefaultRemediation  Remediation          `json:"defaultRemediation"`
	OverrideRemediation Remediation          `json:"overrideRemediation"`
	Remediation         EffectiveRemediation `json:"remediation"`
	RemediationOverload bool                 `json:"remFnOverloaded"`
	Legacy              LegacyRemediation    `json:"legacy"`
	MarkdownNote        string               `json:"mdNote,omitempty"`
	HTMLNote            string               `json:"htmlNote,omitempty"`
	NoteLogin           string               `json:"noteLogin,omitempty"`
	Params              []ParamView          `json:"params"`
	CreatedAt           string               `json:"createdAt"`
	UpdatedAt           string               `json:"updatedAt,omitempty"`
}

// ActiveParamView is a parameter value of an active rule after resolution.
type ActiveParamView struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ActiveRuleView is one activation of a rule in a quality profile.
type ActiveRuleView struct {
	ID         int64             `json:"-"`
	ProfileKey string            `json:"qProfile"`
	Severity   string            `json:"severity"`
	Params     []ActiveParamView `json:"params"`
	CreatedAt  string            `json:"createdAt"`
}

// ShowRuleRequest is the input of the show-rule read.
type ShowRuleRequest struct {
	Organization   string
	Key            RuleKey
	IncludeActives bool
}

// ShowRuleResponse is the output of the show-rule read.
type ShowRuleResponse struct {
	Rule    RuleView         `json:"rule"`
	Actives []ActiveRuleView `json:"actives,omitempty"`
}

// NewCustomRule is the immutable request for deriving a rule from a template.
type NewCustomRule struct {
	TemplateKey         RuleKey           `json:"templateKey"`
	CustomKey           string            `json:"customKey" validate:"required,max=200"`
	Name                string            `json:"name" validate:"required,max=200"`
	Severity            string            `json:"severity" validate:"required,oneof=INFO MINOR MAJOR CRITICAL BLOCKER"`
	Status              RuleStatus        `json:"status" validate:"omitempty,oneof=READY BETA DEPRECATED REMOVED"`
	MarkdownDescription string            `json:"markdownDescription" validate:"required"`
	Params              map[string]string `json:"params,omitempty"`
}

// ActivateRequest is the input of a rule activation in a quality profile.
type ActivateRequest struct {
	ProfileID int64  `validate:"required"`
	RuleID    int64  `validate:"required"`
	Severity  string `validate:"omitempty,oneof=INFO MINOR MAJOR CRITICAL BLOCKER"`
	Params    map[string]string
}

// ActiveRule is the result of an activation.
type ActiveRule struct {
	Record ActiveRuleRecord
	Params []ActiveRuleParamRecord
}

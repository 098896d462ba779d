package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-playground/validator/v10"
)

var customKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// RuleCreator derives custom rules from template rules.
type RuleCreator struct {
	rules    *RuleStore
	validate *validator.Validate
}

// NewRuleCreator creates a RuleCreator.
func NewRuleCreator(rules *RuleStore) *RuleCreator {
	return &RuleCreator{rules: rules, validate: validator.New()}
}

// Create inserts the definition, the metadata of org and the parameters of
// a custom rule in sess. The new key is the template repository plus
// req.CustomKey. Nothing is committed; on error the caller rolls back.
//
// The Markdown description is stored as authored and rendered to sanitized
// HTML on read.
func (c *RuleCreator) Create(ctx context.Context, sess *Session, org string, req NewCustomRule) (RuleKey, error) {
	if err := c.validate.Struct(req); err != nil {
		return RuleKey{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !customKeyRe.MatchString(req.CustomKey) {
		return RuleKey{}, fmt.Errorf("%w: custom key %q must contain only letters, digits and underscores", ErrInvalidRequest, req.CustomKey)
	}

	tmpl, err := c.rules.FindDefinitionByKey(ctx, sess, req.TemplateKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RuleKey{}, fmt.Errorf("%w: template %s does not exist", ErrInvalidTemplate, req.TemplateKey)
		}
		return RuleKey{}, err
	}
	if !tmpl.IsTemplate {
		return RuleKey{}, fmt.Errorf("%w: rule %s is not a template", ErrInvalidTemplate, req.TemplateKey)
	}

	tmplParams, err := c.rules.FindParams(ctx, sess, tmpl.ID)
	if err != nil {
		return RuleKey{}, err
	}
	declared := mapset.NewThreadUnsafeSet[string]()
	for _, p := range tmplParams {
		declared.Add(p.Name)
	}
	for _, name := range sortedKeys(req.Params) {
		if !declared.Contains(name) {
			return RuleKey{}, fmt.Errorf("%w: %q is not declared by template %s", ErrUnknownParam, name, req.TemplateKey)
		}
	}

	key := NewRuleKey(tmpl.RepositoryKey, req.CustomKey)
	if _, err := c.rules.FindDefinitionByKey(ctx, sess, key); err == nil {
		return RuleKey{}, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	} else if !errors.Is(err, ErrNotFound) {
		return RuleKey{}, err
	}

	def := &RuleDefinitionRecord{
		RepositoryKey:               key.Repository,
		RuleKey:                     key.Rule,
		Name:                        req.Name,
		Description:                 req.MarkdownDescription,
		DescriptionFormat:           string(FormatMarkdown),
		Severity:                    req.Severity,
		RuleType:                    tmpl.RuleType,
		ConfigKey:                   tmpl.ConfigKey,
		Language:                    tmpl.Language,
		Tags:                        append(JSONStringSlice{}, tmpl.Tags...),
		TemplateID:                  &tmpl.ID,
		DefRemediationFunction:      tmpl.DefRemediationFunction,
		DefRemediationGapMultiplier: tmpl.DefRemediationGapMultiplier,
		DefRemediationBaseEffort:    tmpl.DefRemediationBaseEffort,
	}
	id, err := c.rules.InsertDefinition(ctx, sess, def)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return RuleKey{}, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		return RuleKey{}, err
	}

	status := req.Status
	if status == "" {
		status = StatusReady
	}
	meta := &RuleMetadataRecord{
		RuleID:           id,
		OrganizationUUID: org,
		Status:           string(status),
	}
	if err := c.rules.UpdateMetadata(ctx, sess, meta); err != nil {
		return RuleKey{}, err
	}

	for _, p := range tmplParams {
		param := &RuleParamRecord{
			Name:         p.Name,
			ParamType:    p.ParamType,
			Description:  p.Description,
			DefaultValue: p.DefaultValue,
		}
		if v, ok := req.Params[p.Name]; ok {
			param.DefaultValue = v
		}
		if err := c.rules.InsertParam(ctx, sess, id, param); err != nil {
			return RuleKey{}, err
		}
	}
	return key, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

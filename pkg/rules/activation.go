package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ActiveRuleManager maintains the activation of rules in quality profiles.
// A rule is either active in a profile or not; Activate moves it from
// inactive to active and Deactivate moves it back.
//
// Neither operation touches the search index. Callers publish the affected
// ids after commit so bulk changes can be batched.
type ActiveRuleManager struct {
	rules    *RuleStore
	profiles *ProfileStore
	validate *validator.Validate
}

// NewActiveRuleManager creates an ActiveRuleManager.
func NewActiveRuleManager(rules *RuleStore, profiles *ProfileStore) *ActiveRuleManager {
	return &ActiveRuleManager{rules: rules, profiles: profiles, validate: validator.New()}
}

// Activate links a rule to a profile with an optional severity and
// parameter overrides. The severity defaults to the rule's own.
func (m *ActiveRuleManager) Activate(ctx context.Context, sess *Session, req ActivateRequest) (*ActiveRule, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if _, err := m.profiles.FindProfileByID(ctx, sess, req.ProfileID); err != nil {
		return nil, err
	}
	def, err := m.rules.FindDefinitionByID(ctx, sess, req.RuleID)
	if err != nil {
		return nil, err
	}
	params, err := m.rules.FindParams(ctx, sess, def.ID)
	if err != nil {
		return nil, err
	}
	declared := make(map[string]RuleParamRecord, len(params))
	for _, p := range params {
		declared[p.Name] = p
	}
	for _, name := range sortedKeys(req.Params) {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("%w: %q is not declared by rule %s", ErrUnknownParam, name, def.Key())
		}
	}

	if _, err := m.profiles.FindActiveRule(ctx, sess, req.ProfileID, req.RuleID); err == nil {
		return nil, fmt.Errorf("%w: rule %s in profile %d", ErrAlreadyActive, def.Key(), req.ProfileID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	severity := req.Severity
	if severity == "" {
		severity = def.Severity
	}
	out := &ActiveRule{Record: ActiveRuleRecord{
		ProfileID: req.ProfileID,
		RuleID:    req.RuleID,
		Severity:  severity,
	}}
	if err := m.profiles.InsertActiveRule(ctx, sess, &out.Record); err != nil {
		return nil, err
	}

	for _, name := range sortedKeys(req.Params) {
		p := ActiveRuleParamRecord{
			ActiveRuleID:     out.Record.ID,
			RulesParameterID: declared[name].ID,
			Key:              name,
			Value:            req.Params[name],
		}
		if err := m.profiles.InsertActiveRuleParam(ctx, sess, &p); err != nil {
			return nil, err
		}
		out.Params = append(out.Params, p)
	}
	return out, nil
}

// Deactivate removes the activation of a rule in a profile and returns the
// removed record. It fails with ErrNotFound when the rule is not active.
func (m *ActiveRuleManager) Deactivate(ctx context.Context, sess *Session, profileID, ruleID int64) (*ActiveRuleRecord, error) {
	ar, err := m.profiles.FindActiveRule(ctx, sess, profileID, ruleID)
	if err != nil {
		return nil, err
	}
	if err := m.profiles.DeleteActiveRule(ctx, sess, ar.ID); err != nil {
		return nil, err
	}
	return ar, nil
}

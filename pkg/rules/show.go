package rules

import (
	"context"
	"fmt"
)

// ShowService serves the show-rule read. It reads the record store only;
// the search index is never consulted, so a rule is visible as soon as its
// writes are committed.
type ShowService struct {
	rules    *RuleStore
	profiles *ProfileStore
	resolver *Resolver
}

// NewShowService creates a ShowService.
func NewShowService(rules *RuleStore, profiles *ProfileStore, resolver *Resolver) *ShowService {
	return &ShowService{rules: rules, profiles: profiles, resolver: resolver}
}

// Show returns the merged view of a rule for req.Organization and, when
// requested, its activations in that organization's profiles. sess may be
// nil for an autocommit read.
func (s *ShowService) Show(ctx context.Context, sess *Session, req ShowRuleRequest) (*ShowRuleResponse, error) {
	if req.Organization == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidRequest)
	}
	rule, err := s.rules.FindByKey(ctx, sess, req.Organization, req.Key)
	if err != nil {
		return nil, err
	}
	resp := &ShowRuleResponse{Rule: s.resolver.Resolve(rule)}
	if !req.IncludeActives {
		return resp, nil
	}

	entries, err := s.profiles.ListActiveRulesForRule(ctx, sess, req.Organization, rule.Definition.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Record.ID)
	}
	overrides, err := s.profiles.FindActiveRuleParams(ctx, sess, ids...)
	if err != nil {
		return nil, err
	}
	resp.Actives = ResolveActives(rule.Params, entries, overrides)
	return resp, nil
}

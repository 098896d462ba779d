package rules

import (
	"context"
	"errors"
	"strings"

	"github.com/k3a/html2text"
	"gorm.io/gorm"

	"github.com/codequality/rule-registry/pkg/index"
)

// IndexSource builds search-index documents from committed record-store
// state. It always reads outside of any session.
type IndexSource struct {
	rules    *RuleStore
	profiles *ProfileStore
	resolver *Resolver
}

var _ index.Source = (*IndexSource)(nil)

// NewIndexSource creates an IndexSource.
func NewIndexSource(db *gorm.DB, resolver *Resolver) *IndexSource {
	return &IndexSource{
		rules:    NewRuleStore(db),
		profiles: NewProfileStore(db),
		resolver: resolver,
	}
}

// RuleDocument returns the document of a rule as seen by org, or nil when
// the rule no longer exists.
func (s *IndexSource) RuleDocument(ctx context.Context, org string, ruleID int64) (*index.RuleDoc, error) {
	rule, err := s.rules.FindByID(ctx, nil, org, ruleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	view := s.resolver.Resolve(rule)
	return &index.RuleDoc{
		Organization: org,
		RuleID:       view.ID,
		Key:          view.KeyString,
		Repository:   view.Repository,
		Name:         view.Name,
		Text:         strings.TrimSpace(html2text.HTML2Text(view.HTMLDesc)),
		Severity:     view.Severity,
		Status:       string(view.Status),
		Type:         string(view.Type),
		Language:     view.Language,
		Tags:         view.Tags,
		IsTemplate:   view.IsTemplate,
		TemplateKey:  view.TemplateKey,
		UpdatedAt:    view.UpdatedAt,
	}, nil
}

// ActiveRuleDocument returns the document of an activation, or nil when it
// no longer exists.
func (s *IndexSource) ActiveRuleDocument(ctx context.Context, activeRuleID int64) (*index.ActiveRuleDoc, error) {
	ar, err := s.profiles.FindActiveRuleByID(ctx, nil, activeRuleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	profile, err := s.profiles.FindProfileByID(ctx, nil, ar.ProfileID)
	if err != nil {
		return nil, err
	}
	def, err := s.rules.FindDefinitionByID(ctx, nil, ar.RuleID)
	if err != nil {
		return nil, err
	}
	params, err := s.rules.FindParams(ctx, nil, ar.RuleID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.profiles.FindActiveRuleParams(ctx, nil, ar.ID)
	if err != nil {
		return nil, err
	}

	views := ResolveActives(params, []ActiveRuleEntry{{Record: *ar, Profile: *profile}}, overrides)
	doc := &index.ActiveRuleDoc{
		ID:           ar.ID,
		Organization: profile.OrganizationUUID,
		RuleID:       ar.RuleID,
		RuleKey:      def.Key().String(),
		ProfileKey:   profile.Kee,
		Severity:     ar.Severity,
		Params:       make(map[string]string, len(params)),
	}
	for _, p := range views[0].Params {
		doc.Params[p.Key] = p.Value
	}
	return doc, nil
}

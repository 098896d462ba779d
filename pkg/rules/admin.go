package rules

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

var tagRe = regexp.MustCompile(`^[a-z0-9+#\-.]+$`)

// RuleUpdate changes the metadata one organization holds for a rule. A nil
// field is left unchanged.
type RuleUpdate struct {
	Key RuleKey
	// Remediation replaces the whole override triple. An empty triple
	// removes the override.
	Remediation *Remediation
	// Tags replaces the additional tags. An empty slice removes them.
	Tags []string
	// MarkdownNote replaces the note. An empty note removes it.
	MarkdownNote *string
	Actor        string
}

func (u RuleUpdate) isEmpty() bool {
	return u.Remediation == nil && u.Tags == nil && u.MarkdownNote == nil
}

// DeletedRule describes a removed custom rule and the index documents that
// must be dropped with it.
type DeletedRule struct {
	Definition    RuleDefinitionRecord
	Organizations []string
	ActiveRuleIDs []int64
}

// RuleAdmin applies administrative changes to rules: metadata updates and
// custom rule deletion. Like the stores, it never commits.
type RuleAdmin struct {
	rules    *RuleStore
	profiles *ProfileStore
	now      func() time.Time
}

// NewRuleAdmin creates a RuleAdmin.
func NewRuleAdmin(rules *RuleStore, profiles *ProfileStore) *RuleAdmin {
	return &RuleAdmin{rules: rules, profiles: profiles, now: time.Now}
}

// UpdateMetadata applies req to the metadata of org and returns the updated
// definition.
func (a *RuleAdmin) UpdateMetadata(ctx context.Context, sess *Session, org string, req RuleUpdate) (*RuleDefinitionRecord, error) {
	if req.isEmpty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidRequest)
	}
	def, err := a.rules.FindDefinitionByKey(ctx, sess, req.Key)
	if err != nil {
		return nil, err
	}
	meta, err := a.rules.FindMetadata(ctx, sess, org, def.ID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &RuleMetadataRecord{RuleID: def.ID, OrganizationUUID: org}
	}

	if req.Remediation != nil {
		rem, err := NormalizeRemediation(*req.Remediation)
		if err != nil {
			return nil, fmt.Errorf("override remediation of %s: %w", req.Key, err)
		}
		meta.RemediationFunction = nil
		if rem.Function != nil {
			fn := string(*rem.Function)
			meta.RemediationFunction = &fn
		}
		meta.RemediationGapMultiplier = rem.GapMultiplier
		meta.RemediationBaseEffort = rem.BaseEffort
	}

	if req.Tags != nil {
		for _, tag := range req.Tags {
			if !tagRe.MatchString(tag) {
				return nil, fmt.Errorf("%w: tag %q must be lower case and contain no spaces", ErrInvalidRequest, tag)
			}
		}
		meta.Tags = JSONStringSlice(sortedUnion(req.Tags))
	}

	if req.MarkdownNote != nil {
		if *req.MarkdownNote == "" {
			meta.NoteData, meta.NoteUserLogin = nil, nil
			meta.NoteCreatedAt, meta.NoteUpdatedAt = nil, nil
		} else {
			now := a.now()
			note, actor := *req.MarkdownNote, req.Actor
			meta.NoteData, meta.NoteUserLogin = &note, &actor
			if meta.NoteCreatedAt == nil {
				meta.NoteCreatedAt = &now
			}
			meta.NoteUpdatedAt = &now
		}
	}

	if err := a.rules.UpdateMetadata(ctx, sess, meta); err != nil {
		return nil, err
	}
	return def, nil
}

// DeleteCustomRule removes a custom rule with its metadata, parameters and
// activations. Rules registered by a repository cannot be deleted here,
// since the next registration would bring them back.
func (a *RuleAdmin) DeleteCustomRule(ctx context.Context, sess *Session, key RuleKey) (*DeletedRule, error) {
	def, err := a.rules.FindDefinitionByKey(ctx, sess, key)
	if err != nil {
		return nil, err
	}
	if def.TemplateID == nil {
		return nil, fmt.Errorf("%w: rule %s is not a custom rule", ErrInvalidRequest, key)
	}

	orgs, err := a.rules.ListOrganizations(ctx, sess)
	if err != nil {
		return nil, err
	}
	deleted := &DeletedRule{Definition: *def, Organizations: orgs}
	for _, org := range orgs {
		entries, err := a.profiles.ListActiveRulesForRule(ctx, sess, org, def.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			deleted.ActiveRuleIDs = append(deleted.ActiveRuleIDs, e.Record.ID)
		}
	}

	if err := a.rules.DeleteDefinition(ctx, sess, def.ID); err != nil {
		return nil, err
	}
	return deleted, nil
}

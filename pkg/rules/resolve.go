package rules

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Resolver merges a rule definition with organization metadata into a
// RuleView. It holds no state besides the description renderer, so every
// read recomputes the view from what is stored.
type Resolver struct {
	renderer *MarkdownRenderer
}

// NewResolver creates a Resolver.
func NewResolver(renderer *MarkdownRenderer) *Resolver {
	return &Resolver{renderer: renderer}
}

// Resolve builds the merged view of a stored rule.
func (r *Resolver) Resolve(rule *StoredRule) RuleView {
	def := &rule.Definition
	meta := rule.Metadata

	defaultRem := def.DefaultRemediation()
	overrideRem := meta.OverrideRemediation()
	effective := ResolveRemediation(defaultRem, overrideRem)

	view := RuleView{
		ID:                  def.ID,
		Key:                 def.Key(),
		KeyString:           def.Key().String(),
		Repository:          def.RepositoryKey,
		Name:                def.Name,
		HTMLDesc:            r.renderer.Describe(DescriptionFormat(def.DescriptionFormat), def.Description),
		Severity:            def.Severity,
		Status:              StatusReady,
		Type:                RuleType(def.RuleType),
		InternalKey:         def.ConfigKey,
		Language:            def.Language,
		IsTemplate:          def.IsTemplate,
		DefaultTags:         sortedUnion(def.Tags),
		AdditionalTags:      []string{},
		DefaultRemediation:  defaultRem,
		OverrideRemediation: overrideRem,
		Remediation:         effective,
		RemediationOverload: overrideRem.Function != nil,
		Legacy:              effective.Legacy(),
		Params:              make([]ParamView, 0, len(rule.Params)),
		CreatedAt:           formatTime(def.CreatedAt),
	}
	if DescriptionFormat(def.DescriptionFormat) == FormatMarkdown {
		view.MarkdownDesc = def.Description
	}
	if rule.TemplateKey != nil {
		view.TemplateKey = rule.TemplateKey.String()
	}

	updated := def.UpdatedAt
	if meta != nil {
		if meta.Status != "" {
			view.Status = RuleStatus(meta.Status)
		}
		view.AdditionalTags = sortedUnion(meta.Tags)
		if meta.NoteData != nil {
			view.MarkdownNote = *meta.NoteData
			view.HTMLNote = r.renderer.ToHTML(*meta.NoteData)
		}
		if meta.NoteUserLogin != nil {
			view.NoteLogin = *meta.NoteUserLogin
		}
		if meta.UpdatedAt.After(updated) {
			updated = meta.UpdatedAt
		}
	}
	view.Tags = sortedUnion(def.Tags, view.AdditionalTags)
	view.UpdatedAt = formatTime(updated)

	for _, p := range rule.Params {
		view.Params = append(view.Params, ParamView{
			Key:          p.Name,
			Type:         p.ParamType,
			HTMLDesc:     r.renderer.ToHTML(p.Description),
			DefaultValue: p.DefaultValue,
		})
	}
	return view
}

// ResolveActives builds the activation views of a rule. Every declared
// parameter is reported, with the profile override when there is one and
// the rule default otherwise.
func ResolveActives(params []RuleParamRecord, entries []ActiveRuleEntry, overrides map[int64][]ActiveRuleParamRecord) []ActiveRuleView {
	views := make([]ActiveRuleView, 0, len(entries))
	for _, e := range entries {
		set := make(map[string]string, len(overrides[e.Record.ID]))
		for _, o := range overrides[e.Record.ID] {
			set[o.Key] = o.Value
		}
		view := ActiveRuleView{
			ID:         e.Record.ID,
			ProfileKey: e.Profile.Kee,
			Severity:   e.Record.Severity,
			Params:     make([]ActiveParamView, 0, len(params)),
			CreatedAt:  formatTime(e.Record.CreatedAt),
		}
		for _, p := range params {
			value, ok := set[p.Name]
			if !ok {
				value = p.DefaultValue
			}
			view.Params = append(view.Params, ActiveParamView{Key: p.Name, Value: value})
		}
		views = append(views, view)
	}
	return views
}

// sortedUnion returns the deduplicated union of the given string lists in
// ascending order. The result is never nil.
func sortedUnion(lists ...[]string) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, l := range lists {
		set.Append(l...)
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

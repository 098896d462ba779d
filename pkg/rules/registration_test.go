package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repositoryYAML = `
repository: java
language: java
rules:
  - key: S001
    name: Regex template
    description: <p>Matches a regular expression</p>
    template: true
    tags: [regex, convention, regex]
    remediation:
      function: LINEAR
      gapMultiplier: 5min
    params:
      - name: regex
        description: The expression
        defaultValue: ".*"
  - key: S100
    name: Method names
    descriptionFormat: MARKDOWN
    description: Rename **it**
    severity: MINOR
    type: BUG
    internalKey: MethodName
    remediation:
      function: LINEAR_OFFSET
      gapMultiplier: 5d
      baseEffort: 10h
`

func TestParseRepositoryFile(t *testing.T) {
	repo, err := ParseRepositoryFile(strings.NewReader(repositoryYAML))
	require.NoError(t, err)
	assert.Equal(t, "java", repo.Repository)
	require.Len(t, repo.Rules, 2)
	assert.True(t, repo.Rules[0].Template)
	require.Len(t, repo.Rules[0].Params, 1)
	assert.Equal(t, ".*", repo.Rules[0].Params[0].DefaultValue)
	assert.Equal(t, FormatMarkdown, repo.Rules[1].DescriptionFormat)
}

func TestParseRepositoryFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no repository", yaml: "rules:\n  - key: S1\n"},
		{name: "rule without key", yaml: "repository: java\nrules:\n  - name: x\n"},
		{name: "duplicate key", yaml: "repository: java\nrules:\n  - key: S1\n  - key: S1\n"},
		{name: "unknown field", yaml: "repository: java\nowner: me\n"},
		{name: "not yaml", yaml: "repository: [java"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRepositoryFile(strings.NewReader(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRegistrar_RegisterInsertsRules(t *testing.T) {
	db := newTestDB(t)
	rules := NewRuleStore(db)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "java.yaml")
	require.NoError(t, os.WriteFile(path, []byte(repositoryYAML), 0o600))

	var ids []int64
	withSession(t, db, func(sess *Session) {
		var err error
		ids, err = NewRegistrar(rules, nil).RegisterFile(ctx, sess, path)
		require.NoError(t, err)
	})
	require.Len(t, ids, 2)

	tmpl, err := rules.FindDefinitionByKey(ctx, nil, NewRuleKey("java", "S001"))
	require.NoError(t, err)
	assert.Equal(t, ids[0], tmpl.ID)
	assert.Equal(t, string(FormatHTML), tmpl.DescriptionFormat)
	assert.Equal(t, SeverityMajor, tmpl.Severity)
	assert.Equal(t, string(TypeCodeSmell), tmpl.RuleType)
	assert.Equal(t, "java", tmpl.Language)
	assert.Equal(t, JSONStringSlice{"convention", "regex"}, tmpl.Tags)

	rule, err := rules.FindByKey(ctx, nil, testOrg, NewRuleKey("java", "S100"))
	require.NoError(t, err)
	assert.Equal(t, string(TypeBug), rule.Definition.RuleType)
	assert.Equal(t, "MethodName", rule.Definition.ConfigKey)

	view := NewResolver(newTestRenderer()).Resolve(rule)
	assert.Equal(t, Resolved[RemediationFunctionType]{Value: RemediationLinearOffset, Source: SourceDefault}, view.Remediation.Function)
	assert.Equal(t, Resolved[string]{Value: "5d", Source: SourceDefault}, view.Remediation.GapMultiplier)
	assert.Equal(t, Resolved[string]{Value: "10h", Source: SourceDefault}, view.Remediation.BaseEffort)
	assert.Contains(t, view.HTMLDesc, "<strong>it</strong>")
}

func TestRegistrar_ReRegisterUpdatesDefinition(t *testing.T) {
	db := newTestDB(t)
	rules := NewRuleStore(db)
	registrar := NewRegistrar(rules, nil)
	ctx := context.Background()

	repo, err := ParseRepositoryFile(strings.NewReader(repositoryYAML))
	require.NoError(t, err)
	var first []int64
	withSession(t, db, func(sess *Session) {
		first, err = registrar.Register(ctx, sess, repo)
		require.NoError(t, err)
	})

	repo.Rules[0].Name = "Regex template v2"
	repo.Rules[0].Params[0].DefaultValue = ".+"
	repo.Rules[0].Params = append(repo.Rules[0].Params, ParamEntry{Name: "flags", Type: "STRING"})
	var second []int64
	withSession(t, db, func(sess *Session) {
		second, err = registrar.Register(ctx, sess, repo)
		require.NoError(t, err)
	})

	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), countRows(t, db, &RuleDefinitionRecord{}))

	tmpl, err := rules.FindDefinitionByKey(ctx, nil, NewRuleKey("java", "S001"))
	require.NoError(t, err)
	assert.Equal(t, "Regex template v2", tmpl.Name)

	params, err := rules.FindParams(ctx, nil, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, "flags", params[0].Name)
	assert.Equal(t, "regex", params[1].Name)
	assert.Equal(t, ".+", params[1].DefaultValue)
}

func TestRegistrar_RejectsInvalidRemediation(t *testing.T) {
	db := newTestDB(t)
	registrar := NewRegistrar(NewRuleStore(db), nil)

	repo := &RepositoryFile{
		Repository: "java",
		Rules: []RuleEntry{{
			Key:         "S1",
			Remediation: &RemediationEntry{Function: "CONSTANT_ISSUE", GapMultiplier: "5min"},
		}},
	}

	sess, err := BeginSession(context.Background(), db)
	require.NoError(t, err)
	defer sess.Close()
	_, err = registrar.Register(context.Background(), sess, repo)
	assert.ErrorIs(t, err, ErrInvalidRemediation)
}

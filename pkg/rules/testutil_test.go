package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testOrg = "org-1"

// newTestDB opens an isolated in-memory database with every rule table.
// The single connection means a nil-session read must never run while a
// session is open.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

// withSession runs fn in a session and commits it.
func withSession(t *testing.T, db *gorm.DB, fn func(sess *Session)) {
	t.Helper()
	sess, err := BeginSession(context.Background(), db)
	require.NoError(t, err)
	defer sess.Close()
	fn(sess)
	require.NoError(t, sess.Commit())
}

func newTestRenderer() *MarkdownRenderer {
	return NewMarkdownRenderer(nil, nil)
}

// seedTemplate registers the template rule java:S001 with a regex param
// defaulting to ".*", and returns its id.
func seedTemplate(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var id int64
	withSession(t, db, func(sess *Session) {
		store := NewRuleStore(db)
		def := &RuleDefinitionRecord{
			RepositoryKey:               "java",
			RuleKey:                     "S001",
			Name:                        "Regex template",
			Description:                 "<p>Matches a regular expression</p>",
			DescriptionFormat:           string(FormatHTML),
			Severity:                    SeverityMajor,
			RuleType:                    string(TypeCodeSmell),
			ConfigKey:                   "S001",
			Language:                    "java",
			Tags:                        JSONStringSlice{"convention", "regex"},
			IsTemplate:                  true,
			DefRemediationFunction:      stringPtr(string(RemediationLinear)),
			DefRemediationGapMultiplier: stringPtr("5min"),
		}
		var err error
		id, err = store.InsertDefinition(context.Background(), sess, def)
		require.NoError(t, err)
		require.NoError(t, store.InsertParam(context.Background(), sess, id, &RuleParamRecord{
			Name:         "regex",
			ParamType:    "STRING",
			Description:  "The *regular* expression",
			DefaultValue: ".*",
		}))
	})
	return id
}

// seedRule registers a plain rule with the given key and returns its id.
func seedRule(t *testing.T, db *gorm.DB, def *RuleDefinitionRecord) int64 {
	t.Helper()
	var id int64
	withSession(t, db, func(sess *Session) {
		var err error
		id, err = NewRuleStore(db).InsertDefinition(context.Background(), sess, def)
		require.NoError(t, err)
	})
	return id
}

// seedProfile creates a quality profile of org and returns it.
func seedProfile(t *testing.T, db *gorm.DB, org, kee string) *QualityProfileRecord {
	t.Helper()
	p := &QualityProfileRecord{Kee: kee, OrganizationUUID: org, Name: kee, Language: "java"}
	withSession(t, db, func(sess *Session) {
		require.NoError(t, NewProfileStore(db).InsertProfile(context.Background(), sess, p))
	})
	return p
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

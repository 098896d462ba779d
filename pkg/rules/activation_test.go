package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivate_ParamOverrideWins(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	profile := seedProfile(t, db, testOrg, "qp-1")
	rules, profiles := NewRuleStore(db), NewProfileStore(db)
	mgr := NewActiveRuleManager(rules, profiles)
	ctx := context.Background()

	var active *ActiveRule
	withSession(t, db, func(sess *Session) {
		var err error
		active, err = mgr.Activate(ctx, sess, ActivateRequest{
			ProfileID: profile.ID,
			RuleID:    ruleID,
			Params:    map[string]string{"regex": ".*?"},
		})
		require.NoError(t, err)
	})

	assert.Equal(t, SeverityMajor, active.Record.Severity, "severity defaults to the rule's")
	require.Len(t, active.Params, 1)
	assert.Equal(t, ".*?", active.Params[0].Value)

	resp, err := NewShowService(rules, profiles, NewResolver(newTestRenderer())).Show(ctx, nil, ShowRuleRequest{
		Organization:   testOrg,
		Key:            NewRuleKey("java", "S001"),
		IncludeActives: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Actives, 1)
	assert.Equal(t, "qp-1", resp.Actives[0].ProfileKey)
	assert.Equal(t, []ActiveParamView{{Key: "regex", Value: ".*?"}}, resp.Actives[0].Params)
	require.Len(t, resp.Rule.Params, 1)
	assert.Equal(t, ".*", resp.Rule.Params[0].DefaultValue)
}

func TestActivate_DefaultParamWhenNotOverridden(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	profile := seedProfile(t, db, testOrg, "qp-1")
	rules, profiles := NewRuleStore(db), NewProfileStore(db)
	ctx := context.Background()

	withSession(t, db, func(sess *Session) {
		_, err := NewActiveRuleManager(rules, profiles).Activate(ctx, sess, ActivateRequest{
			ProfileID: profile.ID,
			RuleID:    ruleID,
			Severity:  SeverityBlocker,
		})
		require.NoError(t, err)
	})

	resp, err := NewShowService(rules, profiles, NewResolver(newTestRenderer())).Show(ctx, nil, ShowRuleRequest{
		Organization:   testOrg,
		Key:            NewRuleKey("java", "S001"),
		IncludeActives: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Actives, 1)
	assert.Equal(t, SeverityBlocker, resp.Actives[0].Severity)
	assert.Equal(t, []ActiveParamView{{Key: "regex", Value: ".*"}}, resp.Actives[0].Params)
}

func TestActivate_TwiceFailsWithAlreadyActive(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	profile := seedProfile(t, db, testOrg, "qp-1")
	mgr := NewActiveRuleManager(NewRuleStore(db), NewProfileStore(db))
	ctx := context.Background()
	req := ActivateRequest{ProfileID: profile.ID, RuleID: ruleID}

	withSession(t, db, func(sess *Session) {
		_, err := mgr.Activate(ctx, sess, req)
		require.NoError(t, err)
	})

	sess, err := BeginSession(ctx, db)
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, sess, req)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, sess.Close())

	assert.Equal(t, int64(1), countRows(t, db, &ActiveRuleRecord{}))
}

func TestActivate_UniqueIndexBacksAlreadyActive(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	profile := seedProfile(t, db, testOrg, "qp-1")
	profiles := NewProfileStore(db)
	ctx := context.Background()

	withSession(t, db, func(sess *Session) {
		require.NoError(t, profiles.InsertActiveRule(ctx, sess, &ActiveRuleRecord{ProfileID: profile.ID, RuleID: ruleID, Severity: SeverityMajor}))
		err := profiles.InsertActiveRule(ctx, sess, &ActiveRuleRecord{ProfileID: profile.ID, RuleID: ruleID, Severity: SeverityMinor})
		assert.ErrorIs(t, err, ErrAlreadyActive)
	})
	assert.Equal(t, int64(1), countRows(t, db, &ActiveRuleRecord{}))
}

func TestActivate_Errors(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	profile := seedProfile(t, db, testOrg, "qp-1")
	mgr := NewActiveRuleManager(NewRuleStore(db), NewProfileStore(db))
	ctx := context.Background()

	tests := []struct {
		name    string
		req     ActivateRequest
		wantErr error
	}{
		{name: "unknown profile", req: ActivateRequest{ProfileID: 999, RuleID: ruleID}, wantErr: ErrNotFound},
		{name: "unknown rule", req: ActivateRequest{ProfileID: profile.ID, RuleID: 999}, wantErr: ErrNotFound},
		{name: "unknown param", req: ActivateRequest{ProfileID: profile.ID, RuleID: ruleID, Params: map[string]string{"flags": "i"}}, wantErr: ErrUnknownParam},
		{name: "bad severity", req: ActivateRequest{ProfileID: profile.ID, RuleID: ruleID, Severity: "HUGE"}, wantErr: ErrInvalidRequest},
		{name: "missing ids", req: ActivateRequest{}, wantErr: ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := BeginSession(ctx, db)
			require.NoError(t, err)
			defer sess.Close()
			_, err = mgr.Activate(ctx, sess, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Zero(t, countRows(t, db, &ActiveRuleRecord{}))
}

func TestDeactivate(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	profile := seedProfile(t, db, testOrg, "qp-1")
	mgr := NewActiveRuleManager(NewRuleStore(db), NewProfileStore(db))
	ctx := context.Background()

	var activeID int64
	withSession(t, db, func(sess *Session) {
		active, err := mgr.Activate(ctx, sess, ActivateRequest{ProfileID: profile.ID, RuleID: ruleID, Params: map[string]string{"regex": "x"}})
		require.NoError(t, err)
		activeID = active.Record.ID
	})

	withSession(t, db, func(sess *Session) {
		removed, err := mgr.Deactivate(ctx, sess, profile.ID, ruleID)
		require.NoError(t, err)
		assert.Equal(t, activeID, removed.ID)
	})
	assert.Zero(t, countRows(t, db, &ActiveRuleRecord{}))
	assert.Zero(t, countRows(t, db, &ActiveRuleParamRecord{}))

	withSession(t, db, func(sess *Session) {
		_, err := mgr.Deactivate(ctx, sess, profile.ID, ruleID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	// A deactivated rule can be activated again.
	withSession(t, db, func(sess *Session) {
		_, err := mgr.Activate(ctx, sess, ActivateRequest{ProfileID: profile.ID, RuleID: ruleID})
		require.NoError(t, err)
	})
}

func TestProfileStore_InsertProfile(t *testing.T) {
	db := newTestDB(t)
	store := NewProfileStore(db)
	ctx := context.Background()

	generated := &QualityProfileRecord{OrganizationUUID: testOrg, Name: "Sonar way"}
	withSession(t, db, func(sess *Session) {
		require.NoError(t, store.InsertProfile(ctx, sess, generated))
	})
	assert.NotEmpty(t, generated.Kee)

	found, err := store.FindProfileByKey(ctx, nil, generated.Kee)
	require.NoError(t, err)
	assert.Equal(t, generated.ID, found.ID)

	withSession(t, db, func(sess *Session) {
		err := store.InsertProfile(ctx, sess, &QualityProfileRecord{Kee: generated.Kee, OrganizationUUID: testOrg, Name: "dup"})
		assert.ErrorIs(t, err, ErrConflict)
		err = store.InsertProfile(ctx, sess, &QualityProfileRecord{Name: "orphan"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	_, err = store.FindProfileByKey(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfileStore_ListActiveRulesForRuleIsOrgScoped(t *testing.T) {
	db := newTestDB(t)
	ruleID := seedTemplate(t, db)
	qpB := seedProfile(t, db, testOrg, "qp-b")
	qpA := seedProfile(t, db, testOrg, "qp-a")
	other := seedProfile(t, db, "org-2", "qp-other")
	mgr := NewActiveRuleManager(NewRuleStore(db), NewProfileStore(db))
	ctx := context.Background()

	withSession(t, db, func(sess *Session) {
		for _, p := range []*QualityProfileRecord{qpB, qpA, other} {
			_, err := mgr.Activate(ctx, sess, ActivateRequest{ProfileID: p.ID, RuleID: ruleID})
			require.NoError(t, err)
		}
	})

	entries, err := NewProfileStore(db).ListActiveRulesForRule(ctx, nil, testOrg, ruleID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "qp-a", entries[0].Profile.Kee)
	assert.Equal(t, "qp-b", entries[1].Profile.Kee)

	ids, err := NewProfileStore(db).ListActiveRuleIDs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	store := NewAuditStore(db)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	withSession(t, db, func(sess *Session) {
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append(ctx, sess, &RuleEventRecord{
				OrganizationUUID: testOrg,
				RuleID:           1,
				EventType:        EventRuleActivated,
				Actor:            "alice",
				CreatedAt:        base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, store.Append(ctx, sess, &RuleEventRecord{OrganizationUUID: "org-2", RuleID: 1, EventType: EventRuleActivated, Actor: "bob"}))
		require.NoError(t, store.Append(ctx, sess, &RuleEventRecord{OrganizationUUID: testOrg, RuleID: 2, EventType: EventRuleActivated, Actor: "bob"}))
	})

	page, next, err := store.ListByRule(ctx, testOrg, 1, 3, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.NotEmpty(t, next)
	assert.Equal(t, "success", page[0].Outcome)
	assert.NotEmpty(t, page[0].ID)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	rest, next, err := store.ListByRule(ctx, testOrg, 1, 3, next)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Empty(t, next)

	_, _, err = store.ListByRule(ctx, testOrg, 1, 3, "yesterday")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAuditStore_ListPaginatesAcrossEqualTimestamps(t *testing.T) {
	db := newTestDB(t)
	store := NewAuditStore(db)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := map[string]bool{}
	withSession(t, db, func(sess *Session) {
		for i := 0; i < 5; i++ {
			event := &RuleEventRecord{OrganizationUUID: testOrg, RuleID: 1, EventType: EventRuleUpdated, Actor: "alice", CreatedAt: at}
			require.NoError(t, store.Append(ctx, sess, event))
			want[event.ID] = true
		}
	})

	seen := map[string]bool{}
	token := ""
	for pages := 0; pages < 5; pages++ {
		page, next, err := store.ListByRule(ctx, testOrg, 1, 2, token)
		require.NoError(t, err)
		for _, e := range page {
			assert.False(t, seen[e.ID], "event %s listed twice", e.ID)
			seen[e.ID] = true
		}
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, want, seen)
}

func TestAuditStore_RolledBackWithSession(t *testing.T) {
	db := newTestDB(t)
	store := NewAuditStore(db)
	ctx := context.Background()

	sess, err := BeginSession(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, sess, &RuleEventRecord{OrganizationUUID: testOrg, RuleID: 1, EventType: EventRuleDeactivated, Actor: "alice"}))
	require.NoError(t, sess.Close())

	events, _, err := store.ListByRule(ctx, testOrg, 1, 10, "")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditStore_DeleteOlderThan(t *testing.T) {
	db := newTestDB(t)
	store := NewAuditStore(db)
	ctx := context.Background()

	now := time.Now()
	withSession(t, db, func(sess *Session) {
		for _, age := range []time.Duration{100 * 24 * time.Hour, 91 * 24 * time.Hour, time.Hour} {
			require.NoError(t, store.Append(ctx, sess, &RuleEventRecord{
				OrganizationUUID: testOrg,
				RuleID:           1,
				EventType:        EventRuleActivated,
				Actor:            "alice",
				CreatedAt:        now.Add(-age),
			}))
		}
	})

	deleted, err := store.DeleteOlderThan(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	events, _, err := store.ListByRule(ctx, testOrg, 1, 10, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	rules   map[string]*RuleDoc
	actives map[int64]*ActiveRuleDoc
	err     error
}

func (s *fakeSource) RuleDocument(_ context.Context, org string, ruleID int64) (*RuleDoc, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules[RuleDocID(org, ruleID)], nil
}

func (s *fakeSource) ActiveRuleDocument(_ context.Context, id int64) (*ActiveRuleDoc, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.actives[id], nil
}

// flakyBackend fails the first n writes with ErrUnavailable.
type flakyBackend struct {
	*MemoryBackend
	failures int
	calls    int
}

func (b *flakyBackend) PutRule(ctx context.Context, doc RuleDoc) error {
	b.calls++
	if b.calls <= b.failures {
		return ErrUnavailable
	}
	return b.MemoryBackend.PutRule(ctx, doc)
}

func testConfig() Config {
	return Config{RetryInitialInterval: time.Millisecond, RetryMaxElapsed: time.Second}
}

func TestIndexer_IndexRule(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{rules: map[string]*RuleDoc{
		RuleDocID("org1", 1): {Organization: "org1", RuleID: 1, Key: "squid:S001"},
	}}
	backend := NewMemoryBackend()
	idx := NewIndexer(source, backend, testConfig(), nil, nil)

	require.NoError(t, idx.IndexRule(ctx, "org1", 1))
	require.NoError(t, idx.IndexRule(ctx, "org1", 1), "publishing is idempotent")

	got, err := backend.GetRule(ctx, "org1", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "squid:S001", got.Key)

	// The rule disappears from the record store: its document is removed.
	delete(source.rules, RuleDocID("org1", 1))
	require.NoError(t, idx.IndexRule(ctx, "org1", 1))
	got, err = backend.GetRule(ctx, "org1", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIndexer_IndexActiveRule(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{actives: map[int64]*ActiveRuleDoc{
		3: {ID: 3, RuleID: 1, ProfileKey: "p1"},
	}}
	backend := NewMemoryBackend()
	idx := NewIndexer(source, backend, testConfig(), nil, nil)

	require.NoError(t, idx.IndexActiveRule(ctx, 3))
	got, err := backend.GetActiveRule(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)

	delete(source.actives, 3)
	require.NoError(t, idx.IndexActiveRule(ctx, 3))
	got, err = backend.GetActiveRule(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIndexer_RetriesUnavailableBackend(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{rules: map[string]*RuleDoc{
		RuleDocID("org1", 1): {Organization: "org1", RuleID: 1},
	}}
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2}
	metrics := NewMetrics(prometheus.NewRegistry())
	idx := NewIndexer(source, backend, testConfig(), metrics, nil)

	require.NoError(t, idx.IndexRule(ctx, "org1", 1))
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Retries.WithLabelValues(KindRule)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Published.WithLabelValues(KindRule, "ok")))
}

func TestIndexer_SourceErrorIsNotRetried(t *testing.T) {
	boom := errors.New("boom")
	source := &fakeSource{err: boom}
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	metrics := NewMetrics(nil)
	idx := NewIndexer(source, backend, testConfig(), metrics, nil)

	err := idx.IndexRule(context.Background(), "org1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, backend.calls)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Retries.WithLabelValues(KindRule)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Published.WithLabelValues(KindRule, "error")))
}

func TestIndexer_NoRetryWithoutBudget(t *testing.T) {
	source := &fakeSource{rules: map[string]*RuleDoc{
		RuleDocID("org1", 1): {Organization: "org1", RuleID: 1},
	}}
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 1}
	idx := NewIndexer(source, backend, Config{}, nil, nil)

	err := idx.IndexRule(context.Background(), "org1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, backend.calls)
}

func TestIndexer_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	source := &fakeSource{rules: map[string]*RuleDoc{}}
	idx := NewIndexer(source, NewMemoryBackend(), testConfig(), nil, nil)

	err := idx.IndexRule(ctx, "org1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

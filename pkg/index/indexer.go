package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// Document kinds, used as metric labels.
const (
	KindRule       = "rule"
	KindActiveRule = "active_rule"
)

// Config controls publication retries.
type Config struct {
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`
	RetryMaxElapsed      time.Duration `mapstructure:"retryMaxElapsed"`
}

// DefaultConfig returns the default index configuration.
func DefaultConfig() Config {
	return Config{
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxElapsed:      30 * time.Second,
	}
}

// Indexer publishes documents built by a Source into a Backend. Every call
// rebuilds the full document, so calling it twice for the same id is
// harmless. Backend errors wrapping ErrUnavailable are retried with
// exponential backoff until RetryMaxElapsed; any other error fails the call
// at once. A zero RetryMaxElapsed disables retries.
type Indexer struct {
	source  Source
	backend Backend
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(source Source, backend Backend, cfg Config, metrics *Metrics, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{source: source, backend: backend, cfg: cfg, metrics: metrics, logger: logger}
}

// IndexRule publishes the document of a rule for an organization, or
// removes it when the rule no longer exists.
func (i *Indexer) IndexRule(ctx context.Context, org string, ruleID int64) error {
	return i.publish(ctx, KindRule, func() error {
		doc, err := i.source.RuleDocument(ctx, org, ruleID)
		if err != nil {
			return fmt.Errorf("build rule document %s: %w", RuleDocID(org, ruleID), err)
		}
		if doc == nil {
			return i.backend.DeleteRule(ctx, org, ruleID)
		}
		return i.backend.PutRule(ctx, *doc)
	})
}

// IndexActiveRule publishes the document of an activation, or removes it
// when the activation no longer exists.
func (i *Indexer) IndexActiveRule(ctx context.Context, activeRuleID int64) error {
	return i.publish(ctx, KindActiveRule, func() error {
		doc, err := i.source.ActiveRuleDocument(ctx, activeRuleID)
		if err != nil {
			return fmt.Errorf("build active rule document %d: %w", activeRuleID, err)
		}
		if doc == nil {
			return i.backend.DeleteActiveRule(ctx, activeRuleID)
		}
		return i.backend.PutActiveRule(ctx, *doc)
	})
}

func (i *Indexer) publish(ctx context.Context, kind string, fn func() error) error {
	start := time.Now()

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if i.cfg.RetryMaxElapsed > 0 {
		expBackoff := backoff.NewExponentialBackOff()
		if i.cfg.RetryInitialInterval > 0 {
			expBackoff.InitialInterval = i.cfg.RetryInitialInterval
		}
		expBackoff.MaxElapsedTime = i.cfg.RetryMaxElapsed
		policy = expBackoff
	}

	var permanent error
	operation := func() error {
		if err := ctx.Err(); err != nil {
			permanent = err
			return nil
		}
		err := fn()
		if err != nil && !errors.Is(err, ErrUnavailable) {
			permanent = err
			return nil
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		i.metrics.retried(kind)
		i.logger.Warn("index publication failed, will retry", "kind", kind, "retryIn", next.String(), "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		err = permanent
	}
	if err != nil {
		i.metrics.observe(kind, "error", time.Since(start))
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	i.metrics.observe(kind, "ok", time.Since(start))
	return nil
}

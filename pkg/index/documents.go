// Package index mirrors rule and active-rule state into a query-optimized
// search index. The index is eventually consistent with the record store:
// documents are pushed by explicit, idempotent publish calls after commit.
package index

import (
	"context"
	"errors"
	"strconv"
)

// ErrUnavailable is returned by backends when the index cannot be reached.
// The Indexer retries these errors.
var ErrUnavailable = errors.New("index unavailable")

// RuleDoc is the indexed form of a rule as seen by one organization.
type RuleDoc struct {
	Organization string   `json:"organization"`
	RuleID       int64    `json:"ruleId"`
	Key          string   `json:"key"`
	Repository   string   `json:"repository"`
	Name         string   `json:"name"`
	Text         string   `json:"text"`
	Severity     string   `json:"severity"`
	Status       string   `json:"status"`
	Type         string   `json:"type"`
	Language     string   `json:"language"`
	Tags         []string `json:"tags"`
	IsTemplate   bool     `json:"isTemplate"`
	TemplateKey  string   `json:"templateKey,omitempty"`
	UpdatedAt    string   `json:"updatedAt"`
}

// DocID returns the document id of the rule.
func (d RuleDoc) DocID() string { return RuleDocID(d.Organization, d.RuleID) }

// RuleDocID builds the document id of a rule for an organization.
func RuleDocID(org string, ruleID int64) string {
	return org + "/" + strconv.FormatInt(ruleID, 10)
}

// ActiveRuleDoc is the indexed form of an activation.
type ActiveRuleDoc struct {
	ID           int64             `json:"id"`
	Organization string            `json:"organization"`
	RuleID       int64             `json:"ruleId"`
	RuleKey      string            `json:"ruleKey"`
	ProfileKey   string            `json:"profileKey"`
	Severity     string            `json:"severity"`
	Params       map[string]string `json:"params"`
}

// Backend stores index documents. Put replaces the whole document and
// Delete of a missing document is not an error.
type Backend interface {
	PutRule(ctx context.Context, doc RuleDoc) error
	DeleteRule(ctx context.Context, org string, ruleID int64) error
	GetRule(ctx context.Context, org string, ruleID int64) (*RuleDoc, error)
	RuleIDsByTag(ctx context.Context, org, tag string) ([]int64, error)

	PutActiveRule(ctx context.Context, doc ActiveRuleDoc) error
	DeleteActiveRule(ctx context.Context, id int64) error
	GetActiveRule(ctx context.Context, id int64) (*ActiveRuleDoc, error)
	ActiveRuleIDsByRule(ctx context.Context, ruleID int64) ([]int64, error)
}

// Source builds documents from the record store. A nil document with a nil
// error means the entity no longer exists and its document must be removed.
type Source interface {
	RuleDocument(ctx context.Context, org string, ruleID int64) (*RuleDoc, error)
	ActiveRuleDocument(ctx context.Context, activeRuleID int64) (*ActiveRuleDoc, error)
}

package index

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend for single-node deployments and
// tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	rules   map[string]RuleDoc
	actives map[int64]ActiveRuleDoc
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		rules:   make(map[string]RuleDoc),
		actives: make(map[int64]ActiveRuleDoc),
	}
}

func (b *MemoryBackend) PutRule(_ context.Context, doc RuleDoc) error {
	doc.Tags = slices.Clone(doc.Tags)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules[doc.DocID()] = doc
	return nil
}

func (b *MemoryBackend) DeleteRule(_ context.Context, org string, ruleID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rules, RuleDocID(org, ruleID))
	return nil
}

func (b *MemoryBackend) GetRule(_ context.Context, org string, ruleID int64) (*RuleDoc, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.rules[RuleDocID(org, ruleID)]
	if !ok {
		return nil, nil
	}
	doc.Tags = slices.Clone(doc.Tags)
	return &doc, nil
}

func (b *MemoryBackend) RuleIDsByTag(_ context.Context, org, tag string) ([]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []int64
	for _, doc := range b.rules {
		if doc.Organization == org && slices.Contains(doc.Tags, tag) {
			ids = append(ids, doc.RuleID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (b *MemoryBackend) PutActiveRule(_ context.Context, doc ActiveRuleDoc) error {
	doc.Params = maps.Clone(doc.Params)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actives[doc.ID] = doc
	return nil
}

func (b *MemoryBackend) DeleteActiveRule(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.actives, id)
	return nil
}

func (b *MemoryBackend) GetActiveRule(_ context.Context, id int64) (*ActiveRuleDoc, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.actives[id]
	if !ok {
		return nil, nil
	}
	doc.Params = maps.Clone(doc.Params)
	return &doc, nil
}

func (b *MemoryBackend) ActiveRuleIDsByRule(_ context.Context, ruleID int64) ([]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []int64
	for id, doc := range b.actives {
		if doc.RuleID == ruleID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

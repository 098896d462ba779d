package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the Redis key prefix used when none is configured.
const DefaultKeyPrefix = "rules:index:"

// RedisBackend stores documents as JSON strings and keeps secondary sets for
// tag and rule lookups.
//
//	<prefix>rule:<org>/<ruleID>       rule document
//	<prefix>tag:<org>:<tag>           set of rule ids
//	<prefix>active:<id>               active rule document
//	<prefix>rule-actives:<ruleID>     set of active rule ids
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend creates a RedisBackend. An empty prefix selects
// DefaultKeyPrefix.
func NewRedisBackend(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) ruleKey(org string, ruleID int64) string {
	return b.prefix + "rule:" + RuleDocID(org, ruleID)
}

func (b *RedisBackend) tagKey(org, tag string) string {
	return b.prefix + "tag:" + org + ":" + tag
}

func (b *RedisBackend) activeKey(id int64) string {
	return b.prefix + "active:" + strconv.FormatInt(id, 10)
}

func (b *RedisBackend) ruleActivesKey(ruleID int64) string {
	return b.prefix + "rule-actives:" + strconv.FormatInt(ruleID, 10)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}

func (b *RedisBackend) PutRule(ctx context.Context, doc RuleDoc) error {
	old, err := b.GetRule(ctx, doc.Organization, doc.RuleID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal rule document: %w", err)
	}
	id := strconv.FormatInt(doc.RuleID, 10)
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil {
			for _, tag := range old.Tags {
				pipe.SRem(ctx, b.tagKey(old.Organization, tag), id)
			}
		}
		pipe.Set(ctx, b.ruleKey(doc.Organization, doc.RuleID), data, 0)
		for _, tag := range doc.Tags {
			pipe.SAdd(ctx, b.tagKey(doc.Organization, tag), id)
		}
		return nil
	})
	if err != nil {
		return unavailable("put rule", err)
	}
	return nil
}

func (b *RedisBackend) DeleteRule(ctx context.Context, org string, ruleID int64) error {
	old, err := b.GetRule(ctx, org, ruleID)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	id := strconv.FormatInt(ruleID, 10)
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tag := range old.Tags {
			pipe.SRem(ctx, b.tagKey(org, tag), id)
		}
		pipe.Del(ctx, b.ruleKey(org, ruleID))
		return nil
	})
	if err != nil {
		return unavailable("delete rule", err)
	}
	return nil
}

func (b *RedisBackend) GetRule(ctx context.Context, org string, ruleID int64) (*RuleDoc, error) {
	data, err := b.rdb.Get(ctx, b.ruleKey(org, ruleID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("get rule", err)
	}
	var doc RuleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode rule document: %w", err)
	}
	return &doc, nil
}

func (b *RedisBackend) RuleIDsByTag(ctx context.Context, org, tag string) ([]int64, error) {
	members, err := b.rdb.SMembers(ctx, b.tagKey(org, tag)).Result()
	if err != nil {
		return nil, unavailable("rules by tag", err)
	}
	return parseIDs(members)
}

func (b *RedisBackend) PutActiveRule(ctx context.Context, doc ActiveRuleDoc) error {
	old, err := b.GetActiveRule(ctx, doc.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal active rule document: %w", err)
	}
	id := strconv.FormatInt(doc.ID, 10)
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.RuleID != doc.RuleID {
			pipe.SRem(ctx, b.ruleActivesKey(old.RuleID), id)
		}
		pipe.Set(ctx, b.activeKey(doc.ID), data, 0)
		pipe.SAdd(ctx, b.ruleActivesKey(doc.RuleID), id)
		return nil
	})
	if err != nil {
		return unavailable("put active rule", err)
	}
	return nil
}

func (b *RedisBackend) DeleteActiveRule(ctx context.Context, id int64) error {
	old, err := b.GetActiveRule(ctx, id)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, b.ruleActivesKey(old.RuleID), strconv.FormatInt(id, 10))
		pipe.Del(ctx, b.activeKey(id))
		return nil
	})
	if err != nil {
		return unavailable("delete active rule", err)
	}
	return nil
}

func (b *RedisBackend) GetActiveRule(ctx context.Context, id int64) (*ActiveRuleDoc, error) {
	data, err := b.rdb.Get(ctx, b.activeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("get active rule", err)
	}
	var doc ActiveRuleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode active rule document: %w", err)
	}
	return &doc, nil
}

func (b *RedisBackend) ActiveRuleIDsByRule(ctx context.Context, ruleID int64) ([]int64, error) {
	members, err := b.rdb.SMembers(ctx, b.ruleActivesKey(ruleID)).Result()
	if err != nil {
		return nil, unavailable("active rules by rule", err)
	}
	return parseIDs(members)
}

func parseIDs(members []string) ([]int64, error) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt index member %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

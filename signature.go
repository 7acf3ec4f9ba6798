package farmagent

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ComputeSignature hashes the fields that determine whether an account's
// due-work set has materially changed: the due task types, their due
// timestamps, and the counter thresholds in play. The scanner uses it to
// suppress re-submitting unchanged work on every cycle.
func ComputeSignature(account *AccountConfig, intents []*Intent) string {
	h := fnv.New64a()
	keys := make([]string, 0, len(intents))
	for _, intent := range intents {
		if intent == nil {
			continue
		}
		var due int64
		var threshold int64
		if cfg := account.Task(intent.TaskType); cfg != nil {
			due = cfg.NextDueAt.Unix()
			threshold = cfg.CounterThreshold
		}
		keys = append(keys, fmt.Sprintf("%s|%d|%d", intent.TaskType, due, threshold))
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// signatureCache remembers the last-submitted signature per account for a
// short TTL. Entries expire on their own; the bounded size only guards
// against unbounded account churn.
type signatureCache struct {
	lru *expirable.LRU[string, string]
}

func newSignatureCache(ttl time.Duration, size int) *signatureCache {
	if size <= 0 {
		size = 4096
	}
	return &signatureCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// matches reports whether the account's signature equals the one remembered
// within the TTL window.
func (c *signatureCache) matches(accountID, sig string) bool {
	if c == nil || c.lru == nil {
		return false
	}
	prev, ok := c.lru.Get(accountID)
	return ok && prev == sig
}

func (c *signatureCache) remember(accountID, sig string) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(accountID, sig)
}

func (c *signatureCache) forget(accountID string) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Remove(accountID)
}

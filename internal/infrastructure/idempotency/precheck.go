// Package idempotency implements the ingest pipeline's optional Stage 5
// pre-insert dedup check (spec §4.4): a Redis SETNX ahead of the
// authoritative (provider, provider_event_id) unique constraint enforced by
// Stage 4. Adapted from the teacher's pkg/redis client plus
// interfaces/http/middleware/idempotency.go SetNX-as-lock pattern.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTTL bounds how long a claim key lives — long enough to outlast the
// pipeline call that created it, short enough not to leak memory forever if
// Stage 4's insert never runs (e.g. the process crashes mid-request).
const defaultTTL = 10 * time.Minute

// PreCheck is the Stage-5 defensive dedup check. A nil *PreCheck (or one
// built with a nil client) is a no-op: every Claim call reports "not seen
// before", matching the spec's "when Redis is not configured the stage is a
// no-op" characterization.
type PreCheck struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a PreCheck backed by client. Pass a nil client to get a
// permanently-no-op instance.
func New(client *redis.Client, ttl time.Duration) *PreCheck {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &PreCheck{client: client, ttl: ttl}
}

// Claim reports whether this call is the first to claim (provider,
// providerEventID). It returns claimed=true only on the *first* call for a
// given key; subsequent calls (including this stage's own legitimate
// redelivery case) return claimed=false. A Redis error is non-fatal: Stage
// 4's unique constraint remains authoritative, so Claim degrades to
// "treat as not seen" rather than blocking the pipeline.
func (p *PreCheck) Claim(ctx context.Context, provider, providerEventID string) (claimed bool, err error) {
	if p == nil || p.client == nil {
		return true, nil
	}

	key := fmt.Sprintf("idempotency:webhook:%s:%s", provider, providerEventID)
	ok, err := p.client.SetNX(ctx, key, "1", p.ttl).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}

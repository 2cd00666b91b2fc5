// Package ratelimit throttles per-identity and per-address actions with a
// Redis counter per window: INCR, then EXPIRE on the first hit. The limiter
// fails open, so a Redis outage degrades to no throttling rather than a
// gateway outage.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule names a throttled action: its Redis key prefix, the allowed count,
// and the window the count applies to.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Rules for the gateway's throttled actions.
var (
	// RuleMessage caps chat messages per identity.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect caps WebSocket upgrades per client address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}

	// RuleSignal caps signal appends per identity. ICE candidates arrive in
	// bursts, so this window is wide.
	RuleSignal = Rule{Key: "rl:sig:", Limit: 60, Window: 1 * time.Minute}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one action for the identifier and reports whether it stays
// within the rule. The first increment in a window sets the key's expiry; an
// increment past the limit returns false. Redis errors return true together
// with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: incr failed key=%s, allowing: %v", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: expire failed key=%s, allowing: %v", key, err)
			// Without a TTL the counter would throttle the identifier
			// forever, so drop it.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining reports how many actions the identifier has left in the current
// window. A missing key, like a Redis error, reports the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("ratelimit: get failed key=%s, allowing: %v", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

package redis

import (
	"context"
	"time"
)

// The counter and its expiry are set together so a crash between the two
// cannot leave a window that never resets.
const fixedWindowScript = `local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`

const releaseLockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// FixedWindowAllow counts one hit against scope and reports whether the
// window is still within limit.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	count, err := c.eval(ctx, fixedWindowScript, c.RateLimitKey(scope), window.Milliseconds())
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

// ReleaseLock deletes key only while it still holds owner and reports
// whether it did.
func (c *Client) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	deleted, err := c.eval(ctx, releaseLockScript, key, owner)
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

// CachePollResult stores the serialized poll payload for a job.
func (c *Client) CachePollResult(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error {
	return c.Set(ctx, c.GenerationKey(jobID), string(payload), ttl)
}

// GetPollResult returns a cached poll payload, or ErrCacheMiss.
func (c *Client) GetPollResult(ctx context.Context, jobID string) ([]byte, error) {
	value, err := c.Get(ctx, c.GenerationKey(jobID))
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (c *Client) EvictPollResult(ctx context.Context, jobID string) error {
	return c.Del(ctx, c.GenerationKey(jobID))
}

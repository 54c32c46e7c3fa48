package redis

import "strings"

// Every key lives under stefna: so the instance can be shared.
const keyNamespace = "stefna"

func (c *Client) IdempotencyKey(scope, id string) string { return buildKey("idempotency", scope, id) }
func (c *Client) RateLimitKey(scope string) string       { return buildKey("rate_limit", scope) }
func (c *Client) GenerationKey(jobID string) string      { return buildKey("generation", jobID) }
func (c *Client) LockKey(name string) string             { return buildKey("lock", name) }

// buildKey joins parts with ':' and skips blank ones.
func buildKey(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

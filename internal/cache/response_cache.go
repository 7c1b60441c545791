package cache

import (
	"strings"
	"time"

	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
)

const defaultResponseTTL = 5 * time.Minute

// ResponseCache keeps finalized idempotency records close to the handler so
// hot replays skip the database.
type ResponseCache interface {
	Get(key string) (*idempotencydomain.Record, bool)
	Set(record *idempotencydomain.Record)
	Delete(key string)
}

type responseCache struct {
	records Cache[string, *idempotencydomain.Record]
	ttl     time.Duration
	now     func() time.Time
}

// NewResponseCache returns an in-memory cache for finalized responses. Entries
// never outlive the record's own expiry.
func NewResponseCache(ttl time.Duration, opts ...Option) ResponseCache {
	if ttl <= 0 {
		ttl = defaultResponseTTL
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &responseCache{
		records: NewTTLCache[string, *idempotencydomain.Record](opts...),
		ttl:     ttl,
		now:     o.now,
	}
}

func (c *responseCache) Get(key string) (*idempotencydomain.Record, bool) {
	return c.records.Get(cacheKey(key))
}

func (c *responseCache) Set(record *idempotencydomain.Record) {
	if record == nil || record.Status != idempotencydomain.StatusDone {
		return
	}
	ttl := c.ttl
	if remaining := record.ExpiresAt.Sub(c.now()); remaining < ttl {
		ttl = remaining
	}
	c.records.Set(cacheKey(record.Key), record, ttl)
}

func (c *responseCache) Delete(key string) {
	c.records.Delete(cacheKey(key))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}

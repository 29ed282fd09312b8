// Package cache implements the gateway's response cache: GET/HEAD requests,
// and POST requests whose target explicitly allows it, are fingerprinted and
// stored so a repeat request can be served without touching upstream.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/kvstore"
	"github.com/KikuAI-Lab/reliapi/internal/pool"
)

// significantHeaders are the only request headers that participate in the
// cache fingerprint. Anything else (auth, tracing, user-agent, ...) would
// otherwise fragment the cache for requests that are semantically identical.
var significantHeaders = []string{"Accept", "Accept-Language", "Content-Type"}

// Entry is a stored response.
type Entry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Cache is the tenant-namespaced response cache.
type Cache struct {
	store  kvstore.Store
	logger *zap.Logger
}

// New builds a Cache over the given KV store.
func New(store kvstore.Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger.With(zap.String("component", "cache"))}
}

// Cacheable reports whether a request of this shape may be cached at all,
// per §4.2: GET and HEAD are always eligible; POST only when the resolved
// target explicitly sets allow_post.
func Cacheable(method string, allowPost bool) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	case http.MethodPost:
		return allowPost
	default:
		return false
	}
}

type fingerprintDoc struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	BodyCS  string            `json:"body_checksum,omitempty"`
}

// Fingerprint computes the canonical cache key for a request. Only
// significantHeaders contribute, so reordering or adding insignificant
// headers never changes the key.
func Fingerprint(method, url string, headers http.Header, body []byte) string {
	doc := fingerprintDoc{
		Method:  method,
		URL:     url,
		Headers: map[string]string{},
	}
	for _, h := range significantHeaders {
		if v := headers.Get(h); v != "" {
			doc.Headers[h] = v
		}
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		doc.BodyCS = hex.EncodeToString(sum[:])
	}

	// encoding/json sorts map keys, but we also sort the header names we
	// read above so two callers with header maps in different iteration
	// order always produce the same JSON.
	keys := make([]string, 0, len(doc.Headers))
	for k := range doc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func storeKey(tenant, fingerprint string) string {
	return "cache:" + tenant + ":" + fingerprint
}

// Get looks up a cached entry. A corrupt stored value is treated as a miss
// and removed, per §4.2 ("corrupt entries are deleted and treated as a
// miss"). Store failures (KV store down) are also treated as a miss — the
// request proceeds upstream rather than failing.
func (c *Cache) Get(ctx context.Context, tenant, fingerprint string) (*Entry, bool) {
	raw, found, err := c.store.Get(ctx, storeKey(tenant, fingerprint))
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("corrupt cache entry, evicting", zap.String("tenant", tenant), zap.Error(err))
		_ = c.store.Delete(ctx, storeKey(tenant, fingerprint))
		return nil, false
	}
	return &entry, true
}

// Set stores an entry with the given TTL. Failures are logged and swallowed
// — caching is best-effort and never fails the request it's attached to.
func (c *Cache) Set(ctx context.Context, tenant, fingerprint string, entry *Entry, ttl time.Duration) {
	entry.CreatedAt = time.Now()

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(entry); err != nil {
		c.logger.Warn("failed to marshal cache entry", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, storeKey(tenant, fingerprint), buf.String(), ttl); err != nil {
		c.logger.Warn("failed to store cache entry", zap.Error(err))
	}
}

// Invalidate deletes every cache entry for tenant whose fingerprint matches
// pattern (a kvstore.Scan glob), per §4.2's `invalidate(pattern)`.
func (c *Cache) Invalidate(ctx context.Context, tenant, pattern string) error {
	keys, err := c.store.Scan(ctx, storeKey(tenant, pattern))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			c.logger.Warn("failed to invalidate cache entry", zap.String("key", k), zap.Error(err))
		}
	}
	return nil
}

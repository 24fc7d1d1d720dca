package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/qwen-relay/gateway/internal/account"
)

// modelsCache holds the last successful /v1/models response for ttl, since
// the model list almost never changes between accounts or requests.
type modelsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	body    []byte
	fetched time.Time
}

func newModelsCache(ttl time.Duration) *modelsCache {
	return &modelsCache{ttl: ttl}
}

func (c *modelsCache) get() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body == nil || time.Since(c.fetched) > c.ttl {
		return nil, false
	}
	return c.body, true
}

func (c *modelsCache) set(body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = body
	c.fetched = time.Now()
}

// ListModels forwards to upstream, caching the result for the cache's fixed
// ttl (5 minutes, set in New) across every account and caller; no
// TTL supplied by the vendor's response is read.
func (r *Router) ListModels(ctx context.Context, pinned string) ([]byte, error) {
	if cached, ok := r.models.get(); ok {
		return cached, nil
	}

	data, _, err := r.doBuffered(ctx, account.PurposeModels, pinned, func(base string, creds account.Credentials) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, modelsURL(base), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", tokenTypeOrDefault(creds.TokenType)+" "+creds.AccessToken)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	r.models.set(data)
	return data, nil
}

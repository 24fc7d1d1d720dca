package apikey

import (
	"context"
	"net/http"
	"strings"

	"github.com/qwen-relay/gateway/internal/apierr"
)

type ctxKey int

const keyInfoCtxKey ctxKey = iota

// KeyInfo is what the rest of the request pipeline sees after a key has
// been validated — the router never touches the store directly.
type KeyInfo struct {
	ID          string
	Permissions []string
	RateLimit   *RateLimit
}

func (k KeyInfo) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == PermFullAccess || p == perm {
			return true
		}
	}
	return false
}

// Validator is the Authenticate() middleware described in the component
// design: extract bearer token, validate, check status, check endpoint
// permission, apply rate limit, record usage.
type Validator struct {
	store     *Store
	limiter   RateLimiter
	bootstrap map[string]KeyInfo // raw key -> full-access info, operator convenience
}

func NewValidator(store *Store, limiter RateLimiter, bootstrapKeys []string) *Validator {
	bootstrap := make(map[string]KeyInfo, len(bootstrapKeys))
	for _, raw := range bootstrapKeys {
		bootstrap[raw] = KeyInfo{ID: "bootstrap", Permissions: []string{PermFullAccess}}
	}
	return &Validator{store: store, limiter: limiter, bootstrap: bootstrap}
}

// endpointPermission maps a request path to the permission it requires.
func endpointPermission(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return PermChatCompletions
	case strings.HasPrefix(path, "/v1/models"):
		return PermModelsList
	case strings.HasPrefix(path, "/v1/web/search"):
		return PermChatCompletions
	default:
		return PermFullAccess
	}
}

// Authenticate wraps a handler, rejecting requests that fail any validator
// stage before the handler ever runs.
func (v *Validator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r)
		if raw == "" {
			apierr.Write(w, apierr.KindAuthentication, "missing bearer token")
			return
		}

		if info, ok := v.bootstrap[raw]; ok {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyInfoCtxKey, info)))
			return
		}

		if !strings.HasPrefix(raw, keyPrefix) || len(raw) < minKeyLength {
			apierr.Write(w, apierr.KindAuthentication, "malformed api key")
			return
		}

		key, ok := v.store.Validate(raw)
		if !ok {
			apierr.Write(w, apierr.KindAuthentication, "invalid api key")
			return
		}
		if key.Status != StatusActive {
			apierr.Write(w, apierr.KindPermission, "api key is not active")
			return
		}

		needed := endpointPermission(r.URL.Path)
		if !(KeyInfo{Permissions: key.Permissions}).HasPermission(needed) {
			apierr.Write(w, apierr.KindPermission, "api key lacks required permission: "+needed)
			return
		}

		if v.limiter != nil && key.RateLimit != nil {
			allowed, retryAfter := v.limiter.Allow(key.ID, key.RateLimit.Max, key.RateLimit.Window)
			if !allowed {
				w.Header().Set("Retry-After", retryAfter.String())
				apierr.Write(w, apierr.KindRateLimit, "rate limit exceeded")
				return
			}
		}

		defer v.store.RecordUsage(key.ID)

		info := KeyInfo{ID: key.ID, Permissions: key.Permissions, RateLimit: key.RateLimit}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyInfoCtxKey, info)))
	})
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func GetKeyInfo(ctx context.Context) (KeyInfo, bool) {
	info, ok := ctx.Value(keyInfoCtxKey).(KeyInfo)
	return info, ok
}

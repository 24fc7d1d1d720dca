// Package router translates OpenAI-shaped inbound requests into upstream
// calls against the currently selected account, handling rotation between
// accounts on retryable failures.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/apierr"
	"github.com/qwen-relay/gateway/internal/config"
	"github.com/qwen-relay/gateway/internal/counters"
	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/transport"
)

// ErrUpstreamUnavailable is returned once every eligible account has been
// tried and exhausted, or a pinned account could not be honored.
var ErrUpstreamUnavailable = errors.New("router: upstream unavailable")

// UpstreamError carries a vendor 4xx body through unchanged — per the
// attempt loop's design, an "other 4xx" is a caller-visible fact, not
// something the router reinterprets.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("router: upstream returned status %d", e.Status)
}

const refreshSkew = 60 * time.Second

// Router wires the account pool, transport pool, and counters together to
// serve the northbound HTTP surface.
type Router struct {
	pool      *account.Pool
	refresh   account.RefreshFunc
	cfg       *config.Config
	transport *transport.Manager
	counters  *counters.Counters
	bus       *events.Bus
	models    *modelsCache
}

func New(pool *account.Pool, refresh account.RefreshFunc, cfg *config.Config, tm *transport.Manager, ctr *counters.Counters, bus *events.Bus) *Router {
	return &Router{
		pool:      pool,
		refresh:   refresh,
		cfg:       cfg,
		transport: tm,
		counters:  ctr,
		bus:       bus,
		models:    newModelsCache(5 * time.Minute),
	}
}

func (r *Router) attemptsMax() int {
	n := len(r.pool.List())
	if n > r.cfg.MaxRetryAccounts {
		n = r.cfg.MaxRetryAccounts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// pickAndPrepare selects an account (respecting pinning), refreshes its
// token if it's within skew of expiry, and returns request-ready
// credentials plus a client bound to that account's egress proxy.
func (r *Router) pickAndPrepare(ctx context.Context, purpose account.Purpose, pinned string) (account.Credentials, *http.Client, error) {
	acct, err := r.pool.Pick(purpose, pinned)
	if err != nil {
		return account.Credentials{}, nil, err
	}
	creds, err := r.pool.CredentialsFor(ctx, acct.ID, r.refresh, refreshSkew)
	if err != nil {
		if errors.Is(err, account.ErrInvalidGrant) {
			r.pool.MarkDead(acct.ID, "invalid_grant before dispatch")
		}
		return account.Credentials{}, nil, err
	}
	client := r.transport.GetClient(creds.Proxy)
	return creds, client, nil
}

// attemptOutcome is what classifyFailure reports for a non-2xx upstream
// response: how the attempt loop should proceed. outcomeRetrySame is
// returned for an auth failure the loop should retry once, inline, before
// rotating.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRotate
	outcomeRetrySame
	outcomeStopWithBody
)

func (r *Router) classifyFailure(accountID string, status int, body []byte) attemptOutcome {
	kind := apierr.Classify(status, string(body))
	switch kind {
	case apierr.KindAuthentication:
		dead := r.pool.MarkAuthError(accountID)
		if dead {
			return outcomeRotate
		}
		return outcomeRetrySame
	case apierr.KindQuotaExceeded, apierr.KindRateLimit:
		r.pool.MarkQuotaExhausted(accountID)
		return outcomeRotate
	case apierr.KindUpstreamUnavailable:
		return outcomeRotate
	default:
		return outcomeStopWithBody
	}
}

func readLimited(body io.ReadCloser, limit int64) []byte {
	defer body.Close()
	data, _ := io.ReadAll(io.LimitReader(body, limit))
	return data
}

// doBuffered runs the attempt loop for a non-streaming call. build
// constructs the upstream *http.Request given the resolved base URL and
// credentials; the request is re-built on every attempt since the account
// (and therefore the bearer token and base URL) may change.
func (r *Router) doBuffered(ctx context.Context, purpose account.Purpose, pinned string, build func(base string, creds account.Credentials) (*http.Request, error)) ([]byte, string, error) {
	attempts := r.attemptsMax()

	for attempt := 0; attempt < attempts; attempt++ {
		creds, client, err := r.pickAndPrepare(ctx, purpose, pinned)
		if err != nil {
			if errors.Is(err, account.ErrPinnedAccountUnavailable) || errors.Is(err, account.ErrNoEligibleAccount) || errors.Is(err, account.ErrAccountNotFound) {
				return nil, "", ErrUpstreamUnavailable
			}
			if attempt == attempts-1 {
				return nil, "", ErrUpstreamUnavailable
			}
			continue
		}

		base := resolveBase(creds.ResourceURL, r.cfg.DefaultAPIBase)
		req, err := build(base, creds)
		if err != nil {
			return nil, "", err
		}

		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			slog.Warn("upstream request failed", "account", creds.AccountID, "error", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			data := readLimited(resp.Body, 64<<20)
			r.pool.ClearAuthErrors(creds.AccountID)
			r.recordUsage(creds.AccountID, purpose, data)
			return data, creds.AccountID, nil
		}

		body := readLimited(resp.Body, 64*1024)
		outcome := r.classifyFailure(creds.AccountID, resp.StatusCode, body)
		switch outcome {
		case outcomeRetrySame:
			if err := r.pool.ForceRefresh(ctx, creds.AccountID, r.refresh); err == nil {
				retryResp, retryErr := r.retryOnce(ctx, creds.AccountID, purpose, build)
				if retryErr == nil {
					return retryResp, creds.AccountID, nil
				}
			}
			continue
		case outcomeStopWithBody:
			return nil, "", &UpstreamError{Status: resp.StatusCode, Body: body}
		default: // outcomeRotate
			continue
		}
	}

	return nil, "", ErrUpstreamUnavailable
}

// retryOnce re-issues the same logical request against the same account
// after an inline refresh, without consuming another attempt slot.
func (r *Router) retryOnce(ctx context.Context, accountID string, purpose account.Purpose, build func(base string, creds account.Credentials) (*http.Request, error)) ([]byte, error) {
	creds, err := r.pool.CredentialsFor(ctx, accountID, r.refresh, refreshSkew)
	if err != nil {
		return nil, err
	}
	base := resolveBase(creds.ResourceURL, r.cfg.DefaultAPIBase)
	req, err := build(base, creds)
	if err != nil {
		return nil, err
	}
	client := r.transport.GetClient(creds.Proxy)
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readLimited(resp.Body, 64*1024)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: body}
	}
	data := readLimited(resp.Body, 64<<20)
	r.pool.ClearAuthErrors(accountID)
	r.recordUsage(accountID, purpose, data)
	return data, nil
}

func (r *Router) recordUsage(accountID string, purpose account.Purpose, body []byte) {
	if r.counters == nil {
		return
	}
	switch purpose {
	case account.PurposeChat:
		r.counters.IncrRequest(accountID, counters.KindChat, 1)
	case account.PurposeSearch:
		r.counters.IncrRequest(accountID, counters.KindWebSearch, 1)
		if n := searchResultCount(body); n > 0 {
			r.counters.IncrResults(accountID, int64(n))
		}
	}
	if in, out, ok := parseUsage(body); ok {
		r.counters.IncrTokens(accountID, in, out)
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.EventRequest, AccountID: accountID, Message: string(purpose)})
	}
}

// ChatCompletion is the buffered (non-streaming) chat completions path.
func (r *Router) ChatCompletion(ctx context.Context, body []byte, pinned string) ([]byte, error) {
	data, _, err := r.doBuffered(ctx, account.PurposeChat, pinned, func(base string, creds account.Credentials) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, chatCompletionsURL(base), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", tokenTypeOrDefault(creds.TokenType)+" "+creds.AccessToken)
		return req, nil
	})
	return data, err
}

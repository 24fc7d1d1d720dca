package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshFunc performs the OAuth refresh-token exchange for one account and
// returns the new credential bundle. It is injected into the pool rather
// than hard-wired, so tests can substitute a fake without a network.
type RefreshFunc func(ctx context.Context, refreshToken string) (Exchanged, error)

// Exchanged is the result of either a device-flow completion or a refresh.
type Exchanged struct {
	AccessToken  string
	RefreshToken string // may be empty — vendor omits it when unchanged
	TokenType    string
	ExpiresIn    int // seconds
	ResourceURL  string
}

// ErrInvalidGrant marks a refresh failure the vendor considers terminal —
// the refresh token itself is no longer valid and the account needs
// re-authorization, not another retry.
var ErrInvalidGrant = errors.New("account: invalid_grant")

// OAuthClient builds the golang.org/x/oauth2 configuration for the vendor's
// device + refresh endpoints, and performs the PKCE-augmented device flow.
type OAuthClient struct {
	cfg        oauth2.Config
	httpClient *http.Client
}

func NewOAuthClient(clientID, authHost string, httpClient *http.Client) *OAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthClient{
		cfg: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: authHost + "/api/v1/oauth2/device/code",
				TokenURL:      authHost + "/api/v1/oauth2/token",
			},
			Scopes: []string{"openid", "profile", "email", "model.completion"},
		},
		httpClient: httpClient,
	}
}

func (c *OAuthClient) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// DeviceAuthResult is the caller-facing shape of a started device flow.
type DeviceAuthResult struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
	CodeVerifier            string
}

// StartDeviceFlow begins an RFC 8628 device authorization, augmented with
// the vendor's PKCE binding (code_challenge on the authorization request,
// code_verifier redeemed at token time).
func (c *OAuthClient) StartDeviceFlow(ctx context.Context) (*DeviceAuthResult, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, err
	}

	da, err := c.cfg.DeviceAuth(c.ctx(ctx),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}

	return &DeviceAuthResult{
		DeviceCode:              da.DeviceCode,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresIn:               int(time.Until(da.Expiry).Seconds()),
		Interval:                intervalOrDefault(da.Interval),
		CodeVerifier:            verifier,
	}, nil
}

// PollOutcome is the classification poll() returns to the /auth/poll handler.
type PollOutcome string

const (
	PollPending   PollOutcome = "pending"
	PollSlowDown  PollOutcome = "slow_down"
	PollCompleted PollOutcome = "completed"
	PollExpired   PollOutcome = "expired"
	PollDenied    PollOutcome = "denied"
)

// PollDeviceToken makes a single poll attempt against the token endpoint.
func (c *OAuthClient) PollDeviceToken(ctx context.Context, deviceCode, codeVerifier string) (PollOutcome, *Exchanged, error) {
	da := &oauth2.DeviceAuthResponse{DeviceCode: deviceCode}
	tok, err := c.cfg.DeviceAccessToken(c.ctx(ctx), da,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err == nil {
		return PollCompleted, tokenToExchanged(tok), nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "authorization_pending"):
		return PollPending, nil, nil
	case strings.Contains(msg, "slow_down"):
		return PollSlowDown, nil, nil
	case strings.Contains(msg, "expired_token"):
		return PollExpired, nil, nil
	case strings.Contains(msg, "access_denied"):
		return PollDenied, nil, nil
	default:
		return "", nil, fmt.Errorf("device token poll: %w", err)
	}
}

// Refresh exchanges a refresh token for a new credential bundle.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (Exchanged, error) {
	src := c.cfg.TokenSource(c.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if strings.Contains(err.Error(), "invalid_grant") {
			return Exchanged{}, ErrInvalidGrant
		}
		return Exchanged{}, fmt.Errorf("refresh: %w", err)
	}
	return *tokenToExchanged(tok), nil
}

func tokenToExchanged(tok *oauth2.Token) *Exchanged {
	resourceURL, _ := tok.Extra("resource_url").(string)
	return &Exchanged{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(time.Until(tok.Expiry).Seconds()),
		ResourceURL:  resourceURL,
	}
}

func intervalOrDefault(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

// refreshLocked performs the refresh-with-lock dance: acquire the
// per-account lock, call the injected RefreshFunc, persist the result, and
// release — mirroring the distributed-lock shape the gateway this is
// patterned on used for a store-backed lock, simplified to an in-process
// mutex since this gateway is single-process.
func (p *Pool) refreshLocked(ctx context.Context, accountID string, refresh RefreshFunc) error {
	if !p.TryLockForRefresh(accountID) {
		// another goroutine is refreshing; wait briefly and re-check
		time.Sleep(200 * time.Millisecond)
		p.mu.RLock()
		a, ok := p.accounts[accountID]
		p.mu.RUnlock()
		if ok && !a.ExpiresWithin(0) {
			return nil
		}
		return fmt.Errorf("account %s: refresh in progress by another caller", accountID)
	}
	defer p.ReleaseRefreshLock(accountID)

	p.mu.RLock()
	a, ok := p.accounts[accountID]
	p.mu.RUnlock()
	if !ok {
		return ErrAccountNotFound
	}

	refreshToken, err := p.persist.decryptRefreshToken(a)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		p.MarkDead(accountID, "empty refresh token")
		return fmt.Errorf("account %s: empty refresh token", accountID)
	}

	result, err := refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			p.MarkDead(accountID, "invalid_grant on refresh")
		}
		return fmt.Errorf("oauth refresh: %w", err)
	}

	p.mu.Lock()
	newRefresh := result.RefreshToken
	if newRefresh == "" {
		newRefresh, _ = p.persist.decryptRefreshToken(a) // preserve when vendor omits it
	}
	if err := p.persist.encryptTokens(a, result.AccessToken, newRefresh); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("encrypt refreshed tokens: %w", err)
	}
	a.TokenType = result.TokenType
	if a.TokenType == "" {
		a.TokenType = "Bearer"
	}
	if result.ResourceURL != "" {
		a.ResourceURL = NormalizeResourceURL(result.ResourceURL)
	}
	a.ExpiryTimestamp = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second).UnixMilli()
	a.ConsecutiveAuthErrors = 0
	err = p.persist.save(a)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist refreshed account: %w", err)
	}
	return nil
}

// ForceRefresh refreshes an account unconditionally.
func (p *Pool) ForceRefresh(ctx context.Context, accountID string, refresh RefreshFunc) error {
	return p.refreshLocked(ctx, accountID, refresh)
}

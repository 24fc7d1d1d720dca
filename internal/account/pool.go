package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/store"
)

const maxConsecutiveAuthErrors = 3

var (
	// ErrNoEligibleAccount is returned by Pick when no account qualifies.
	ErrNoEligibleAccount = errors.New("account: no eligible account")
	// ErrPinnedAccountUnavailable is returned when a caller pins an
	// account that exists but is not currently eligible.
	ErrPinnedAccountUnavailable = errors.New("account: pinned account unavailable")
	// ErrAccountNotFound is returned by operations on an unknown account_id.
	ErrAccountNotFound = errors.New("account: not found")
)

// Purpose distinguishes chat from search selection, reserved for future
// per-purpose eligibility rules (none differ today).
type Purpose string

const (
	PurposeChat   Purpose = "chat"
	PurposeSearch Purpose = "search"
	PurposeModels Purpose = "models"
)

// Pool holds every loaded account and arbitrates concurrent access.
type Pool struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	locks    map[string]*sync.Mutex // per-account refresh lock

	persist *persistence
	bus     *events.Bus
}

func NewPool(dir *store.Dir, crypto *Crypto, bus *events.Bus) *Pool {
	return &Pool{
		accounts: make(map[string]*Account),
		locks:    make(map[string]*sync.Mutex),
		persist:  newPersistence(dir, crypto),
		bus:      bus,
	}
}

// LoadAll hydrates the pool from disk. A single corrupt account file is
// skipped with a warning; the pool remains usable for the rest.
func (p *Pool) LoadAll(ctx context.Context) error {
	loaded, err := p.persist.loadAll()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range loaded {
		p.accounts[a.ID] = a
		p.locks[a.ID] = &sync.Mutex{}
	}
	slog.Info("accounts loaded", "count", len(loaded))
	return nil
}

// Add registers a new account (typically the result of a completed device
// flow) and persists it.
func (p *Pool) Add(ctx context.Context, a *Account, accessToken, refreshToken string) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if err := p.persist.encryptTokens(a, accessToken, refreshToken); err != nil {
		return err
	}
	if err := p.persist.save(a); err != nil {
		return fmt.Errorf("persist new account: %w", err)
	}

	p.mu.Lock()
	p.accounts[a.ID] = a
	p.locks[a.ID] = &sync.Mutex{}
	p.mu.Unlock()

	p.publish(events.EventAccountAdded, a.ID, "account added")
	return nil
}

// Remove deletes an account's credentials and drops it from the pool. If
// the credentials file cannot be removed, the account is put back in memory.
func (p *Pool) Remove(ctx context.Context, accountID string) error {
	p.mu.Lock()
	a, ok := p.accounts[accountID]
	lock := p.locks[accountID]
	delete(p.accounts, accountID)
	delete(p.locks, accountID)
	p.mu.Unlock()
	if !ok {
		return ErrAccountNotFound
	}
	if err := p.persist.remove(accountID); err != nil {
		p.mu.Lock()
		p.accounts[accountID] = a
		p.locks[accountID] = lock
		p.mu.Unlock()
		return err
	}
	p.publish(events.EventAccountRemoved, accountID, "account removed")
	return nil
}

// List returns a snapshot of every account (credentials excluded).
func (p *Pool) List() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) Get(accountID string) (*Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

func (p *Pool) isEligible(a *Account, now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	if a.ConsecutiveAuthErrors >= maxConsecutiveAuthErrors {
		return false
	}
	if a.QuotaExhaustedUntil > now.UnixMilli() {
		return false
	}
	if a.inFlightRefresh {
		return false
	}
	return true
}

// Pick selects an eligible account. If pinned is non-empty, that account is
// used exclusively — a pinned request that cannot be honored is a
// caller-visible failure, not a silent fallback to pool selection.
func (p *Pool) Pick(purpose Purpose, pinned string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	if pinned != "" {
		a, ok := p.accounts[pinned]
		if !ok {
			return nil, ErrAccountNotFound
		}
		if !p.isEligible(a, now) {
			return nil, ErrPinnedAccountUnavailable
		}
		a.LastUsedTimestamp = now.UnixMilli()
		return a.clone(), nil
	}

	var candidates []*Account
	for _, a := range p.accounts {
		if p.isEligible(a, now) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsedTimestamp < candidates[j].LastUsedTimestamp
	})
	picked := candidates[0]
	picked.LastUsedTimestamp = now.UnixMilli()
	return picked.clone(), nil
}

// MarkQuotaExhausted sets quota_exhausted_until to the next UTC midnight.
func (p *Pool) MarkQuotaExhausted(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return
	}
	a.QuotaExhaustedUntil = nextUTCMidnight(time.Now()).UnixMilli()
	_ = p.persist.save(a)
	p.publishLocked(events.EventQuotaExhausted, accountID, "quota exhausted until next UTC midnight")
}

// MarkAuthError increments the consecutive-auth-error counter and reports
// whether the account just crossed the eligibility threshold.
func (p *Pool) MarkAuthError(accountID string) (deadNow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return false
	}
	a.ConsecutiveAuthErrors++
	_ = p.persist.save(a)
	deadNow = a.ConsecutiveAuthErrors >= maxConsecutiveAuthErrors
	p.publishLocked(events.EventAuthError, accountID, fmt.Sprintf("consecutive auth errors=%d", a.ConsecutiveAuthErrors))
	return deadNow
}

// MarkDead disables an account terminally (e.g. invalid_grant on refresh);
// it stays in the pool for inspection but is never picked again until an
// operator re-authorizes it.
func (p *Pool) MarkDead(accountID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return
	}
	a.Status = StatusDead
	_ = p.persist.save(a)
	p.publishLocked(events.EventRefreshFailed, accountID, reason)
}

// ClearAuthErrors resets the consecutive-auth-error counter; the router
// calls it after every successful upstream response. A successful refresh
// resets the counter itself without going through this method.
func (p *Pool) ClearAuthErrors(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return
	}
	a.ConsecutiveAuthErrors = 0
}

// CredentialsFor returns a request-ready snapshot of an account's token,
// refreshing first if the token is within skew of expiry.
func (p *Pool) CredentialsFor(ctx context.Context, accountID string, refresh RefreshFunc, skew time.Duration) (Credentials, error) {
	p.mu.RLock()
	a, ok := p.accounts[accountID]
	p.mu.RUnlock()
	if !ok {
		return Credentials{}, ErrAccountNotFound
	}

	if a.ExpiresWithin(skew) {
		if err := p.refreshLocked(ctx, accountID, refresh); err != nil {
			return Credentials{}, err
		}
	}

	p.mu.RLock()
	a = p.accounts[accountID]
	p.mu.RUnlock()

	token, err := p.persist.decryptAccessToken(a)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt access token: %w", err)
	}
	return Credentials{
		AccountID:   a.ID,
		AccessToken: token,
		TokenType:   a.TokenType,
		ResourceURL: a.ResourceURL,
		Proxy:       a.Proxy,
	}, nil
}

// TryLockForRefresh acquires the per-account refresh lock, returning true
// exactly once while it is held.
func (p *Pool) TryLockForRefresh(accountID string) bool {
	p.mu.Lock()
	lock, ok := p.locks[accountID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	a := p.accounts[accountID]
	p.mu.Unlock()

	if !lock.TryLock() {
		return false
	}
	p.mu.Lock()
	a.inFlightRefresh = true
	p.mu.Unlock()
	return true
}

// ReleaseRefreshLock releases a lock previously acquired by TryLockForRefresh.
func (p *Pool) ReleaseRefreshLock(accountID string) {
	p.mu.Lock()
	lock, ok := p.locks[accountID]
	if a, exists := p.accounts[accountID]; exists {
		a.inFlightRefresh = false
	}
	p.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}

// RestoreEligibility is called by the refresh scheduler's ticker to clear
// quota_exhausted_until once it has passed — the same "periodic cooldown
// restoration" idiom used for upstream quota headers, repointed at this
// gateway's own exhaustion bookkeeping.
func (p *Pool) RestoreEligibility() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UnixMilli()
	for _, a := range p.accounts {
		if a.QuotaExhaustedUntil != 0 && a.QuotaExhaustedUntil <= now {
			a.QuotaExhaustedUntil = 0
			_ = p.persist.save(a)
		}
	}
}

func (p *Pool) publish(t events.EventType, accountID, msg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: t, AccountID: accountID, Message: msg})
}

func (p *Pool) publishLocked(t events.EventType, accountID, msg string) {
	// same as publish; named distinctly so call sites document that the
	// caller already holds p.mu (Publish itself takes the bus's own lock,
	// not the pool's, so there's no deadlock risk either way).
	p.publish(t, accountID, msg)
}

func nextUTCMidnight(from time.Time) time.Time {
	u := from.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

package account

import (
	"context"
	"testing"
	"time"

	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/store"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	return NewPool(dir, NewCrypto("test-encryption-key"), events.NewBus(16))
}

func seedAccount(t *testing.T, p *Pool, id string, mutate func(*Account)) {
	t.Helper()
	a := &Account{
		ID:              id,
		Status:          StatusActive,
		TokenType:       "Bearer",
		ExpiryTimestamp: time.Now().Add(time.Hour).UnixMilli(),
	}
	if mutate != nil {
		mutate(a)
	}
	if err := p.Add(context.Background(), a, "access-"+id, "refresh-"+id); err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func TestPickRoundRobinsByLastUsed(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", nil)
	seedAccount(t, p, "a2", nil)

	first, err := p.Pick(PurposeChat, "")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	second, err := p.Pick(PurposeChat, "")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected round robin to alternate accounts, got %s twice", first.ID)
	}
}

func TestPickExcludesQuotaExhausted(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", nil)
	seedAccount(t, p, "a2", nil)

	p.MarkQuotaExhausted("a1")

	for i := 0; i < 5; i++ {
		picked, err := p.Pick(PurposeChat, "")
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if picked.ID == "a1" {
			t.Fatalf("quota-exhausted account should never be picked")
		}
	}
}

func TestPickExcludesAccountAtAuthErrorThreshold(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", nil)

	for i := 0; i < maxConsecutiveAuthErrors; i++ {
		p.MarkAuthError("a1")
	}

	if _, err := p.Pick(PurposeChat, ""); err != ErrNoEligibleAccount {
		t.Fatalf("expected ErrNoEligibleAccount, got %v", err)
	}
}

func TestPinnedUnavailableAccountFailsHard(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", nil)
	p.MarkQuotaExhausted("a1")

	_, err := p.Pick(PurposeChat, "a1")
	if err != ErrPinnedAccountUnavailable {
		t.Fatalf("expected ErrPinnedAccountUnavailable, got %v", err)
	}
}

func TestRestoreEligibilityClearsPassedExhaustion(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", func(a *Account) {})
	p.mu.Lock()
	p.accounts["a1"].QuotaExhaustedUntil = time.Now().Add(-time.Minute).UnixMilli()
	p.mu.Unlock()

	p.RestoreEligibility()

	if _, err := p.Pick(PurposeChat, "a1"); err != nil {
		t.Fatalf("expected account eligible again, got %v", err)
	}
}

func TestSuccessfulRefreshClearsAuthErrorsAndAdvancesExpiry(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", func(a *Account) {
		a.ExpiryTimestamp = time.Now().Add(-time.Minute).UnixMilli()
	})
	p.MarkAuthError("a1")

	refresh := func(ctx context.Context, refreshToken string) (Exchanged, error) {
		if refreshToken != "refresh-a1" {
			t.Fatalf("unexpected refresh token %q", refreshToken)
		}
		return Exchanged{AccessToken: "new-access", ExpiresIn: 3600}, nil
	}

	before, _ := p.Get("a1")
	creds, err := p.CredentialsFor(context.Background(), "a1", refresh, time.Minute)
	if err != nil {
		t.Fatalf("credentials for: %v", err)
	}
	if creds.AccessToken != "new-access" {
		t.Fatalf("expected refreshed access token, got %q", creds.AccessToken)
	}

	after, _ := p.Get("a1")
	if after.ExpiryTimestamp <= before.ExpiryTimestamp {
		t.Fatalf("expiry should advance after refresh")
	}
	if after.ConsecutiveAuthErrors != 0 {
		t.Fatalf("auth errors should reset to 0 after successful refresh, got %d", after.ConsecutiveAuthErrors)
	}
}

func TestRefreshNormalizesResourceURLBeforePersisting(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", func(a *Account) {
		a.ExpiryTimestamp = time.Now().Add(-time.Minute).UnixMilli()
	})

	refresh := func(ctx context.Context, refreshToken string) (Exchanged, error) {
		return Exchanged{AccessToken: "new-access", ExpiresIn: 3600, ResourceURL: "portal.qwen.ai"}, nil
	}

	if _, err := p.CredentialsFor(context.Background(), "a1", refresh, time.Minute); err != nil {
		t.Fatalf("credentials for: %v", err)
	}

	after, _ := p.Get("a1")
	if after.ResourceURL != "https://portal.qwen.ai/v1" {
		t.Fatalf("expected normalized resource_url persisted, got %q", after.ResourceURL)
	}
}

func TestInvalidGrantMarksAccountDead(t *testing.T) {
	p := newTestPool(t)
	seedAccount(t, p, "a1", func(a *Account) {
		a.ExpiryTimestamp = time.Now().Add(-time.Minute).UnixMilli()
	})

	refresh := func(ctx context.Context, refreshToken string) (Exchanged, error) {
		return Exchanged{}, ErrInvalidGrant
	}

	_, err := p.CredentialsFor(context.Background(), "a1", refresh, time.Minute)
	if err == nil {
		t.Fatal("expected refresh error")
	}

	after, _ := p.Get("a1")
	if after.Status != StatusDead {
		t.Fatalf("expected account marked dead, got status=%s", after.Status)
	}
}

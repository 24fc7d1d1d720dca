package account

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/qwen-relay/gateway/internal/store"
)

const credSalt = "account-credentials"

// record is the on-disk shape of oauth_creds_<account_id>.json — a small
// typed JSON object (strings, integers and an optional nested proxy
// config), kept deliberately simple so the file is readable with a text
// editor during incident response.
type record struct {
	AccountID             string       `json:"account_id"`
	Label                 string       `json:"label"`
	Status                string       `json:"status"`
	AccessToken           string       `json:"access_token"`  // encrypted
	RefreshToken          string       `json:"refresh_token"` // encrypted
	TokenType             string       `json:"token_type"`
	ExpiryTimestamp       int64        `json:"expiry_timestamp"`
	ResourceURL           string       `json:"resource_url,omitempty"`
	CodeVerifier          string       `json:"code_verifier,omitempty"`
	Proxy                 *ProxyConfig `json:"proxy,omitempty"`
	ConsecutiveAuthErrors int          `json:"consecutive_auth_errors"`
	QuotaExhaustedUntil   int64        `json:"quota_exhausted_until,omitempty"`
	LastUsedTimestamp     int64        `json:"last_used_timestamp"`
	CreatedAt             string       `json:"created_at"`
}

func fileName(accountID string) string {
	return "oauth_creds_" + accountID + ".json"
}

func toRecord(a *Account) record {
	return record{
		AccountID:             a.ID,
		Label:                 a.Label,
		Status:                string(a.Status),
		AccessToken:           a.accessTokenEnc,
		RefreshToken:          a.refreshTokenEnc,
		TokenType:             a.TokenType,
		ExpiryTimestamp:       a.ExpiryTimestamp,
		ResourceURL:           a.ResourceURL,
		CodeVerifier:          a.CodeVerifier,
		Proxy:                 a.Proxy,
		ConsecutiveAuthErrors: a.ConsecutiveAuthErrors,
		QuotaExhaustedUntil:   a.QuotaExhaustedUntil,
		LastUsedTimestamp:     a.LastUsedTimestamp,
		CreatedAt:             a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func fromRecord(r record) *Account {
	createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
	status := Status(r.Status)
	if status == "" {
		status = StatusActive
	}
	return &Account{
		ID:                    r.AccountID,
		Label:                 r.Label,
		Status:                status,
		TokenType:             r.TokenType,
		ExpiryTimestamp:       r.ExpiryTimestamp,
		ResourceURL:           r.ResourceURL,
		CodeVerifier:          r.CodeVerifier,
		Proxy:                 r.Proxy,
		ConsecutiveAuthErrors: r.ConsecutiveAuthErrors,
		QuotaExhaustedUntil:   r.QuotaExhaustedUntil,
		LastUsedTimestamp:     r.LastUsedTimestamp,
		CreatedAt:             createdAt,
		accessTokenEnc:        r.AccessToken,
		refreshTokenEnc:       r.RefreshToken,
	}
}

// persistence wraps a data directory + crypto for account records.
type persistence struct {
	dir    *store.Dir
	crypto *Crypto
}

func newPersistence(dir *store.Dir, crypto *Crypto) *persistence {
	return &persistence{dir: dir, crypto: crypto}
}

func (p *persistence) loadAll() ([]*Account, error) {
	names, err := p.dir.List("oauth_creds_*.json")
	if err != nil {
		return nil, fmt.Errorf("list account files: %w", err)
	}
	accounts := make([]*Account, 0, len(names))
	for _, name := range names {
		var r record
		ok, err := p.dir.ReadJSON(name, &r)
		if err != nil {
			slog.Warn("account: skipping corrupt credential file", "file", name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		accounts = append(accounts, fromRecord(r))
	}
	return accounts, nil
}

func (p *persistence) save(a *Account) error {
	return p.dir.WriteJSON(fileName(a.ID), toRecord(a))
}

func (p *persistence) remove(accountID string) error {
	return p.dir.Remove(fileName(accountID))
}

func (p *persistence) encryptTokens(a *Account, access, refresh string) error {
	encAccess, err := p.crypto.Encrypt(access, credSalt)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	a.accessTokenEnc = encAccess
	if refresh != "" {
		encRefresh, err := p.crypto.Encrypt(refresh, credSalt)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		a.refreshTokenEnc = encRefresh
	}
	return nil
}

func (p *persistence) decryptAccessToken(a *Account) (string, error) {
	if a.accessTokenEnc == "" {
		return "", nil
	}
	return p.crypto.Decrypt(a.accessTokenEnc, credSalt)
}

func (p *persistence) decryptRefreshToken(a *Account) (string, error) {
	if a.refreshTokenEnc == "" {
		return "", nil
	}
	return p.crypto.Decrypt(a.refreshTokenEnc, credSalt)
}

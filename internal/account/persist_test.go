package account

import (
	"os"
	"testing"

	"github.com/qwen-relay/gateway/internal/store"
)

func TestLoadAllSkipsCorruptFileAndKeepsGood(t *testing.T) {
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	crypto := NewCrypto("test-encryption-key")
	p := newPersistence(dir, crypto)

	good := &Account{ID: "good", Status: StatusActive, TokenType: "Bearer"}
	if err := p.save(good); err != nil {
		t.Fatalf("save good account: %v", err)
	}

	if err := os.WriteFile(dir.Path("oauth_creds_bad.json"), []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	accounts, err := p.loadAll()
	if err != nil {
		t.Fatalf("loadAll: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected the corrupt file to be skipped, got %d accounts", len(accounts))
	}
	if accounts[0].ID != "good" {
		t.Fatalf("expected the good account to survive, got %q", accounts[0].ID)
	}
}

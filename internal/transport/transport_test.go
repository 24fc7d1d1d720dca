package transport

import (
	"testing"
	"time"

	"github.com/qwen-relay/gateway/internal/account"
)

func TestGetClientReusesTransportForSameProxyKey(t *testing.T) {
	m := NewManager(5 * time.Second)
	proxyCfg := &account.ProxyConfig{Type: "socks5", Host: "127.0.0.1", Port: 1080}

	c1 := m.GetClient(proxyCfg)
	c2 := m.GetClient(proxyCfg)
	if c1.Transport != c2.Transport {
		t.Fatal("expected the same proxy config to reuse a pooled transport")
	}
}

func TestGetClientDirectAndProxyUseDistinctTransports(t *testing.T) {
	m := NewManager(5 * time.Second)
	direct := m.GetClient(nil)
	proxied := m.GetClient(&account.ProxyConfig{Type: "http", Host: "127.0.0.1", Port: 8080})
	if direct.Transport == proxied.Transport {
		t.Fatal("expected direct and proxied clients to use different transports")
	}
}

func TestCleanupEvictsIdleEntries(t *testing.T) {
	m := NewManager(5 * time.Second)
	m.GetClient(nil)
	if len(m.entries) != 1 {
		t.Fatalf("expected 1 pooled entry, got %d", len(m.entries))
	}
	m.cleanup(0) // everything is "idle" relative to a zero timeout
	if len(m.entries) != 0 {
		t.Fatalf("expected cleanup to evict all entries, got %d remaining", len(m.entries))
	}
}

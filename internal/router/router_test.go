package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/config"
	"github.com/qwen-relay/gateway/internal/counters"
	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/store"
	"github.com/qwen-relay/gateway/internal/transport"
)

func noopRefresh(ctx context.Context, refreshToken string) (account.Exchanged, error) {
	return account.Exchanged{}, context.DeadlineExceeded
}

func newTestRouter(t *testing.T, upstream *httptest.Server) (*Router, *account.Pool) {
	t.Helper()
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	crypto := account.NewCrypto("test-encryption-key")
	bus := events.NewBus(16)
	pool := account.NewPool(dir, crypto, bus)

	a := &account.Account{
		ID:              "acct-1",
		Status:          account.StatusActive,
		TokenType:       "Bearer",
		ExpiryTimestamp: time.Now().Add(time.Hour).UnixMilli(),
		ResourceURL:     upstream.URL,
	}
	if err := pool.Add(context.Background(), a, "access-token", "refresh-token"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cfg := &config.Config{DefaultAPIBase: upstream.URL, MaxRetryAccounts: 3}
	tm := transport.NewManager(5 * time.Second)
	ctr := counters.New(dir)
	if err := ctr.Load(); err != nil {
		t.Fatalf("counters Load: %v", err)
	}
	done := make(chan struct{})
	go ctr.Run(done)
	t.Cleanup(func() { close(done) })

	return New(pool, noopRefresh, cfg, tm, ctr, bus), pool
}

func TestResolveBaseAddsSchemeAndSuffix(t *testing.T) {
	got := resolveBase("portal.qwen.ai", "https://default.example/v1")
	if got != "https://portal.qwen.ai/v1" {
		t.Fatalf("unexpected base: %q", got)
	}
}

func TestResolveBaseFallsBackWhenEmpty(t *testing.T) {
	got := resolveBase("", "https://default.example/v1")
	if got != "https://default.example/v1" {
		t.Fatalf("unexpected base: %q", got)
	}
}

func TestResolveBaseDoesNotDuplicateV1Suffix(t *testing.T) {
	got := resolveBase("https://portal.qwen.ai/v1", "https://default.example/v1")
	if got != "https://portal.qwen.ai/v1" {
		t.Fatalf("unexpected base: %q", got)
	}
}

func TestWebSearchURLStripsV1Suffix(t *testing.T) {
	got := webSearchURL("https://portal.qwen.ai/v1")
	if got != "https://portal.qwen.ai/api/v1/indices/plugin/web_search" {
		t.Fatalf("unexpected search url: %q", got)
	}
}

func TestRenameQueryToUQ(t *testing.T) {
	out, err := renameQueryToUQ([]byte(`{"query":"golang","rows":10}`))
	if err != nil {
		t.Fatalf("renameQueryToUQ: %v", err)
	}
	if string(out) != `{"uq":"golang","rows":10}` {
		t.Fatalf("unexpected rename: %s", out)
	}
}

func TestParseUsageExtractsTokens(t *testing.T) {
	in, out, ok := parseUsage([]byte(`{"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if in != 12 || out != 34 {
		t.Fatalf("unexpected usage: in=%d out=%d", in, out)
	}
}

func TestParseUsageMissingReturnsFalse(t *testing.T) {
	if _, _, ok := parseUsage([]byte(`{"choices":[]}`)); ok {
		t.Fatal("expected ok=false without a usage block")
	}
}

func TestChatCompletionSuccessReturnsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
		if req.Header.Get("Authorization") != "Bearer access-token" {
			t.Errorf("unexpected auth header: %s", req.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"id":"1","usage":{"prompt_tokens":5,"completion_tokens":7}}`))
	}))
	defer upstream.Close()

	r, _ := newTestRouter(t, upstream)
	data, err := r.ChatCompletion(context.Background(), []byte(`{"model":"qwen3-coder-plus"}`), "")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if string(data) != `{"id":"1","usage":{"prompt_tokens":5,"completion_tokens":7}}` {
		t.Fatalf("unexpected body: %s", data)
	}
}

func TestChatCompletionOtherFourXXDoesNotRotate(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer upstream.Close()

	r, _ := newTestRouter(t, upstream)
	_, err := r.ChatCompletion(context.Background(), []byte(`{}`), "")
	if err == nil {
		t.Fatal("expected an error")
	}
	upstreamErr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("expected *UpstreamError, got %T", err)
	}
	if upstreamErr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", upstreamErr.Status)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call for a non-retryable 4xx, got %d", calls)
	}
}

func TestChatCompletionQuotaExhaustedMarksAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`Free allocated quota exceeded`))
	}))
	defer upstream.Close()

	r, pool := newTestRouter(t, upstream)
	_, err := r.ChatCompletion(context.Background(), []byte(`{}`), "")
	if err != ErrUpstreamUnavailable {
		t.Fatalf("expected ErrUpstreamUnavailable once the only account is exhausted, got %v", err)
	}
	a, ok := pool.Get("acct-1")
	if !ok {
		t.Fatal("expected account to still be present")
	}
	if a.QuotaExhaustedUntil == 0 {
		t.Fatal("expected quota_exhausted_until to be set")
	}
}

func TestRenameQueryToUQRejectsRowsOverHundred(t *testing.T) {
	if _, err := renameQueryToUQ([]byte(`{"query":"golang","rows":101}`)); !errors.Is(err, ErrInvalidRows) {
		t.Fatalf("expected ErrInvalidRows for rows=101, got %v", err)
	}
}

func TestRenameQueryToUQAllowsRowsAtHundred(t *testing.T) {
	if _, err := renameQueryToUQ([]byte(`{"query":"golang","rows":100}`)); err != nil {
		t.Fatalf("expected rows=100 to succeed, got %v", err)
	}
}

func TestRenameQueryToUQRejectsNegativeRows(t *testing.T) {
	if _, err := renameQueryToUQ([]byte(`{"query":"golang","rows":-1}`)); !errors.Is(err, ErrInvalidRows) {
		t.Fatalf("expected ErrInvalidRows for negative rows, got %v", err)
	}
}

func TestRenameQueryToUQRejectsNonNumericRows(t *testing.T) {
	if _, err := renameQueryToUQ([]byte(`{"query":"golang","rows":"many"}`)); !errors.Is(err, ErrInvalidRows) {
		t.Fatalf("expected ErrInvalidRows for non-numeric rows, got %v", err)
	}
}

// recordingResponseWriter implements router.ResponseWriter over an
// httptest.ResponseRecorder so the streaming path can be exercised directly.
type recordingResponseWriter struct {
	*httptest.ResponseRecorder
}

func (w *recordingResponseWriter) Flush() {}

func TestChatCompletionStreamCountsUsageFromLastUsageChunk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"usage\":{\"prompt_tokens\":11,\"completion_tokens\":22}}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	r, _ := newTestRouter(t, upstream)
	dst := &recordingResponseWriter{ResponseRecorder: httptest.NewRecorder()}
	if err := r.ChatCompletionStream(context.Background(), []byte(`{"model":"qwen3-coder-plus","stream":true}`), "", dst); err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	got := r.counters.GetToday("acct-1")
	if got.InputTokens != 11 || got.OutputTokens != 22 {
		t.Fatalf("expected usage from the usage chunk to be counted despite trailing [DONE], got in=%d out=%d", got.InputTokens, got.OutputTokens)
	}
	if got.ChatRequests != 1 {
		t.Fatalf("expected 1 chat request counted, got %d", got.ChatRequests)
	}
}

func TestPinnedUnknownAccountFailsImmediately(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("upstream should never be called for an unknown pinned account")
	}))
	defer upstream.Close()

	r, _ := newTestRouter(t, upstream)
	_, err := r.ChatCompletion(context.Background(), []byte(`{}`), "does-not-exist")
	if err != ErrUpstreamUnavailable {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

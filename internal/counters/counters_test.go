package counters

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/qwen-relay/gateway/internal/store"
)

func newTestCounters(t *testing.T) *Counters {
	t.Helper()
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	c := New(dir)
	if err := c.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	done := make(chan struct{})
	go c.Run(done)
	t.Cleanup(func() { close(done) })
	return c
}

// drain gives the single writer goroutine a chance to process queued ops
// before a test reads the result back.
func drain() { time.Sleep(20 * time.Millisecond) }

func TestIncrRequestAccumulatesByKind(t *testing.T) {
	c := newTestCounters(t)
	c.IncrRequest("acct-1", KindChat, 1)
	c.IncrRequest("acct-1", KindChat, 1)
	c.IncrRequest("acct-1", KindWebSearch, 1)
	drain()

	got := c.GetToday("acct-1")
	if got.ChatRequests != 2 {
		t.Fatalf("expected 2 chat requests, got %d", got.ChatRequests)
	}
	if got.WebSearchRequests != 1 {
		t.Fatalf("expected 1 web search request, got %d", got.WebSearchRequests)
	}
}

func TestIncrTokensAccumulates(t *testing.T) {
	c := newTestCounters(t)
	c.IncrTokens("acct-1", 100, 50)
	c.IncrTokens("acct-1", 10, 5)
	drain()

	got := c.GetToday("acct-1")
	if got.InputTokens != 110 || got.OutputTokens != 55 {
		t.Fatalf("unexpected token totals: %+v", got)
	}
}

func TestIncrResultsAccumulates(t *testing.T) {
	c := newTestCounters(t)
	c.IncrResults("acct-1", 3)
	c.IncrResults("acct-1", 2)
	drain()

	got := c.GetToday("acct-1")
	if got.WebSearchResults != 5 {
		t.Fatalf("expected 5 web search results, got %d", got.WebSearchResults)
	}
}

func TestCountersAreIsolatedPerAccount(t *testing.T) {
	c := newTestCounters(t)
	c.IncrRequest("acct-1", KindChat, 1)
	c.IncrRequest("acct-2", KindChat, 1)
	drain()

	if got := c.GetToday("acct-1"); got.ChatRequests != 1 {
		t.Fatalf("acct-1 expected 1, got %d", got.ChatRequests)
	}
	if got := c.GetToday("acct-2"); got.ChatRequests != 1 {
		t.Fatalf("acct-2 expected 1, got %d", got.ChatRequests)
	}
}

func TestGetAllDaysIncludesToday(t *testing.T) {
	c := newTestCounters(t)
	c.IncrRequest("acct-1", KindChat, 1)
	drain()

	days := c.GetAllDays("acct-1")
	if len(days) != 1 {
		t.Fatalf("expected 1 day recorded, got %d", len(days))
	}
}

func TestIncrRequestAppendsStatsLine(t *testing.T) {
	root := t.TempDir()
	dir, err := store.NewDir(root)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	c := New(dir)
	if err := c.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	done := make(chan struct{})
	go c.Run(done)
	t.Cleanup(func() { close(done) })

	c.IncrRequest("acct-1", KindChat, 1)
	c.IncrRequest("acct-1", KindWebSearch, 1)
	drain()

	f, err := os.Open(dir.Path("stats/requests-" + todayUTC() + ".jsonl"))
	if err != nil {
		t.Fatalf("open stats file: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 appended lines, got %d", lines)
	}
}

func TestLoadRehydratesFromDisk(t *testing.T) {
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	first := New(dir)
	if err := first.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	done := make(chan struct{})
	go first.Run(done)
	first.IncrRequest("acct-1", KindChat, 4)
	drain()
	close(done)
	drain()

	second := New(dir)
	if err := second.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := second.GetToday("acct-1")
	if got.ChatRequests != 4 {
		t.Fatalf("expected rehydrated count of 4, got %d", got.ChatRequests)
	}
}

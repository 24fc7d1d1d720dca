// Package counters tracks per-account, per-UTC-date request and token
// usage. All mutation flows through a single writer goroutine fed by a
// channel, so there are never concurrent writers racing on the same file.
package counters

import (
	"log/slog"
	"sync"
	"time"

	"github.com/qwen-relay/gateway/internal/store"
)

// requestLine is one row of the optional per-request append-only stats
// file (stats/requests-YYYY-MM-DD.jsonl).
type requestLine struct {
	Timestamp time.Time `json:"ts"`
	Account   string    `json:"account"`
	Kind      Kind      `json:"kind"`
}

// Kind distinguishes what a request counted against.
type Kind string

const (
	KindChat      Kind = "chat"
	KindWebSearch Kind = "web_search"
)

// Day holds one account's counters for one UTC calendar date.
type Day struct {
	ChatRequests      int64 `json:"chat_requests"`
	WebSearchRequests int64 `json:"web_search_requests"`
	WebSearchResults  int64 `json:"web_search_results"`
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

const flushInterval = time.Second

type opKind int

const (
	opIncrRequest opKind = iota
	opIncrTokens
	opIncrResults
)

type op struct {
	kind    opKind
	account string
	n       int64
	input   int64
	output  int64
	reqKind Kind
}

// Counters is the single-writer counters subsystem. Create with New and
// call Run in a background goroutine before issuing any Incr* calls.
type Counters struct {
	dir *store.Dir
	ops chan op

	mu            sync.RWMutex
	lastResetDate string
	accounts      map[string]map[string]*Day // account -> date -> day
	dirty         bool
}

func New(dir *store.Dir) *Counters {
	return &Counters{
		dir:      dir,
		ops:      make(chan op, 256),
		accounts: make(map[string]map[string]*Day),
	}
}

// Load hydrates state from counters.json, if present.
func (c *Counters) Load() error {
	var f fileShape
	ok, err := c.dir.ReadJSON("counters.json", &f)
	if err != nil {
		return err
	}
	if !ok {
		c.lastResetDate = todayUTC()
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastResetDate = f.LastResetDate
	for account, days := range f.Accounts {
		m := make(map[string]*Day, len(days))
		for date, d := range days {
			day := d
			m[date] = &day
		}
		c.accounts[account] = m
	}
	return nil
}

// Run drains the op channel until done is closed, flushing to disk at
// most once per flushInterval and once more on exit.
func (c *Counters) Run(done <-chan struct{}) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-c.ops:
			c.apply(o)
		case <-ticker.C:
			c.flushIfDirty()
		case <-done:
			c.drain()
			c.flushIfDirty()
			return
		}
	}
}

func (c *Counters) drain() {
	for {
		select {
		case o := <-c.ops:
			c.apply(o)
		default:
			return
		}
	}
}

func (c *Counters) apply(o op) {
	c.mu.Lock()
	c.rolloverLocked()
	day := c.dayLocked(o.account, todayUTC())

	switch o.kind {
	case opIncrRequest:
		switch o.reqKind {
		case KindChat:
			day.ChatRequests += o.n
		case KindWebSearch:
			day.WebSearchRequests += o.n
		}
	case opIncrResults:
		day.WebSearchResults += o.n
	case opIncrTokens:
		day.InputTokens += o.input
		day.OutputTokens += o.output
	}
	c.dirty = true
	c.mu.Unlock()

	if o.kind == opIncrRequest {
		c.appendRequestLine(o.account, o.reqKind)
	}
}

// rolloverLocked records the new date once the date has advanced; per-day
// entries are created lazily by dayLocked, and older entries are never
// removed.
func (c *Counters) rolloverLocked() {
	today := todayUTC()
	if c.lastResetDate == today {
		return
	}
	c.lastResetDate = today
}

// appendRequestLine writes one row to the optional per-request stats file.
// Called from the single apply() writer goroutine, so concurrent appends to
// the same file never happen. A write failure is logged and otherwise
// ignored — the file is a supplementary record, not the counters of truth.
func (c *Counters) appendRequestLine(account string, kind Kind) {
	name := "stats/requests-" + todayUTC() + ".jsonl"
	line := requestLine{Timestamp: time.Now().UTC(), Account: account, Kind: kind}
	if err := c.dir.AppendLine(name, line); err != nil {
		slog.Error("counters: append request line failed", "error", err)
	}
}

func (c *Counters) dayLocked(account, date string) *Day {
	days, ok := c.accounts[account]
	if !ok {
		days = make(map[string]*Day)
		c.accounts[account] = days
	}
	d, ok := days[date]
	if !ok {
		d = &Day{}
		days[date] = d
	}
	return d
}

// IncrRequest queues a request-count increment; safe to call from any
// goroutine, never blocks on I/O.
func (c *Counters) IncrRequest(account string, kind Kind, n int64) {
	c.ops <- op{kind: opIncrRequest, account: account, reqKind: kind, n: n}
}

// IncrResults queues a web-search-result-count increment.
func (c *Counters) IncrResults(account string, n int64) {
	c.ops <- op{kind: opIncrResults, account: account, n: n}
}

// IncrTokens queues an input/output token increment.
func (c *Counters) IncrTokens(account string, input, output int64) {
	c.ops <- op{kind: opIncrTokens, account: account, input: input, output: output}
}

// GetToday returns a snapshot of account's counters for the current UTC date.
func (c *Counters) GetToday(account string) Day {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.accounts[account][todayUTC()]; ok {
		return *d
	}
	return Day{}
}

// GetAllDays returns a snapshot of every retained date for account, keyed
// by date string.
func (c *Counters) GetAllDays(account string) map[string]Day {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Day, len(c.accounts[account]))
	for date, d := range c.accounts[account] {
		out[date] = *d
	}
	return out
}

func (c *Counters) flushIfDirty() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	f := c.snapshotLocked()
	c.dirty = false
	c.mu.Unlock()

	if err := c.dir.WriteJSON("counters.json", f); err != nil {
		slog.Error("counters: flush failed", "error", err)
	}
}

func (c *Counters) snapshotLocked() fileShape {
	f := fileShape{LastResetDate: c.lastResetDate, Accounts: make(map[string]map[string]Day, len(c.accounts))}
	for account, days := range c.accounts {
		m := make(map[string]Day, len(days))
		for date, d := range days {
			m[date] = *d
		}
		f.Accounts[account] = m
	}
	return f
}

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}

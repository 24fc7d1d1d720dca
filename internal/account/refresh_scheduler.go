package account

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	refreshTriggerMinutes = 10 // unconditional: refresh when this close to expiry
	desyncMinMinutes      = 10
	desyncMaxMinutes      = 30
	refreshBatchSize      = 20
)

// RefreshScheduler proactively renews accounts before they expire, so the
// reactive (on-401) refresh path in the router is a safety net rather than
// the common case.
type RefreshScheduler struct {
	pool    *Pool
	refresh RefreshFunc
	tick    time.Duration

	running int32 // self-suppresses overlapping ticks

	mu         sync.Mutex
	thresholds map[string]int // account_id -> per-account de-sync minutes
}

func NewRefreshScheduler(pool *Pool, refresh RefreshFunc, tick time.Duration) *RefreshScheduler {
	return &RefreshScheduler{
		pool:       pool,
		refresh:    refresh,
		tick:       tick,
		thresholds: make(map[string]int),
	}
}

// Run ticks immediately, then on the configured interval, until ctx is done.
func (s *RefreshScheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *RefreshScheduler) runOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return // previous tick still in flight
	}
	defer atomic.StoreInt32(&s.running, 0)

	s.pool.RestoreEligibility()

	due := s.due()
	if len(due) == 0 {
		return
	}
	slog.Info("refresh scheduler tick", "due", len(due))

	for i := 0; i < len(due); i += refreshBatchSize {
		end := min(i+refreshBatchSize, len(due))
		s.refreshBatch(ctx, due[i:end])
	}
}

func (s *RefreshScheduler) due() []string {
	now := time.Now()
	var ids []string
	for _, a := range s.pool.List() {
		if a.Status != StatusActive {
			continue
		}
		minutesLeft := time.UnixMilli(a.ExpiryTimestamp).Sub(now).Minutes()
		if minutesLeft <= refreshTriggerMinutes {
			ids = append(ids, a.ID)
			continue
		}
		if minutesLeft <= float64(s.thresholdFor(a.ID)) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// thresholdFor returns a per-account randomized de-sync threshold in
// [10, 30] minutes, assigned once and reused, so accounts created together
// don't all refresh on the same tick forever.
func (s *RefreshScheduler) thresholdFor(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.thresholds[accountID]; ok {
		return t
	}
	t := desyncMinMinutes + rand.Intn(desyncMaxMinutes-desyncMinMinutes+1)
	s.thresholds[accountID] = t
	return t
}

func (s *RefreshScheduler) refreshBatch(ctx context.Context, ids []string) {
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			if err := s.pool.refreshLocked(ctx, accountID, s.refresh); err != nil {
				slog.Warn("scheduled refresh failed", "account_id", accountID, "error", err)
			} else {
				slog.Info("scheduled refresh succeeded", "account_id", accountID)
			}
		}(id)
	}
	wg.Wait()
}

// ForceRefreshAll refreshes every active account unconditionally.
func (s *RefreshScheduler) ForceRefreshAll(ctx context.Context) {
	var ids []string
	for _, a := range s.pool.List() {
		if a.Status == StatusActive {
			ids = append(ids, a.ID)
		}
	}
	for i := 0; i < len(ids); i += refreshBatchSize {
		end := min(i+refreshBatchSize, len(ids))
		s.refreshBatch(ctx, ids[i:end])
	}
}

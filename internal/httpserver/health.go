package httpserver

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/audit"
	"github.com/qwen-relay/gateway/internal/events"
)

const expiringSoonWindow = 30 * time.Minute

// recentAuditPerAccount bounds how many of an account's own audit rows ride
// along on /health — enough to spot a recent refresh failure, not a log viewer.
const recentAuditPerAccount = 5

type accountHealth struct {
	AccountID   string           `json:"account_id"`
	Status      string           `json:"status"`
	Today       healthDayCounter `json:"today"`
	RecentAudit []audit.Record   `json:"recent_audit,omitempty"`
}

type healthDayCounter struct {
	ChatRequests      int64 `json:"chat_requests"`
	WebSearchRequests int64 `json:"web_search_requests"`
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

type healthResponse struct {
	Status       string          `json:"status"`
	Uptime       string          `json:"uptime"`
	Memory       string          `json:"memory"`
	Platform     string          `json:"platform"`
	EndpointBase string          `json:"endpoint_base"`
	Accounts     []accountHealth `json:"accounts"`
	RecentEvents []events.Event  `json:"recent_events,omitempty"`
	RecentAudit  []audit.Record  `json:"recent_audit,omitempty"`
}

func accountStatus(a *account.Account, now time.Time) string {
	if a.Status == account.StatusDead {
		return "failed"
	}
	expiry := time.UnixMilli(a.ExpiryTimestamp)
	if expiry.Before(now) {
		return "expired"
	}
	if expiry.Before(now.Add(expiringSoonWindow)) {
		return "expiring_soon"
	}
	return "healthy"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	accounts := s.pool.List()

	views := make([]accountHealth, 0, len(accounts))
	aggregate := "healthy"
	for _, a := range accounts {
		status := accountStatus(a, now)
		if status != "healthy" && aggregate == "healthy" {
			aggregate = "degraded"
		}
		day := s.counters.GetToday(a.ID)
		var recentAudit []audit.Record
		if s.audit != nil {
			recentAudit, _ = s.audit.ForSubject(r.Context(), a.ID, recentAuditPerAccount)
		}
		views = append(views, accountHealth{
			AccountID: a.ID,
			Status:    status,
			Today: healthDayCounter{
				ChatRequests:      day.ChatRequests,
				WebSearchRequests: day.WebSearchRequests,
				InputTokens:       day.InputTokens,
				OutputTokens:      day.OutputTokens,
			},
			RecentAudit: recentAudit,
		})
	}
	if len(accounts) == 0 {
		aggregate = "failed"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var recent []events.Event
	if s.bus != nil {
		recent = s.bus.Recent()
	}
	var recentAudit []audit.Record
	if s.audit != nil {
		recentAudit, _ = s.audit.Recent(r.Context(), 20)
	}

	resp := healthResponse{
		Status:       aggregate,
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Memory:       humanize.Bytes(mem.Alloc),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		EndpointBase: s.cfg.DefaultAPIBase,
		Accounts:     views,
		RecentEvents: recent,
		RecentAudit:  recentAudit,
	}

	status := http.StatusOK
	if aggregate == "failed" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

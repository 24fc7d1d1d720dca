package httpserver

import (
	"encoding/json"
	"net/http"
)

// pinnedAccount extracts an explicit account_id pin from the header, query
// string, or (already-decoded) request body, in that priority order.
func pinnedAccount(r *http.Request, body []byte) string {
	if v := r.Header.Get("X-Qwen-Account"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("account"); v != "" {
		return v
	}
	var probe struct {
		Account string `json:"account"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &probe)
	}
	return probe.Account
}

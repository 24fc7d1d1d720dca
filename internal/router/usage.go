package router

import "encoding/json"

type usageEnvelope struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// parseUsage extracts prompt/completion token counts from a buffered
// response body. Returns ok=false when the body carries no usage block
// (e.g. an error body, or a vendor response shape that omits it).
func parseUsage(body []byte) (input, output int64, ok bool) {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Usage == nil {
		return 0, 0, false
	}
	return env.Usage.PromptTokens, env.Usage.CompletionTokens, true
}

type searchResultEnvelope struct {
	Data struct {
		Rows []json.RawMessage `json:"rows"`
	} `json:"data"`
}

// searchResultCount counts rows in a web-search response envelope.
func searchResultCount(body []byte) int {
	var env searchResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0
	}
	return len(env.Data.Rows)
}

package router

import (
	"strings"

	"github.com/qwen-relay/gateway/internal/account"
)

// resolveBase applies the upstream URL policy: empty resource_url falls
// back to the vendor default, then both get the shared account.NormalizeResourceURL
// treatment (scheme, trailing slash, /v1 suffix).
func resolveBase(resourceURL, defaultBase string) string {
	if n := account.NormalizeResourceURL(resourceURL); n != "" {
		return n
	}
	return account.NormalizeResourceURL(defaultBase)
}

func chatCompletionsURL(base string) string {
	return base + "/chat/completions"
}

func modelsURL(base string) string {
	return base + "/models"
}

// webSearchURL strips the trailing /v1 the chat API needs, since the
// search endpoint lives at a sibling path on the same host.
func webSearchURL(base string) string {
	return strings.TrimSuffix(base, "/v1") + "/api/v1/indices/plugin/web_search"
}

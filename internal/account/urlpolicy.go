package account

import "strings"

// NormalizeResourceURL applies the vendor base-URL policy to a stored or
// vendor-returned resource_url: a missing scheme gets https:// prepended,
// a trailing slash is stripped, and the result always ends in /v1. An empty
// input is returned unchanged so callers can tell "no resource_url on file"
// apart from a normalized value.
func NormalizeResourceURL(raw string) string {
	if raw == "" {
		return ""
	}
	base := raw
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

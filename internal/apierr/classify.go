package apierr

import "strings"

// Classify maps a raw upstream error body (status + substring of the
// response) to one of the fixed kinds, so the attempt loop and the
// client-facing formatter agree on what an upstream error string means.
func Classify(status int, body string) Kind {
	lower := strings.ToLower(body)

	switch {
	case strings.Contains(lower, "free allocated quota exceeded"),
		strings.Contains(lower, "quota exceeded"),
		strings.Contains(lower, "insufficient_quota"):
		return KindQuotaExceeded
	case strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "invalid_token"),
		strings.Contains(lower, "invalid token"),
		strings.Contains(lower, "token expired"),
		strings.Contains(lower, "unauthorized"):
		return KindAuthentication
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return KindRateLimit
	case strings.Contains(lower, "not found"):
		return KindNotFound
	case strings.Contains(lower, "permission"),
		strings.Contains(lower, "forbidden"):
		return KindPermission
	}

	switch {
	case status == 401:
		return KindAuthentication
	case status == 403:
		return KindPermission
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status == 400:
		return KindValidation
	case status >= 500:
		return KindUpstreamUnavailable
	default:
		return KindInternal
	}
}

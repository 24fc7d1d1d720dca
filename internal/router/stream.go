package router

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/counters"
	"github.com/qwen-relay/gateway/internal/events"
	"github.com/qwen-relay/gateway/internal/sse"
)

// ChatCompletionStream is the streaming chat completions path: the attempt
// loop picks and classifies as the buffered path does up to the point the
// upstream status line is read, then the response body is piped through the
// SSE normalizer directly to dst. Unlike the buffered path, an auth failure
// gets no inline refresh and retry on the same account; the loop goes
// straight to the next attempt. Once bytes have reached dst the loop commits
// to that account — there is no way to transparently rotate mid-stream.
// Counters are credited only when the pipe completes without error.
func (r *Router) ChatCompletionStream(ctx context.Context, body []byte, pinned string, dst ResponseWriter) error {
	attempts := r.attemptsMax()

	for attempt := 0; attempt < attempts; attempt++ {
		creds, client, err := r.pickAndPrepare(ctx, account.PurposeChat, pinned)
		if err != nil {
			if errors.Is(err, account.ErrPinnedAccountUnavailable) || errors.Is(err, account.ErrNoEligibleAccount) || errors.Is(err, account.ErrAccountNotFound) {
				return ErrUpstreamUnavailable
			}
			if attempt == attempts-1 {
				return ErrUpstreamUnavailable
			}
			continue
		}

		base := resolveBase(creds.ResourceURL, r.cfg.DefaultAPIBase)
		req, err := http.NewRequest(http.MethodPost, chatCompletionsURL(base), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", tokenTypeOrDefault(creds.TokenType)+" "+creds.AccessToken)

		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errBody := readLimited(resp.Body, 64*1024)
			outcome := r.classifyFailure(creds.AccountID, resp.StatusCode, errBody)
			if outcome == outcomeStopWithBody {
				return &UpstreamError{Status: resp.StatusCode, Body: errBody}
			}
			continue
		}

		r.pool.ClearAuthErrors(creds.AccountID)
		dst.Header().Set("Content-Type", "text/event-stream")
		dst.Header().Set("Cache-Control", "no-cache")
		dst.Header().Set("Connection", "keep-alive")
		dst.WriteHeader(http.StatusOK)

		var lastIn, lastOut int64
		var sawUsage bool
		pipeErr := sse.Pipe(ctx, dst, dst, resp.Body, func(line []byte) {
			if !bytes.HasPrefix(line, []byte("data: ")) {
				return
			}
			data := bytes.TrimPrefix(line, []byte("data: "))
			if in, out, ok := parseUsage(data); ok {
				lastIn, lastOut, sawUsage = in, out, true
			}
		})
		resp.Body.Close()

		if r.counters != nil && pipeErr == nil {
			r.counters.IncrRequest(creds.AccountID, counters.KindChat, 1)
			if sawUsage {
				r.counters.IncrTokens(creds.AccountID, lastIn, lastOut)
			}
		}
		if r.bus != nil {
			r.bus.Publish(events.Event{Type: events.EventRequest, AccountID: creds.AccountID, Message: "chat_stream"})
		}
		return pipeErr
	}

	return ErrUpstreamUnavailable
}

// ResponseWriter is the narrow slice of http.ResponseWriter the streaming
// path needs — a header map, a status writer, a writer, and a flusher.
type ResponseWriter interface {
	Header() http.Header
	WriteHeader(statusCode int)
	Write([]byte) (int, error)
	Flush()
}

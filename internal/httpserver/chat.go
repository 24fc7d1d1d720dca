package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/qwen-relay/gateway/internal/apierr"
	"github.com/qwen-relay/gateway/internal/router"
)

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := int64(s.cfg.MaxRequestBodyMB) << 20
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		apierr.Write(w, apierr.KindValidation, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > limit {
		apierr.Write(w, apierr.KindValidation, "request body exceeds the configured size limit")
		return nil, false
	}
	return body, true
}

// writeRouterError renders a router-layer error through the shared error
// taxonomy — the only place these two vocabularies meet.
func writeRouterError(w http.ResponseWriter, err error) {
	var upstreamErr *router.UpstreamError
	if errors.As(err, &upstreamErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstreamErr.Status)
		_, _ = w.Write(upstreamErr.Body)
		return
	}
	if errors.Is(err, router.ErrUpstreamUnavailable) {
		apierr.Write(w, apierr.KindUpstreamUnavailable, "no eligible upstream account available")
		return
	}
	if errors.Is(err, router.ErrInvalidRows) {
		apierr.Write(w, apierr.KindValidation, err.Error())
		return
	}
	apierr.Write(w, apierr.KindInternal, err.Error())
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var probe struct {
		Stream *bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		apierr.Write(w, apierr.KindValidation, "invalid JSON body")
		return
	}

	pinned := pinnedAccount(r, body)
	stream := s.cfg.StreamEnabled && probe.Stream != nil && *probe.Stream

	if stream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			apierr.Write(w, apierr.KindInternal, "streaming not supported by this connection")
			return
		}
		dst := &flushWriter{ResponseWriter: w, flusher: flusher}
		if err := s.router.ChatCompletionStream(r.Context(), body, pinned, dst); err != nil {
			if !dst.headerWritten {
				writeRouterError(w, err)
				return
			}
			// Headers (and possibly some body) already reached the client;
			// the only honest move left is a terminal SSE error event.
			_, _ = w.Write([]byte(apierr.SSEEvent(apierr.KindStreaming, err.Error())))
			flusher.Flush()
		}
		return
	}

	data, err := s.router.ChatCompletion(r.Context(), body, pinned)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	pinned := pinnedAccount(r, nil)
	data, err := s.router.ListModels(r.Context(), pinned)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	pinned := pinnedAccount(r, body)
	data, err := s.router.WebSearch(r.Context(), body, pinned)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// flushWriter adapts http.ResponseWriter to router.ResponseWriter, tracking
// whether headers have already gone out so a mid-stream failure can be
// reported as a terminal SSE event instead of a fresh status line.
type flushWriter struct {
	http.ResponseWriter
	flusher       http.Flusher
	headerWritten bool
}

func (f *flushWriter) WriteHeader(status int) {
	f.headerWritten = true
	f.ResponseWriter.WriteHeader(status)
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.headerWritten = true
	return f.ResponseWriter.Write(p)
}

func (f *flushWriter) Flush() {
	f.flusher.Flush()
}

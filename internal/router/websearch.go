package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qwen-relay/gateway/internal/account"
)

// maxSearchRows is the vendor's upper bound on requested result rows;
// rows=100 succeeds, rows=101 fails.
const maxSearchRows = 100

// ErrInvalidRows is returned when the request's rows field is present but
// not a whole number in [1, maxSearchRows].
var ErrInvalidRows = errors.New("rows must be a whole number between 1 and 100")

type inboundSearchRequest struct {
	Query string          `json:"query"`
	Page  json.RawMessage `json:"page,omitempty"`
	Rows  json.RawMessage `json:"rows,omitempty"`
}

type outboundSearchRequest struct {
	UQ   string          `json:"uq"`
	Page json.RawMessage `json:"page,omitempty"`
	Rows json.RawMessage `json:"rows,omitempty"`
}

// renameQueryToUQ performs the query↔uq field rename the vendor's search
// endpoint requires at the wire boundary, after validating rows.
func renameQueryToUQ(body []byte) ([]byte, error) {
	var in inboundSearchRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if err := validateRows(in.Rows); err != nil {
		return nil, err
	}
	return json.Marshal(outboundSearchRequest{UQ: in.Query, Page: in.Page, Rows: in.Rows})
}

// validateRows rejects a rows value that isn't a whole number in
// [1, maxSearchRows]. An absent rows field (nil) is left to the vendor's own
// default and is not validated here.
func validateRows(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return ErrInvalidRows
	}
	if n < 1 || n > maxSearchRows {
		return ErrInvalidRows
	}
	return nil
}

// WebSearch forwards to the vendor's plugin search endpoint, renaming the
// query field and returning the vendor's response envelope unchanged.
func (r *Router) WebSearch(ctx context.Context, body []byte, pinned string) ([]byte, error) {
	outbound, err := renameQueryToUQ(body)
	if err != nil {
		return nil, err
	}

	data, _, err := r.doBuffered(ctx, account.PurposeSearch, pinned, func(base string, creds account.Credentials) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, webSearchURL(base), bytes.NewReader(outbound))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", tokenTypeOrDefault(creds.TokenType)+" "+creds.AccessToken)
		return req, nil
	})
	return data, err
}

func tokenTypeOrDefault(t string) string {
	if t == "" {
		return "Bearer"
	}
	return t
}

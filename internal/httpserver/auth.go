package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/qwen-relay/gateway/internal/account"
	"github.com/qwen-relay/gateway/internal/apierr"
	"github.com/qwen-relay/gateway/internal/audit"
)

// handleAuthInitiate starts a device authorization flow. Not gated behind an
// existing api key — this is the flow that produces account credentials in
// the first place.
func (s *Server) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	result, err := s.oauth.StartDeviceFlow(r.Context())
	if err != nil {
		apierr.Write(w, apierr.KindUpstreamUnavailable, "failed to start device authorization: "+err.Error())
		return
	}

	s.devices.Put(account.DeviceFlowState{
		DeviceCode:              result.DeviceCode,
		UserCode:                result.UserCode,
		VerificationURI:         result.VerificationURI,
		VerificationURIComplete: result.VerificationURIComplete,
		CodeVerifier:            result.CodeVerifier,
		Interval:                result.Interval,
	}, time.Duration(result.ExpiresIn)*time.Second)

	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               result.DeviceCode,
		"user_code":                 result.UserCode,
		"verification_uri":          result.VerificationURI,
		"verification_uri_complete": result.VerificationURIComplete,
		"expires_in":                result.ExpiresIn,
		"interval":                  result.Interval,
	})
}

// handleAuthPoll makes a single poll attempt against the vendor token
// endpoint and, on completion, persists the new account before the flow
// state is destroyed.
func (s *Server) handleAuthPoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceCode   string `json:"device_code"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		apierr.Write(w, apierr.KindValidation, "device_code is required")
		return
	}

	state, ok := s.devices.Get(req.DeviceCode)
	if !ok {
		apierr.Write(w, apierr.KindNotFound, "unknown or expired device_code")
		return
	}
	verifier := req.CodeVerifier
	if verifier == "" {
		verifier = state.CodeVerifier
	}

	outcome, exchanged, err := s.oauth.PollDeviceToken(r.Context(), req.DeviceCode, verifier)
	if err != nil {
		apierr.Write(w, apierr.KindUpstreamUnavailable, "device token poll failed: "+err.Error())
		return
	}

	switch outcome {
	case account.PollPending:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	case account.PollSlowDown:
		writeJSON(w, http.StatusOK, map[string]string{"status": "slow_down"})
	case account.PollExpired:
		s.devices.Delete(req.DeviceCode)
		apierr.Write(w, apierr.KindValidation, "device code expired")
	case account.PollDenied:
		s.devices.Delete(req.DeviceCode)
		apierr.Write(w, apierr.KindPermission, "authorization denied")
	case account.PollCompleted:
		s.completeDeviceFlow(r.Context(), w, req.DeviceCode, exchanged)
	}
}

func (s *Server) completeDeviceFlow(ctx context.Context, w http.ResponseWriter, deviceCode string, exchanged *account.Exchanged) {
	a := &account.Account{
		TokenType:       exchanged.TokenType,
		ExpiryTimestamp: time.Now().Add(time.Duration(exchanged.ExpiresIn) * time.Second).UnixMilli(),
		ResourceURL:     account.NormalizeResourceURL(exchanged.ResourceURL),
	}
	if err := s.pool.Add(ctx, a, exchanged.AccessToken, exchanged.RefreshToken); err != nil {
		apierr.Write(w, apierr.KindInternal, "failed to persist new account: "+err.Error())
		return
	}
	s.devices.Delete(deviceCode)

	if s.audit != nil {
		_ = s.audit.Append(ctx, audit.Record{
			Kind:    audit.KindLogin,
			Actor:   "device-flow",
			Subject: a.ID,
		})
		_ = s.audit.Append(ctx, audit.Record{
			Kind:    audit.KindAccountCreated,
			Actor:   "device-flow",
			Subject: a.ID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": exchanged.AccessToken,
		"account_id":   a.ID,
		"message":      "account authorized",
	})
}

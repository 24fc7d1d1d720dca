package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/qwen-relay/gateway/internal/store"
)

func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// DeviceFlowState is what the gateway keeps in memory between /auth/initiate
// and /auth/poll for one in-progress device authorization.
type DeviceFlowState struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	CodeVerifier            string
	Interval                int
}

// DeviceFlowRegistry is a TTL-bounded map of in-flight device flows, keyed
// by device_code, destroyed on success, failure, or expiry — the same
// bounded-lifetime-state idiom used elsewhere in this gateway for ephemeral
// records.
type DeviceFlowRegistry struct {
	flows *store.TTLMap[DeviceFlowState]
}

func NewDeviceFlowRegistry() *DeviceFlowRegistry {
	return &DeviceFlowRegistry{flows: store.NewTTLMap[DeviceFlowState]()}
}

func (r *DeviceFlowRegistry) Put(state DeviceFlowState, ttl time.Duration) {
	r.flows.Set(state.DeviceCode, state, ttl)
}

func (r *DeviceFlowRegistry) Get(deviceCode string) (DeviceFlowState, bool) {
	return r.flows.Get(deviceCode)
}

func (r *DeviceFlowRegistry) Delete(deviceCode string) {
	r.flows.Delete(deviceCode)
}

func (r *DeviceFlowRegistry) Cleanup() {
	r.flows.Cleanup()
}

// RunCleanup starts the background janitor that evicts expired device flows
// once a minute. Get already expires entries lazily, so this only bounds
// how long an abandoned flow's memory lingers; blocks until ctx is canceled.
func (r *DeviceFlowRegistry) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}

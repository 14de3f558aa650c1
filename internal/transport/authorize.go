package transport

import (
	"encoding/json"
	"errors"

	"minerva/broker/internal/auth"
)

// ErrUnauthorized is returned by an Authorizer when a Hello's credentialsData
// fails the authorization check.
var ErrUnauthorized = errors.New("transport: hello credentials rejected")

// Authorizer gates a Hello handshake before resolveStream attaches or builds
// a stream: on failure the caller emits tk_stream_attach_failure instead of
// proceeding (spec.md §4.5, §6, §9 — the pluggable collaborator for
// cookie/CSRF or token-based authorization).
type Authorizer interface {
	Authorize(streamID string, credentialsData json.RawMessage) error
}

// AuthorizerFunc adapts a plain function to Authorizer.
type AuthorizerFunc func(streamID string, credentialsData json.RawMessage) error

func (f AuthorizerFunc) Authorize(streamID string, credentialsData json.RawMessage) error {
	return f(streamID, credentialsData)
}

// NoAuthorization accepts every Hello unconditionally; the default when no
// Authorizer is configured.
var NoAuthorization Authorizer = AuthorizerFunc(func(string, json.RawMessage) error { return nil })

// hmacCredentials is the expected shape of credentialsData when an
// HMACCredentialsAuthorizer is in effect: a bearer token signed with the
// broker's shared secret.
type hmacCredentials struct {
	Token string `json:"token"`
}

// HMACCredentialsAuthorizer validates a Hello's credentialsData as
// {"token": "<compact HS256 JWT>"}, backed by internal/auth.HMACTokenVerifier
// — the default Hello credentialsData authorization collaborator.
type HMACCredentialsAuthorizer struct {
	Verifier *auth.HMACTokenVerifier
}

func (a HMACCredentialsAuthorizer) Authorize(_ string, credentialsData json.RawMessage) error {
	if a.Verifier == nil {
		return ErrUnauthorized
	}
	var creds hmacCredentials
	if err := json.Unmarshal(credentialsData, &creds); err != nil || creds.Token == "" {
		return ErrUnauthorized
	}
	if _, err := a.Verifier.Verify(creds.Token); err != nil {
		return ErrUnauthorized
	}
	return nil
}

package server

import (
	"context"
	"errors"
)

// ErrUnknownToken is returned by resolvers for credentials they do not
// recognize. Handlers map it to 403.
var ErrUnknownToken = errors.New("unknown token")

// IdentityResolver turns a bearer credential into the identity that keys
// quotas and submissions. Deployments plug in their real credential
// resolution here; the core never decodes tokens itself.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// TokenIdentityResolver treats the raw bearer token as the identity. This is
// the placeholder mode for deployments without a credential backend.
type TokenIdentityResolver struct{}

// Resolve returns the token itself as the identity.
func (TokenIdentityResolver) Resolve(_ context.Context, token string) (string, error) {
	return token, nil
}

// StaticResolver maps known tokens to identities and rejects everything
// else. Useful for tests and closed deployments.
type StaticResolver map[string]string

// Resolve looks the token up in the static table.
func (r StaticResolver) Resolve(_ context.Context, token string) (string, error) {
	identity, ok := r[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return identity, nil
}

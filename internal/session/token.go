package session

import (
	"context"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// TokenSource issues authentication tokens for the RTC and RTM providers.
// It is consulted on login, on restore re-login and whenever a provider
// reports token expiry.
type TokenSource interface {
	Token(ctx context.Context, cp types.Capability, userID string) (string, error)
}

// TokenSourceFunc adapts a function to [TokenSource].
type TokenSourceFunc func(ctx context.Context, cp types.Capability, userID string) (string, error)

// Token implements [TokenSource].
func (f TokenSourceFunc) Token(ctx context.Context, cp types.Capability, userID string) (string, error) {
	return f(ctx, cp, userID)
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context, types.Capability, string) (string, error) { return token, nil })
}

// StaticTokens returns a TokenSource that looks the token up by capability.
// Capabilities without an entry get "".
func StaticTokens(tokens map[types.Capability]string) TokenSource {
	return TokenSourceFunc(func(_ context.Context, cp types.Capability, _ string) (string, error) {
		return tokens[cp], nil
	})
}

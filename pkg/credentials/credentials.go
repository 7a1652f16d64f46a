package credentials

import (
	"context"
	"os"
	"strings"
)

// TokenSource supplies the bearer token sent with API and stream requests.
// An empty token with a nil error means "not signed in".
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// EnvToken reads the token from an environment variable on every call.
type EnvToken struct {
	Var string
}

const DefaultTokenEnvVar = "TURNCHAT_ACCESS_TOKEN"

func (e EnvToken) Token(context.Context) (string, error) {
	name := e.Var
	if name == "" {
		name = DefaultTokenEnvVar
	}
	return strings.TrimSpace(os.Getenv(name)), nil
}

// Chain returns the first non-empty token of its sources. Errors stop the
// lookup.
type Chain []TokenSource

func (c Chain) Token(ctx context.Context) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		tok, err := src.Token(ctx)
		if err != nil {
			return "", err
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", nil
}

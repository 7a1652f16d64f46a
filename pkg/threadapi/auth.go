package threadapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const refreshPath = "/auth/refresh"

// ErrNoRefreshToken is returned by Refresh when the store holds no refresh
// token.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// TokenPair is the answer of the refresh endpoint.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, errors.New("refresh token is empty")
	}
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return TokenPair{}, errors.Wrap(err, "encode request")
	}
	var out TokenPair
	if err := c.send(ctx, http.MethodPost, refreshPath, payload, "", &out); err != nil {
		return TokenPair{}, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return TokenPair{}, errors.New("refresh answer carries no access token")
	}
	return out, nil
}

// Refresh rotates the tokens of the credential store and returns the new
// access token.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	if c.store == nil {
		return "", errors.New("no credential store configured")
	}
	return c.refresh(ctx)
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	rec, err := c.store.Load()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(rec.RefreshToken) == "" {
		return "", ErrNoRefreshToken
	}
	pair, err := c.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		return "", errors.Wrap(err, "refresh access token")
	}
	if err := c.store.Rotate(pair.AccessToken, pair.RefreshToken); err != nil {
		return "", err
	}
	c.logger.Info().Str("path", c.store.Path()).Msg("access token refreshed")
	return strings.TrimSpace(pair.AccessToken), nil
}

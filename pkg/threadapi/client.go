package threadapi

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/credentials"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

const maxErrorBody = 64 * 1024

// StatusError is returned for non-2xx answers. Message is taken from the
// "message" or "error" field of a JSON body when there is one.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("thread api: status %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("thread api: status %d: %s", e.Status, e.Message)
}

// Client talks to the thread endpoints under the API base URL.
type Client struct {
	baseURL string
	client  turnstream.Doer
	tokens  credentials.TokenSource
	store   *credentials.FileStore
	logger  zerolog.Logger
}

type Option func(*Client) error

func WithHTTPClient(d turnstream.Doer) Option {
	return func(c *Client) error {
		if d == nil {
			return errors.New("http client is nil")
		}
		c.client = d
		return nil
	}
}

func WithTokenSource(ts credentials.TokenSource) Option {
	return func(c *Client) error {
		c.tokens = ts
		return nil
	}
}

// WithCredentialStore enables refreshing: a 401 answer exchanges the stored
// refresh token for new tokens, saves them and retries the request once.
func WithCredentialStore(store *credentials.FileStore) Option {
	return func(c *Client) error {
		c.store = store
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

func NewClient(baseURL string, options ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = turnstream.DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.Logger,
	}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "failed to apply thread api option")
		}
	}
	c.logger = c.logger.With().Str("component", "threadapi").Logger()
	return c, nil
}

// InitiateThread posts a prompt. An empty threadID starts a new thread.
func (c *Client) InitiateThread(ctx context.Context, prompt, threadID string) (ThreadResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return ThreadResponse{}, errors.New("prompt is empty")
	}
	var out ThreadResponse
	err := c.do(ctx, http.MethodPost, "/thread/initiate", initiateRequest{Prompt: prompt, ThreadID: threadID}, &out)
	if err != nil {
		return ThreadResponse{}, err
	}
	return out, nil
}

func (c *Client) ListThreads(ctx context.Context) ([]Thread, error) {
	var out []Thread
	if err := c.do(ctx, http.MethodGet, "/thread/all", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ThreadTurns returns the turns of one thread.
func (c *Client) ThreadTurns(ctx context.Context, threadID string) ([]Turn, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("thread id is empty")
	}
	var out Thread
	if err := c.do(ctx, http.MethodGet, "/thread/turns/"+url.PathEscape(threadID), nil, &out); err != nil {
		return nil, err
	}
	if out.Turns == nil {
		return []Turn{}, nil
	}
	return out.Turns, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = b
	}
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	err = c.send(ctx, method, path, payload, tok, out)
	var serr *StatusError
	if c.store == nil || path == refreshPath || !stderrors.As(err, &serr) || serr.Status != http.StatusUnauthorized {
		return err
	}
	fresh, rerr := c.refresh(ctx)
	if rerr != nil {
		if !stderrors.Is(rerr, ErrNoRefreshToken) {
			c.logger.Warn().Err(rerr).Msg("token refresh failed")
		}
		return err
	}
	return c.send(ctx, method, path, payload, fresh, out)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", errors.Wrap(err, "read access token")
	}
	return tok, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, tok string, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("thread api request")
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func decodeStatusError(resp *http.Response) error {
	serr := &StatusError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		serr.Message = payload.Message
		if serr.Message == "" {
			serr.Message = payload.Error
		}
	}
	return serr
}

package turnstream

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/credentials"
)

const (
	DefaultBaseURL     = "http://localhost:3000/api"
	DefaultTypingDelay = 10 * time.Millisecond

	readBufferSize = 32 * 1024
)

// Doer abstracts the Do method of *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Streamer consumes the chat stream of one turn at a time. Starting a
// different turn cancels the running one before the new request is issued.
type Streamer struct {
	baseURL     string
	client      Doer
	tokens      credentials.TokenSource
	typingDelay time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	state  State
	turnID string
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	// dispatchMu serializes callbacks across sessions.
	dispatchMu sync.Mutex
}

type Option func(*Streamer) error

func WithBaseURL(base string) Option {
	return func(s *Streamer) error {
		base = strings.TrimSpace(base)
		u, err := url.Parse(base)
		if err != nil {
			return errors.Wrap(err, "invalid base URL")
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.Errorf("invalid base URL %q", base)
		}
		s.baseURL = strings.TrimRight(base, "/")
		return nil
	}
}

func WithHTTPClient(c Doer) Option {
	return func(s *Streamer) error {
		if c == nil {
			return errors.New("http client is nil")
		}
		s.client = c
		return nil
	}
}

func WithTokenSource(ts credentials.TokenSource) Option {
	return func(s *Streamer) error {
		s.tokens = ts
		return nil
	}
}

// WithTypingDelay sets the pause before each event that carries new text.
// Zero disables it.
func WithTypingDelay(d time.Duration) Option {
	return func(s *Streamer) error {
		if d < 0 {
			return errors.Errorf("negative typing delay %s", d)
		}
		s.typingDelay = d
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Streamer) error {
		s.logger = l
		return nil
	}
}

func NewStreamer(options ...Option) (*Streamer, error) {
	s := &Streamer{
		baseURL:     DefaultBaseURL,
		client:      &http.Client{},
		typingDelay: DefaultTypingDelay,
		logger:      log.Logger,
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "failed to apply streamer option")
		}
	}
	s.logger = s.logger.With().Str("component", "turnstream").Logger()
	return s, nil
}

// Start begins streaming turnID. It is a no-op returning false when turnID is
// empty or already streaming. Otherwise the active stream, if any, is
// cancelled first and Start returns true. The read loop runs in the
// background; OnStreamStart fires on it before the request goes out.
func (s *Streamer) Start(ctx context.Context, turnID string, h Handler) bool {
	if turnID == "" {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state == StateStreaming && s.turnID == turnID {
		s.mu.Unlock()
		s.logger.Debug().Str("turn_id", turnID).Msg("turn already streaming, ignoring start")
		return false
	}
	if s.cancel != nil {
		s.logger.Debug().Str("turn_id", s.turnID).Str("next_turn_id", turnID).Msg("superseding active stream")
		s.cancel()
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateStreaming
	s.turnID = turnID
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, cancel, gen, NewSession(turnID), h, done)
	return true
}

// Stop cancels the active stream. Callbacks of the cancelled stream that have
// not started yet are dropped.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	s.state = StateIdle
	s.turnID = ""
	s.cancel = nil
}

// State reports the lifecycle state and the active turn id.
func (s *Streamer) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.turnID
}

// Wait blocks until the most recently started stream has ended.
func (s *Streamer) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Streamer) turnURL(turnID string) string {
	return s.baseURL + "/turn/" + url.PathEscape(turnID) + "/chat"
}

func (s *Streamer) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// dispatch runs fn unless the session was superseded. It reports whether fn
// ran.
func (s *Streamer) dispatch(gen uint64, fn func()) bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if !s.isCurrent(gen) {
		return false
	}
	fn()
	return true
}

func (s *Streamer) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state = StateIdle
	s.turnID = ""
	s.cancel = nil
}

func (s *Streamer) run(ctx context.Context, cancel context.CancelFunc, gen uint64, sess *Session, h Handler, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer s.finish(gen)

	logger := s.logger.With().Str("turn_id", sess.TurnID).Logger()

	if !s.dispatch(gen, func() {
		if h.OnStreamStart != nil {
			h.OnStreamStart()
		}
	}) {
		return
	}

	err := s.stream(ctx, gen, sess, h, logger)
	switch {
	case err == nil:
	case IsCancellation(ctx, err):
		logger.Debug().Msg("turn stream cancelled")
	default:
		logger.Error().Err(err).Msg("turn stream failed")
	}
}

func (s *Streamer) stream(ctx context.Context, gen uint64, sess *Session, h Handler, logger zerolog.Logger) error {
	token := ""
	if s.tokens != nil {
		t, err := s.tokens.Token(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("could not read access token, streaming without it")
		} else {
			token = t
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.turnURL(sess.TurnID), nil)
	if err != nil {
		return errors.Wrap(err, "build turn stream request")
	}
	authorization := ""
	if token != "" {
		authorization = "Bearer " + token
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request turn stream")
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		logger.Debug().Int("status", resp.StatusCode).Msg("turn stream has no body")
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode}
	}

	framer := &Framer{}
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, segment := range framer.Push(buf[:n]) {
				stop, err := s.handleSegment(ctx, gen, sess, h, segment, logger)
				if err != nil {
					return err
				}
				if stop {
					framer.Reset()
					return nil
				}
			}
		}
		if rerr != nil {
			if stderrors.Is(rerr, io.EOF) {
				logger.Debug().Int("buffered", framer.Buffered()).Msg("turn stream closed by server")
				return nil
			}
			return errors.Wrap(rerr, "read turn stream")
		}
	}
}

// handleSegment dispatches one segment. stop is true once the sentinel has
// been delivered.
func (s *Streamer) handleSegment(ctx context.Context, gen uint64, sess *Session, h Handler, segment string, logger zerolog.Logger) (stop bool, err error) {
	f, ok := DecodeFrame(segment)
	if !ok {
		logger.Trace().Str("segment", segment).Msg("skipping undecodable frame")
		return false, nil
	}

	switch f.Kind {
	case FrameDone:
		ev := sess.Done()
		s.dispatch(gen, func() {
			if h.OnChunk != nil {
				h.OnChunk(ev)
			}
			if h.OnDone != nil {
				h.OnDone()
			}
		})
		return true, nil

	case FrameContent:
		if h.OnChunk == nil {
			return false, s.deliverMessage(gen, h, f.Message)
		}
		ev, emit := sess.Apply(f.Content)
		if !emit {
			return false, nil
		}
		if ev.TextDelta != "" && s.typingDelay > 0 {
			t := time.NewTimer(s.typingDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, ctx.Err()
			case <-t.C:
			}
		}
		if !s.dispatch(gen, func() { h.OnChunk(ev) }) {
			return false, context.Canceled
		}
		return false, nil

	case FrameMessage:
		return false, s.deliverMessage(gen, h, f.Message)
	}
	return false, nil
}

func (s *Streamer) deliverMessage(gen uint64, h Handler, msg ChatMessage) error {
	if !s.dispatch(gen, func() {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}) {
		return context.Canceled
	}
	return nil
}

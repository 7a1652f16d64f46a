package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/eventbus"
)

const DefaultIdleTimeout = 30 * time.Second

// Relay forwards the bus envelopes of a thread to the websocket clients
// watching it. A bus reader runs per thread while it has clients.
type Relay struct {
	bus         *eventbus.Bus
	idleTimeout time.Duration
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	threads map[string]*threadRelay
}

type threadRelay struct {
	pool   *ConnectionPool
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Relay)

// WithIdleTimeout sets how long a thread's reader outlives its last client.
// Zero stops it right away.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) { r.idleTimeout = d }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(r *Relay) { r.upgrader = u }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithAllowedOrigins lets browsers on the given origins open the websocket
// in addition to same-origin ones. "*" accepts any origin and is meant for
// local development.
func WithAllowedOrigins(origins ...string) Option {
	return func(r *Relay) {
		if len(origins) == 0 {
			return
		}
		r.upgrader.CheckOrigin = originChecker(origins)
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := map[string]struct{}{}
	for _, o := range origins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, req.Host) {
			return true
		}
		_, ok := allowed[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

func New(bus *eventbus.Bus, options ...Option) (*Relay, error) {
	if bus == nil {
		return nil, errors.New("relay: bus is nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		bus:         bus,
		idleTimeout: DefaultIdleTimeout,
		// A nil CheckOrigin makes gorilla accept same-origin requests and
		// requests without an Origin header.
		upgrader: websocket.Upgrader{},
		logger:  log.Logger,
		ctx:     ctx,
		cancel:  cancel,
		threads: map[string]*threadRelay{},
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "relay").Logger()
	return r, nil
}

// Attach adds conn to the clients of threadID and starts its reader if
// needed. The bus subscription exists when Attach returns.
func (r *Relay) Attach(threadID string, conn wsConn) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("relay: thread id is empty")
	}
	if conn == nil {
		return errors.New("relay: connection is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return errors.New("relay: closed")
	}
	tr, ok := r.threads[threadID]
	if !ok {
		pool := NewConnectionPool(threadID, r.idleTimeout, func() { r.stopIfIdle(threadID) })
		ctx, cancel := context.WithCancel(r.ctx)
		ch, err := r.bus.Subscribe(ctx, threadID)
		if err != nil {
			cancel()
			return errors.Wrap(err, "relay: subscribe")
		}
		tr = &threadRelay{pool: pool, cancel: cancel, done: make(chan struct{})}
		r.threads[threadID] = tr
		go r.forward(threadID, tr, ch)
		r.logger.Info().Str("thread_id", threadID).Msg("relay reader started")
	}
	tr.pool.Add(conn)
	return nil
}

func (r *Relay) Detach(threadID string, conn wsConn) {
	r.mu.Lock()
	tr, ok := r.threads[threadID]
	r.mu.Unlock()
	if !ok {
		return
	}
	tr.pool.Remove(conn)
	if r.idleTimeout <= 0 {
		r.stopIfIdle(threadID)
	}
}

// Send delivers data to one attached client.
func (r *Relay) Send(threadID string, conn wsConn, data []byte) {
	r.mu.Lock()
	tr, ok := r.threads[threadID]
	r.mu.Unlock()
	if ok {
		tr.pool.SendToOne(conn, data)
	}
}

func (r *Relay) Clients(threadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.threads[threadID]; ok {
		return tr.pool.Count()
	}
	return 0
}

// Threads reports the threads that currently have a reader.
func (r *Relay) Threads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

func (r *Relay) stopIfIdle(threadID string) {
	r.mu.Lock()
	tr, ok := r.threads[threadID]
	if !ok || !tr.pool.IsEmpty() {
		r.mu.Unlock()
		return
	}
	delete(r.threads, threadID)
	r.mu.Unlock()
	tr.cancel()
	r.logger.Info().Str("thread_id", threadID).Msg("relay reader stopped, no clients left")
}

func (r *Relay) forward(threadID string, tr *threadRelay, ch <-chan eventbus.Envelope) {
	defer close(tr.done)
	for env := range ch {
		b, err := json.Marshal(env)
		if err != nil {
			r.logger.Warn().Err(err).Str("thread_id", threadID).Msg("failed to encode envelope")
			continue
		}
		tr.pool.Broadcast(b)
	}
}

// Close disconnects every client and stops all readers.
func (r *Relay) Close() {
	r.cancel()
	r.mu.Lock()
	threads := r.threads
	r.threads = map[string]*threadRelay{}
	r.mu.Unlock()
	for _, tr := range threads {
		tr.cancel()
		tr.pool.CloseAll()
		<-tr.done
	}
}

type hello struct {
	Kind       string `json:"kind"`
	ThreadID   string `json:"thread_id"`
	ServerTime int64  `json:"server_time"`
}

// Handler serves GET /ws?thread_id=... . Clients may send "ping" and get a
// pong frame back; anything else they send is ignored.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		threadID := strings.TrimSpace(req.URL.Query().Get("thread_id"))
		if threadID == "" {
			http.Error(w, "missing thread_id", http.StatusBadRequest)
			return
		}
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Debug().Err(err).Str("origin", req.Header.Get("Origin")).Msg("ws upgrade failed")
			return
		}
		wsLog := r.logger.With().Str("remote", conn.RemoteAddr().String()).Str("thread_id", threadID).Logger()
		if err := r.Attach(threadID, conn); err != nil {
			wsLog.Error().Err(err).Msg("ws attach failed")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
			_ = conn.Close()
			return
		}
		defer r.Detach(threadID, conn)

		if b, err := json.Marshal(hello{Kind: "hello", ThreadID: threadID, ServerTime: time.Now().UnixMilli()}); err == nil {
			r.Send(threadID, conn, b)
		}
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
				if b, err := json.Marshal(hello{Kind: "pong", ThreadID: threadID, ServerTime: time.Now().UnixMilli()}); err == nil {
					r.Send(threadID, conn, b)
				}
			}
		}
	})
}

package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/threadapi"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

const replayUserID = "replay-user"

// Server plays scripted turns over the chat stream wire format and serves
// the thread endpoints backed by the same script.
type Server struct {
	token    string
	reply    string
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	threads []*threadapi.Thread
	turns   map[string]*playback
	nextID  int64
}

type playback struct {
	frames   []FrameSpec
	done     bool
	interval time.Duration
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithToken overrides the token of the script.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func NewServer(script *Script, options ...Option) (*Server, error) {
	if script == nil {
		script = &Script{}
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		token:    strings.TrimSpace(script.Token),
		reply:    script.Reply,
		interval: script.Interval,
		logger:   log.Logger,
		now:      time.Now,
		turns:    map[string]*playback{},
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "replay").Logger()

	ts := s.now().UTC().Format(time.RFC3339)
	for _, th := range script.Threads {
		thread := &threadapi.Thread{ID: th.ID, Title: th.Title, UserID: replayUserID, CreatedAt: ts, UpdatedAt: ts, Turns: []threadapi.Turn{}}
		for _, tu := range th.Turns {
			pb := &playback{frames: tu.Frames, done: tu.Done == nil || *tu.Done, interval: s.interval}
			if tu.Interval != nil {
				pb.interval = *tu.Interval
			}
			s.turns[tu.ID] = pb
			thread.Turns = append(thread.Turns, s.recordTurnLocked(th.ID, tu.ID, tu.Prompt, finalContent(tu.Frames), ts))
		}
		s.threads = append(s.threads, thread)
	}
	return s, nil
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireToken)
		api.Get("/turn/{turnID}/chat", s.handleTurnChat)
		api.Post("/thread/initiate", s.handleInitiate)
		api.Get("/thread/all", s.handleAllThreads)
		api.Get("/thread/turns/{threadID}", s.handleThreadTurns)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("replay request")
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := bearerToken(r.Header.Get("Authorization"))
		if got == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Access token required"})
			return
		}
		if got != s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "timestamp": s.now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleTurnChat(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	s.mu.Lock()
	pb, ok := s.turns[turnID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Turn not found"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With().Str("turn_id", turnID).Logger()
	for i, f := range pb.frames {
		payload, err := f.Encode()
		if err != nil {
			logger.Warn().Err(err).Int("frame", i).Msg("skipping unencodable frame")
			continue
		}
		if i > 0 && !sleep(r.Context(), pb.interval) {
			logger.Debug().Msg("client went away")
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
	if pb.done {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", turnstream.DoneSentinel)
		flusher.Flush()
	}
}

type initiateRequest struct {
	Prompt   string `json:"prompt"`
	ThreadID string `json:"threadId,omitempty"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON body"})
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "prompt is required"})
		return
	}

	reply := s.reply
	if reply == "" {
		reply = "You said: " + prompt
	}
	turnID := uuid.NewString()
	ts := s.now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	thread := s.findThreadLocked(req.ThreadID)
	if thread == nil {
		thread = &threadapi.Thread{ID: uuid.NewString(), Title: prompt, UserID: replayUserID, CreatedAt: ts, Turns: []threadapi.Turn{}}
		s.threads = append(s.threads, thread)
	}
	thread.UpdatedAt = ts
	s.turns[turnID] = &playback{frames: CumulativeFrames(reply, "replay"), done: true, interval: s.interval}
	thread.Turns = append(thread.Turns, s.recordTurnLocked(thread.ID, turnID, prompt, reply, ts))
	resp := threadapi.ThreadResponse{
		ThreadID:    thread.ID,
		TurnID:      turnID,
		Message:     "Thread initiated",
		ThreadTitle: thread.Title,
		UserID:      replayUserID,
	}
	s.mu.Unlock()

	s.logger.Info().Str("thread_id", resp.ThreadID).Str("turn_id", turnID).Msg("turn created")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAllThreads(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]threadapi.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		cp := *th
		cp.Turns = nil
		out = append(out, cp)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleThreadTurns(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.mu.Lock()
	th := s.findThreadLocked(threadID)
	var out threadapi.Thread
	if th != nil {
		out = *th
		out.Turns = append([]threadapi.Turn{}, th.Turns...)
	}
	s.mu.Unlock()
	if th == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Thread not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) findThreadLocked(id string) *threadapi.Thread {
	if id == "" {
		return nil
	}
	for _, th := range s.threads {
		if th.ID == id {
			return th
		}
	}
	return nil
}

func (s *Server) recordTurnLocked(threadID, turnID, prompt, reply, ts string) threadapi.Turn {
	turn := threadapi.Turn{ID: turnID, ThreadID: threadID, UserID: replayUserID, CreatedAt: ts, UpdatedAt: ts, Messages: []turnstream.ChatMessage{}}
	if prompt != "" {
		s.nextID++
		turn.Messages = append(turn.Messages, turnstream.ChatMessage{ID: s.nextID, Type: turnstream.MessageTypeUser, Content: prompt, Timestamp: ts})
	}
	s.nextID++
	turn.Messages = append(turn.Messages, turnstream.ChatMessage{ID: s.nextID, Type: turnstream.MessageTypeAssistant, Content: reply, Timestamp: ts, Finished: true})
	return turn
}

// finalContent is the last cumulative content of a scripted turn.
func finalContent(frames []FrameSpec) string {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Content != nil {
			return *frames[i].Content
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

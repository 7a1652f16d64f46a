package turnstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnchat/pkg/credentials"
)

// chunkBody returns one chunk per Read, then EOF.
type chunkBody struct {
	mu     sync.Mutex
	chunks []string
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n < len(b.chunks[0]) {
		b.chunks[0] = b.chunks[0][n:]
	} else {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error { return nil }

// blockingBody sends its prefix and then blocks until the request is
// cancelled.
type blockingBody struct {
	ctx    context.Context
	prefix *chunkBody
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if b.prefix != nil {
		n, err := b.prefix.Read(p)
		if err == nil {
			return n, nil
		}
		b.prefix = nil
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

type fakeDoer struct {
	mu       sync.Mutex
	requests []*http.Request
	respond  func(req *http.Request) (*http.Response, error)
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return d.respond(req)
}

func (d *fakeDoer) Requests() []*http.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*http.Request(nil), d.requests...)
}

func okResponse(body io.ReadCloser) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: body, Header: http.Header{}}
}

func chunks(parts ...string) *chunkBody { return &chunkBody{chunks: parts} }

type recorder struct {
	mu       sync.Mutex
	events   []DeltaEvent
	messages []ChatMessage
	starts   int
	dones    int
}

func (r *recorder) handler() Handler {
	return Handler{
		OnStreamStart: func() { r.mu.Lock(); r.starts++; r.mu.Unlock() },
		OnChunk:       func(ev DeltaEvent) { r.mu.Lock(); r.events = append(r.events, ev); r.mu.Unlock() },
		OnMessage:     func(m ChatMessage) { r.mu.Lock(); r.messages = append(r.messages, m); r.mu.Unlock() },
		OnDone:        func() { r.mu.Lock(); r.dones++; r.mu.Unlock() },
	}
}

func (r *recorder) snapshot() ([]DeltaEvent, []ChatMessage, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeltaEvent(nil), r.events...), append([]ChatMessage(nil), r.messages...), r.starts, r.dones
}

func newTestStreamer(t *testing.T, d Doer, opts ...Option) *Streamer {
	t.Helper()
	all := append([]Option{WithHTTPClient(d), WithTypingDelay(0), WithBaseURL("http://chat.test/api")}, opts...)
	s, err := NewStreamer(all...)
	require.NoError(t, err)
	return s
}

func waitStream(t *testing.T, s *Streamer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestStreamer_HelloScenario(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"data: {\"content\":\"Hel\",\"finished\":false}\n\n",
			"data: {\"content\":\"Hello\",\"finished\":false}\n\n",
			"data: [DONE]\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}

	require.True(t, s.Start(context.Background(), "t1", rec.handler()))
	waitStream(t, s)

	events, _, starts, dones := rec.snapshot()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, dones)
	require.Equal(t, []DeltaEvent{
		{TextDelta: "Hel", IsFirst: true, Sources: []Source{}},
		{TextDelta: "lo", IsFirst: false, Sources: []Source{}},
		{TextDelta: "", IsFirst: false, Finished: true},
	}, events)

	reqs := d.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodGet, reqs[0].Method)
	require.Equal(t, "http://chat.test/api/turn/t1/chat", reqs[0].URL.String())

	state, turn := s.State()
	require.Equal(t, StateIdle, state)
	require.Equal(t, "", turn)
}

func TestStreamer_AuthorizationHeader(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks("data: [DONE]\n\n")), nil
	}}

	s := newTestStreamer(t, d, WithTokenSource(credentials.StaticToken("secret")))
	s.Start(context.Background(), "t1", Handler{})
	waitStream(t, s)

	anon := newTestStreamer(t, d)
	anon.Start(context.Background(), "t2", Handler{})
	waitStream(t, anon)

	reqs := d.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, []string{"Bearer secret"}, reqs[0].Header.Values("Authorization"))
	// present but empty when there is no token
	require.Equal(t, []string{""}, reqs[1].Header.Values("Authorization"))
}

func TestStreamer_SameTurnIsNoop(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(&blockingBody{ctx: req.Context()}), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}

	require.True(t, s.Start(context.Background(), "t1", rec.handler()))
	require.Eventually(t, func() bool { return len(d.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	require.False(t, s.Start(context.Background(), "t1", rec.handler()))
	require.False(t, s.Start(context.Background(), "", rec.handler()))

	s.Stop()
	waitStream(t, s)

	_, _, starts, _ := rec.snapshot()
	require.Equal(t, 1, starts)
	require.Len(t, d.Requests(), 1)
}

func TestStreamer_NewTurnCancelsPrevious(t *testing.T) {
	var prevCancelledAtOpen []bool
	var mu sync.Mutex
	var prev *http.Request

	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		if prev != nil {
			prevCancelledAtOpen = append(prevCancelledAtOpen, prev.Context().Err() != nil)
		}
		prev = req
		mu.Unlock()

		if strings.Contains(req.URL.Path, "/turn/a/") {
			return okResponse(&blockingBody{ctx: req.Context(), prefix: chunks("data: {\"content\":\"Hello\"}\n\n")}), nil
		}
		return okResponse(chunks("data: {\"content\":\"Hi\"}\n\n", "data: [DONE]\n\n")), nil
	}}
	s := newTestStreamer(t, d)

	first := &recorder{}
	second := &recorder{}

	require.True(t, s.Start(context.Background(), "a", first.handler()))
	require.Eventually(t, func() bool {
		events, _, _, _ := first.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, s.Start(context.Background(), "b", second.handler()))
	waitStream(t, s)

	mu.Lock()
	require.Equal(t, []bool{true}, prevCancelledAtOpen)
	mu.Unlock()

	firstEvents, _, _, firstDones := first.snapshot()
	require.Equal(t, "Hello", firstEvents[0].TextDelta)
	require.Len(t, firstEvents, 1)
	require.Equal(t, 0, firstDones)

	// accumulator starts empty for the new turn
	events, _, starts, dones := second.snapshot()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, dones)
	require.Equal(t, "Hi", events[0].TextDelta)
	require.True(t, events[0].IsFirst)
}

func TestStreamer_DoneTerminatesRegardlessOfHistory(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"garbage\n\n",
			"data: {\"content\":\"abc\"}\n\n",
			"data: {\"oops\n\n",
			"data: [DONE]\n\n",
			"data: {\"content\":\"abcdef\"}\n\n",
			"data: [DONE]\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	events, _, _, dones := rec.snapshot()
	require.Equal(t, 1, dones)
	require.Len(t, events, 2)
	require.Equal(t, "abc", events[0].TextDelta)
	require.True(t, events[1].Finished)
}

func TestStreamer_UnchangedContentEmitsNothing(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"data: {\"content\":\"same\"}\n\n",
			"data: {\"content\":\"same\",\"finished\":false,\"sources\":[]}\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	events, _, _, dones := rec.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, 0, dones)
}

func TestStreamer_FrameSplitAcrossReads(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"data: {\"conte",
			"nt\":\"Hel\"}\n",
			"\ndata: {\"content\":\"Hello\"}",
			"\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	events, _, _, _ := rec.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, "Hel", events[0].TextDelta)
	require.Equal(t, "lo", events[1].TextDelta)
}

func TestStreamer_MalformedFrameBetweenValidFrames(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"data: {\"content\":\"one\"}\n\ndata: {broken json}\n\ndata: {\"content\":\"one two\",\"finished\":true,\"model\":\"m1\"}\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	events, _, _, _ := rec.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, "one", events[0].TextDelta)
	require.Equal(t, " two", events[1].TextDelta)
	require.True(t, events[1].Finished)
	require.Equal(t, "m1", events[1].Model)
}

func TestStreamer_MessageFallback(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"data: {\"id\":1,\"type\":\"assistant\",\"error\":\"quota\"}\n\n",
			"data: {\"content\":\"partial\"}\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)

	var mu sync.Mutex
	var msgs []ChatMessage
	s.Start(context.Background(), "t1", Handler{OnMessage: func(m ChatMessage) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	}})
	waitStream(t, s)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, msgs, 2)
	require.Equal(t, "quota", msgs[0].Error)
	// without OnChunk content frames go to OnMessage as well
	require.Equal(t, "partial", msgs[1].Content)
}

func TestStreamer_LegacyMessageWithChunkHandler(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks("data: {\"id\":9,\"type\":\"assistant\"}\n\ndata: {\"content\":\"x\"}\n\n")), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	events, msgs, _, _ := rec.snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, int64(9), msgs[0].ID)
	require.Len(t, events, 1)
}

func TestStreamer_MismatchedLegacyFrameReachesOnMessage(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks(
			"data: {\"id\":\"abc\",\"type\":\"assistant\",\"error\":\"boom\"}\n\ndata: [DONE]\n\n",
		)), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	_, msgs, _, _ := rec.snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, MessageTypeAssistant, msgs[0].Type)
	require.Equal(t, "boom", msgs[0].Error)
	require.Contains(t, string(msgs[0].Raw), `"id":"abc"`)
}

func TestStreamer_TransportFailureIsSilent(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/turn/status/") {
			return &http.Response{StatusCode: http.StatusUnauthorized, Body: chunks("data: {\"content\":\"no\"}\n\n")}, nil
		}
		return nil, fmt.Errorf("dial tcp: connection refused")
	}}
	s := newTestStreamer(t, d)

	for _, turn := range []string{"dial", "status"} {
		rec := &recorder{}
		require.True(t, s.Start(context.Background(), turn, rec.handler()))
		waitStream(t, s)
		events, msgs, starts, dones := rec.snapshot()
		require.Equal(t, 1, starts, turn)
		require.Empty(t, events, turn)
		require.Empty(t, msgs, turn)
		require.Equal(t, 0, dones, turn)
		state, _ := s.State()
		require.Equal(t, StateIdle, state)
	}
}

func TestStreamer_PeerCloseWithoutDone(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks("data: {\"content\":\"cut\"}\n\n", "data: {\"content\":\"cut off")), nil
	}}
	s := newTestStreamer(t, d)
	rec := &recorder{}
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	events, _, _, dones := rec.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, 0, dones)

	// the caller may reconnect with the same turn id
	require.True(t, s.Start(context.Background(), "t1", rec.handler()))
	waitStream(t, s)
	require.Len(t, d.Requests(), 2)
}

func TestStreamer_ContextCancelDuringTypingDelay(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(&blockingBody{ctx: req.Context(), prefix: chunks("data: {\"content\":\"slow\"}\n\n")}), nil
	}}
	s := newTestStreamer(t, d, WithTypingDelay(time.Hour))
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, "t1", rec.handler())
	require.Eventually(t, func() bool { return len(d.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	waitStream(t, s)

	events, _, _, _ := rec.snapshot()
	require.Empty(t, events)
}

func TestStreamer_StartFromCallback(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks("data: {\"content\":\"x\"}\n\n", "data: [DONE]\n\n")), nil
	}}
	s := newTestStreamer(t, d)

	next := &recorder{}
	nextDone := make(chan struct{})
	h := next.handler()
	h.OnDone = func() { close(nextDone) }

	s.Start(context.Background(), "first", Handler{
		OnDone: func() {
			// chained turn started from inside a callback
			s.Start(context.Background(), "second", h)
		},
	})

	select {
	case <-nextDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second turn did not finish")
	}
	events, _, starts, _ := next.snapshot()
	require.Equal(t, 1, starts)
	require.Equal(t, "x", events[0].TextDelta)
}

func TestStreamer_TypingDelayApplied(t *testing.T) {
	d := &fakeDoer{respond: func(req *http.Request) (*http.Response, error) {
		return okResponse(chunks("data: {\"content\":\"a\"}\n\ndata: {\"content\":\"ab\"}\n\ndata: [DONE]\n\n")), nil
	}}
	s := newTestStreamer(t, d, WithTypingDelay(20*time.Millisecond))
	rec := &recorder{}

	start := time.Now()
	s.Start(context.Background(), "t1", rec.handler())
	waitStream(t, s)

	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	events, _, _, _ := rec.snapshot()
	require.Len(t, events, 3)
}

func TestStreamer_OverHTTP(t *testing.T) {
	var mu sync.Mutex
	var gotAuth []string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Values("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, content := range []string{"St", "Stre", "Stream"} {
			_, _ = fmt.Fprintf(w, "data: {\"content\":%q}\n\n", content)
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	s, err := NewStreamer(WithBaseURL(srv.URL+"/api/"), WithTypingDelay(0), WithTokenSource(credentials.StaticToken("tok")))
	require.NoError(t, err)

	rec := &recorder{}
	s.Start(context.Background(), "t/1", rec.handler())
	waitStream(t, s)

	events, _, _, dones := rec.snapshot()
	require.Equal(t, 1, dones)
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(ev.TextDelta)
	}
	require.Equal(t, "Stream", sb.String())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/api/turn/t%2F1/chat", gotPath)
	require.Equal(t, []string{"Bearer tok"}, gotAuth)
}

func TestNewStreamer_RejectsBadOptions(t *testing.T) {
	_, err := NewStreamer(WithBaseURL("not a url"))
	require.Error(t, err)
	_, err = NewStreamer(WithTypingDelay(-time.Second))
	require.Error(t, err)
	_, err = NewStreamer(WithHTTPClient(nil))
	require.Error(t, err)
}

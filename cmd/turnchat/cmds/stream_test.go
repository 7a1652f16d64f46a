package cmds

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnchat/pkg/cmds/cmdlayers"
	"github.com/go-go-golems/turnchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnchat/pkg/replay"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

const streamScript = `
token: secret
threads:
  - id: th-1
    title: Greetings
    turns:
      - id: tu-1
        frames:
          - content: "Hel"
          - raw: "{broken"
          - content: "Hello"
            finished: true
            model: replay-model
      - id: tu-open
        done: false
        frames:
          - content: "never finishes"
`

func newReplay(t *testing.T) *httptest.Server {
	t.Helper()
	sc, err := replay.ParseScript([]byte(streamScript))
	require.NoError(t, err)
	s, err := replay.NewServer(sc, replay.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func testTurnSettings(t *testing.T, srv *httptest.Server) *turnSettings {
	t.Helper()
	return &turnSettings{
		Output: OutputSettings{Model: "gpt-4o"},
		Client: &cmdlayers.ClientSettings{
			ServerURL: srv.URL + "/api",
			Token:     "secret",
			TokenFile: filepath.Join(t.TempDir(), "credentials.yaml"),
		},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunTurn_Text(t *testing.T) {
	srv := newReplay(t)
	var buf bytes.Buffer
	require.NoError(t, runTurn(testContext(t), &buf, testTurnSettings(t, srv), "tu-1", nil))
	require.Equal(t, "Hello\n", buf.String())
}

func TestRunTurn_Stats(t *testing.T) {
	srv := newReplay(t)
	ts := testTurnSettings(t, srv)
	ts.Output.Stats = true
	var buf bytes.Buffer
	require.NoError(t, runTurn(testContext(t), &buf, ts, "tu-1", nil))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "Hello\n"))
	require.Contains(t, out, "Model: replay-model")
	require.Contains(t, out, "Total tokens: ")
}

func TestRunTurn_JSONWithPublish(t *testing.T) {
	srv := newReplay(t)
	ts := testTurnSettings(t, srv)
	ts.Output.JSON = true
	ts.Output.Publish = true
	ts.Output.ThreadID = "th-1"
	var buf bytes.Buffer
	require.NoError(t, runTurn(testContext(t), &buf, ts, "tu-1", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// the sentinel arrives as an empty finished delta followed by done
	require.Len(t, lines, 5)
	require.Contains(t, lines[0], `"kind":"stream_start"`)
	require.Contains(t, lines[1], `"text_delta":"Hel"`)
	require.Contains(t, lines[2], `"text_delta":"lo"`)
	require.Contains(t, lines[3], `"text_delta":""`)
	require.Contains(t, lines[3], `"finished":true`)
	require.Contains(t, lines[4], `"kind":"done"`)
	for _, l := range lines {
		require.Contains(t, l, `"thread_id":"th-1"`)
	}
}

func TestRunTurn_SaveDB(t *testing.T) {
	srv := newReplay(t)
	ts := testTurnSettings(t, srv)
	db := filepath.Join(t.TempDir(), "transcripts.db")
	ts.Output.SaveDB = db
	ts.Output.ThreadID = "th-1"
	seed := []turnstream.ChatMessage{{ID: 1, Type: turnstream.MessageTypeUser, Content: "say hello"}}

	require.NoError(t, runTurn(testContext(t), &bytes.Buffer{}, ts, "tu-1", seed))

	store, err := openTranscriptStore(db)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	msgs, err := store.LoadMessages(context.Background(), "th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "say hello", msgs[0].Content)
	require.Equal(t, turnstream.MessageTypeAssistant, msgs[1].Type)
	require.Equal(t, "Hello", msgs[1].Content)

	threads, err := store.ListThreads(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"th-1"}, threadIDs(threads))
}

func TestRunTurn_EndsWithoutDone(t *testing.T) {
	srv := newReplay(t)
	var buf bytes.Buffer
	err := runTurn(testContext(t), &buf, testTurnSettings(t, srv), "tu-open", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ended before completion")
	require.Equal(t, "never finishes", buf.String())
}

func TestRunTurn_WrongToken(t *testing.T) {
	srv := newReplay(t)
	ts := testTurnSettings(t, srv)
	ts.Client.Token = "wrong"
	var buf bytes.Buffer
	require.Error(t, runTurn(testContext(t), &buf, ts, "tu-1", nil))
	require.Empty(t, buf.String())
}

func TestRunTurn_EmptyTurnID(t *testing.T) {
	srv := newReplay(t)
	require.Error(t, runTurn(testContext(t), &bytes.Buffer{}, testTurnSettings(t, srv), " ", nil))
}

func TestRunTurn_AfterInitiate(t *testing.T) {
	srv := newReplay(t)
	ts := testTurnSettings(t, srv)
	api, err := ts.Client.NewThreadClient(zerolog.Nop())
	require.NoError(t, err)

	ctx := testContext(t)
	resp, err := api.InitiateThread(ctx, "ping", "")
	require.NoError(t, err)
	require.NotEmpty(t, resp.TurnID)

	ts.Output.ThreadID = resp.ThreadID
	var buf bytes.Buffer
	require.NoError(t, runTurn(ctx, &buf, ts, resp.TurnID, nil))
	require.Equal(t, "You said: ping\n", buf.String())
}

func threadIDs(records []chatstore.ThreadRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ThreadID)
	}
	return out
}

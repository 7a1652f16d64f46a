package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

func newSQLiteTestStore(t *testing.T) *SQLiteTranscriptStore {
	t.Helper()
	dsn, err := SQLiteTranscriptDSNForFile(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	s, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMessages() []turnstream.ChatMessage {
	return []turnstream.ChatMessage{
		{ID: 1, Type: turnstream.MessageTypeUser, Content: "  what is\n a   goroutine? ", Timestamp: "2024-01-01T00:00:00Z"},
		{
			ID:       2,
			Type:     turnstream.MessageTypeAssistant,
			Content:  "A lightweight thread.",
			Finished: true,
			Model:    "gpt-4o",
			Sources:  []turnstream.Source{{Title: "Go", URL: "https://go.dev"}},
			Usage:    json.RawMessage(`{"tokens":12}`),
		},
	}
}

func TestTranscriptStores_SaveLoadList(t *testing.T) {
	stores := map[string]TranscriptStore{
		"memory": NewInMemoryTranscriptStore(),
		"sqlite": newSQLiteTestStore(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			msgs, err := s.LoadMessages(ctx, "missing")
			require.NoError(t, err)
			require.NotNil(t, msgs)
			require.Empty(t, msgs)

			require.NoError(t, s.SaveMessages(ctx, "th-1", sampleMessages()))
			got, err := s.LoadMessages(ctx, "th-1")
			require.NoError(t, err)
			require.Equal(t, sampleMessages(), got)

			// save replaces, it does not append
			time.Sleep(2 * time.Millisecond)
			require.NoError(t, s.SaveMessages(ctx, "th-2", sampleMessages()[:1]))
			require.NoError(t, s.SaveMessages(ctx, "th-1", sampleMessages()[1:]))
			got, err = s.LoadMessages(ctx, "th-1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, int64(2), got[0].ID)

			threads, err := s.ListThreads(ctx, 0)
			require.NoError(t, err)
			require.Len(t, threads, 2)
			require.Equal(t, "th-1", threads[0].ThreadID)
			require.Equal(t, "", threads[0].Title)
			require.Equal(t, 1, threads[0].MessageCount)
			require.Equal(t, "th-2", threads[1].ThreadID)
			require.Equal(t, "what is a goroutine?", threads[1].Title)

			limited, err := s.ListThreads(ctx, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
		})
	}
}

func TestTranscriptStores_Validation(t *testing.T) {
	stores := map[string]TranscriptStore{
		"memory": NewInMemoryTranscriptStore(),
		"sqlite": newSQLiteTestStore(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.Error(t, s.SaveMessages(ctx, " ", nil))
			_, err := s.LoadMessages(ctx, "")
			require.Error(t, err)
		})
	}

	_, err := NewSQLiteTranscriptStore("")
	require.Error(t, err)
	_, err = SQLiteTranscriptDSNForFile("")
	require.Error(t, err)
}

func TestInMemoryTranscriptStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryTranscriptStore()
	ctx := context.Background()
	msgs := sampleMessages()
	require.NoError(t, s.SaveMessages(ctx, "th", msgs))
	msgs[1].Sources[0].Title = "mutated"

	got, err := s.LoadMessages(ctx, "th")
	require.NoError(t, err)
	require.Equal(t, "Go", got[1].Sources[0].Title)

	got[1].Content = "changed"
	again, err := s.LoadMessages(ctx, "th")
	require.NoError(t, err)
	require.Equal(t, "A lightweight thread.", again[1].Content)
}

func TestSQLiteTranscriptStore_SchemaAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	dsn, err := SQLiteTranscriptDSNForFile(path)
	require.NoError(t, err)

	s, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	require.True(t, hasTable(t, s.db, "threads"))
	require.True(t, hasTable(t, s.db, "messages"))
	require.NoError(t, s.SaveMessages(context.Background(), "th", sampleMessages()))
	require.Equal(t, int64(2), queryRowCount(t, s.db, "SELECT COUNT(1) FROM messages WHERE thread_id = ?", "th"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.LoadMessages(context.Background(), "th")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestTitleFor(t *testing.T) {
	require.Equal(t, "", titleFor(nil))
	long := strings.Repeat("é", 200)
	title := titleFor([]turnstream.ChatMessage{{Type: turnstream.MessageTypeAssistant, Content: "x"}, {Type: turnstream.MessageTypeUser, Content: long}})
	require.Equal(t, strings.Repeat("é", maxTitleRunes), title)
}

func hasTable(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	return queryRowCount(t, db, "SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", name) > 0
}

func queryRowCount(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

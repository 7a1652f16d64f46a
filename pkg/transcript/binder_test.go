package transcript

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

func TestBinder_FoldsStreamIntoState(t *testing.T) {
	state := NewState()
	store := chatstore.NewInMemoryTranscriptStore()
	b := NewBinder(state, store)
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }

	var notified []string
	b.Notify = turnstream.Handler{
		OnChunk: func(ev turnstream.DeltaEvent) { notified = append(notified, ev.TextDelta) },
		OnDone:  func() { notified = append(notified, "done") },
	}

	ctx := context.Background()
	state.AddMessage("th", turnstream.ChatMessage{ID: 1, Type: turnstream.MessageTypeUser, Content: "hi"})

	h := b.Handler(ctx, "th")
	h.OnStreamStart()
	h.OnChunk(turnstream.DeltaEvent{TextDelta: "Hel", IsFirst: true})
	h.OnChunk(turnstream.DeltaEvent{TextDelta: "lo", Model: "m"})
	h.OnChunk(turnstream.DeltaEvent{Finished: true})
	h.OnDone()

	msgs := state.Messages("th")
	require.Len(t, msgs, 2)
	require.Equal(t, int64(1700000000000), msgs[1].ID)
	require.Equal(t, turnstream.MessageTypeAssistant, msgs[1].Type)
	require.Equal(t, "Hello", msgs[1].Content)
	require.True(t, msgs[1].Finished)
	require.Equal(t, "m", msgs[1].Model)

	require.Equal(t, []string{"Hel", "lo", "", "done"}, notified)

	stored, err := store.LoadMessages(ctx, "th")
	require.NoError(t, err)
	require.Equal(t, msgs, stored)

	restored := NewBinder(NewState(), store)
	require.NoError(t, restored.Restore(ctx, "th"))
	require.Equal(t, msgs, restored.State.Messages("th"))
}

func TestBinder_MessageWithoutPlaceholderIsAdded(t *testing.T) {
	state := NewState()
	b := NewBinder(state, nil)
	h := b.Handler(context.Background(), "th")

	h.OnMessage(turnstream.ChatMessage{ID: 4, Type: turnstream.MessageTypeAssistant, Content: "whole"})
	h.OnMessage(turnstream.ChatMessage{Error: "quota"})
	h.OnDone()

	msgs := state.Messages("th")
	require.Len(t, msgs, 1)
	require.Equal(t, "whole", msgs[0].Content)
	require.Equal(t, "quota", msgs[0].Error)
	require.NoError(t, b.Restore(context.Background(), "th"))
}

func TestBinder_WithStreamer(t *testing.T) {
	state := NewState()
	b := NewBinder(state, nil)

	d := doerFunc(func() string {
		return "data: {\"content\":\"Go\"}\n\ndata: {\"content\":\"Gopher\",\"finished\":true}\n\ndata: [DONE]\n\n"
	})
	s, err := turnstream.NewStreamer(turnstream.WithHTTPClient(d), turnstream.WithTypingDelay(0))
	require.NoError(t, err)

	require.True(t, s.Start(context.Background(), "turn-1", b.Handler(context.Background(), "th")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	m, ok := state.LastAssistant("th")
	require.True(t, ok)
	require.Equal(t, "Gopher", m.Content)
	require.True(t, m.Finished)
}

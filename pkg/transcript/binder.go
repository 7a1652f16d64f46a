package transcript

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

// Binder wires a stream into a State. Store and Notify are optional.
type Binder struct {
	State  *State
	Store  chatstore.TranscriptStore
	Notify turnstream.Handler
	Logger *zerolog.Logger

	now func() time.Time
}

func NewBinder(state *State, store chatstore.TranscriptStore) *Binder {
	return &Binder{State: state, Store: store}
}

// Handler returns the callbacks for one turn of threadID. ctx bounds the save
// done when the stream finishes.
func (b *Binder) Handler(ctx context.Context, threadID string) turnstream.Handler {
	logger := log.Logger
	if b.Logger != nil {
		logger = *b.Logger
	}
	logger = logger.With().Str("component", "transcript").Str("thread_id", threadID).Logger()
	now := b.now
	if now == nil {
		now = time.Now
	}

	own := turnstream.Handler{
		OnStreamStart: func() {
			ts := now()
			b.State.AddMessage(threadID, turnstream.ChatMessage{
				ID:        ts.UnixMilli(),
				Type:      turnstream.MessageTypeAssistant,
				Timestamp: ts.UTC().Format(time.RFC3339),
			})
		},
		OnChunk: func(ev turnstream.DeltaEvent) {
			if !b.State.AppendToLastAssistant(threadID, ev) {
				logger.Warn().Msg("delta without assistant message, dropping")
			}
		},
		OnMessage: func(msg turnstream.ChatMessage) {
			if !b.State.UpdateLastAssistant(threadID, msg) {
				b.State.AddMessage(threadID, msg)
			}
		},
		OnDone: func() {
			if b.Store == nil {
				return
			}
			msgs := b.State.Messages(threadID)
			if err := b.Store.SaveMessages(ctx, threadID, msgs); err != nil {
				logger.Error().Err(err).Msg("failed to persist transcript")
				return
			}
			logger.Debug().Int("messages", len(msgs)).Msg("transcript persisted")
		},
	}
	return turnstream.Fanout(own, b.Notify)
}

// Restore loads a persisted thread into the State. It is a no-op without a
// Store.
func (b *Binder) Restore(ctx context.Context, threadID string) error {
	if b.Store == nil {
		return nil
	}
	msgs, err := b.Store.LoadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	b.State.ReplaceTurns(threadID, msgs)
	return nil
}

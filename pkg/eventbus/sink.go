package eventbus

import (
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

// Sink returns callbacks that publish every stream event of a turn. Publish
// failures are logged and otherwise ignored.
func (b *Bus) Sink(threadID, turnID string) turnstream.Handler {
	logger := b.logger.With().Str("thread_id", threadID).Str("turn_id", turnID).Logger()
	publish := func(e Envelope) {
		e.ThreadID = threadID
		e.TurnID = turnID
		if err := b.Publish(e); err != nil {
			logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to publish stream event")
		}
	}
	return turnstream.Handler{
		OnStreamStart: func() { publish(Envelope{Kind: KindStreamStart}) },
		OnChunk: func(ev turnstream.DeltaEvent) {
			publish(Envelope{Kind: KindChunk, Delta: &ev})
		},
		OnMessage: func(msg turnstream.ChatMessage) {
			publish(Envelope{Kind: KindMessage, Message: &msg})
		},
		OnDone: func() { publish(Envelope{Kind: KindDone}) },
	}
}

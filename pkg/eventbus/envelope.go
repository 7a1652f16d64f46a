package eventbus

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

type Kind string

const (
	KindStreamStart Kind = "stream_start"
	KindChunk       Kind = "chunk"
	KindMessage     Kind = "message"
	KindDone        Kind = "done"
)

// Envelope is one stream callback as carried on the bus. Seq and StreamID are
// filled in on the subscriber side.
type Envelope struct {
	Kind     Kind                    `json:"kind"`
	ThreadID string                  `json:"thread_id"`
	TurnID   string                  `json:"turn_id"`
	Delta    *turnstream.DeltaEvent  `json:"delta,omitempty"`
	Message  *turnstream.ChatMessage `json:"message,omitempty"`
	Seq      uint64                  `json:"seq,omitempty"`
	StreamID string                  `json:"stream_id,omitempty"`
}

func TopicForThread(threadID string) string { return "turnchat:" + threadID }

func (e Envelope) validate() error {
	switch e.Kind {
	case KindStreamStart, KindDone:
	case KindChunk:
		if e.Delta == nil {
			return errors.New("chunk envelope without delta")
		}
	case KindMessage:
		if e.Message == nil {
			return errors.New("message envelope without message")
		}
	default:
		return errors.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.ThreadID == "" {
		return errors.New("envelope without thread id")
	}
	return nil
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// sequencer hands out increasing sequence numbers. Redis stream ids are used
// when present so that every reader of a stream agrees on the order.
type sequencer struct {
	seq atomic.Uint64
}

func (s *sequencer) next(streamID string) uint64 {
	candidate := uint64(time.Now().UnixMilli()) * 1_000_000
	if derived, ok := seqFromStreamID(streamID); ok {
		candidate = derived
	}
	for {
		current := s.seq.Load()
		next := candidate
		if next <= current {
			next = current + 1
		}
		if s.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func streamIDOf(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// seqFromStreamID turns "<ms>-<n>" into ms*1e6+n.
func seqFromStreamID(streamID string) (uint64, bool) {
	parts := strings.Split(streamID, "-")
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms*1_000_000 + n, true
}

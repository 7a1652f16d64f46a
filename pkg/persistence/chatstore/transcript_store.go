package chatstore

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

const maxTitleRunes = 80

// ThreadRecord is the listing entry of a persisted thread.
type ThreadRecord struct {
	ThreadID     string `json:"thread_id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// TranscriptStore persists the message list of a thread. SaveMessages replaces
// whatever was stored for the thread before.
type TranscriptStore interface {
	SaveMessages(ctx context.Context, threadID string, msgs []turnstream.ChatMessage) error
	LoadMessages(ctx context.Context, threadID string) ([]turnstream.ChatMessage, error)
	ListThreads(ctx context.Context, limit int) ([]ThreadRecord, error)
	Close() error
}

// titleFor uses the first user message, cut to a sane length.
func titleFor(msgs []turnstream.ChatMessage) string {
	for _, m := range msgs {
		if m.Type != turnstream.MessageTypeUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(title) > maxTitleRunes {
			r := []rune(title)
			title = string(r[:maxTitleRunes])
		}
		return title
	}
	return ""
}

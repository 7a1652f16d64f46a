package threadapi

import "github.com/go-go-golems/turnchat/pkg/turnstream"

// ThreadResponse is returned when a prompt starts (or continues) a thread.
// TurnID is the id to stream with turnstream.
type ThreadResponse struct {
	ThreadID    string `json:"threadId"`
	TurnID      string `json:"turnId"`
	Message     string `json:"message"`
	ThreadTitle string `json:"threadTitle"`
	UserID      string `json:"userId"`
}

type Turn struct {
	ID        string                   `json:"id"`
	ThreadID  string                   `json:"threadId"`
	UserID    string                   `json:"userId"`
	CreatedAt string                   `json:"createdAt"`
	UpdatedAt string                   `json:"updatedAt"`
	Messages  []turnstream.ChatMessage `json:"messages"`
}

type Thread struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Turns     []Turn `json:"turns"`
}

type initiateRequest struct {
	Prompt   string `json:"prompt"`
	ThreadID string `json:"threadId,omitempty"`
}

// Messages flattens the messages of all turns in order.
func (t Thread) Messages() []turnstream.ChatMessage {
	return FlattenTurns(t.Turns)
}

func FlattenTurns(turns []Turn) []turnstream.ChatMessage {
	out := []turnstream.ChatMessage{}
	for _, turn := range turns {
		out = append(out, turn.Messages...)
	}
	return out
}

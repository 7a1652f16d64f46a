package turnstream

import "encoding/json"

// Source is citation metadata attached to an assistant message. It is passed
// through untouched.
type Source struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Favicon     string `json:"favicon"`
}

// DeltaEvent is one incremental update of the assistant message of a turn.
// Model is empty when the frame did not carry one.
type DeltaEvent struct {
	TextDelta string   `json:"text_delta"`
	IsFirst   bool     `json:"is_first"`
	Finished  bool     `json:"finished"`
	Sources   []Source `json:"sources,omitempty"`
	Model     string   `json:"model,omitempty"`
}

// ChatMessage is a full message record, as returned by the thread endpoints and
// as sent by servers that do not stream cumulative content.
type ChatMessage struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Content      string          `json:"content"`
	Timestamp    string          `json:"timestamp"`
	Finished     bool            `json:"finished,omitempty"`
	Model        string          `json:"model,omitempty"`
	Sources      []Source        `json:"sources,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Error        string          `json:"error,omitempty"`

	// Raw is the frame the record was decoded from, including fields that
	// did not fit the typed ones. Empty for records not read off a stream.
	Raw json.RawMessage `json:"-"`
}

const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
)

// Handler receives the callbacks of a stream. All fields are optional. When
// OnChunk is nil, content frames are delivered to OnMessage instead.
//
// Callbacks of one Streamer are never invoked concurrently.
type Handler struct {
	OnMessage     func(msg ChatMessage)
	OnDone        func()
	OnChunk       func(ev DeltaEvent)
	OnStreamStart func()
}

// State is the lifecycle state of a Streamer.
type State int

const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

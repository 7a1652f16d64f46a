package turnstream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DoneSentinel marks the regular end of a turn stream.
const DoneSentinel = "[DONE]"

type FrameKind int

const (
	// FrameContent carries the cumulative assistant content seen so far.
	FrameContent FrameKind = iota
	// FrameDone is the end-of-stream sentinel.
	FrameDone
	// FrameMessage is a full message record without a content field.
	FrameMessage
)

func (k FrameKind) String() string {
	switch k {
	case FrameContent:
		return "content"
	case FrameDone:
		return "done"
	case FrameMessage:
		return "message"
	default:
		return "unknown"
	}
}

// ContentFrame is the cumulative state of the assistant message. Content always
// holds everything streamed so far, not just the new part.
type ContentFrame struct {
	Content  string
	Finished bool
	Sources  []Source
	Model    string
}

// Frame is one decoded segment of the stream.
type Frame struct {
	Kind    FrameKind
	Content ContentFrame
	Message ChatMessage
}

type wireFrame struct {
	Content  json.RawMessage `json:"content"`
	Finished json.RawMessage `json:"finished"`
	Sources  json.RawMessage `json:"sources"`
	Model    json.RawMessage `json:"model"`

	ID           json.RawMessage `json:"id"`
	Type         json.RawMessage `json:"type"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Usage        json.RawMessage `json:"usage"`
	FinishReason json.RawMessage `json:"finishReason"`
	Error        json.RawMessage `json:"error"`
}

// DecodeFrame turns a raw segment into a Frame. The boolean is false when the
// segment carries nothing usable: blank lines, malformed JSON, a bare null, or
// a content field that is not a string. Any other JSON value without a content
// field is a FrameMessage.
func DecodeFrame(segment string) (Frame, bool) {
	line := strings.TrimSpace(strings.TrimPrefix(segment, "data:"))
	if line == "" {
		return Frame{}, false
	}
	if line == DoneSentinel {
		return Frame{Kind: FrameDone}, true
	}

	raw := []byte(line)
	if !json.Valid(raw) || isJSONNull(raw) {
		return Frame{}, false
	}
	var wf wireFrame
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &wf); err != nil {
			return Frame{}, false
		}
	}
	msg := wf.message(raw)

	if wf.Content == nil {
		return Frame{Kind: FrameMessage, Message: msg}, true
	}

	var content string
	if err := json.Unmarshal(wf.Content, &content); err != nil || isJSONNull(wf.Content) {
		return Frame{}, false
	}
	cf := ContentFrame{
		Content:  content,
		Finished: msg.Finished,
		Sources:  decodeSources(wf.Sources),
		Model:    msg.Model,
	}
	// Message mirrors the record for handlers without OnChunk.
	msg.Content = cf.Content
	msg.Sources = cf.Sources

	return Frame{Kind: FrameContent, Content: cf, Message: msg}, true
}

// message decodes every field on its own so one ill-typed field does not
// lose the record.
func (wf wireFrame) message(raw []byte) ChatMessage {
	msg := ChatMessage{
		ID:           decodeID(wf.ID),
		Type:         decodeOptionalString(wf.Type),
		Content:      decodeOptionalString(wf.Content),
		Timestamp:    decodeOptionalString(wf.Timestamp),
		Finished:     decodeTruthyBool(wf.Finished),
		Model:        decodeOptionalString(wf.Model),
		FinishReason: decodeOptionalString(wf.FinishReason),
		Error:        decodeOptionalString(wf.Error),
		Raw:          append(json.RawMessage(nil), raw...),
	}
	if len(wf.Sources) > 0 && !isJSONNull(wf.Sources) {
		msg.Sources = decodeSources(wf.Sources)
	}
	if len(wf.Usage) > 0 && !isJSONNull(wf.Usage) {
		msg.Usage = append(json.RawMessage(nil), wf.Usage...)
	}
	return msg
}

// decodeID accepts numbers and numeric strings; anything else is 0.
func decodeID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id
		}
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeTruthyBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func decodeSources(raw json.RawMessage) []Source {
	if len(raw) == 0 || isJSONNull(raw) {
		return []Source{}
	}
	var sources []Source
	if err := json.Unmarshal(raw, &sources); err != nil || sources == nil {
		return []Source{}
	}
	return sources
}

func decodeOptionalString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

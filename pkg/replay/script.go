package replay

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

// Script describes what the replay server streams.
type Script struct {
	// Token, when set, must be sent as a bearer token on every /api route.
	Token string `yaml:"token,omitempty"`
	// Reply is streamed for turns created through /thread/initiate. An empty
	// reply echoes the prompt.
	Reply    string        `yaml:"reply,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Threads  []ThreadSpec  `yaml:"threads,omitempty"`
}

type ThreadSpec struct {
	ID    string     `yaml:"id"`
	Title string     `yaml:"title,omitempty"`
	Turns []TurnSpec `yaml:"turns"`
}

type TurnSpec struct {
	ID     string      `yaml:"id"`
	Prompt string      `yaml:"prompt,omitempty"`
	Frames []FrameSpec `yaml:"frames"`
	// Done sends the [DONE] sentinel after the last frame.
	Done *bool `yaml:"done,omitempty"`
	// Interval overrides the script interval for this turn.
	Interval *time.Duration `yaml:"interval,omitempty"`
}

// FrameSpec is one frame on the wire. Raw is written verbatim; Message is
// written as a full message record; otherwise the content fields are used.
type FrameSpec struct {
	Content  *string                 `yaml:"content,omitempty"`
	Finished bool                    `yaml:"finished,omitempty"`
	Model    string                  `yaml:"model,omitempty"`
	Sources  []turnstream.Source     `yaml:"sources,omitempty"`
	Raw      string                  `yaml:"raw,omitempty"`
	Message  *turnstream.ChatMessage `yaml:"message,omitempty"`
}

func LoadScript(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read script %s", path)
	}
	return ParseScript(b)
}

func ParseScript(b []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse script")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) Validate() error {
	if s.Interval < 0 {
		return errors.New("script: negative interval")
	}
	seenThreads := map[string]bool{}
	seenTurns := map[string]bool{}
	for i, th := range s.Threads {
		if strings.TrimSpace(th.ID) == "" {
			return errors.Errorf("script: thread %d has no id", i)
		}
		if seenThreads[th.ID] {
			return errors.Errorf("script: duplicate thread id %q", th.ID)
		}
		seenThreads[th.ID] = true
		for j, tu := range th.Turns {
			if strings.TrimSpace(tu.ID) == "" {
				return errors.Errorf("script: turn %d of thread %q has no id", j, th.ID)
			}
			if seenTurns[tu.ID] {
				return errors.Errorf("script: duplicate turn id %q", tu.ID)
			}
			seenTurns[tu.ID] = true
			if tu.Interval != nil && *tu.Interval < 0 {
				return errors.Errorf("script: turn %q has a negative interval", tu.ID)
			}
		}
	}
	return nil
}

// wireContent is the frame body the stream consumer expects.
type wireContent struct {
	Content  string              `json:"content"`
	Finished bool                `json:"finished"`
	Sources  []turnstream.Source `json:"sources,omitempty"`
	Model    string              `json:"model,omitempty"`
}

// Encode renders the payload that follows "data: ".
func (f FrameSpec) Encode() (string, error) {
	switch {
	case f.Raw != "":
		return f.Raw, nil
	case f.Message != nil:
		b, err := json.Marshal(f.Message)
		if err != nil {
			return "", errors.Wrap(err, "encode message frame")
		}
		return string(b), nil
	case f.Content != nil:
		b, err := json.Marshal(wireContent{Content: *f.Content, Finished: f.Finished, Sources: f.Sources, Model: f.Model})
		if err != nil {
			return "", errors.Wrap(err, "encode content frame")
		}
		return string(b), nil
	default:
		return "", errors.New("frame has neither content, message nor raw")
	}
}

// CumulativeFrames splits text into word-sized cumulative content frames. The
// last one is marked finished.
func CumulativeFrames(text, model string) []FrameSpec {
	if text == "" {
		empty := ""
		return []FrameSpec{{Content: &empty, Finished: true, Model: model}}
	}
	var frames []FrameSpec
	end := 0
	for end < len(text) {
		next := strings.IndexByte(text[end:], ' ')
		if next < 0 {
			end = len(text)
		} else {
			end += next + 1
		}
		prefix := text[:end]
		frames = append(frames, FrameSpec{Content: &prefix})
	}
	frames[len(frames)-1].Finished = true
	frames[len(frames)-1].Model = model
	return frames
}

package transcript

import (
	"sync"

	"github.com/go-go-golems/turnchat/pkg/threadapi"
	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

// State is the client-side view of threads and their messages. It is safe for
// concurrent use; every accessor returns copies.
type State struct {
	mu              sync.RWMutex
	threads         map[string]threadapi.ThreadResponse
	messages        map[string][]turnstream.ChatMessage
	currentThreadID string
	allThreads      []threadapi.Thread
}

func NewState() *State {
	return &State{
		threads:  map[string]threadapi.ThreadResponse{},
		messages: map[string][]turnstream.ChatMessage{},
	}
}

// SetThread records the thread and makes it current.
func (s *State) SetThread(t threadapi.ThreadResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ThreadID] = t
	s.currentThreadID = t.ThreadID
}

func (s *State) Thread(threadID string) (threadapi.ThreadResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	return t, ok
}

func (s *State) AddMessage(threadID string, msg turnstream.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append(s.messages[threadID], msg)
}

// ReplaceTurns replaces the thread's messages with msgs.
func (s *State) ReplaceTurns(threadID string, msgs []turnstream.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append([]turnstream.ChatMessage{}, msgs...)
}

// AppendToLastAssistant folds a delta into the most recent assistant message.
// Sources are replaced only by a non-empty list and the model only by a
// non-empty name. It reports false when the thread has no assistant message.
func (s *State) AppendToLastAssistant(threadID string, ev turnstream.DeltaEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	i := lastAssistant(msgs)
	if i < 0 {
		return false
	}
	m := &msgs[i]
	m.Content += ev.TextDelta
	if ev.Finished {
		m.Finished = true
	}
	if len(ev.Sources) > 0 {
		m.Sources = append([]turnstream.Source(nil), ev.Sources...)
	}
	if ev.Model != "" {
		m.Model = ev.Model
	}
	return true
}

// UpdateLastAssistant merges the non-zero fields of msg into the most recent
// assistant message.
func (s *State) UpdateLastAssistant(threadID string, msg turnstream.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	i := lastAssistant(msgs)
	if i < 0 {
		return false
	}
	msgs[i] = merge(msgs[i], msg)
	return true
}

func (s *State) ClearMessages(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = []turnstream.ChatMessage{}
}

func (s *State) SetCurrentThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentThreadID = threadID
}

func (s *State) CurrentThread() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentThreadID
}

func (s *State) SetAllThreads(threads []threadapi.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allThreads = append([]threadapi.Thread{}, threads...)
}

func (s *State) AddThread(t threadapi.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allThreads = append(s.allThreads, t)
}

func (s *State) AllThreads() []threadapi.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]threadapi.Thread{}, s.allThreads...)
}

func (s *State) Messages(threadID string) []turnstream.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]turnstream.ChatMessage{}, s.messages[threadID]...)
}

func (s *State) LastAssistant(threadID string) (turnstream.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	i := lastAssistant(msgs)
	if i < 0 {
		return turnstream.ChatMessage{}, false
	}
	return msgs[i], true
}

func lastAssistant(msgs []turnstream.ChatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == turnstream.MessageTypeAssistant {
			return i
		}
	}
	return -1
}

func merge(dst, src turnstream.ChatMessage) turnstream.ChatMessage {
	if src.ID != 0 {
		dst.ID = src.ID
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.Timestamp != "" {
		dst.Timestamp = src.Timestamp
	}
	if src.Finished {
		dst.Finished = true
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Sources != nil {
		dst.Sources = append([]turnstream.Source(nil), src.Sources...)
	}
	if src.Usage != nil {
		dst.Usage = src.Usage
	}
	if src.FinishReason != "" {
		dst.FinishReason = src.FinishReason
	}
	if src.Error != "" {
		dst.Error = src.Error
	}
	return dst
}

package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

// InMemoryTranscriptStore keeps transcripts in process memory. It sorts and
// limits listings the same way the SQLite store does.
type InMemoryTranscriptStore struct {
	mu      sync.Mutex
	threads map[string]*inMemThread
}

type inMemThread struct {
	record   ThreadRecord
	messages []turnstream.ChatMessage
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore() *InMemoryTranscriptStore {
	return &InMemoryTranscriptStore{threads: map[string]*inMemThread{}}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) SaveMessages(_ context.Context, threadID string, msgs []turnstream.ChatMessage) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("in-memory transcript store: threadID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = &inMemThread{
		record: ThreadRecord{
			ThreadID:     threadID,
			Title:        titleFor(msgs),
			MessageCount: len(msgs),
			UpdatedAtMs:  time.Now().UnixMilli(),
		},
		messages: cloneMessages(msgs),
	}
	return nil
}

func (s *InMemoryTranscriptStore) LoadMessages(_ context.Context, threadID string) ([]turnstream.ChatMessage, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("in-memory transcript store: threadID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return []turnstream.ChatMessage{}, nil
	}
	return cloneMessages(th.messages), nil
}

func (s *InMemoryTranscriptStore) ListThreads(_ context.Context, limit int) ([]ThreadRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	s.mu.Lock()
	out := make([]ThreadRecord, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th.record)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtMs == out[j].UpdatedAtMs {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAtMs > out[j].UpdatedAtMs
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneMessages(in []turnstream.ChatMessage) []turnstream.ChatMessage {
	out := make([]turnstream.ChatMessage, len(in))
	for i, m := range in {
		if m.Sources != nil {
			m.Sources = append([]turnstream.Source(nil), m.Sources...)
		}
		if m.Usage != nil {
			m.Usage = append([]byte(nil), m.Usage...)
		}
		out[i] = m
	}
	return out
}

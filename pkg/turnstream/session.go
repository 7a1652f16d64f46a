package turnstream

// Session tracks the content already delivered for one turn and derives delta
// events from cumulative content frames. It is owned by a single read loop.
type Session struct {
	TurnID string

	previous   string
	firstChunk bool
}

func NewSession(turnID string) *Session {
	return &Session{TurnID: turnID, firstChunk: true}
}

// Apply computes the event for a content frame. The suffix beyond the length
// already seen is the delta. Frames with no new text are still reported when
// they finish the message or carry sources.
func (s *Session) Apply(f ContentFrame) (DeltaEvent, bool) {
	delta := ""
	if len(f.Content) > len(s.previous) {
		delta = f.Content[len(s.previous):]
	}
	sources := f.Sources
	if sources == nil {
		sources = []Source{}
	}
	if delta == "" && !f.Finished && len(sources) == 0 {
		return DeltaEvent{}, false
	}

	ev := DeltaEvent{
		TextDelta: delta,
		IsFirst:   s.firstChunk,
		Finished:  f.Finished,
		Sources:   sources,
		Model:     f.Model,
	}
	if delta != "" {
		s.previous = f.Content
		s.firstChunk = false
	}
	return ev, true
}

// Done returns the terminal event emitted for the end-of-stream sentinel.
func (s *Session) Done() DeltaEvent {
	return DeltaEvent{IsFirst: s.firstChunk, Finished: true}
}

// Content is the full assistant text delivered so far.
func (s *Session) Content() string { return s.previous }

// IsFirst reports whether no text has been delivered yet.
func (s *Session) IsFirst() bool { return s.firstChunk }

// Reset forgets all delivered content.
func (s *Session) Reset() {
	s.previous = ""
	s.firstChunk = true
}

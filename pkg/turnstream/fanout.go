package turnstream

// Fanout combines handlers into one that calls each of them in order. Nil
// callbacks are skipped. OnChunk is only set when at least one handler has one,
// so content frames still reach OnMessage when nobody consumes deltas.
func Fanout(handlers ...Handler) Handler {
	var out Handler
	var starts []func()
	var chunks []func(DeltaEvent)
	var messages []func(ChatMessage)
	var dones []func()
	for _, h := range handlers {
		if h.OnStreamStart != nil {
			starts = append(starts, h.OnStreamStart)
		}
		if h.OnChunk != nil {
			chunks = append(chunks, h.OnChunk)
		}
		if h.OnMessage != nil {
			messages = append(messages, h.OnMessage)
		}
		if h.OnDone != nil {
			dones = append(dones, h.OnDone)
		}
	}
	if len(starts) > 0 {
		out.OnStreamStart = func() {
			for _, fn := range starts {
				fn()
			}
		}
	}
	if len(chunks) > 0 {
		out.OnChunk = func(ev DeltaEvent) {
			for _, fn := range chunks {
				fn(ev)
			}
		}
	}
	if len(messages) > 0 {
		out.OnMessage = func(msg ChatMessage) {
			for _, fn := range messages {
				fn(msg)
			}
		}
	}
	if len(dones) > 0 {
		out.OnDone = func() {
			for _, fn := range dones {
				fn()
			}
		}
	}
	return out
}

package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the subset of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// ConnectionPool fans frames out to the websocket clients of one thread. Each
// connection has its own buffered writer; a client that falls behind or fails
// a write is dropped without holding up the others.
type ConnectionPool struct {
	threadID string
	logger   zerolog.Logger

	mu           sync.Mutex
	conns        map[wsConn]*connWriter
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

type connWriter struct {
	conn wsConn
	ch   chan []byte
}

func NewConnectionPool(threadID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		threadID:     threadID,
		logger:       log.With().Str("component", "relay").Str("thread_id", threadID).Logger(),
		conns:        map[wsConn]*connWriter{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; ok {
		return
	}
	w := &connWriter{conn: conn, ch: make(chan []byte, cp.sendBuffer)}
	cp.conns[conn] = w
	cp.stopIdleTimerLocked()
	go cp.writeLoop(w)
}

func (cp *ConnectionPool) writeLoop(w *connWriter) {
	for data := range w.ch {
		if cp.writeTimeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			cp.logger.Warn().Err(err).Msg("ws write failed, dropping connection")
			cp.Remove(w.conn)
			return
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.dropLocked(conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, w := range cp.conns {
		cp.enqueueLocked(conn, w, data)
	}
	cp.scheduleIdleTimerLocked()
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	w, ok := cp.conns[conn]
	if !ok {
		return
	}
	cp.enqueueLocked(conn, w, data)
}

func (cp *ConnectionPool) enqueueLocked(conn wsConn, w *connWriter, data []byte) {
	select {
	case w.ch <- data:
	default:
		cp.logger.Warn().Msg("ws send buffer full, dropping connection")
		cp.dropLocked(conn)
	}
}

func (cp *ConnectionPool) dropLocked(conn wsConn) {
	w, ok := cp.conns[conn]
	if !ok {
		return
	}
	delete(cp.conns, conn)
	close(w.ch)
	_ = conn.Close()
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		cp.dropLocked(conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	if cp.idleTimer != nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

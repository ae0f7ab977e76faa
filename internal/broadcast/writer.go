package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
)

const (
	writeDeadline    = 5 * time.Second
	pingInterval     = 30 * time.Second
	defaultQueueSize = 64
)

// Conn is the write side of a listener websocket. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Listener is one downstream connection registered with the Hub.
type Listener struct {
	ID     uuid.UUID
	open   atomic.Bool
	writer *listenerWriter
}

func newListener(conn Conn, clock clockwork.Clock, m *metrics.BroadcastMetrics, queueSize int) *Listener {
	l := &Listener{ID: uuid.New()}
	l.open.Store(true)
	l.writer = newListenerWriter(l, conn, clock, m, queueSize)
	return l
}

// MarkClosed flags the listener so broadcasts skip it. Called by the
// connection's read loop once the peer is gone.
func (l *Listener) MarkClosed() {
	l.open.Store(false)
}

func (l *Listener) Open() bool {
	return l.open.Load()
}

type listenerWriter struct {
	listener    *Listener
	connection  Conn
	clock       clockwork.Clock
	metrics     *metrics.BroadcastMetrics
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newListenerWriter(l *Listener, connection Conn, clock clockwork.Clock, m *metrics.BroadcastMetrics, queueSize int) *listenerWriter {
	w := &listenerWriter{
		listener:    l,
		connection:  connection,
		clock:       clock,
		metrics:     m,
		sendChannel: make(chan []byte, queueSize),
		doneChannel: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// enqueue never blocks; false means the queue was full.
func (w *listenerWriter) enqueue(data []byte) bool {
	select {
	case w.sendChannel <- data:
		return true
	default:
		return false
	}
}

func (w *listenerWriter) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.sendChannel:
			start := w.clock.Now()
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.listener.MarkClosed()
				return
			}
			w.metrics.WriteDuration.Observe(w.clock.Since(start).Seconds())
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.metrics.PingFailures.Inc()
				w.listener.MarkClosed()
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

func (w *listenerWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		_ = w.connection.Close()
	})
	w.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (w *listenerWriter) stopGraceful(reason string) {
	w.stopOnce.Do(func() {
		close(w.doneChannel)

		// no concurrent writes: the run goroutine must be gone first.
		// A writer stuck on a dead peer gets its socket closed instead.
		if !w.waitForRun(writeDeadline) {
			_ = w.connection.Close()
			w.wg.Wait()
			return
		}

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		w.updateWriteDeadline()
		_ = w.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.connection.Close()
	})
}

func (w *listenerWriter) updateWriteDeadline() {
	_ = w.connection.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *listenerWriter) waitForRun(d time.Duration) bool {
	exited := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(exited)
	}()

	timer := w.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-exited:
		return true
	case <-timer.Chan():
		return false
	}
}

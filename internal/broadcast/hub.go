package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/domain"
)

const (
	commandTimeout = 5 * time.Second  // Actor command timeout
	stopTimeout    = 10 * time.Second // Graceful shutdown timeout
	cmdBufferSize  = 256
)

// ErrHubStopped is returned by commands issued after Stop.
var ErrHubStopped = errors.New("broadcast hub stopped")

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type addCmd struct {
	baseHubCmd
	listener *Listener
	reply    chan struct{}
}

type removeCmd struct {
	baseHubCmd
	listener *Listener
}

type broadcastCmd struct {
	baseHubCmd
	data []byte
}

type countCmd struct {
	baseHubCmd
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the set of listener connections.
type Hub struct {
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	listeners   map[uuid.UUID]*Listener
	metrics     *metrics.BroadcastMetrics
	done        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
	queueSize   int
}

var _ domain.Broadcaster = (*Hub)(nil)

// NewHub starts the hub actor. queueSize bounds each listener's pending
// messages; anything beyond it is dropped for that listener.
func NewHub(clock clockwork.Clock, m *metrics.BroadcastMetrics, queueSize int) *Hub {
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	h := &Hub{
		cmdCh:       make(chan hubCmd, cmdBufferSize),
		clock:       clock,
		listeners:   make(map[uuid.UUID]*Listener),
		metrics:     m,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		stopTimeout: stopTimeout,
		queueSize:   queueSize,
	}
	go h.run()
	return h
}

// AddListener registers conn and starts its writer. The returned Listener
// is open until its read loop calls MarkClosed or the hub removes it.
func (h *Hub) AddListener(conn Conn) (*Listener, error) {
	l := newListener(conn, h.clock, h.metrics, h.queueSize)
	reply := make(chan struct{}, 1)
	if err := h.send(addCmd{listener: l, reply: reply}); err != nil {
		l.writer.stop()
		return nil, err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-reply:
		return l, nil
	case <-h.done:
		l.writer.stop()
		return nil, ErrHubStopped
	case <-timer.Chan():
		return nil, fmt.Errorf("add listener command timed out after %v", commandTimeout)
	}
}

// RemoveListener stops the listener's writer and forgets it.
func (h *Hub) RemoveListener(l *Listener) {
	l.MarkClosed()
	if err := h.send(removeCmd{listener: l}); err != nil {
		l.writer.stop()
	}
}

// Broadcast serializes env once and queues it for every open listener.
func (h *Hub) Broadcast(env domain.NotificationEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal notification envelope", "channel_id", env.ChannelID, "error", err)
		return
	}
	if err := h.send(broadcastCmd{data: data}); err != nil {
		slog.Warn("Dropping envelope", "channel_id", env.ChannelID, "event_type", env.EventType, "error", err)
	}
}

// ListenerCount returns the number of registered listeners, open or not.
// Returns -1 if the command times out.
func (h *Hub) ListenerCount() int {
	reply := make(chan int, 1)
	if err := h.send(countCmd{reply: reply}); err != nil {
		return -1
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-h.done:
		return -1
	case <-timer.Chan():
		slog.Warn("ListenerCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every listener with a close frame and shuts the actor down.
// Blocks until the actor has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	if err := h.send(stopCmd{}); err != nil {
		return
	}

	timeout := h.clock.NewTimer(h.stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Broadcast hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcast hub stop timeout exceeded", "timeout", h.stopTimeout)
	}
}

// send enqueues cmd unless the actor has already exited.
func (h *Hub) send(cmd hubCmd) error {
	select {
	case <-h.stopped:
		return ErrHubStopped
	default:
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("hub command queue full for %v", commandTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcast hub panic recovered", "panic", r)
			h.markStopped()
			h.closeAll("hub failure")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case addCmd:
			h.listeners[c.listener.ID] = c.listener
			h.metrics.Listeners.Set(float64(len(h.listeners)))
			slog.Debug("Listener added", "listener_id", c.listener.ID.String(), "total", len(h.listeners))
			c.reply <- struct{}{}
		case removeCmd:
			h.handleRemove(c.listener)
		case broadcastCmd:
			h.handleBroadcast(c.data)
		case countCmd:
			c.reply <- len(h.listeners)
		case stopCmd:
			h.markStopped()
			slog.Info("Broadcast hub shutting down", "listeners", len(h.listeners))
			h.closeAll("server shutting down")
			return
		default:
			slog.Warn("Broadcast hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

// markStopped makes every later command fail fast with ErrHubStopped.
func (h *Hub) markStopped() {
	h.stopOnce.Do(func() { close(h.stopped) })
}

func (h *Hub) handleRemove(l *Listener) {
	if _, ok := h.listeners[l.ID]; !ok {
		return
	}
	delete(h.listeners, l.ID)
	h.metrics.Listeners.Set(float64(len(h.listeners)))

	// stop waits for the writer; keep the actor free while it drains
	go l.writer.stop()
	slog.Debug("Listener removed", "listener_id", l.ID.String(), "remaining", len(h.listeners))
}

func (h *Hub) handleBroadcast(data []byte) {
	h.metrics.Broadcasts.Inc()
	for _, l := range h.listeners {
		if !l.Open() {
			continue
		}
		if l.writer.enqueue(data) {
			h.metrics.Deliveries.Inc()
		} else {
			h.metrics.Dropped.Inc()
			slog.Warn("Listener queue full, dropping message", "listener_id", l.ID.String())
		}
	}
}

func (h *Hub) closeAll(reason string) {
	for id, l := range h.listeners {
		l.MarkClosed()
		l.writer.stopGraceful(reason)
		delete(h.listeners, id)
	}
	h.metrics.Listeners.Set(0)
}

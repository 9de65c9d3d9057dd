package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 256
)

// Writer is the only goroutine that writes to its websocket connection.
//
// Messages passed to Send are buffered but not written until Start, which
// writes its first message synchronously. A viewer's snapshot therefore always
// precedes the live events queued while it was being built.
//
// The buffer holds messageBufferSize messages. A peer that falls further
// behind, including by that many events arriving before Start, is reported
// slow and pruned by the registry.
type Writer struct {
	id    uuid.UUID
	conn  *websocket.Conn
	clock clockwork.Clock
	send  chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	stopOnce sync.Once
}

var _ Peer = (*Writer)(nil)

func NewWriter(conn *websocket.Conn, clock clockwork.Clock) *Writer {
	w := &Writer{
		id:    uuid.New(),
		conn:  conn,
		clock: clock,
		send:  make(chan []byte, messageBufferSize),
		done:  make(chan struct{}),
	}
	w.ExtendReadDeadline()
	conn.SetPongHandler(func(string) error {
		w.ExtendReadDeadline()
		return nil
	})
	return w
}

func (w *Writer) ID() uuid.UUID { return w.id }

// Send queues msg. It never blocks: a full buffer means the peer is too slow.
func (w *Writer) Send(msg []byte) error {
	select {
	case <-w.done:
		return domain.ErrPeerClosed
	default:
	}

	select {
	case w.send <- msg:
		return nil
	default:
		return domain.ErrPeerSlow
	}
}

// Start writes first (if any) and then starts draining queued messages and
// sending pings.
func (w *Writer) Start(first []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return domain.ErrPeerClosed
	}
	if w.started {
		return errors.New("writer already started")
	}

	if first != nil {
		if err := w.write(websocket.TextMessage, first); err != nil {
			return err
		}
	}

	w.started = true
	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.send:
			if err := w.write(websocket.TextMessage, msg); err != nil {
				_ = w.conn.Close()
				return
			}
		case <-ticker.Chan():
			if err := w.write(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				_ = w.conn.Close()
				return
			}
		case <-w.done:
			return
		}
	}
}

// Socket deadlines are wall-clock times; the injected clock only drives pings.
func (w *Writer) write(messageType int, data []byte) error {
	start := time.Now()
	_ = w.conn.SetWriteDeadline(start.Add(writeDeadline))
	if err := w.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	if messageType == websocket.TextMessage {
		metrics.WebSocketMessageSendDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Close sends a normal close frame with reason and closes the connection.
func (w *Writer) Close(reason string) {
	w.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// CloseWithCode stops the writer, sends a close frame and closes the
// connection. Only the first call has an effect.
func (w *Writer) CloseWithCode(code int, reason string) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		close(w.done)
		w.wg.Wait()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		_ = w.conn.Close()
	})
}

// Done is closed once Close has been called.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// ExtendReadDeadline pushes the read deadline out by the pong window.
// Readers call it after every received message.
func (w *Writer) ExtendReadDeadline() {
	_ = w.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}

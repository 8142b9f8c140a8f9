package node

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write to a node.
	writeWait = 10 * time.Second

	// pingPeriod is the transport-level keepalive, independent of the
	// application heartbeat.
	pingPeriod = 30 * time.Second

	// maxFrameSize caps inbound frames.
	maxFrameSize = 1 << 20

	// sendBufferSize is the per-session outbound queue.
	sendBufferSize = 64
)

var errSessionClosed = errors.New("session closed")
var errSendBufferFull = errors.New("session send buffer full")

// session is one live node transport. The nodeID and location fields are set
// once at registration, before the session is installed in the manager map,
// and read-only afterwards.
type session struct {
	nodeID   string
	location string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeMsg  []byte

	log *slog.Logger
}

func newSession(conn *websocket.Conn, log *slog.Logger) *session {
	return &session{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// enqueue queues one frame for delivery. Never blocks: a full buffer means
// the node is not draining its socket and the caller should treat the write
// as failed.
func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// close shuts the session down with the given websocket close code. The
// first caller wins; the close frame is written by the write pump.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(s.done)
	})
}

// closed reports whether close has been called.
func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writePump owns all writes to the connection: queued frames, keepalive
// pings, and the final close frame.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("session write failed", "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, s.closeMsg)
			return
		}
	}
}

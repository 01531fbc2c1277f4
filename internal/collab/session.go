package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Per-client outbound buffer; slow consumers drop messages rather than
	// stalling the room.
	sendBufferSize = 256
)

// Session is the server-side state of one connected client: the binding
// between a connection, a user identity, and a document room. Lifetime is a
// single connection; a reconnect produces a fresh Session.
type Session struct {
	ClientID   string
	UserID     int64
	DocumentID int64
	Name       string
	Color      string

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	// Cursor fields and heartbeat, guarded by the room lock.
	position      uint32
	selection     *Selection
	lastHeartbeat time.Time
}

// NewSession binds a connection to a client identity. conn may be nil in
// tests; messages are then observable on Send().
func NewSession(conn *websocket.Conn, clientID string, userID, documentID int64, name, color string) *Session {
	return &Session{
		ClientID:      clientID,
		UserID:        userID,
		DocumentID:    documentID,
		Name:          name,
		Color:         color,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		closed:        make(chan struct{}),
		lastHeartbeat: time.Now(),
	}
}

// Send exposes the outbound queue for the write pump and for tests.
func (s *Session) Send() <-chan []byte { return s.send }

// enqueue queues data for delivery, dropping it if the client's buffer is
// full. The room must never block on a slow consumer.
func (s *Session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
	}
}

// Close terminates the connection. Safe to call more than once; the read
// pump observes the closed connection and runs the normal disconnect path.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Info returns the presence view of this session, cursor included. Callers
// hold the room lock.
func (s *Session) Info() MemberInfo {
	return MemberInfo{
		ClientID:  s.ClientID,
		UserID:    s.UserID,
		Name:      s.Name,
		Color:     s.Color,
		Position:  s.position,
		Selection: s.selection,
	}
}

// writePump drains the outbound queue onto the socket.
func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

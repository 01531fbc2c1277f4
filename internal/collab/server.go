package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collab-docs/syncserver/internal/auth"
	"github.com/collab-docs/syncserver/internal/config"
	"github.com/collab-docs/syncserver/internal/logger"
	"github.com/collab-docs/syncserver/internal/models"
)

// Maximum message size allowed from peer
const maxMessageSize = 512 * 1024 // 512KB

// Server accepts websocket connections and runs the per-connection message
// state machine: INIT (only join_room) -> JOINED (sync/update/cursor/ping)
// -> CLOSED.
type Server struct {
	registry *Registry
	store    Store
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewServer creates a collaboration server.
func NewServer(registry *Registry, st Store, cfg *config.Config) *Server {
	return &Server{
		registry: registry,
		store:    st,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.ClientOrigin == "" {
					return true
				}
				return r.Header.Get("Origin") == cfg.ClientOrigin
			},
		},
	}
}

// HandleWebSocket upgrades the connection and serves it until disconnect.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	go s.serve(conn)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

// RoomStats returns statistics about active rooms.
func (s *Server) RoomStats() map[string]interface{} {
	return map[string]interface{}{
		"roomCount": s.registry.RoomCount(),
	}
}

// serve is the read loop for one connection.
func (s *Server) serve(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.JoinDeadline))

	var sess *Session
	var room *Room

	defer func() {
		if sess != nil {
			s.disconnect(room, sess)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if sess == nil {
			if env.Type != MsgJoinRoom {
				// Rejecting without closing: the client may still join.
				conn.WriteMessage(websocket.TextMessage, marshal(ErrorMsg{
					Type:    MsgError,
					Message: "join_room required before " + env.Type,
					Code:    CodeNotInRoom,
				}))
				continue
			}

			joinedRoom, joined, code, msg := s.handleJoin(conn, data)
			if code != "" {
				conn.WriteMessage(websocket.TextMessage, marshal(ErrorMsg{
					Type:    MsgError,
					Message: msg,
					Code:    code,
				}))
				return
			}
			sess, room = joined, joinedRoom
			go sess.writePump()
			conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
			continue
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))

		switch env.Type {
		case MsgUpdate:
			s.handleUpdate(room, sess, data)
		case MsgSyncStep1:
			s.handleSyncStep1(room, sess, data)
		case MsgCursorUpdate:
			s.handleCursorUpdate(room, sess, data)
		case MsgOfflineReplay:
			s.handleOfflineReplay(room, sess, data)
		case MsgPing:
			room.Touch(sess.ClientID)
			sess.enqueue(marshal(PongMsg{Type: MsgPong}))
		case MsgJoinRoom:
			sess.enqueue(marshal(ErrorMsg{
				Type:    MsgError,
				Message: "already joined",
				Code:    CodeServerError,
			}))
		}
	}
}

// handleJoin runs the join pipeline: token, user, room, access, color,
// session record, admit, room_joined. A non-empty code means rejection.
func (s *Server) handleJoin(conn *websocket.Conn, data []byte) (*Room, *Session, string, string) {
	var m JoinRoomMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, CodeServerError, "malformed join_room"
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JoinDeadline)
	defer cancel()

	claims, err := auth.Verify(m.Token)
	if err != nil {
		return nil, nil, CodeAuthFailed, "missing, malformed, or expired token"
	}

	user, err := s.store.GetUserByOpenID(ctx, claims.OpenID)
	if err != nil {
		return nil, nil, CodeServerError, "failed to resolve user"
	}
	if user == nil {
		return nil, nil, CodeUserNotFound, "no user for token"
	}

	room, err := s.registry.GetOrCreate(ctx, m.DocumentID)
	if err == ErrNotFound {
		return nil, nil, CodeNotFound, fmt.Sprintf("document %d does not exist", m.DocumentID)
	}
	if err != nil {
		logger.Error("get/create room %d: %v", m.DocumentID, err)
		return nil, nil, CodeServerError, "failed to open room"
	}

	// The owner always passes; everyone else needs a grant.
	if room.OwnerID != user.ID {
		grant, err := s.store.CheckDocumentAccess(ctx, m.DocumentID, user.ID)
		if err != nil {
			return nil, nil, CodeServerError, "failed to check access"
		}
		if grant == nil {
			return nil, nil, CodeAccessDenied, "no access to this document"
		}
	}

	clientID := m.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%d-%d-%s", user.ID, time.Now().UnixMilli(), uuid.New().String()[:8])
	}

	sess := NewSession(conn, clientID, user.ID, m.DocumentID, user.Name, nextColor())

	if err := s.store.CreateSession(ctx, m.DocumentID, user.ID, clientID, sess.Color); err != nil {
		// The in-memory session is authoritative; the record is best-effort.
		logger.Warn("failed to persist session %s: %v", clientID, err)
	}

	snap, ok := room.Admit(sess)
	for !ok {
		// The room was torn down between the registry fetch and admission
		// (its last member left). Re-fetch; the registry serializes teardown,
		// so the retry lands in a live room.
		room, err = s.registry.GetOrCreate(ctx, m.DocumentID)
		if err == ErrNotFound {
			return nil, nil, CodeNotFound, fmt.Sprintf("document %d does not exist", m.DocumentID)
		}
		if err != nil {
			logger.Error("get/create room %d: %v", m.DocumentID, err)
			return nil, nil, CodeServerError, "failed to open room"
		}
		snap, ok = room.Admit(sess)
	}

	sess.enqueue(marshal(RoomJoinedMsg{
		Type:        MsgRoomJoined,
		DocumentID:  m.DocumentID,
		ClientID:    clientID,
		Users:       snap.Members,
		DocState:    snap.DocState,
		LamportTime: snap.Lamport,
	}))

	return room, sess, "", ""
}

func (s *Server) handleUpdate(room *Room, sess *Session, data []byte) {
	var m UpdateMsg
	if err := json.Unmarshal(data, &m); err != nil || len(m.Update) == 0 {
		sess.enqueue(marshal(ErrorMsg{
			Type:    MsgError,
			Message: "invalid update payload",
			Code:    CodeUpdateFailed,
		}))
		return
	}

	if _, _, err := room.ApplyRemote(m.Update, sess.ClientID, sess.UserID); err != nil {
		// Only the sender hears about it; peers are unaffected.
		sess.enqueue(marshal(ErrorMsg{
			Type:    MsgError,
			Message: "update rejected: " + err.Error(),
			Code:    CodeUpdateFailed,
		}))
	}
}

func (s *Server) handleSyncStep1(room *Room, sess *Session, data []byte) {
	var m SyncStep1Msg
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	sess.enqueue(marshal(SyncStep2Msg{
		Type:     MsgSyncStep2,
		Update:   room.ComputeDiff(m.StateVector),
		ClientID: sess.ClientID,
	}))
}

func (s *Server) handleCursorUpdate(room *Room, sess *Session, data []byte) {
	var m CursorUpdateMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	room.UpdateCursor(sess.ClientID, m.Position, m.Selection)
}

// handleOfflineReplay drains a client's offline queue through the normal
// update path and reports recovered vs. conflicting counts. Queue ops are
// keyed by the queue's clientId, which may predate this reconnect. The
// server-side queue mirror is merged in, so entries persisted on an earlier
// replay attempt are recovered even if the client has since lost them.
func (s *Server) handleOfflineReplay(room *Room, sess *Session, data []byte) {
	var m OfflineReplayMsg
	if err := json.Unmarshal(data, &m); err != nil {
		sess.enqueue(marshal(ErrorMsg{
			Type:    MsgError,
			Message: "invalid offline_replay payload",
			Code:    CodeUpdateFailed,
		}))
		return
	}

	queueID := m.ClientID
	if queueID == "" {
		queueID = sess.ClientID
	}

	bySeq := make(map[int64][]byte)
	qctx, qcancel := context.WithTimeout(context.Background(), s.cfg.StoreWriteTimeout)
	stored, err := s.store.GetOfflineQueue(qctx, queueID, sess.DocumentID)
	qcancel()
	if err != nil {
		logger.Warn("failed to load offline queue for %s: %v", queueID, err)
	}
	for _, e := range stored {
		bySeq[e.SequenceNumber] = e.Update
	}
	// Client-sent bytes win on a sequence collision.
	for _, e := range m.Entries {
		bySeq[e.SequenceNumber] = e.Update
	}

	entries := make([]OfflineEntry, 0, len(bySeq))
	for seq, update := range bySeq {
		entries = append(entries, OfflineEntry{Update: update, SequenceNumber: seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SequenceNumber < entries[j].SequenceNumber
	})

	recovered, conflicts := 0, 0
	for _, e := range entries {
		wctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreWriteTimeout)
		if err := s.store.AddOfflineOperation(wctx, &models.OfflineOperation{
			ClientID:       queueID,
			DocumentID:     sess.DocumentID,
			Update:         e.Update,
			SequenceNumber: e.SequenceNumber,
		}); err != nil {
			logger.Debug("offline op persist for %s failed: %v", queueID, err)
		}
		cancel()

		if _, _, err := room.ApplyRemote(e.Update, sess.ClientID, sess.UserID); err != nil {
			conflicts++
		} else {
			recovered++
		}
	}

	cctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreWriteTimeout)
	if err := s.store.ClearOfflineQueue(cctx, queueID, sess.DocumentID); err != nil {
		logger.Warn("failed to clear offline queue for %s: %v", queueID, err)
	}
	cancel()

	sess.enqueue(marshal(RecoveryResultMsg{
		Type:      MsgRecoveryResult,
		Recovered: recovered,
		Conflicts: conflicts,
	}))
}

// disconnect releases everything a connection held. In-flight room work the
// client originated is unaffected. An evicted session skips the record
// delete: the clientID now belongs to its replacement.
func (s *Server) disconnect(room *Room, sess *Session) {
	if room.Leave(sess) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreWriteTimeout)
		defer cancel()
		if err := s.store.DeleteSession(ctx, sess.ClientID); err != nil {
			logger.Debug("failed to delete session %s: %v", sess.ClientID, err)
		}
	}

	sess.Close()
}

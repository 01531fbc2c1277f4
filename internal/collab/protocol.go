package collab

import "encoding/json"

// Message types exchanged over the socket. Payloads are JSON objects with a
// "type" discriminator; binary CRDT blobs ride as base64 strings.
const (
	MsgJoinRoom       = "join_room"
	MsgRoomJoined     = "room_joined"
	MsgSyncStep1      = "sync_step1"
	MsgSyncStep2      = "sync_step2"
	MsgUpdate         = "update"
	MsgCursorUpdate   = "cursor_update"
	MsgUserJoined     = "user_joined"
	MsgUserLeft       = "user_left"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgError          = "error"
	MsgOfflineReplay  = "offline_replay"
	MsgRecoveryResult = "recovery_result"
)

// Wire error codes.
const (
	CodeAuthFailed   = "AuthFailed"
	CodeUserNotFound = "UserNotFound"
	CodeNotFound     = "NotFound"
	CodeAccessDenied = "AccessDenied"
	CodeNotInRoom    = "NotInRoom"
	CodeUpdateFailed = "UpdateFailed"
	CodeServerError  = "ServerError"
)

// Envelope is the minimal shape every inbound message decodes to first.
type Envelope struct {
	Type string `json:"type"`
}

// JoinRoomMsg opens a session: token-authenticated bind to a document room.
type JoinRoomMsg struct {
	Type       string `json:"type"`
	DocumentID int64  `json:"documentId"`
	ClientID   string `json:"clientId"`
	Token      string `json:"token"`
}

// MemberInfo describes one room member in room_joined and presence events.
// Cursor fields carry the member's last known position so a joining client
// can render peers immediately.
type MemberInfo struct {
	ClientID  string     `json:"clientId"`
	UserID    int64      `json:"userId"`
	Name      string     `json:"name,omitempty"`
	Color     string     `json:"color,omitempty"`
	Position  uint32     `json:"position,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// RoomJoinedMsg initializes the joining client: full document state, the
// member list, and the room's lamport clock.
type RoomJoinedMsg struct {
	Type        string       `json:"type"`
	DocumentID  int64        `json:"documentId"`
	ClientID    string       `json:"clientId"`
	Users       []MemberInfo `json:"users"`
	DocState    []byte       `json:"docState"`
	LamportTime uint64       `json:"lamportTime"`
}

// SyncStep1Msg asks for a delta against the client's state vector.
type SyncStep1Msg struct {
	Type        string `json:"type"`
	StateVector []byte `json:"stateVector"`
	ClientID    string `json:"clientId"`
}

// SyncStep2Msg answers sync_step1 with the catching-up delta.
type SyncStep2Msg struct {
	Type     string `json:"type"`
	Update   []byte `json:"update"`
	ClientID string `json:"clientId"`
}

// UpdateMsg carries one CRDT update in either direction.
type UpdateMsg struct {
	Type        string `json:"type"`
	Update      []byte `json:"update"`
	ClientID    string `json:"clientId"`
	LamportTime uint64 `json:"lamportTime,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Selection is an optional cursor selection range.
type Selection struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// CursorUpdateMsg carries cursor position and selection; the server fills in
// userId, color, and name before re-emitting to peers.
type CursorUpdateMsg struct {
	Type      string     `json:"type"`
	ClientID  string     `json:"clientId"`
	UserID    int64      `json:"userId,omitempty"`
	Position  uint32     `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	Color     string     `json:"color,omitempty"`
	Name      string     `json:"name,omitempty"`
}

// PresenceMsg announces user_joined / user_left to peers.
type PresenceMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	UserID   int64  `json:"userId"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
}

// PingMsg / PongMsg are the protocol heartbeat.
type PingMsg struct {
	Type string `json:"type"`
}

// PongMsg acknowledges a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ErrorMsg reports a failure with a code from the error taxonomy.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// OfflineEntry is one queued update from a disconnected period.
type OfflineEntry struct {
	Update         []byte `json:"update"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// OfflineReplayMsg drains a client's offline queue after rejoin.
type OfflineReplayMsg struct {
	Type     string         `json:"type"`
	ClientID string         `json:"clientId"`
	Entries  []OfflineEntry `json:"entries"`
}

// RecoveryResultMsg reports the outcome of an offline replay.
type RecoveryResultMsg struct {
	Type      string `json:"type"`
	Recovered int    `json:"recovered"`
	Conflicts int    `json:"conflicts"`
}

func marshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

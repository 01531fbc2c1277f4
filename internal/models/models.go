package models

import (
	"time"
)

// User represents a user in the system
type User struct {
	ID        int64     `json:"id" db:"id"`
	OpenID    string    `json:"openId" db:"open_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	AvatarURL string    `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Document represents a collaborative document
type Document struct {
	ID              int64     `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	OwnerID         int64     `json:"owner_id" db:"owner_id"`
	SnapshotState   []byte    `json:"-" db:"snapshot_state"`
	SnapshotVersion int64     `json:"snapshot_version" db:"snapshot_version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`

	// Joined fields
	Owner *User  `json:"owner,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Access roles
const (
	RoleOwner = "owner"
	RoleEdit  = "edit"
	RoleView  = "view"
)

// AccessGrant represents user access to a document
type AccessGrant struct {
	DocumentID int64     `json:"document_id" db:"document_id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	Role       string    `json:"role" db:"role"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`

	// Joined fields
	User *User `json:"user,omitempty"`
}

// CanEdit returns true if the role allows editing
func (g *AccessGrant) CanEdit() bool {
	return g.Role == RoleOwner || g.Role == RoleEdit
}

// Operation is one accepted CRDT update, persisted append-only per document.
// Version is strictly increasing per document; (document, version) is unique.
type Operation struct {
	DocumentID  int64             `json:"document_id" db:"document_id"`
	ClientID    string            `json:"client_id" db:"client_id"`
	UserID      int64             `json:"user_id" db:"user_id"`
	Update      []byte            `json:"update" db:"update"`
	LamportTime uint64            `json:"lamport_time" db:"lamport_time"`
	VectorClock map[string]uint64 `json:"vector_clock" db:"vector_clock"`
	Version     int64             `json:"version" db:"version"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// SessionRecord is the persisted view of one live connection.
type SessionRecord struct {
	ClientID      string    `json:"client_id" db:"client_id"`
	DocumentID    int64     `json:"document_id" db:"document_id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	Color         string    `json:"color" db:"color"`
	CursorPos     *uint32   `json:"cursor_pos,omitempty" db:"cursor_pos"`
	SelStart      *uint32   `json:"sel_start,omitempty" db:"sel_start"`
	SelEnd        *uint32   `json:"sel_end,omitempty" db:"sel_end"`
	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`
}

// OfflineOperation is a client-queued update accumulated while disconnected,
// drained in sequence order on reconnect.
type OfflineOperation struct {
	ClientID       string `json:"client_id" db:"client_id"`
	DocumentID     int64  `json:"document_id" db:"document_id"`
	Update         []byte `json:"update" db:"update"`
	SequenceNumber int64  `json:"sequence_number" db:"sequence_number"`
}

// Cursor is the ephemeral cursor/selection state of one client.
type Cursor struct {
	ClientID  string  `json:"clientId"`
	UserID    int64   `json:"userId"`
	Position  uint32  `json:"position"`
	SelStart  *uint32 `json:"selStart,omitempty"`
	SelEnd    *uint32 `json:"selEnd,omitempty"`
	Color     string  `json:"color"`
	Name      string  `json:"name"`
}

// CreateDocumentRequest represents requests to create a document
type CreateDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

// UpdateDocumentRequest represents requests to update a document
type UpdateDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

// SetAccessRequest represents a request to grant document access
type SetAccessRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=owner edit view"`
}

// Package store provides Postgres data access for documents, users, access
// grants, the per-document operation log, live sessions, document snapshots,
// and per-client offline queues.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collab-docs/syncserver/internal/models"
)

// DB wraps the database connection pool
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	db.pool.Close()
}

// User operations

// GetUserByOpenID retrieves a user by the openId carried in a verified token.
func (db *DB) GetUserByOpenID(ctx context.Context, openID string) (*models.User, error) {
	var user models.User
	err := db.pool.QueryRow(ctx, `
		SELECT id, open_id, email, name, COALESCE(avatar_url, ''), created_at, updated_at
		FROM users WHERE open_id = $1
	`, openID).Scan(&user.ID, &user.OpenID, &user.Email, &user.Name, &user.AvatarURL, &user.CreatedAt, &user.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := db.pool.QueryRow(ctx, `
		SELECT id, open_id, email, name, COALESCE(avatar_url, ''), created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.OpenID, &user.Email, &user.Name, &user.AvatarURL, &user.CreatedAt, &user.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Document operations

// GetDocument retrieves a document with its latest snapshot marker.
func (db *DB) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var doc models.Document
	err := db.pool.QueryRow(ctx, `
		SELECT id, title, owner_id, COALESCE(snapshot_state, ''::bytea),
		       COALESCE(snapshot_version, 0), created_at, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.SnapshotState,
		&doc.SnapshotVersion, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments returns documents accessible by a user.
func (db *DB) ListDocuments(ctx context.Context, userID int64) ([]*models.Document, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT d.id, d.title, d.owner_id, COALESCE(d.snapshot_version, 0),
		       d.created_at, d.updated_at, COALESCE(da.role, 'owner')
		FROM documents d
		LEFT JOIN document_access da ON d.id = da.document_id AND da.user_id = $1
		WHERE d.owner_id = $1 OR da.user_id = $1
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		err := rows.Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.SnapshotVersion,
			&doc.CreatedAt, &doc.UpdatedAt, &doc.Role)
		if err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// CreateDocument creates a new document and its owner grant.
func (db *DB) CreateDocument(ctx context.Context, title string, ownerID int64) (*models.Document, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doc models.Document
	err = tx.QueryRow(ctx, `
		INSERT INTO documents (title, owner_id)
		VALUES ($1, $2)
		RETURNING id, title, owner_id, created_at, updated_at
	`, title, ownerID).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO document_access (document_id, user_id, role)
		VALUES ($1, $2, 'owner')
	`, doc.ID, ownerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &doc, nil
}

// UpdateDocument updates a document's title.
func (db *DB) UpdateDocument(ctx context.Context, id int64, title string) (*models.Document, error) {
	var doc models.Document
	err := db.pool.QueryRow(ctx, `
		UPDATE documents SET title = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, title, owner_id, created_at, updated_at
	`, id, title).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument deletes a document
func (db *DB) DeleteDocument(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	return err
}

// UpdateDocumentSnapshot writes a full-state checkpoint and bumps the
// snapshot version. The version only moves forward.
func (db *DB) UpdateDocumentSnapshot(ctx context.Context, id int64, state []byte, version int64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE documents
		SET snapshot_state = $2, snapshot_version = $3, updated_at = NOW()
		WHERE id = $1 AND COALESCE(snapshot_version, 0) < $3
	`, id, state, version)
	return err
}

// Access grants

// CheckDocumentAccess returns the grant for (documentId, userId), or nil.
func (db *DB) CheckDocumentAccess(ctx context.Context, documentID, userID int64) (*models.AccessGrant, error) {
	var grant models.AccessGrant
	err := db.pool.QueryRow(ctx, `
		SELECT document_id, user_id, role, created_at
		FROM document_access
		WHERE document_id = $1 AND user_id = $2
	`, documentID, userID).Scan(&grant.DocumentID, &grant.UserID, &grant.Role, &grant.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// ListAccessGrants returns all grants for a document.
func (db *DB) ListAccessGrants(ctx context.Context, documentID int64) ([]*models.AccessGrant, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT da.document_id, da.user_id, da.role, da.created_at,
		       u.id, u.open_id, u.email, u.name, COALESCE(u.avatar_url, '')
		FROM document_access da
		JOIN users u ON da.user_id = u.id
		WHERE da.document_id = $1
		ORDER BY da.created_at
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*models.AccessGrant
	for rows.Next() {
		var grant models.AccessGrant
		var user models.User
		err := rows.Scan(
			&grant.DocumentID, &grant.UserID, &grant.Role, &grant.CreatedAt,
			&user.ID, &user.OpenID, &user.Email, &user.Name, &user.AvatarURL,
		)
		if err != nil {
			return nil, err
		}
		grant.User = &user
		grants = append(grants, &grant)
	}
	return grants, nil
}

// SetAccessGrant sets a user's role for a document.
func (db *DB) SetAccessGrant(ctx context.Context, documentID, userID int64, role string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO document_access (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = $3
	`, documentID, userID, role)
	return err
}

// RemoveAccessGrant removes a non-owner grant.
func (db *DB) RemoveAccessGrant(ctx context.Context, documentID, userID int64) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM document_access
		WHERE document_id = $1 AND user_id = $2 AND role != 'owner'
	`, documentID, userID)
	return err
}

// Operation log

// AddOperation appends an accepted update to the per-document operation log.
func (db *DB) AddOperation(ctx context.Context, op *models.Operation) error {
	vc, err := json.Marshal(op.VectorClock)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO operations (document_id, client_id, user_id, update, lamport_time, vector_clock, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, op.DocumentID, op.ClientID, op.UserID, op.Update, op.LamportTime, vc, op.Version)
	return err
}

// GetOperationsSince returns operations with version > since in ascending
// version order.
func (db *DB) GetOperationsSince(ctx context.Context, documentID, since int64) ([]*models.Operation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT document_id, client_id, user_id, update, lamport_time, vector_clock, version, created_at
		FROM operations
		WHERE document_id = $1 AND version > $2
		ORDER BY version ASC
	`, documentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		var op models.Operation
		var vc []byte
		err := rows.Scan(&op.DocumentID, &op.ClientID, &op.UserID, &op.Update,
			&op.LamportTime, &vc, &op.Version, &op.CreatedAt)
		if err != nil {
			return nil, err
		}
		if vc != nil {
			json.Unmarshal(vc, &op.VectorClock)
		}
		ops = append(ops, &op)
	}
	return ops, nil
}

// Sessions

// CreateSession persists a session record for a live connection.
func (db *DB) CreateSession(ctx context.Context, documentID, userID int64, clientID, color string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO sessions (client_id, document_id, user_id, color, last_heartbeat)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (client_id) DO UPDATE
		SET document_id = $2, user_id = $3, color = $4, last_heartbeat = NOW()
	`, clientID, documentID, userID, color)
	return err
}

// DeleteSession removes a session record.
func (db *DB) DeleteSession(ctx context.Context, clientID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE client_id = $1`, clientID)
	return err
}

// UpdateSessionCursor records cursor fields and refreshes the heartbeat.
func (db *DB) UpdateSessionCursor(ctx context.Context, clientID string, position uint32, selStart, selEnd *uint32) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE sessions
		SET cursor_pos = $2, sel_start = $3, sel_end = $4, last_heartbeat = NOW()
		WHERE client_id = $1
	`, clientID, position, selStart, selEnd)
	return err
}

// ListSessions returns the persisted sessions for a document.
func (db *DB) ListSessions(ctx context.Context, documentID int64) ([]*models.SessionRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT client_id, document_id, user_id, color, cursor_pos, sel_start, sel_end, last_heartbeat
		FROM sessions
		WHERE document_id = $1
		ORDER BY last_heartbeat DESC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.SessionRecord
	for rows.Next() {
		var s models.SessionRecord
		err := rows.Scan(&s.ClientID, &s.DocumentID, &s.UserID, &s.Color,
			&s.CursorPos, &s.SelStart, &s.SelEnd, &s.LastHeartbeat)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// Offline queue

// AddOfflineOperation appends an entry to a client's offline queue.
func (db *DB) AddOfflineOperation(ctx context.Context, entry *models.OfflineOperation) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO offline_operations (client_id, document_id, update, sequence_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, document_id, sequence_number) DO NOTHING
	`, entry.ClientID, entry.DocumentID, entry.Update, entry.SequenceNumber)
	return err
}

// GetOfflineQueue returns a client's queued updates in sequence order.
func (db *DB) GetOfflineQueue(ctx context.Context, clientID string, documentID int64) ([]*models.OfflineOperation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT client_id, document_id, update, sequence_number
		FROM offline_operations
		WHERE client_id = $1 AND document_id = $2
		ORDER BY sequence_number ASC
	`, clientID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.OfflineOperation
	for rows.Next() {
		var e models.OfflineOperation
		if err := rows.Scan(&e.ClientID, &e.DocumentID, &e.Update, &e.SequenceNumber); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ClearOfflineQueue drops a client's drained queue.
func (db *DB) ClearOfflineQueue(ctx context.Context, clientID string, documentID int64) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM offline_operations
		WHERE client_id = $1 AND document_id = $2
	`, clientID, documentID)
	return err
}

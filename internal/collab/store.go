package collab

import (
	"context"

	"github.com/collab-docs/syncserver/internal/models"
)

// Store is the data-access surface the collaboration core depends on.
// *store.DB satisfies it; tests substitute an in-memory implementation.
type Store interface {
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	CheckDocumentAccess(ctx context.Context, documentID, userID int64) (*models.AccessGrant, error)
	GetUserByOpenID(ctx context.Context, openID string) (*models.User, error)

	AddOperation(ctx context.Context, op *models.Operation) error
	GetOperationsSince(ctx context.Context, documentID, since int64) ([]*models.Operation, error)
	UpdateDocumentSnapshot(ctx context.Context, id int64, state []byte, version int64) error

	CreateSession(ctx context.Context, documentID, userID int64, clientID, color string) error
	DeleteSession(ctx context.Context, clientID string) error
	UpdateSessionCursor(ctx context.Context, clientID string, position uint32, selStart, selEnd *uint32) error

	AddOfflineOperation(ctx context.Context, entry *models.OfflineOperation) error
	GetOfflineQueue(ctx context.Context, clientID string, documentID int64) ([]*models.OfflineOperation, error)
	ClearOfflineQueue(ctx context.Context, clientID string, documentID int64) error
}

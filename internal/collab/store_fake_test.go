package collab

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/collab-docs/syncserver/internal/models"
)

// fakeStore is an in-memory Store for tests. Behavior mirrors the SQL layer:
// misses return (nil, nil), operation queries come back in version order, and
// snapshot writes with a stale version are ignored.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]*models.User
	documents map[int64]*models.Document
	grants    map[int64]map[int64]*models.AccessGrant
	ops       map[int64][]*models.Operation
	sessions  map[string]*models.SessionRecord
	offline   map[string][]*models.OfflineOperation

	failAddOperation bool
	failSnapshot     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*models.User),
		documents: make(map[int64]*models.Document),
		grants:    make(map[int64]map[int64]*models.AccessGrant),
		ops:       make(map[int64][]*models.Operation),
		sessions:  make(map[string]*models.SessionRecord),
		offline:   make(map[string][]*models.OfflineOperation),
	}
}

func (f *fakeStore) addUser(u *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.OpenID] = u
}

func (f *fakeStore) addDocument(d *models.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[d.ID] = d
}

func (f *fakeStore) grant(documentID, userID int64, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[documentID] == nil {
		f.grants[documentID] = make(map[int64]*models.AccessGrant)
	}
	f.grants[documentID][userID] = &models.AccessGrant{DocumentID: documentID, UserID: userID, Role: role}
}

func (f *fakeStore) GetUserByOpenID(ctx context.Context, openID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[openID], nil
}

func (f *fakeStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeStore) CheckDocumentAccess(ctx context.Context, documentID, userID int64) (*models.AccessGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.grants[documentID][userID]; ok {
		return g, nil
	}
	return nil, nil
}

func (f *fakeStore) AddOperation(ctx context.Context, op *models.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddOperation {
		return errors.New("operation write refused")
	}
	cp := *op
	f.ops[op.DocumentID] = append(f.ops[op.DocumentID], &cp)
	return nil
}

func (f *fakeStore) GetOperationsSince(ctx context.Context, documentID, since int64) ([]*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Operation
	for _, op := range f.ops[documentID] {
		if op.Version > since {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (f *fakeStore) UpdateDocumentSnapshot(ctx context.Context, id int64, state []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSnapshot {
		return errors.New("snapshot write refused")
	}
	doc, ok := f.documents[id]
	if !ok || doc.SnapshotVersion >= version {
		return nil
	}
	doc.SnapshotState = append([]byte(nil), state...)
	doc.SnapshotVersion = version
	return nil
}

func (f *fakeStore) CreateSession(ctx context.Context, documentID, userID int64, clientID, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[clientID] = &models.SessionRecord{
		ClientID:   clientID,
		DocumentID: documentID,
		UserID:     userID,
		Color:      color,
	}
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, clientID)
	return nil
}

func (f *fakeStore) UpdateSessionCursor(ctx context.Context, clientID string, position uint32, selStart, selEnd *uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[clientID]; ok {
		s.CursorPos = &position
		s.SelStart = selStart
		s.SelEnd = selEnd
	}
	return nil
}

func (f *fakeStore) AddOfflineOperation(ctx context.Context, entry *models.OfflineOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.offline[entry.ClientID] {
		if e.DocumentID == entry.DocumentID && e.SequenceNumber == entry.SequenceNumber {
			return nil
		}
	}
	cp := *entry
	f.offline[entry.ClientID] = append(f.offline[entry.ClientID], &cp)
	return nil
}

func (f *fakeStore) GetOfflineQueue(ctx context.Context, clientID string, documentID int64) ([]*models.OfflineOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OfflineOperation
	for _, e := range f.offline[clientID] {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (f *fakeStore) ClearOfflineQueue(ctx context.Context, clientID string, documentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*models.OfflineOperation
	for _, e := range f.offline[clientID] {
		if e.DocumentID != documentID {
			kept = append(kept, e)
		}
	}
	f.offline[clientID] = kept
	return nil
}

func (f *fakeStore) opCount(documentID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops[documentID])
}

func (f *fakeStore) snapshotVersion(documentID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.documents[documentID]; ok {
		return doc.SnapshotVersion
	}
	return 0
}

func (f *fakeStore) offlineCount(clientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offline[clientID])
}

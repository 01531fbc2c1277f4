package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/collab-docs/syncserver/internal/config"
	"github.com/collab-docs/syncserver/internal/logger"
	"github.com/collab-docs/syncserver/internal/redis"
)

// ErrNotFound is returned by GetOrCreate when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Registry is the process-wide map from document ID to live room. Rooms are
// created on demand and dropped when their last member leaves.
type Registry struct {
	mu         sync.Mutex
	rooms      map[int64]*Room
	store      Store
	cfg        *config.Config
	pubsub     *redis.PubSub
	instanceID string
	ctx        context.Context
}

// NewRegistry creates an empty registry. pubsub may be nil for
// single-instance deployments.
func NewRegistry(ctx context.Context, st Store, cfg *config.Config, pubsub *redis.PubSub) *Registry {
	return &Registry{
		rooms:      make(map[int64]*Room),
		store:      st,
		cfg:        cfg,
		pubsub:     pubsub,
		instanceID: uuid.New().String(),
		ctx:        ctx,
	}
}

// GetOrCreate returns the live room for a document, loading the latest
// snapshot and replaying trailing operations when the room is cold. The lock
// is held across construction so at most one room exists per document.
func (rg *Registry) GetOrCreate(ctx context.Context, documentID int64) (*Room, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if room, exists := rg.rooms[documentID]; exists {
		return room, nil
	}

	doc, err := rg.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %d: %w", documentID, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}

	room := newRoom(rg.ctx, documentID, doc.OwnerID, rg.store, rg.cfg, rg.pubsub, rg.instanceID)

	if len(doc.SnapshotState) > 0 {
		res, err := room.doc.ApplyUpdate(doc.SnapshotState)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for document %d: %w", documentID, err)
		}
		for site, n := range res.Integrated {
			room.vectorClock[site] += n
		}
	}
	room.snapshotVersion = doc.SnapshotVersion
	room.version = doc.SnapshotVersion

	ops, err := rg.store.GetOperationsSince(ctx, documentID, doc.SnapshotVersion)
	if err != nil {
		return nil, fmt.Errorf("load operations for document %d: %w", documentID, err)
	}
	for _, op := range ops {
		res, err := room.doc.ApplyUpdate(op.Update)
		if err != nil {
			logger.Warn("skipping bad operation %d for doc %d: %v", op.Version, documentID, err)
			continue
		}
		for site, n := range res.Integrated {
			room.vectorClock[site] += n
		}
		if op.LamportTime > room.lamport {
			room.lamport = op.LamportTime
		}
		if op.Version > room.version {
			room.version = op.Version
		}
	}

	room.onEmpty = rg.roomEmptied
	room.start()
	rg.rooms[documentID] = room

	logger.Info("room %d loaded (snapshot version %d, %d trailing ops)", documentID, doc.SnapshotVersion, len(ops))
	return room, nil
}

// Get returns a live room or nil.
func (rg *Registry) Get(documentID int64) *Room {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.rooms[documentID]
}

// Drop removes a room from the registry. Callers must hold no further
// references.
func (rg *Registry) Drop(documentID int64) {
	rg.mu.Lock()
	delete(rg.rooms, documentID)
	rg.mu.Unlock()
}

// roomEmptied closes and tears down a room whose last member left. The
// emptiness recheck catches a joiner that raced in after the leave; holding
// the registry lock across the final checkpoint means a subsequent
// GetOrCreate for the same document loads only the flushed state, so
// operation versions cannot be issued twice.
func (rg *Registry) roomEmptied(room *Room) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if !room.closeIfEmpty() {
		return
	}
	room.Checkpoint(context.Background())
	delete(rg.rooms, room.DocumentID)
	room.stop()
}

// RoomCount returns the number of live rooms.
func (rg *Registry) RoomCount() int {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return len(rg.rooms)
}

// CloseAll checkpoints and tears down every live room. Called on shutdown.
func (rg *Registry) CloseAll(ctx context.Context) {
	rg.mu.Lock()
	rooms := make([]*Room, 0, len(rg.rooms))
	for _, room := range rg.rooms {
		rooms = append(rooms, room)
	}
	rg.rooms = make(map[int64]*Room)
	rg.mu.Unlock()

	for _, room := range rooms {
		room.Checkpoint(ctx)
		room.stop()
	}
}

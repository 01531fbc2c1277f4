package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/collab-docs/syncserver/internal/config"
	"github.com/collab-docs/syncserver/internal/crdt"
	"github.com/collab-docs/syncserver/internal/logger"
	"github.com/collab-docs/syncserver/internal/models"
	"github.com/collab-docs/syncserver/internal/redis"
)

// BufferedOp is one accepted update not yet covered by a checkpoint.
type BufferedOp struct {
	Update    []byte
	ClientID  string
	Timestamp time.Time
}

// AdmitResult is the snapshot package handed to a freshly admitted client.
type AdmitResult struct {
	DocState []byte
	Members  []MemberInfo
	Lamport  uint64
}

// Room holds the live state of one document: the CRDT replica, the member
// set, logical clocks, and the unpersisted-operation buffer. All mutation is
// serialized under a single lock held across apply, broadcast sequencing, and
// persistence, so every member observes updates in the order the room
// committed them. A room exists only while at least one member is present.
type Room struct {
	DocumentID int64
	OwnerID    int64

	store      Store
	cfg        *config.Config
	pubsub     *redis.PubSub
	instanceID string

	mu              sync.Mutex
	closed          bool
	doc             *crdt.Doc
	members         map[string]*Session
	lamport         uint64
	vectorClock     map[string]uint64
	pendingOps      []BufferedOp
	version         int64 // highest operation version assigned for this document
	snapshotVersion int64
	lastActivity    time.Time

	// onEmpty is invoked after the last member leaves; the registry uses it
	// to checkpoint and drop the room.
	onEmpty func(*Room)

	ctx    context.Context
	cancel context.CancelFunc
}

func newRoom(parent context.Context, documentID, ownerID int64, st Store, cfg *config.Config, pubsub *redis.PubSub, instanceID string) *Room {
	ctx, cancel := context.WithCancel(parent)
	return &Room{
		DocumentID:   documentID,
		OwnerID:      ownerID,
		store:        st,
		cfg:          cfg,
		pubsub:       pubsub,
		instanceID:   instanceID,
		doc:          crdt.NewDoc(""),
		members:      make(map[string]*Session),
		vectorClock:  make(map[string]uint64),
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// start subscribes to the cross-instance channel and launches the room's
// timer loop. Called by the registry once the room is loaded.
func (r *Room) start() {
	if r.pubsub != nil {
		r.pubsub.Subscribe(redis.DocChannel(r.DocumentID), r.handleRedisMessage)
	}
	go r.run()
}

// stop tears the room down after its final checkpoint.
func (r *Room) stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if r.pubsub != nil {
		r.pubsub.Unsubscribe(redis.DocChannel(r.DocumentID))
	}
	r.cancel()
}

// closeIfEmpty marks the room closed unless a member raced in since the last
// leave. A closed room refuses admission, so a joiner holding a stale pointer
// goes back through the registry.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

// run drives the periodic checkpoint and the stale-session sweep.
func (r *Room) run() {
	saveTicker := time.NewTicker(r.cfg.SnapshotInterval)
	defer saveTicker.Stop()

	sweepTicker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-saveTicker.C:
			r.Checkpoint(context.Background())
		case <-sweepTicker.C:
			r.sweepStale()
		}
	}
}

// Admit inserts a session into the member set and returns the snapshot
// package for client initialization. A duplicate ClientID evicts the old
// session; peers observe user_left then user_joined in that order. Admission
// to a closed room is refused; the caller must re-fetch through the registry.
func (r *Room) Admit(s *Session) (AdmitResult, bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return AdmitResult{}, false
	}

	var evicted *Session
	if old, ok := r.members[s.ClientID]; ok {
		delete(r.members, s.ClientID)
		r.broadcastLocked(marshal(PresenceMsg{
			Type:     MsgUserLeft,
			ClientID: old.ClientID,
			UserID:   old.UserID,
			Name:     old.Name,
			Color:    old.Color,
		}), s.ClientID)
		evicted = old
	}

	s.lastHeartbeat = time.Now()
	r.members[s.ClientID] = s
	r.lastActivity = time.Now()

	r.broadcastLocked(marshal(PresenceMsg{
		Type:     MsgUserJoined,
		ClientID: s.ClientID,
		UserID:   s.UserID,
		Name:     s.Name,
		Color:    s.Color,
	}), s.ClientID)

	res := AdmitResult{
		DocState: r.doc.EncodeStateAsUpdate(),
		Members:  r.memberListLocked(),
		Lamport:  r.lamport,
	}
	count := len(r.members)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}

	logger.Info("client %s joined room %d (total: %d)", s.ClientID, r.DocumentID, count)
	return res, true
}

// Leave removes a member and notifies peers, reporting whether s was still
// in the member set. A session evicted by a same-ClientID rejoin is not, so
// its late disconnect cannot remove its replacement. When the last member
// leaves, onEmpty checkpoints and drops the room.
func (r *Room) Leave(s *Session) bool {
	clientID := s.ClientID
	r.mu.Lock()
	ok := r.members[clientID] == s
	if ok {
		delete(r.members, clientID)
		r.lastActivity = time.Now()
		r.broadcastLocked(marshal(PresenceMsg{
			Type:     MsgUserLeft,
			ClientID: s.ClientID,
			UserID:   s.UserID,
			Name:     s.Name,
			Color:    s.Color,
		}), clientID)
	}
	count := len(r.members)
	r.mu.Unlock()

	if ok {
		logger.Info("client %s left room %d (total: %d)", clientID, r.DocumentID, count)
	}
	if ok && count == 0 && r.onEmpty != nil {
		r.onEmpty(r)
	}
	return ok
}

// ApplyRemote merges an update from origin, advances the logical clocks,
// buffers and persists the operation, and fans it out to every member except
// the origin. Returns the post-apply lamport time and whether the update
// carried anything new; duplicate deliveries are no-ops.
func (r *Room) ApplyRemote(update []byte, origin string, userID int64) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.doc.ApplyUpdate(update)
	if err != nil {
		return r.lamport, false, err
	}
	if !res.Changed() {
		return r.lamport, false, nil
	}

	r.lamport++
	// Count per originating site as reported by the engine, not by the
	// connection that relayed the bytes.
	for site, n := range res.Integrated {
		r.vectorClock[site] += n
	}

	now := time.Now()
	r.lastActivity = now
	r.pendingOps = append(r.pendingOps, BufferedOp{Update: update, ClientID: origin, Timestamp: now})
	r.version++

	// Best-effort persistence; the in-memory replica stays the source of
	// truth until the next successful checkpoint.
	r.persistOperationLocked(update, origin, userID)

	wire := marshal(UpdateMsg{
		Type:        MsgUpdate,
		Update:      update,
		ClientID:    origin,
		LamportTime: r.lamport,
		Timestamp:   now.UnixMilli(),
	})
	r.broadcastLocked(wire, origin)
	r.publishLocked(MsgUpdate, wire)

	if len(r.pendingOps) > r.cfg.SnapshotOpThreshold {
		r.checkpointLocked(context.Background())
	}

	return r.lamport, true, nil
}

func (r *Room) persistOperationLocked(update []byte, origin string, userID int64) {
	vc := make(map[string]uint64, len(r.vectorClock))
	for k, v := range r.vectorClock {
		vc[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreWriteTimeout)
	defer cancel()

	err := r.store.AddOperation(ctx, &models.Operation{
		DocumentID:  r.DocumentID,
		ClientID:    origin,
		UserID:      userID,
		Update:      update,
		LamportTime: r.lamport,
		VectorClock: vc,
		Version:     r.version,
	})
	if err != nil {
		logger.Warn("failed to persist operation %d for doc %d: %v", r.version, r.DocumentID, err)
	}
}

// ComputeDiff returns the delta advancing a peer with the given state vector
// to the room's current state.
func (r *Room) ComputeDiff(stateVector []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdateSince(stateVector)
}

// UpdateCursor records a member's cursor, refreshes its heartbeat, re-emits
// to peers, and writes the session record best-effort.
func (r *Room) UpdateCursor(clientID string, position uint32, selection *Selection) {
	r.mu.Lock()
	s, ok := r.members[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.position = position
	s.selection = selection
	s.lastHeartbeat = time.Now()
	r.lastActivity = time.Now()

	wire := marshal(CursorUpdateMsg{
		Type:      MsgCursorUpdate,
		ClientID:  s.ClientID,
		UserID:    s.UserID,
		Position:  position,
		Selection: selection,
		Color:     s.Color,
		Name:      s.Name,
	})
	r.broadcastLocked(wire, clientID)
	r.publishLocked(MsgCursorUpdate, wire)
	r.mu.Unlock()

	// Loss of a cursor write is not fatal.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreWriteTimeout)
		defer cancel()
		var selStart, selEnd *uint32
		if selection != nil {
			selStart, selEnd = &selection.Start, &selection.End
		}
		if err := r.store.UpdateSessionCursor(ctx, clientID, position, selStart, selEnd); err != nil {
			logger.Debug("cursor write for %s failed: %v", clientID, err)
		}
	}()
}

// Touch refreshes a member's heartbeat.
func (r *Room) Touch(clientID string) {
	r.mu.Lock()
	if s, ok := r.members[clientID]; ok {
		s.lastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// Checkpoint writes the full CRDT state as the document snapshot and clears
// the pending-operation buffer.
func (r *Room) Checkpoint(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpointLocked(ctx)
}

func (r *Room) checkpointLocked(ctx context.Context) {
	if r.version == r.snapshotVersion {
		return
	}

	state := r.doc.EncodeStateAsUpdate()
	version := r.version

	tctx, cancel := context.WithTimeout(ctx, r.cfg.StoreWriteTimeout)
	defer cancel()

	if err := r.store.UpdateDocumentSnapshot(tctx, r.DocumentID, state, version); err != nil {
		// Retried at the next checkpoint trigger.
		logger.Warn("checkpoint for doc %d at version %d failed: %v", r.DocumentID, version, err)
		return
	}

	r.snapshotVersion = version
	r.pendingOps = nil
	logger.Info("checkpointed doc %d at version %d", r.DocumentID, version)
}

// Members returns the current presence list.
func (r *Room) Members() []MemberInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberListLocked()
}

// MemberCount returns the number of connected members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Lamport returns the room's current lamport time.
func (r *Room) Lamport() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lamport
}

// VectorClock returns a copy of the room's vector clock.
func (r *Room) VectorClock() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc := make(map[string]uint64, len(r.vectorClock))
	for k, v := range r.vectorClock {
		vc[k] = v
	}
	return vc
}

// Text returns the room's current visible text.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

func (r *Room) memberListLocked() []MemberInfo {
	members := make([]MemberInfo, 0, len(r.members))
	for _, s := range r.members {
		members = append(members, s.Info())
	}
	return members
}

// broadcastLocked enqueues data on every member except skip. Enqueue order
// under the room lock is what gives all members the same update order.
func (r *Room) broadcastLocked(data []byte, skip string) {
	for id, s := range r.members {
		if id == skip {
			continue
		}
		s.enqueue(data)
	}
}

// publishLocked relays a wire message to peer instances hosting this room.
func (r *Room) publishLocked(msgType string, wire []byte) {
	if r.pubsub == nil {
		return
	}
	r.pubsub.Publish(redis.DocChannel(r.DocumentID), &redis.Message{
		Type:    msgType,
		From:    r.instanceID,
		Payload: wire,
	})
}

// handleRedisMessage merges updates relayed by peer instances and fans them
// out to local members.
func (r *Room) handleRedisMessage(channel string, payload []byte) {
	var msg redis.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.From == r.instanceID {
		return
	}

	switch msg.Type {
	case MsgUpdate:
		var u UpdateMsg
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			return
		}
		r.mu.Lock()
		res, err := r.doc.ApplyUpdate(u.Update)
		if err == nil && res.Changed() {
			if u.LamportTime > r.lamport {
				r.lamport = u.LamportTime
			}
			for site, n := range res.Integrated {
				r.vectorClock[site] += n
			}
			r.broadcastLocked(msg.Payload, "")
		}
		r.mu.Unlock()
	case MsgCursorUpdate:
		r.mu.Lock()
		r.broadcastLocked(msg.Payload, "")
		r.mu.Unlock()
	}
}

// sweepStale closes sessions whose heartbeat exceeded the cutoff. The
// closed connection drives the normal disconnect path.
func (r *Room) sweepStale() {
	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.Lock()
	var stale []*Session
	for _, s := range r.members {
		if s.lastHeartbeat.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		logger.Warn("closing stale session %s in room %d", s.ClientID, r.DocumentID)
		s.Close()
		r.Leave(s)
	}
}

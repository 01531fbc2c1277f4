package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collab-docs/syncserver/internal/config"
	"github.com/collab-docs/syncserver/internal/crdt"
	"github.com/collab-docs/syncserver/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		SnapshotOpThreshold: 3,
		SnapshotInterval:    time.Hour,
		HeartbeatInterval:   time.Hour,
		HeartbeatTimeout:    time.Hour,
		JoinDeadline:        10 * time.Second,
		StoreWriteTimeout:   time.Second,
	}
}

func testRoom(t *testing.T, st *fakeStore) *Room {
	t.Helper()
	r := newRoom(context.Background(), 1, 10, st, testConfig(), nil, "test-instance")
	t.Cleanup(r.stop)
	return r
}

func member(clientID string, userID int64) *Session {
	return NewSession(nil, clientID, userID, 1, "user-"+clientID, nextColor())
}

// drain collects everything currently queued for a session.
func drain(s *Session) [][]byte {
	var out [][]byte
	for {
		select {
		case m := <-s.Send():
			out = append(out, m)
		default:
			return out
		}
	}
}

func msgType(t *testing.T, data []byte) string {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type
}

func TestApplyRemoteAdvancesClocks(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	alice := crdt.NewDoc("alice")
	u1 := alice.InsertText(0, "hi")
	u2 := alice.InsertText(2, "!")

	lt, applied, err := room.ApplyRemote(u1, "c-alice", 10)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), lt)

	lt, applied, err = room.ApplyRemote(u2, "c-alice", 10)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(2), lt)

	assert.Equal(t, "hi!", room.Text())
	assert.Equal(t, uint64(3), room.VectorClock()["alice"])
	assert.Equal(t, 2, st.opCount(1))
}

func TestApplyRemoteDuplicateIsNoOp(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	peer := member("c-peer", 20)
	room.Admit(peer)
	drain(peer)

	u := crdt.NewDoc("alice").InsertText(0, "x")
	_, applied, err := room.ApplyRemote(u, "c-alice", 10)
	require.NoError(t, err)
	require.True(t, applied)
	drain(peer)

	before := room.Lamport()
	_, applied, err = room.ApplyRemote(u, "c-alice", 10)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, before, room.Lamport())
	assert.Equal(t, uint64(1), room.VectorClock()["alice"])
	assert.Equal(t, 1, st.opCount(1), "duplicate must not be persisted")
	assert.Empty(t, drain(peer), "duplicate must not be broadcast")
}

func TestApplyRemoteRejectsEmptyUpdate(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	_, applied, err := room.ApplyRemote(nil, "c-alice", 10)
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint64(0), room.Lamport())
}

func TestBroadcastExcludesOriginAndPreservesOrder(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	alice := member("c-alice", 10)
	bob := member("c-bob", 20)
	room.Admit(alice)
	room.Admit(bob)
	drain(alice)
	drain(bob)

	src := crdt.NewDoc("alice")
	for _, text := range []string{"a", "b", "c"} {
		u := src.InsertText(src.Len(), text)
		_, _, err := room.ApplyRemote(u, "c-alice", 10)
		require.NoError(t, err)
	}

	assert.Empty(t, drain(alice), "origin must not receive its own update")

	got := drain(bob)
	require.Len(t, got, 3)
	var last uint64
	for _, raw := range got {
		var m UpdateMsg
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, MsgUpdate, m.Type)
		assert.Equal(t, "c-alice", m.ClientID)
		assert.Greater(t, m.LamportTime, last, "members see updates in commit order")
		last = m.LamportTime
	}

	// Replaying bob's received stream yields the room's text.
	replica := crdt.NewDoc("bob")
	for _, raw := range got {
		var m UpdateMsg
		require.NoError(t, json.Unmarshal(raw, &m))
		_, err := replica.ApplyUpdate(m.Update)
		require.NoError(t, err)
	}
	assert.Equal(t, room.Text(), replica.Text())
}

func TestCheckpointOnThreshold(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	src := crdt.NewDoc("alice")
	for i := 0; i < 4; i++ {
		u := src.InsertText(src.Len(), "x")
		_, _, err := room.ApplyRemote(u, "c-alice", 10)
		require.NoError(t, err)
	}

	// Threshold is 3, so the 4th accepted op crossed it.
	assert.Equal(t, int64(4), st.snapshotVersion(1))

	room.mu.Lock()
	pending := len(room.pendingOps)
	room.mu.Unlock()
	assert.Zero(t, pending)
}

func TestCheckpointSkipsWhenClean(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	room.Checkpoint(context.Background())
	assert.Equal(t, int64(0), st.snapshotVersion(1))

	u := crdt.NewDoc("alice").InsertText(0, "x")
	_, _, err := room.ApplyRemote(u, "c-alice", 10)
	require.NoError(t, err)

	room.Checkpoint(context.Background())
	assert.Equal(t, int64(1), st.snapshotVersion(1))
}

func TestCheckpointFailureKeepsBuffer(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	u := crdt.NewDoc("alice").InsertText(0, "x")
	_, _, err := room.ApplyRemote(u, "c-alice", 10)
	require.NoError(t, err)

	st.failSnapshot = true
	room.Checkpoint(context.Background())
	room.mu.Lock()
	pending := len(room.pendingOps)
	room.mu.Unlock()
	assert.Equal(t, 1, pending, "failed checkpoint must not clear the buffer")

	st.failSnapshot = false
	room.Checkpoint(context.Background())
	assert.Equal(t, int64(1), st.snapshotVersion(1))
}

func TestStoreFailureDoesNotBlockBroadcast(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	st.failAddOperation = true
	room := testRoom(t, st)

	bob := member("c-bob", 20)
	room.Admit(bob)
	drain(bob)

	u := crdt.NewDoc("alice").InsertText(0, "x")
	_, applied, err := room.ApplyRemote(u, "c-alice", 10)
	require.NoError(t, err)
	assert.True(t, applied)

	got := drain(bob)
	require.Len(t, got, 1)
	assert.Equal(t, MsgUpdate, msgType(t, got[0]))
}

func TestAdmitDuplicateClientIDEvictsOldSession(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	old := member("c-alice", 10)
	peer := member("c-bob", 20)
	room.Admit(old)
	room.Admit(peer)
	drain(peer)

	replacement := member("c-alice", 10)
	room.Admit(replacement)

	got := drain(peer)
	require.Len(t, got, 2)
	assert.Equal(t, MsgUserLeft, msgType(t, got[0]))
	assert.Equal(t, MsgUserJoined, msgType(t, got[1]))

	select {
	case <-old.closed:
	default:
		t.Fatal("evicted session was not closed")
	}

	// The evicted session's late disconnect must not remove the replacement.
	assert.False(t, room.Leave(old))
	assert.Equal(t, 2, room.MemberCount())
}

func TestLeaveLastMemberTriggersOnEmpty(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	var emptied bool
	room.onEmpty = func(*Room) { emptied = true }

	alice := member("c-alice", 10)
	bob := member("c-bob", 20)
	room.Admit(alice)
	room.Admit(bob)

	assert.True(t, room.Leave(alice))
	assert.False(t, emptied)
	assert.True(t, room.Leave(bob))
	assert.True(t, emptied)

	assert.False(t, room.Leave(alice), "a second leave is a no-op")
}

func TestUpdateCursorFansOutWithIdentity(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	alice := member("c-alice", 10)
	bob := member("c-bob", 20)
	room.Admit(alice)
	room.Admit(bob)
	drain(alice)
	drain(bob)

	room.UpdateCursor("c-alice", 5, &Selection{Start: 2, End: 5})

	assert.Empty(t, drain(alice))
	got := drain(bob)
	require.Len(t, got, 1)

	var m CursorUpdateMsg
	require.NoError(t, json.Unmarshal(got[0], &m))
	assert.Equal(t, MsgCursorUpdate, m.Type)
	assert.Equal(t, "c-alice", m.ClientID)
	assert.Equal(t, int64(10), m.UserID)
	assert.Equal(t, uint32(5), m.Position)
	require.NotNil(t, m.Selection)
	assert.Equal(t, uint32(2), m.Selection.Start)
	assert.Equal(t, alice.Color, m.Color)
	assert.Equal(t, alice.Name, m.Name)
}

func TestComputeDiffBringsStalePeerCurrent(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	src := crdt.NewDoc("alice")
	u1 := src.InsertText(0, "hello")
	_, _, err := room.ApplyRemote(u1, "c-alice", 10)
	require.NoError(t, err)

	// Stale replica has only the first update.
	replica := crdt.NewDoc("bob")
	_, err = replica.ApplyUpdate(u1)
	require.NoError(t, err)

	u2 := src.InsertText(5, " world")
	_, _, err = room.ApplyRemote(u2, "c-alice", 10)
	require.NoError(t, err)

	diff := room.ComputeDiff(replica.EncodeStateVector())
	_, err = replica.ApplyUpdate(diff)
	require.NoError(t, err)
	assert.Equal(t, "hello world", replica.Text())
}

func TestSweepStaleRemovesDeadSessions(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	room := testRoom(t, st)

	alice := member("c-alice", 10)
	bob := member("c-bob", 20)
	room.Admit(alice)
	room.Admit(bob)

	room.mu.Lock()
	alice.lastHeartbeat = time.Now().Add(-2 * room.cfg.HeartbeatTimeout)
	room.mu.Unlock()

	room.sweepStale()

	assert.Equal(t, 1, room.MemberCount())
	select {
	case <-alice.closed:
	default:
		t.Fatal("stale session was not closed")
	}
}

package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collab-docs/syncserver/internal/crdt"
	"github.com/collab-docs/syncserver/internal/models"
)

func TestGetOrCreateUnknownDocument(t *testing.T) {
	st := newFakeStore()
	rg := NewRegistry(context.Background(), st, testConfig(), nil)

	room, err := rg.GetOrCreate(context.Background(), 99)
	assert.Nil(t, room)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, rg.RoomCount())
}

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)
	defer rg.CloseAll(context.Background())

	a, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	b, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, rg.RoomCount())
}

func TestGetOrCreateConcurrent(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)
	defer rg.CloseAll(context.Background())

	const n = 16
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := rg.GetOrCreate(context.Background(), 1)
			require.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, rooms[0], rooms[i])
	}
	assert.Equal(t, 1, rg.RoomCount())
}

func TestRoomRestoresFromSnapshotAndTrailingOps(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})

	// First lifetime: accept ops, checkpoint midway, accept more, then go
	// down without a final checkpoint.
	rg1 := NewRegistry(context.Background(), st, testConfig(), nil)
	room1, err := rg1.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)

	src := crdt.NewDoc("alice")
	_, _, err = room1.ApplyRemote(src.InsertText(0, "hello"), "c-alice", 10)
	require.NoError(t, err)

	room1.Checkpoint(context.Background())
	require.Equal(t, int64(1), st.snapshotVersion(1))

	_, _, err = room1.ApplyRemote(src.InsertText(5, " world"), "c-alice", 10)
	require.NoError(t, err)

	lamportBefore := room1.Lamport()
	vcBefore := room1.VectorClock()
	textBefore := room1.Text()
	room1.stop()

	// Second lifetime: snapshot plus the unsnapshotted trailing op must
	// reproduce the full state.
	rg2 := NewRegistry(context.Background(), st, testConfig(), nil)
	defer rg2.CloseAll(context.Background())
	room2, err := rg2.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, "hello world", room2.Text())
	assert.Equal(t, textBefore, room2.Text())
	assert.Equal(t, lamportBefore, room2.Lamport())
	assert.Equal(t, vcBefore, room2.VectorClock())

	// Version continues from where the first lifetime stopped; the next
	// accepted op must not collide with a persisted one.
	_, _, err = room2.ApplyRemote(src.InsertText(11, "!"), "c-alice", 10)
	require.NoError(t, err)
	ops, err := st.GetOperationsSince(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, int64(3), ops[2].Version)
}

func TestLastLeaveCheckpointsAndDropsRoom(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)

	room, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)

	alice := member("c-alice", 10)
	room.Admit(alice)

	_, _, err = room.ApplyRemote(crdt.NewDoc("alice").InsertText(0, "bye"), "c-alice", 10)
	require.NoError(t, err)

	room.Leave(alice)

	assert.Zero(t, rg.RoomCount())
	assert.Equal(t, int64(1), st.snapshotVersion(1), "final state must be flushed before the room is dropped")

	// A later join gets a fresh room with the flushed state.
	again, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	defer rg.CloseAll(context.Background())
	assert.NotSame(t, room, again)
	assert.Equal(t, "bye", again.Text())
}

func TestJoinRacingLastLeaveLandsInLiveRoom(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)
	defer rg.CloseAll(context.Background())

	room1, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	alice := member("c-alice", 10)
	_, ok := room1.Admit(alice)
	require.True(t, ok)

	_, _, err = room1.ApplyRemote(crdt.NewDoc("alice").InsertText(0, "x"), "c-alice", 10)
	require.NoError(t, err)

	// Bob fetched the room before alice's leave tore it down.
	bobRoom, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	require.Same(t, room1, bobRoom)

	room1.Leave(alice)

	// The stale pointer refuses admission instead of stranding bob in a
	// dropped room.
	bob := member("c-bob", 20)
	_, ok = bobRoom.Admit(bob)
	assert.False(t, ok)

	room2, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	assert.NotSame(t, room1, room2)
	_, ok = room2.Admit(bob)
	require.True(t, ok)
	drain(bob)

	// A later joiner shares the same live room and traffic reaches bob.
	carolRoom, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, room2, carolRoom)
	carol := member("c-carol", 30)
	_, ok = carolRoom.Admit(carol)
	require.True(t, ok)
	drain(bob)

	_, _, err = room2.ApplyRemote(crdt.NewDoc("carol").InsertText(0, "y"), "c-carol", 30)
	require.NoError(t, err)
	assert.NotEmpty(t, drain(bob), "bob must see the new room's fan-out")

	// The reloaded room continued the version sequence; no version is
	// issued twice for the document.
	ops, err := st.GetOperationsSince(context.Background(), 1, 0)
	require.NoError(t, err)
	seen := make(map[int64]bool)
	for _, op := range ops {
		assert.False(t, seen[op.Version], "version %d assigned twice", op.Version)
		seen[op.Version] = true
	}
}

func TestRoomEmptiedAbortsWhenMemberPresent(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)
	defer rg.CloseAll(context.Background())

	room, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	alice := member("c-alice", 10)
	_, ok := room.Admit(alice)
	require.True(t, ok)

	// A teardown racing a fresh join must back off: the room stays
	// registered and keeps admitting.
	rg.roomEmptied(room)
	assert.Equal(t, 1, rg.RoomCount())
	_, ok = room.Admit(member("c-bob", 20))
	assert.True(t, ok)
}

func TestDropRemovesRoom(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)

	room, err := rg.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, rg.RoomCount())

	rg.Drop(1)
	assert.Zero(t, rg.RoomCount())
	room.stop()
}

func TestCloseAllFlushesEveryRoom(t *testing.T) {
	st := newFakeStore()
	st.addDocument(&models.Document{ID: 1, OwnerID: 10})
	st.addDocument(&models.Document{ID: 2, OwnerID: 10})
	rg := NewRegistry(context.Background(), st, testConfig(), nil)

	for _, id := range []int64{1, 2} {
		room, err := rg.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
		_, _, err = room.ApplyRemote(crdt.NewDoc("alice").InsertText(0, "x"), "c-alice", 10)
		require.NoError(t, err)
	}

	rg.CloseAll(context.Background())

	assert.Zero(t, rg.RoomCount())
	assert.Equal(t, int64(1), st.snapshotVersion(1))
	assert.Equal(t, int64(1), st.snapshotVersion(2))
}

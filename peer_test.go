package tap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_KeyForAndInsertOrMark(t *testing.T) {
	a := newSide(t, Primary, nil)
	p := a.peer
	x, y := &leaf{1}, &leaf{2}

	k, err := p.KeyFor(x)
	require.NoError(t, err)
	assert.Equal(t, Key(1), k)
	k, err = p.KeyFor(x)
	require.NoError(t, err)
	assert.Equal(t, Key(1), k)

	// KeyFor registers dirty, so the first InsertOrMark wants it sent
	needed, err := p.InsertOrMark(x)
	require.NoError(t, err)
	assert.True(t, needed)
	needed, err = p.InsertOrMark(x)
	require.NoError(t, err)
	assert.False(t, needed)

	p.Touch(x)
	needed, err = p.InsertOrMark(x)
	require.NoError(t, err)
	assert.True(t, needed)

	// InsertOrMark registers clean
	needed, err = p.InsertOrMark(y)
	require.NoError(t, err)
	assert.True(t, needed)
	assert.False(t, p.states[y].dirty)
	assert.Equal(t, Key(2), p.states[y].key)

	k, err = p.KeyFor(nil)
	require.NoError(t, err)
	assert.Equal(t, Key(0), k)

	obj, found := p.Lookup(2)
	require.True(t, found)
	assert.Same(t, y, obj)
	_, found = p.Lookup(3)
	assert.False(t, found)
	assert.Equal(t, 2, p.Len())
}

func TestPeer_RemoteKeys(t *testing.T) {
	s := newSide(t, Secondary, nil)
	x := &leaf{1}
	k, err := s.peer.KeyForRemote(x)
	require.NoError(t, err)
	assert.Equal(t, roleBit|1, k)

	obj, found := s.peer.LookupRemote(roleBit | 1)
	require.True(t, found)
	assert.Same(t, x, obj)

	obj, found = s.peer.LookupRemote(0)
	assert.True(t, found)
	assert.Nil(t, obj)
	_, found = s.peer.LookupRemote(-1)
	assert.False(t, found)

	_, err = s.peer.MustLookupRemote(77)
	assert.ErrorIs(t, err, ErrDangling)
}

func TestPeer_RejectsNonPointers(t *testing.T) {
	a := newSide(t, Primary, nil)
	_, err := a.peer.KeyFor(leaf{1})
	assert.ErrorIs(t, err, ErrNotIdentity)
	_, err = a.peer.InsertOrMark([]int{1})
	assert.ErrorIs(t, err, ErrNotIdentity)
	_, err = a.peer.Marshal(nil, 42)
	assert.ErrorIs(t, err, ErrNotIdentity)

	// notifications about values without identity are ignored
	a.peer.Touch([]int{1})
	a.peer.ObjectFreed(map[string]int{})
}

func TestPeer_KeySpaceExhaustion(t *testing.T) {
	a := newSide(t, Primary, nil)
	a.peer.nextID = maxLocalKey

	k, err := a.peer.KeyFor(&leaf{1})
	require.NoError(t, err)
	assert.Equal(t, maxLocalKey, k)

	_, err = a.peer.KeyFor(&leaf{2})
	assert.ErrorIs(t, err, ErrKeySpace)
	_, err = a.peer.Marshal(nil, &leaf{3})
	assert.ErrorIs(t, err, ErrKeySpace)
	assert.Equal(t, 1, a.peer.Len())
}

func TestPeer_ObjectFreedQueuesTombstoneOnlyForKnownKeys(t *testing.T) {
	a, b := newSides(t)
	sent, unsent := &leaf{1}, &leaf{2}
	root := &node{children: []any{sent}}
	syncTo(t, a, b, root)

	_, err := a.peer.KeyFor(unsent)
	require.NoError(t, err)

	a.peer.ObjectFreed(unsent)
	assert.Equal(t, 0, a.peer.Stats().PendingFrees)
	a.peer.ObjectFreed(sent)
	assert.Equal(t, 1, a.peer.Stats().PendingFrees)
	a.peer.ObjectFreed(sent)
	assert.Equal(t, 1, a.peer.Stats().PendingFrees)
	assert.Equal(t, 1, a.peer.Len())
}

func TestPeer_LookupOfDeadObject(t *testing.T) {
	host := newCountingHost()
	a := newSide(t, Primary, host)
	x := &leaf{1}
	k, err := a.peer.KeyFor(x)
	require.NoError(t, err)

	host.dead[x] = true
	_, found := a.peer.Lookup(k)
	assert.False(t, found)
}

func TestPeer_CloseReleasesDurableObjects(t *testing.T) {
	host := newCountingHost()
	a := newSide(t, Primary, nil)
	b := newSide(t, Secondary, host)

	leafObj := &leaf{1}
	_, got := syncTo(t, a, b, &node{children: []any{leafObj}})
	gotLeaf := got.(*node).children[0]
	assert.Equal(t, 1, host.refs[got])
	assert.Equal(t, 1, host.refs[gotLeaf])

	// objects b allocated itself are not owned by the peer
	own := &leaf{2}
	_, err := b.peer.KeyFor(own)
	require.NoError(t, err)

	b.peer.Close()
	assert.Equal(t, 0, host.refs[got])
	assert.Equal(t, 0, host.refs[gotLeaf])
	assert.Equal(t, 0, host.refs[own])
	assert.Empty(t, b.inst.Peers())
	assert.Equal(t, 0, b.peer.Stats().Objects)

	b.peer.Close()
	b.peer.Touch(gotLeaf)
	b.peer.ObjectFreed(gotLeaf)
	assert.Panics(t, func() {
		b.peer.Marshal(nil, nil)
	})
	assert.Panics(t, func() {
		b.peer.Unmarshal(nil)
	})
}

func TestPeer_Stats(t *testing.T) {
	a, b := newSides(t)
	buf, _ := syncTo(t, a, b, &node{children: []any{&leaf{1}}})

	sa, sb := a.peer.Stats(), b.peer.Stats()
	assert.Equal(t, int64(1), sa.Marshals)
	assert.Equal(t, int64(2), sa.RecordsSent)
	assert.Equal(t, int64(len(buf)), sa.BytesSent)
	assert.Equal(t, 2, sa.Objects)
	assert.Equal(t, int64(1), sb.Unmarshals)
	assert.Equal(t, int64(2), sb.RecordsReceived)
	assert.Equal(t, int64(len(buf)), sb.BytesReceived)
	assert.Equal(t, int64(2), sb.TotalRecords())

	_, err := b.peer.Unmarshal([]byte{1})
	require.Error(t, err)
	assert.Equal(t, int64(1), b.peer.Stats().FailedUnmarshals)
}

package value

import (
	"testing"

	"github.com/andreyvit/tap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeap_RefcountsAndCascade(t *testing.T) {
	h := NewHeap()
	i := h.NewInt(1)
	s := h.NewStr("s")
	l := h.NewList(i, s)
	h.Release(i)
	assert.Equal(t, 1, h.Refs(i))
	assert.Equal(t, 2, h.Refs(s))
	assert.Equal(t, 3, h.Len())

	h.Release(l)
	assert.False(t, h.Alive(l))
	assert.False(t, h.Alive(i))
	assert.True(t, h.Alive(s))
	assert.Equal(t, 0, l.Len())

	h.Release(s)
	assert.Equal(t, 0, h.Len())

	// releasing a dead object is a no-op
	h.Release(s)
	h.Release(nil)
	assert.Equal(t, 0, h.Len())
}

func TestHeap_CyclesStayAlive(t *testing.T) {
	h := NewHeap()
	l := h.NewList()
	l.Append(l)
	h.Release(l)
	assert.True(t, h.Alive(l))
}

func TestHeap_NotifiesAttachedInstances(t *testing.T) {
	h := NewHeap()
	inst := h.NewInstance(nil)
	p := h.NewPeer(inst, tap.Primary, tap.Options{})
	defer p.Close()

	l := h.NewList()
	needed, err := p.InsertOrMark(l)
	require.NoError(t, err)
	require.True(t, needed)
	needed, _ = p.InsertOrMark(l)
	require.False(t, needed)

	l.Append(h.NewNone())
	needed, _ = p.InsertOrMark(l)
	assert.True(t, needed)

	h.Release(l)
	assert.Equal(t, 0, p.Len())
}

func TestHeap_Discard(t *testing.T) {
	h := NewHeap()
	s := h.NewStr("s")
	orphan := &List{heap: h}
	orphan.replace([]any{s})
	assert.Equal(t, 2, h.Refs(s))

	h.Discard(orphan)
	assert.Equal(t, 1, h.Refs(s))
	assert.Equal(t, 0, orphan.Len())
	h.Discard(orphan)
	assert.Equal(t, 1, h.Refs(s))
}

func TestList_Mutators(t *testing.T) {
	h := NewHeap()
	a, b := h.NewInt(1), h.NewInt(2)
	l := h.NewList(a)
	l.Append(b)
	l.Set(0, b)
	assert.Equal(t, 1, h.Refs(a))
	assert.Equal(t, 3, h.Refs(b))
	assert.Equal(t, []any{b, b}, l.Items())

	l.Remove(0)
	assert.Equal(t, 2, h.Refs(b))
	assert.Equal(t, 1, l.Len())
}

func TestFunction_SetDefaults(t *testing.T) {
	h := NewHeap()
	d1 := h.NewTuple()
	fn := h.NewFunction("f", nil, nil, d1)
	assert.Equal(t, 2, h.Refs(d1))
	fn.SetDefaults(nil)
	assert.Equal(t, 1, h.Refs(d1))
	assert.Nil(t, fn.Defaults())
	assert.Nil(t, fn.Code())
	assert.Nil(t, fn.Globals())

	m := h.NewModule("m", nil)
	assert.Nil(t, m.Dict())
	h.Release(m)
	assert.False(t, h.Alive(m))
}

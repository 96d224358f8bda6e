package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/andreyvit/tap"
	"github.com/andreyvit/tap/store"
	"github.com/andreyvit/tap/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConn_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, Options{Logger: zaptest.NewLogger(t), Verbose: true})
	ctx := context.Background()
	require.NoError(t, c.WriteFrame(ctx, []byte("hello")))
	require.NoError(t, c.WriteFrame(ctx, nil))
	require.NoError(t, c.WriteFrame(ctx, []byte("world")))
	assert.Equal(t, 3*frameHeaderSize+10, buf.Len())

	for _, e := range []string{"hello", "", "world"} {
		data, err := c.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, e, string(data))
	}
	_, err := c.ReadFrame(ctx)
	require.ErrorIs(t, err, io.EOF)
	_, err = c.ReadFrame(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestConn_MalformedFrames(t *testing.T) {
	frame := func(data string) []byte {
		var buf bytes.Buffer
		require.NoError(t, New(&buf, Options{}).WriteFrame(context.Background(), []byte(data)))
		return buf.Bytes()
	}
	corrupted := frame("hello")
	corrupted[len(corrupted)-1] ^= 1

	tests := []struct {
		name  string
		input []byte
		max   int
		err   error
	}{
		{"too large", frame("hello"), 4, ErrFrameTooLarge},
		{"bad checksum", corrupted, 0, ErrCorrupted},
		{"short header", frame("hello")[:10], 0, io.ErrUnexpectedEOF},
		{"short payload", frame("hello")[:frameHeaderSize+2], 0, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(bytes.NewBuffer(tt.input), Options{MaxFrameSize: tt.max})
			_, err := c.ReadFrame(context.Background())
			require.ErrorIs(t, err, tt.err)
			_, err = c.ReadFrame(context.Background())
			require.ErrorIs(t, err, ErrBroken)
		})
	}
}

func TestConn_WriteTooLargeKeepsConnUsable(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, Options{MaxFrameSize: 4})
	require.ErrorIs(t, c.WriteFrame(context.Background(), []byte("hello")), ErrFrameTooLarge)
	require.NoError(t, c.WriteFrame(context.Background(), []byte("hi")))
	data, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestConn_ContextCancelsBlockedRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c := NewNetConn(a, Options{Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.ReadFrame(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = c.ReadFrame(context.Background())
	require.ErrorIs(t, err, ErrBroken)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	require.ErrorIs(t, c.WriteFrame(cancelled, []byte("x")), context.Canceled)
}

type recording struct {
	sent, received []string
}

func (r *recording) RecordFrame(sent bool, data []byte) error {
	if sent {
		r.sent = append(r.sent, string(data))
	} else {
		r.received = append(r.received, string(data))
	}
	return nil
}

func TestConn_Recorder(t *testing.T) {
	var buf bytes.Buffer
	rec := &recording{}
	c := New(&buf, Options{Recorder: rec})
	require.NoError(t, c.WriteFrame(context.Background(), []byte("a")))
	_, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.sent)
	assert.Equal(t, []string{"a"}, rec.received)
}

type side struct {
	heap *value.Heap
	sess *Session
}

func pipeSessions(t *testing.T, o Options) (*side, *side) {
	ca, cb := net.Pipe()
	mk := func(c net.Conn, role tap.Role) *side {
		h := value.NewHeap()
		p := h.NewPeer(h.NewInstance(zaptest.NewLogger(t)), role, tap.Options{})
		t.Cleanup(p.Close)
		s := NewSession(p, NewNetConn(c, o))
		t.Cleanup(func() { s.Close() })
		return &side{h, s}
	}
	return mk(ca, tap.Primary), mk(cb, tap.Secondary)
}

func exchange(t *testing.T, from, to *side, root any) any {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		errc <- from.sess.Send(context.Background(), root)
	}()
	got, err := to.sess.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return got
}

func TestSession_SyncBothWays(t *testing.T) {
	a, b := pipeSessions(t, Options{})
	h := a.heap

	gone := h.NewStr("gone")
	l := h.NewList(h.NewInt(1), gone)
	h.Release(gone)
	gl := exchange(t, a, b, l).(*value.List)
	require.Equal(t, 2, gl.Len())
	gotGone := gl.At(1)

	back := b.heap.NewList(gl, b.heap.NewStr("reply"))
	bl := exchange(t, b, a, back).(*value.List)
	assert.Same(t, l, bl.At(0))
	assert.Equal(t, "reply", bl.At(1).(*value.Str).V)

	l.Remove(1)
	got := exchange(t, a, b, l)
	assert.Same(t, gl, got)
	assert.Equal(t, 1, gl.Len())
	assert.False(t, b.heap.Alive(gotGone))

	stats := b.sess.Peer().Stats()
	assert.Equal(t, int64(1), stats.FreesReceived)
	assert.Equal(t, int64(2), stats.Unmarshals)
	assert.Equal(t, int64(1), stats.Marshals)
}

func TestSession_EndOfStream(t *testing.T) {
	a, b := pipeSessions(t, Options{})
	require.NoError(t, a.sess.Close())
	_, err := b.sess.Receive(context.Background())
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, b.sess.Err(), io.EOF)
	require.ErrorIs(t, b.sess.Send(context.Background(), b.heap.NewNone()), io.EOF)
}

func TestSession_RejectedBufferFailsSession(t *testing.T) {
	a, b := pipeSessions(t, Options{})
	errc := make(chan error, 1)
	go func() {
		errc <- a.sess.Conn().WriteFrame(context.Background(), []byte{1, 2, 3})
	}()
	_, err := b.sess.Receive(context.Background())
	require.NoError(t, <-errc)
	require.ErrorIs(t, err, tap.ErrProtocol)
	require.ErrorIs(t, b.sess.Err(), tap.ErrProtocol)
	_, err = b.sess.Receive(context.Background())
	require.ErrorIs(t, err, tap.ErrProtocol)
}

func TestSession_MarshalErrorKeepsSessionUsable(t *testing.T) {
	a, b := pipeSessions(t, Options{})
	require.ErrorIs(t, a.sess.Send(context.Background(), 42), tap.ErrNotIdentity)
	require.NoError(t, a.sess.Err())
	got := exchange(t, a, b, a.heap.NewInt(7))
	assert.Equal(t, int64(7), got.(*value.Int).V)
}

func TestSession_RecordsIntoStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "tap.db"), store.Options{NoSync: true})
	require.NoError(t, err)
	defer st.Close()

	ca, cb := net.Pipe()
	h := value.NewHeap()
	pa := h.NewPeer(h.NewInstance(zaptest.NewLogger(t)), tap.Primary, tap.Options{})
	defer pa.Close()
	sess, err := st.CreateSession(pa, "pipe")
	require.NoError(t, err)
	a := &side{h, NewSession(pa, NewNetConn(ca, Options{Recorder: st.Recorder(sess.ID)}))}
	defer a.sess.Close()

	hb := value.NewHeap()
	pb := hb.NewPeer(hb.NewInstance(zaptest.NewLogger(t)), tap.Secondary, tap.Options{})
	defer pb.Close()
	b := &side{hb, NewSession(pb, NewNetConn(cb, Options{}))}
	defer b.sess.Close()

	d := h.NewDict()
	require.NoError(t, d.Set(h.NewStr("k"), h.NewFloat(1.5)))
	exchange(t, a, b, d)

	h2 := value.NewHeap()
	replica := h2.NewPeer(h2.NewInstance(zaptest.NewLogger(t)), tap.Secondary, tap.Options{})
	defer replica.Close()
	root, n, err := st.Replay(sess.ID, store.Sent, replica)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, ok := root.(*value.Dict).GetStr("k")
	require.True(t, ok)
	assert.Equal(t, 1.5, v.(*value.Float).V)
}

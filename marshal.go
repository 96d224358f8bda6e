package tap

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type marshaler struct {
	p       *Peer
	buf     []byte
	visited map[any]struct{}
	sent    []*keyState
}

// Marshal appends a sync buffer for the graph reachable from root to buf.
// Only objects that are new or dirty are serialized; tombstones queued by
// ObjectFreed are sent first. On error buf is returned unchanged and the peer
// state is as it was before the call.
func (p *Peer) Marshal(buf []byte, root any) ([]byte, error) {
	p.ensureOpen()
	start := len(buf)
	frees := p.pendingFrees
	p.pendingFrees = nil

	m := &marshaler{
		p:       p,
		buf:     buf,
		visited: make(map[any]struct{}),
	}
	err := m.run(root, frees)
	if err != nil {
		for _, st := range m.sent {
			st.dirty = true
		}
		p.pendingFrees = append(frees, p.pendingFrees...)
		p.logger.Warn("marshal failed", zap.Error(err))
		return buf[:start], err
	}

	for _, st := range m.sent {
		st.known = true
	}
	p.stats.pendingFrees.Store(0)
	p.stats.marshals.Add(1)
	p.stats.recordsSent.Add(int64(len(m.sent)))
	p.stats.freesSent.Add(int64(len(frees)))
	p.stats.bytesSent.Add(int64(len(m.buf) - start))
	if p.verbose {
		p.logger.Debug("marshaled", zap.Int("records", len(m.sent)), zap.Int("frees", len(frees)), zap.Int("bytes", len(m.buf)-start))
	}
	return m.buf, nil
}

func (m *marshaler) run(root any, frees []Key) error {
	p := m.p
	if len(frees) > 0 {
		size := sectionHeaderSize + keySize*len(frees)
		if size > math.MaxInt32 {
			return errors.Errorf("free section too large: %d keys", len(frees))
		}
		off, b := grow(m.buf, size)
		putInt32(b[off:], int32(size))
		putInt32(b[off+4:], int32(FreeSection))
		for i, k := range frees {
			PutKey(b[off+sectionHeaderSize+i*keySize:], p.role.toRemote(k))
		}
		m.buf = b
	}

	secOff, b := grow(m.buf, sectionHeaderSize+keySize)
	m.buf = b

	if err := m.visit(root); err != nil {
		return err
	}

	size := len(m.buf) - secOff
	if size > math.MaxInt32 {
		return errors.Errorf("object section too large: %d bytes", size)
	}
	var rootKey Key
	if root != nil {
		rootKey = p.states[root].key
	}
	putInt32(m.buf[secOff:], int32(size))
	putInt32(m.buf[secOff+4:], int32(ObjectSection))
	PutKey(m.buf[secOff+sectionHeaderSize:], p.role.toRemote(rootKey))
	return nil
}

func (m *marshaler) visit(obj any) error {
	if obj == nil {
		return nil
	}
	if err := checkIdentity(obj); err != nil {
		return err
	}
	if _, seen := m.visited[obj]; seen {
		return nil
	}
	m.visited[obj] = struct{}{}

	p := m.p
	c := p.registry.ForObject(obj)
	needed, err := p.InsertOrMark(obj)
	if err != nil {
		return err
	}
	st := p.states[obj]
	if needed {
		m.sent = append(m.sent, st)
		if err := m.write(c, obj, st.key); err != nil {
			return err
		}
	}
	return c.Traverse(obj, m.visit)
}

func (m *marshaler) write(c Codec, obj any, k Key) error {
	p := m.p
	size, err := c.MarshaledSize(obj)
	if err != nil {
		return recordErrf(false, c, c.TypeID(), k, err, "size")
	}
	if size < 0 || size > math.MaxInt32-recordHeaderSize {
		return recordErrf(false, c, c.TypeID(), k, nil, "invalid payload size %d", size)
	}
	off, b := grow(m.buf, recordHeaderSize+size)
	m.buf = b
	putInt32(b[off:], int32(recordHeaderSize+size))
	putInt32(b[off+4:], int32(c.TypeID()))
	PutKey(b[off+8:], p.role.toRemote(k))
	if err := c.Marshal(obj, b[off+recordHeaderSize:off+recordHeaderSize+size], p); err != nil {
		return recordErrf(false, c, c.TypeID(), k, err, "marshal")
	}
	if p.verbose {
		p.logger.Debug("record out", zap.String("codec", c.Name()), zap.Stringer("key", k), zap.Int("size", size))
	}
	return nil
}

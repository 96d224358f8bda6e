package tap

import (
	"go.uber.org/zap"
)

type unmarshalEntry struct {
	rec      Record
	codec    Codec
	key      Key
	obj      any
	state    *keyState
	created  bool
	wasDirty bool
}

type unmarshaler struct {
	p       *Peer
	data    []byte
	entries []unmarshalEntry
	updates []func()
}

// Unmarshal applies a sync buffer produced by the remote side's Marshal and
// returns the root object. A buffer with only tombstones returns nil.
//
// Every record is decoded and checked before any existing object is
// modified. If decoding fails, newly created objects are dropped, dirty flags
// are restored and previously established objects keep their contents.
func (p *Peer) Unmarshal(data []byte) (any, error) {
	p.ensureOpen()
	root, err := p.unmarshal(data)
	if err != nil {
		p.stats.failedUnmarshals.Add(1)
		p.logger.Warn("unmarshal failed", zap.Error(err), zap.Int("bytes", len(data)))
		return nil, err
	}
	p.stats.unmarshals.Add(1)
	p.stats.bytesReceived.Add(int64(len(data)))
	return root, nil
}

func (p *Peer) unmarshal(data []byte) (any, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}

	u := &unmarshaler{p: p, data: data}
	root, err := u.objects(f)
	if err != nil {
		u.abort()
		return nil, err
	}
	u.finish()

	p.stats.recordsReceived.Add(int64(len(u.entries)))
	p.applyFrees(f.Frees)
	return root, nil
}

func (u *unmarshaler) objects(f *Frame) (any, error) {
	if !f.HasObjects {
		return nil, nil
	}
	if err := u.prepare(f.Records); err != nil {
		return nil, err
	}

	root, found := u.p.LookupRemote(f.Root)
	if !found {
		return nil, dataErrf(u.data, 0, ErrDangling, "root #%v", u.p.role.toRemote(f.Root))
	}

	if err := u.checkReferences(); err != nil {
		return nil, err
	}
	if err := u.fill(false); err != nil {
		return nil, err
	}
	if err := u.fill(true); err != nil {
		return nil, err
	}
	return root, nil
}

// prepare allocates new objects and claims existing ones.
func (u *unmarshaler) prepare(records []Record) error {
	p := u.p
	u.entries = make([]unmarshalEntry, 0, len(records))
	seen := make(map[Key]struct{}, len(records))
	for _, rec := range records {
		c, found := p.registry.ForID(rec.TypeID)
		if !found {
			return recordErrf(true, nil, rec.TypeID, rec.Key, ErrUnknownType, "at %d", rec.Off)
		}
		if rec.Key <= 0 {
			return recordErrf(true, c, rec.TypeID, rec.Key, nil, "invalid key at %d", rec.Off)
		}
		k := p.role.toRemote(rec.Key)
		if _, dup := seen[k]; dup {
			return recordErrf(true, c, rec.TypeID, k, ErrDuplicateKey, "at %d", rec.Off)
		}
		seen[k] = struct{}{}

		if obj, found := p.objects[k]; found {
			st := p.states[obj]
			if !p.host.Alive(obj) {
				return recordErrf(true, c, rec.TypeID, k, ErrDead, "")
			}
			if existing := p.registry.ForObject(obj); existing.TypeID() != rec.TypeID {
				return recordErrf(true, c, rec.TypeID, k, ErrTypeMismatch, "existing object is %s", existing.Name())
			}
			if _, ok := c.(Updater); !ok {
				return recordErrf(true, c, rec.TypeID, k, ErrImmutable, "")
			}
			u.entries = append(u.entries, unmarshalEntry{rec: rec, codec: c, key: k, obj: obj, state: st, wasDirty: st.dirty})
			st.dirty = false
			continue
		}

		if k.IsLocal() && k >= p.nextID {
			return recordErrf(true, c, rec.TypeID, k, nil, "key was never allocated here")
		}
		obj, err := c.UnmarshalAlloc(rec.Payload)
		if err != nil {
			return recordErrf(true, c, rec.TypeID, k, err, "alloc")
		}
		if err := checkIdentity(obj); err != nil {
			return recordErrf(false, c, rec.TypeID, k, err, "alloc")
		}
		st := &keyState{key: k, known: true, pending: true}
		if err := p.insert(obj, st); err != nil {
			return recordErrf(false, c, rec.TypeID, k, err, "alloc")
		}
		u.entries = append(u.entries, unmarshalEntry{rec: rec, codec: c, key: k, obj: obj, state: st, created: true})
		if p.verbose {
			p.logger.Debug("record in", zap.String("codec", c.Name()), zap.Stringer("key", k), zap.Int("size", len(rec.Payload)))
		}
	}
	return nil
}

func (u *unmarshaler) checkReferences() error {
	p := u.p
	for _, e := range u.entries {
		lister, ok := e.codec.(ReferenceLister)
		if !ok {
			continue
		}
		refs, err := lister.References(e.rec.Payload)
		if err != nil {
			return recordErrf(true, e.codec, e.rec.TypeID, e.key, err, "references")
		}
		for _, ref := range refs {
			if _, found := p.LookupRemote(ref); !found {
				return recordErrf(true, e.codec, e.rec.TypeID, e.key, ErrDangling, "#%v", p.role.toRemote(ref))
			}
		}
	}
	return nil
}

func (u *unmarshaler) fill(containers bool) error {
	for _, e := range u.entries {
		if e.codec.Container() != containers {
			continue
		}
		if e.created {
			if err := e.codec.UnmarshalInit(e.obj, e.rec.Payload, u.p); err != nil {
				return recordErrf(true, e.codec, e.rec.TypeID, e.key, err, "init")
			}
			continue
		}
		apply, err := e.codec.(Updater).UnmarshalUpdate(e.obj, e.rec.Payload, u.p)
		if err != nil {
			return recordErrf(true, e.codec, e.rec.TypeID, e.key, err, "update")
		}
		if apply != nil {
			u.updates = append(u.updates, apply)
		}
	}
	return nil
}

// finish installs staged updates and makes new objects durable.
func (u *unmarshaler) finish() {
	for _, apply := range u.updates {
		apply()
	}
	for _, e := range u.entries {
		if e.created {
			e.state.pending = false
			e.state.durable = true
			u.p.host.Retain(e.obj)
		}
	}
}

func (u *unmarshaler) abort() {
	for _, e := range u.entries {
		if e.created {
			u.p.remove(e.obj)
		} else {
			e.state.dirty = e.wasDirty
		}
	}
	if d, ok := u.p.host.(Discarder); ok {
		for _, e := range u.entries {
			if e.created {
				d.Discard(e.obj)
			}
		}
	}
}

func (p *Peer) applyFrees(frees []Key) {
	for _, rk := range frees {
		k := p.role.toRemote(rk)
		obj, found := p.objects[k]
		if !found {
			p.logger.Debug("tombstone for unknown key", zap.Stringer("key", k))
			continue
		}
		st := p.remove(obj)
		if st.durable {
			p.host.Release(obj)
		}
	}
	p.stats.freesReceived.Add(int64(len(frees)))
}

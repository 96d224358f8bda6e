package tap

import (
	"reflect"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Options struct {
	Logger *zap.Logger

	// Registry defaults to a registry that sends everything as opaque.
	Registry *Registry

	// Verbose logs every record written and read at debug level.
	Verbose bool
}

type keyState struct {
	key Key

	// dirty is set when the object must be sent on the next Marshal.
	dirty bool

	// durable is set when the peer holds a Host reference to the object.
	durable bool

	// known is set once the remote side has the key.
	known bool

	// pending is set while the object is being built by Unmarshal.
	pending bool
}

// Peer maps objects to keys for one remote counterpart, and remembers what
// the counterpart already knows.
//
// A Peer is not safe for concurrent use.
type Peer struct {
	id       uuid.UUID
	role     Role
	inst     *Instance
	host     Host
	registry *Registry
	logger   *zap.Logger
	verbose  bool

	states       map[any]*keyState
	objects      map[Key]any
	nextID       Key
	pendingFrees []Key
	closed       bool

	stats peerCounters
}

func (p *Peer) ID() uuid.UUID {
	return p.id
}

func (p *Peer) Role() Role {
	return p.role
}

func (p *Peer) Registry() *Registry {
	return p.registry
}

func (p *Peer) Logger() *zap.Logger {
	return p.logger
}

// Len returns the number of objects the peer tracks.
func (p *Peer) Len() int {
	return len(p.objects)
}

func (p *Peer) ensureOpen() {
	if p.closed {
		panic("tap: use of closed Peer")
	}
}

func checkIdentity(obj any) error {
	if obj == nil || reflect.TypeOf(obj).Kind() != reflect.Pointer {
		return errors.Wrapf(ErrNotIdentity, "%T", obj)
	}
	return nil
}

func (p *Peer) allocKey() (Key, error) {
	if p.nextID > maxLocalKey {
		return 0, ErrKeySpace
	}
	k := p.nextID
	p.nextID++
	return k, nil
}

// insert adds obj to both maps in one step.
func (p *Peer) insert(obj any, st *keyState) error {
	if _, found := p.states[obj]; found {
		return errors.Wrapf(ErrCollision, "%T for #%v", obj, st.key)
	}
	if prev, found := p.objects[st.key]; found {
		return errors.Errorf("key #%v already maps to %T", st.key, prev)
	}
	p.states[obj] = st
	p.objects[st.key] = obj
	p.stats.objects.Add(1)
	return nil
}

// remove drops obj from both maps and returns its former state.
func (p *Peer) remove(obj any) *keyState {
	st := p.states[obj]
	if st == nil {
		return nil
	}
	delete(p.states, obj)
	delete(p.objects, st.key)
	p.stats.objects.Add(-1)
	return st
}

// KeyFor returns the key of obj, registering it as dirty when it is new.
// A nil obj has key 0.
func (p *Peer) KeyFor(obj any) (Key, error) {
	p.ensureOpen()
	if obj == nil {
		return 0, nil
	}
	if err := checkIdentity(obj); err != nil {
		return 0, err
	}
	if st := p.states[obj]; st != nil {
		return st.key, nil
	}
	k, err := p.allocKey()
	if err != nil {
		return 0, err
	}
	st := &keyState{key: k, dirty: true}
	if err := p.insert(obj, st); err != nil {
		return 0, err
	}
	return k, nil
}

// KeyForRemote is KeyFor translated into the wire namespace. Codecs use it
// to write references.
func (p *Peer) KeyForRemote(obj any) (Key, error) {
	k, err := p.KeyFor(obj)
	if err != nil {
		return 0, err
	}
	return p.role.toRemote(k), nil
}

// InsertOrMark registers obj as clean, or clears its dirty flag. It returns
// true if obj must be serialized in the current pass.
func (p *Peer) InsertOrMark(obj any) (bool, error) {
	p.ensureOpen()
	if err := checkIdentity(obj); err != nil {
		return false, err
	}
	if st := p.states[obj]; st != nil {
		if st.dirty {
			st.dirty = false
			return true, nil
		}
		return false, nil
	}
	k, err := p.allocKey()
	if err != nil {
		return false, err
	}
	return true, p.insert(obj, &keyState{key: k})
}

// Lookup returns the object registered under a local key. Objects the host
// has already deallocated are reported as missing.
func (p *Peer) Lookup(k Key) (any, bool) {
	p.ensureOpen()
	obj, found := p.objects[k]
	if !found {
		return nil, false
	}
	st := p.states[obj]
	if !st.pending && !p.host.Alive(obj) {
		p.logger.Warn("lookup found dead object", zap.Stringer("key", k), zap.String("type", TypeNameOf(obj)))
		return nil, false
	}
	return obj, true
}

// LookupRemote resolves a wire key. Key 0 resolves to nil.
func (p *Peer) LookupRemote(k Key) (any, bool) {
	if k == 0 {
		return nil, true
	}
	if k < 0 {
		return nil, false
	}
	return p.Lookup(p.role.toRemote(k))
}

// MustLookupRemote is LookupRemote for codecs, turning a missing object into
// an error.
func (p *Peer) MustLookupRemote(k Key) (any, error) {
	obj, found := p.LookupRemote(k)
	if !found {
		return nil, errors.Wrapf(ErrDangling, "#%v", p.role.toRemote(k))
	}
	return obj, nil
}

// Touch marks obj for resending. Unknown objects are ignored.
func (p *Peer) Touch(obj any) {
	if p.closed || checkIdentity(obj) != nil {
		return
	}
	if st := p.states[obj]; st != nil {
		st.dirty = true
	}
}

// ObjectFreed forgets a deallocated object. If the remote side knows its key,
// a tombstone goes out with the next Marshal.
func (p *Peer) ObjectFreed(obj any) {
	if p.closed || checkIdentity(obj) != nil {
		return
	}
	st := p.remove(obj)
	if st == nil {
		return
	}
	if st.known {
		p.pendingFrees = append(p.pendingFrees, st.key)
		p.stats.pendingFrees.Store(int64(len(p.pendingFrees)))
	}
	if p.verbose {
		p.logger.Debug("object freed", zap.Stringer("key", st.key), zap.Bool("tombstone", st.known))
	}
}

// Close unregisters the peer and releases every object it holds.
func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.inst.unregister(p)
	p.closed = true

	var owned []any
	for obj, st := range p.states {
		if st.durable {
			owned = append(owned, obj)
		}
	}
	p.states = nil
	p.objects = nil
	p.pendingFrees = nil
	p.stats.objects.Store(0)
	p.stats.pendingFrees.Store(0)
	for _, obj := range owned {
		p.host.Release(obj)
	}
	p.logger.Debug("peer closed", zap.Int("released", len(owned)))
}

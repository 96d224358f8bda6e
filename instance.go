package tap

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Host is the ownership contract between tap and the runtime that owns the
// objects. Peers call Retain for every object they create while unmarshaling,
// and Release when they forget it.
type Host interface {
	// Alive reports whether obj has not been deallocated yet.
	Alive(obj any) bool
	Retain(obj any)
	Release(obj any)
}

// Discarder is an optional Host extension. Discard is called for objects
// that Unmarshal allocated but then abandoned, so that references their codec
// took on other objects can be dropped. Discarded objects were never retained.
type Discarder interface {
	Discard(obj any)
}

// gcHost is used when objects live in garbage-collected memory.
type gcHost struct{}

func (gcHost) Alive(obj any) bool { return true }
func (gcHost) Retain(obj any)     {}
func (gcHost) Release(obj any)    {}

type InstanceOptions struct {
	// Host defaults to plain garbage-collected objects that are always alive.
	Host   Host
	Logger *zap.Logger
}

// Instance tracks the live peers of one host runtime, and forwards
// deallocation and mutation notifications to all of them.
type Instance struct {
	host   Host
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[*Peer]struct{}
}

func NewInstance(opt InstanceOptions) *Instance {
	if opt.Host == nil {
		opt.Host = gcHost{}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Instance{
		host:   opt.Host,
		logger: opt.Logger,
		peers:  make(map[*Peer]struct{}),
	}
}

func (inst *Instance) Host() Host {
	return inst.host
}

// NewPeer creates a Peer and registers it with the instance. The caller must
// Close it.
func (inst *Instance) NewPeer(role Role, opt Options) *Peer {
	if opt.Logger == nil {
		opt.Logger = inst.logger
	}
	if opt.Registry == nil {
		opt.Registry = defaultRegistry
	}
	id := uuid.New()
	p := &Peer{
		id:       id,
		role:     role,
		inst:     inst,
		host:     inst.host,
		registry: opt.Registry,
		logger:   opt.Logger.With(zap.Stringer("peer", id), zap.Stringer("role", role)),
		verbose:  opt.Verbose,
		states:   make(map[any]*keyState),
		objects:  make(map[Key]any),
		nextID:   1,
	}

	inst.mu.Lock()
	inst.peers[p] = struct{}{}
	inst.mu.Unlock()

	p.logger.Debug("peer opened")
	return p
}

func (inst *Instance) unregister(p *Peer) {
	inst.mu.Lock()
	delete(inst.peers, p)
	inst.mu.Unlock()
}

// Peers returns a snapshot of the registered peers.
func (inst *Instance) Peers() []*Peer {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	result := make([]*Peer, 0, len(inst.peers))
	for p := range inst.peers {
		result = append(result, p)
	}
	return result
}

// ObjectFreed must be called by the host when an object is deallocated.
func (inst *Instance) ObjectFreed(obj any) {
	for _, p := range inst.Peers() {
		p.ObjectFreed(obj)
	}
}

// Touch must be called by the host when an object is mutated.
func (inst *Instance) Touch(obj any) {
	for _, p := range inst.Peers() {
		p.Touch(obj)
	}
}

package tap

import (
	"fmt"
	"sort"
)

// Codec serializes one kind of host object. Codecs are stateless; all
// per-connection state lives in the Peer passed to them.
//
// Marshal must fill buf exactly; buf has the length MarshaledSize returned.
// References to other objects are written as wire keys obtained from
// Peer.KeyForRemote, and every referenced object must also be reported by
// Traverse so that it gets serialized in the same pass.
//
// Unmarshaling happens in two steps so that cycles can be rebuilt.
// UnmarshalAlloc creates an empty object from the payload alone (it must not
// look up other objects). UnmarshalInit fills it once every object of the
// buffer has been allocated, resolving references via Peer.LookupRemote.
type Codec interface {
	TypeID() TypeID
	Name() string

	// Container codecs are initialized after all other codecs, so that the
	// objects they hold (for instance hashed dictionary keys) are complete.
	Container() bool

	Traverse(obj any, visit func(child any) error) error
	MarshaledSize(obj any) (int, error)
	Marshal(obj any, buf []byte, p *Peer) error

	UnmarshalAlloc(data []byte) (any, error)
	UnmarshalInit(obj any, data []byte, p *Peer) error
}

// Updater is implemented by codecs of mutable objects. Objects whose codec
// is not an Updater can be sent only once.
//
// UnmarshalUpdate decodes and checks the new contents of obj without
// modifying it, and returns a func that installs them. Unmarshal calls the
// returned funcs only after every record of the buffer has been staged, so an
// update must not fail once staged.
type Updater interface {
	UnmarshalUpdate(obj any, data []byte, p *Peer) (apply func(), err error)
}

// ReferenceLister lets Unmarshal check that every reference in a buffer
// resolves before any existing object is modified.
type ReferenceLister interface {
	References(data []byte) ([]Key, error)
}

// NoType is returned by a classify function for objects it does not know.
const NoType TypeID = -1

// Registry maps host objects and wire type ids to codecs.
type Registry struct {
	classify func(obj any) TypeID
	byID     map[TypeID]Codec
	opaque   Codec
}

// NewRegistry builds a registry from a classify function and a set of codecs.
// classify is a closed switch over the host object model; objects it maps to
// NoType, or to an id without a codec, use the opaque fallback.
func NewRegistry(classify func(obj any) TypeID, codecs ...Codec) *Registry {
	r := &Registry{
		classify: classify,
		byID:     make(map[TypeID]Codec, len(codecs)+1),
		opaque:   opaqueCodec{},
	}
	r.byID[OpaqueTypeID] = r.opaque
	for _, c := range codecs {
		id := c.TypeID()
		if id < 0 {
			panic(fmt.Errorf("codec %s has negative type id %d", c.Name(), id))
		}
		if prev := r.byID[id]; prev != nil {
			panic(fmt.Errorf("codecs %s and %s share type id %d", prev.Name(), c.Name(), id))
		}
		r.byID[id] = c
	}
	return r
}

// ForObject returns the codec for obj. It never fails.
func (r *Registry) ForObject(obj any) Codec {
	if _, ok := obj.(*Opaque); ok || r.classify == nil {
		return r.opaque
	}
	id := r.classify(obj)
	if id == NoType {
		return r.opaque
	}
	if c := r.byID[id]; c != nil {
		return c
	}
	return r.opaque
}

// ForID returns the codec registered under id.
func (r *Registry) ForID(id TypeID) (Codec, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Codecs returns all codecs ordered by type id.
func (r *Registry) Codecs() []Codec {
	result := make([]Codec, 0, len(r.byID))
	for _, c := range r.byID {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TypeID() < result[j].TypeID()
	})
	return result
}

var defaultRegistry = NewRegistry(nil)

package tap

import (
	"fmt"
)

// Key identifies an object within a Peer. Zero means “no object”; negative
// keys never appear on the wire.
type Key int32

// TypeID selects the codec of a wire record.
type TypeID int32

// Role decides which half of the key space belongs to which side of a
// connection. The two sides of a connection must use different roles.
type Role uint8

const (
	Primary Role = iota
	Secondary
)

const (
	// roleBit marks keys allocated by the other side, in local form.
	roleBit Key = 1 << 30

	// maxLocalKey is the largest key a Peer allocates itself.
	maxLocalKey = roleBit - 1
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Opposite returns the role of the other side.
func (r Role) Opposite() Role {
	if r == Primary {
		return Secondary
	}
	return Primary
}

// toRemote converts a local key into the wire namespace. On the wire, keys
// allocated by the primary have the role bit clear and keys allocated by the
// secondary have it set. The conversion is its own inverse, so toRemote also
// turns wire keys into local ones.
func (r Role) toRemote(k Key) Key {
	if k == 0 || r == Primary {
		return k
	}
	return k ^ roleBit
}

// IsLocal reports whether k, in local form, was allocated by this side.
func (k Key) IsLocal() bool {
	return k > 0 && k&roleBit == 0
}

func (k Key) String() string {
	if k == 0 {
		return "nil"
	}
	if k&roleBit != 0 {
		return fmt.Sprintf("r%d", k&^roleBit)
	}
	return fmt.Sprintf("l%d", int32(k))
}

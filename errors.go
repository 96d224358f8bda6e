package tap

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrProtocol is the root of every malformed-buffer error. Use errors.Is
	// to detect it.
	ErrProtocol = errors.New("tap: protocol violation")

	ErrUnknownType  = errors.New("unknown type id")
	ErrImmutable    = errors.New("update of immutable object")
	ErrTypeMismatch = errors.New("type id does not match existing object")
	ErrDangling     = errors.New("reference to unknown object")
	ErrDuplicateKey = errors.New("key appears twice in one buffer")
	ErrDead         = errors.New("object is no longer alive")

	ErrKeySpace    = errors.New("tap: key space exhausted")
	ErrNotIdentity = errors.New("tap: object has no identity (not a pointer)")
	ErrCollision   = errors.New("tap: object is already registered under another key")
)

// DataError describes a malformed buffer, with the offset of the problem.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

// NewDataError builds a DataError for codecs that reject a payload. A nil err
// yields an error matching ErrProtocol.
func NewDataError(data []byte, off int, err error, format string, args ...any) error {
	return dataErrf(data, off, err, format, args...)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	var buf strings.Builder
	buf.WriteString(e.Msg)
	fmt.Fprintf(&buf, " at %d", e.Off)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		fmt.Fprintf(&buf, ": (%d) %x", n, e.Data)
	} else {
		fmt.Fprintf(&buf, ": (%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	return buf.String()
}

// RecordError binds a failure to a single wire record.
type RecordError struct {
	TypeID   TypeID
	Key      Key
	Codec    string
	Msg      string
	Err      error
	protocol bool
}

func recordErrf(protocol bool, c Codec, typeID TypeID, key Key, err error, format string, args ...any) error {
	e := &RecordError{TypeID: typeID, Key: key, Msg: fmt.Sprintf(format, args...), Err: err, protocol: protocol}
	if c != nil {
		e.Codec = c.Name()
	}
	return e
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return e.protocol && target == ErrProtocol
}

func (e *RecordError) Error() string {
	var buf strings.Builder
	if e.Codec != "" {
		buf.WriteString(e.Codec)
	} else {
		fmt.Fprintf(&buf, "type %d", e.TypeID)
	}
	fmt.Fprintf(&buf, " #%v", e.Key)
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

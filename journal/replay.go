package journal

import (
	"encoding/binary"

	"github.com/andreyvit/tap"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RegistryInvariant derives a journal invariant from the codecs of reg, so
// that a journal written with one set of type ids refuses to open with
// another.
func RegistryInvariant(reg *tap.Registry) [32]byte {
	var buf []byte
	for _, c := range reg.Codecs() {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.TypeID()))
		buf = append(buf, c.Name()...)
		buf = append(buf, 0)
	}

	var inv [32]byte
	for i := range 4 {
		var d xxhash.Digest
		d.Reset()
		d.Write([]byte{byte(i)})
		d.Write(buf)
		binary.LittleEndian.PutUint64(inv[i*8:], d.Sum64())
	}
	return inv
}

// AppendMarshaled marshals root for p and appends the buffer as one committed
// record. p is left untouched if marshaling fails.
func (j *Journal) AppendMarshaled(p *tap.Peer, root any) error {
	buf, err := p.Marshal(nil, root)
	if err != nil {
		return err
	}
	return j.Append(buf)
}

// Replay feeds every committed record of j into p, in order, and returns the
// root of the last one. It stops at the first record p rejects; the error
// carries the record ID.
func Replay(j *Journal, p *tap.Peer) (root any, n int, err error) {
	err = j.Walk(func(rec Record) error {
		r, err := p.Unmarshal(rec.Data)
		if err != nil {
			return errors.Wrapf(err, "%v: record %d", j, rec.ID)
		}
		root = r
		n++
		return nil
	})
	if err == nil && j.verbose {
		j.logger.Debug("journal: replayed", zap.Int("records", n), zap.Int("objects", p.Len()))
	}
	return root, n, err
}

// Package store persists sync sessions in a bbolt database.
//
// A session belongs to one Peer and is keyed by the peer's ID. It holds
// msgpack-encoded metadata and the ordered frames the peer sent and received,
// so a session can be inspected later or replayed into a fresh Peer.
package store

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/andreyvit/tap"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session is closed")
)

var (
	sessionsBucket = []byte("sessions")
	framesBucket   = []byte("frames")
)

type Options struct {
	Timeout  time.Duration
	NoSync   bool
	MmapSize int
	Now      func() time.Time
	Logger   *zap.Logger
}

// Direction tells whether a frame was sent or received by the session's peer.
type Direction uint8

const (
	Sent Direction = 1 + iota
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return "invalid"
	}
}

// Session is the stored metadata of a sync session.
type Session struct {
	ID      uuid.UUID `msgpack:"-"`
	Role    tap.Role  `msgpack:"role"`
	Remote  string    `msgpack:"remote,omitempty"`
	Created time.Time `msgpack:"created"`
	Updated time.Time `msgpack:"updated"`
	Frames  uint64    `msgpack:"frames"`
	Sent    int64     `msgpack:"sent"`
	Recv    int64     `msgpack:"recv"`
	Closed  bool      `msgpack:"closed,omitempty"`
}

type Frame struct {
	Seq       uint64
	Direction Direction
	Data      []byte
}

type Store struct {
	bdb    *bbolt.DB
	now    func() time.Time
	logger *zap.Logger

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

func Open(path string, opt Options) (*Store, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, errors.Wrap(err, "store")
	}

	err = bdb.Update(func(btx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, framesBucket} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Wrap(err, "store: preparing buckets")
	}

	return &Store{
		bdb:    bdb,
		now:    opt.Now,
		logger: opt.Logger.With(zap.String("store", path)),
	}, nil
}

func (s *Store) Bolt() *bbolt.DB {
	return s.bdb
}

func (s *Store) Close() error {
	return s.bdb.Close()
}

func (s *Store) read(f func(btx *bbolt.Tx) error) error {
	s.ReadCount.Add(1)
	return s.bdb.View(f)
}

func (s *Store) write(f func(btx *bbolt.Tx) error) error {
	s.WriteCount.Add(1)
	return s.bdb.Update(f)
}

// CreateSession starts a session for p, keyed by p's ID. Creating a session
// that already exists is an error.
func (s *Store) CreateSession(p *tap.Peer, remote string) (*Session, error) {
	now := s.now().UTC()
	sess := &Session{
		ID:      p.ID(),
		Role:    p.Role(),
		Remote:  remote,
		Created: now,
		Updated: now,
	}
	err := s.write(func(btx *bbolt.Tx) error {
		sb := btx.Bucket(sessionsBucket)
		if sb.Get(sess.ID[:]) != nil {
			return errors.Errorf("store: session %v already exists", sess.ID)
		}
		if _, err := btx.Bucket(framesBucket).CreateBucket(sess.ID[:]); err != nil {
			return err
		}
		return putSession(sb, sess)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("store: session created", zap.Stringer("session", sess.ID), zap.Stringer("role", sess.Role))
	return sess, nil
}

func (s *Store) Session(id uuid.UUID) (*Session, error) {
	var sess *Session
	err := s.read(func(btx *bbolt.Tx) error {
		var err error
		sess, err = getSession(btx.Bucket(sessionsBucket), id)
		return err
	})
	return sess, err
}

// Sessions returns every session, oldest first.
func (s *Store) Sessions() ([]*Session, error) {
	var result []*Session
	err := s.read(func(btx *bbolt.Tx) error {
		return btx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			sess, err := decodeSession(k, v)
			if err != nil {
				return err
			}
			result = append(result, sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Created.Before(result[j].Created)
	})
	return result, nil
}

// AppendFrame stores data as the next frame of the session and returns its
// sequence number, starting at 1.
func (s *Store) AppendFrame(id uuid.UUID, dir Direction, data []byte) (uint64, error) {
	if dir != Sent && dir != Received {
		return 0, errors.Errorf("store: invalid direction %d", dir)
	}
	var seq uint64
	err := s.write(func(btx *bbolt.Tx) error {
		sb := btx.Bucket(sessionsBucket)
		sess, err := getSession(sb, id)
		if err != nil {
			return err
		}
		if sess.Closed {
			return errors.Wrapf(ErrClosed, "session %v", id)
		}
		fb := btx.Bucket(framesBucket).Bucket(id[:])
		if fb == nil {
			return errors.Errorf("store: session %v has no frames bucket", id)
		}
		seq, err = fb.NextSequence()
		if err != nil {
			return err
		}

		value := make([]byte, 0, 1+len(data))
		value = append(value, byte(dir))
		value = append(value, data...)
		if err := fb.Put(seqKey(seq), value); err != nil {
			return err
		}

		sess.Frames++
		if dir == Sent {
			sess.Sent += int64(len(data))
		} else {
			sess.Recv += int64(len(data))
		}
		sess.Updated = s.now().UTC()
		return putSession(sb, sess)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Frames calls fn for every frame of the session in order. Frame data is a
// copy and may be retained.
func (s *Store) Frames(id uuid.UUID, fn func(f Frame) error) error {
	return s.read(func(btx *bbolt.Tx) error {
		fb := btx.Bucket(framesBucket).Bucket(id[:])
		if fb == nil {
			return errors.Wrapf(ErrNotFound, "session %v", id)
		}
		c := fb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 8 || len(v) == 0 {
				return errors.Errorf("store: malformed frame %x in session %v", k, id)
			}
			f := Frame{
				Seq:       binary.BigEndian.Uint64(k),
				Direction: Direction(v[0]),
				Data:      slices.Clone(v[1:]),
			}
			if err := fn(f); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseSession marks the session closed. Closed sessions keep their frames but
// accept no more.
func (s *Store) CloseSession(id uuid.UUID) error {
	return s.write(func(btx *bbolt.Tx) error {
		sb := btx.Bucket(sessionsBucket)
		sess, err := getSession(sb, id)
		if err != nil {
			return err
		}
		sess.Closed = true
		sess.Updated = s.now().UTC()
		return putSession(sb, sess)
	})
}

func (s *Store) DeleteSession(id uuid.UUID) error {
	err := s.write(func(btx *bbolt.Tx) error {
		sb := btx.Bucket(sessionsBucket)
		if sb.Get(id[:]) == nil {
			return errors.Wrapf(ErrNotFound, "session %v", id)
		}
		if err := sb.Delete(id[:]); err != nil {
			return err
		}
		err := btx.Bucket(framesBucket).DeleteBucket(id[:])
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err == nil {
		s.logger.Debug("store: session deleted", zap.Stringer("session", id))
	}
	return err
}

// Replay feeds the session's frames of the given direction into p, in order,
// and returns the root of the last one.
func (s *Store) Replay(id uuid.UUID, dir Direction, p *tap.Peer) (root any, n int, err error) {
	err = s.Frames(id, func(f Frame) error {
		if f.Direction != dir {
			return nil
		}
		r, err := p.Unmarshal(f.Data)
		if err != nil {
			return errors.Wrapf(err, "session %v: frame %d", id, f.Seq)
		}
		root = r
		n++
		return nil
	})
	return root, n, err
}

// Recorder returns a recorder appending frames to the session.
func (s *Store) Recorder(id uuid.UUID) *Recorder {
	return &Recorder{store: s, id: id}
}

// Recorder stores the frames of a single session.
type Recorder struct {
	store *Store
	id    uuid.UUID
}

func (r *Recorder) RecordFrame(sent bool, data []byte) error {
	dir := Received
	if sent {
		dir = Sent
	}
	_, err := r.store.AppendFrame(r.id, dir, data)
	return err
}

func getSession(sb *bbolt.Bucket, id uuid.UUID) (*Session, error) {
	v := sb.Get(id[:])
	if v == nil {
		return nil, errors.Wrapf(ErrNotFound, "session %v", id)
	}
	return decodeSession(id[:], v)
}

func decodeSession(k, v []byte) (*Session, error) {
	id, err := uuid.FromBytes(k)
	if err != nil {
		return nil, errors.Wrapf(err, "store: invalid session key %x", k)
	}
	sess := &Session{}
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(v))
	err = dec.Decode(sess)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, errors.Wrapf(err, "store: failed to decode session %v", id)
	}
	sess.ID = id
	return sess, nil
}

func putSession(sb *bbolt.Bucket, sess *Session) error {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(sess)
	msgpack.PutEncoder(enc)
	if err != nil {
		return errors.Wrapf(err, "store: failed to encode session %v", sess.ID)
	}
	return sb.Put(sess.ID[:], buf.Bytes())
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

package transport

import (
	"context"
	"sync"

	"github.com/andreyvit/tap"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Session binds a Peer to a Conn. Send and Receive may run concurrently with
// each other; the session serializes its own use of the peer.
//
// A session fails permanently after a transport error or a rejected buffer,
// because the two peers no longer agree about which keys the other side knows.
type Session struct {
	peer   *tap.Peer
	conn   *Conn
	logger *zap.Logger

	sendMu sync.Mutex
	buf    []byte

	peerMu sync.Mutex
	err    error
}

func NewSession(p *tap.Peer, c *Conn) *Session {
	return &Session{
		peer:   p,
		conn:   c,
		logger: p.Logger(),
	}
}

func (s *Session) Peer() *tap.Peer {
	return s.peer
}

func (s *Session) Conn() *Conn {
	return s.conn
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.err
}

func (s *Session) fail_locked(err error) error {
	if s.err == nil {
		s.err = err
		s.logger.Warn("transport: session failed", zap.Error(err))
	}
	return err
}

func (s *Session) fail(err error) error {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.fail_locked(err)
}

// Send marshals the graph reachable from root along with pending frees and
// writes it as one frame. A marshaling error leaves the session usable.
func (s *Session) Send(ctx context.Context, root any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.peerMu.Lock()
	if s.err != nil {
		s.peerMu.Unlock()
		return s.err
	}
	buf, err := s.peer.Marshal(s.buf[:0], root)
	s.peerMu.Unlock()
	if err != nil {
		return err
	}
	s.buf = buf

	if err := s.conn.WriteFrame(ctx, buf); err != nil {
		return s.fail(errors.Wrap(err, "transport: send"))
	}
	return nil
}

// Receive reads one frame, applies it to the peer and returns the decoded
// root (nil when the frame carried no objects).
func (s *Session) Receive(ctx context.Context) (any, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	data, err := s.conn.ReadFrame(ctx)
	if err != nil {
		return nil, s.fail(errors.Wrap(err, "transport: receive"))
	}

	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	root, err := s.peer.Unmarshal(data)
	if err != nil {
		return nil, s.fail_locked(err)
	}
	return root, nil
}

// Close closes the connection. The peer stays open.
func (s *Session) Close() error {
	return s.conn.Close()
}

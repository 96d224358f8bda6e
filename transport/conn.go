// Package transport carries sync buffers between two peers over a byte stream.
//
// Every buffer travels as one frame:
//
//	frame = size:uint32 checksum:uint64 data
//
// where checksum is the xxhash of data and both integers are little-endian.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrCorrupted     = errors.New("frame checksum mismatch")
	ErrBroken        = errors.New("connection broken by an earlier error")
)

const DefaultMaxFrameSize = 64 * 1024 * 1024

const frameHeaderSize = 4 + 8

// Recorder receives a copy of every frame that crosses a Conn.
// *store.Recorder implements it.
type Recorder interface {
	RecordFrame(sent bool, data []byte) error
}

type Options struct {
	MaxFrameSize int
	Recorder     Recorder
	Logger       *zap.Logger
	Verbose      bool
}

// Conn wraps an io.ReadWriter to send and receive frames. One reader and one
// writer may use it concurrently.
type Conn struct {
	rw           io.ReadWriter
	br           *bufio.Reader
	bw           *bufio.Writer
	maxFrameSize int
	rec          Recorder
	logger       *zap.Logger
	verbose      bool

	readMu   sync.Mutex
	readErr  error
	writeMu  sync.Mutex
	writeErr error
}

func New(rw io.ReadWriter, o Options) *Conn {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Conn{
		rw:           rw,
		br:           bufio.NewReader(rw),
		bw:           bufio.NewWriter(rw),
		maxFrameSize: o.MaxFrameSize,
		rec:          o.Recorder,
		logger:       o.Logger,
		verbose:      o.Verbose,
	}
}

func NewNetConn(c net.Conn, o Options) *Conn {
	if o.Logger != nil {
		o.Logger = o.Logger.With(zap.Stringer("remote", c.RemoteAddr()))
	}
	return New(c, o)
}

// Close closes the underlying stream if it is an io.Closer.
func (c *Conn) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// WriteFrame sends data as a single frame. A failed write breaks the Conn for
// writing; ctx cancellation interrupts a blocked write only when the stream
// supports deadlines.
func (c *Conn) WriteFrame(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if len(data) > c.maxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.withContext(ctx, "write", func() error {
		var hdr [frameHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(data)))
		binary.LittleEndian.PutUint64(hdr[4:], xxhash.Sum64(data))
		if _, err := c.bw.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := c.bw.Write(data); err != nil {
			return err
		}
		return c.bw.Flush()
	})
	if err != nil {
		c.writeErr = errors.Wrap(ErrBroken, err.Error())
		return err
	}
	if c.verbose {
		c.logger.Debug("transport: frame sent", zap.Int("size", len(data)))
	}
	if c.rec != nil {
		if err := c.rec.RecordFrame(true, data); err != nil {
			return errors.Wrap(err, "transport: recording sent frame")
		}
	}
	return nil
}

// ReadFrame receives the next frame. It returns io.EOF if the stream ends
// cleanly between frames.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := c.withContext(ctx, "read", func() error {
		var hdr [frameHeaderSize]byte
		if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
			return err
		}
		size := binary.LittleEndian.Uint32(hdr[0:])
		if uint64(size) > uint64(c.maxFrameSize) {
			return errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
		}
		data = make([]byte, size)
		if _, err := io.ReadFull(c.br, data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if xxhash.Sum64(data) != binary.LittleEndian.Uint64(hdr[4:]) {
			return ErrCorrupted
		}
		return nil
	})
	if err != nil {
		if err == io.EOF {
			c.readErr = io.EOF
		} else {
			c.readErr = errors.Wrap(ErrBroken, err.Error())
		}
		return nil, err
	}
	if c.verbose {
		c.logger.Debug("transport: frame received", zap.Int("size", len(data)))
	}
	if c.rec != nil {
		if err := c.rec.RecordFrame(false, data); err != nil {
			return nil, errors.Wrap(err, "transport: recording received frame")
		}
	}
	return data, nil
}

var aLongTimeAgo = time.Unix(1, 0)

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// withContext runs f, interrupting it via stream deadlines when ctx is done.
// Errors caused by the interruption are reported as ctx.Err().
func (c *Conn) withContext(ctx context.Context, op string, f func() error) error {
	dl, ok := c.rw.(deadliner)
	if !ok || ctx.Done() == nil {
		return f()
	}
	set := dl.SetReadDeadline
	if op == "write" {
		set = dl.SetWriteDeadline
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		set(aLongTimeAgo)
		close(fired)
	})
	err := f()
	if stop() {
		return err
	}
	<-fired
	set(time.Time{})
	if err != nil && ctx.Err() != nil {
		c.logger.Debug("transport: interrupted", zap.String("op", op), zap.Error(err))
		return ctx.Err()
	}
	return err
}

// Package journal keeps append-only “journal” files of sync buffers.
//
// A journal is a directory of segment files. Every marshaled buffer is written
// as a record, and records are grouped into committed transactions. Replaying
// the committed records into a fresh Peer reproduces the graph the buffers
// described, which makes a journal both an audit log and a resumable stream.
//
// Features:
//
//  1. Crash-resistant (with Options.Fsync). Every commit carries a running
//     xxhash checksum of the whole segment so far; readers stop at the first
//     record that fails it, and a reopened writer trims the torn tail.
//
//  2. Automatically rotates the files when they reach a certain size. (You can
//     also trigger the rotation programmatically at any time.)
//
//  3. Segments are chained: each header carries the last checksum of the
//     previous segment.
//
// File format:
//
//   - file = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 version:8 _:8 flags:16 _:32 seq:32 timestamp:32 prevChecksum:64 invariant:256 _:448 checksum:64
//   - record = sizeAndFlags:uvarint timestampDelta:uvarint bytes*
//   - commit = checksum:64
//
// The low bit of sizeAndFlags is always clear and the low bit of a commit is
// always set, so the first byte tells a record from a commit.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/tap/mmap"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrReadOnly           = errors.New("journal is not open for writing")
	errCorruptedFile      = errors.New("corrupted journal segment file")
)

type Options struct {
	Context     context.Context
	FileName    string // e.g. "peer-*.wal"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time

	// Invariant must match the one stored in existing segments. See
	// RegistryInvariant.
	Invariant [32]byte

	// Fsync flushes every commit to disk before returning.
	Fsync bool

	Logger  *zap.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	PrevChecksum   uint64
	Invariant      [32]byte
	_              [7]uint64
	Checksum       uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
)

// Record is a committed journal entry.
type Record struct {
	ID        uint64 // 1-based, across all segments
	Segment   uint32
	Timestamp uint32 // unix seconds
	Data      []byte
}

// Segment describes a segment file, as parsed from its name.
type Segment struct {
	Name      string
	Ordinal   uint32
	Timestamp uint32
	FirstID   uint64
}

// Journal represents a set of segment files in a directory.
type Journal struct {
	context        context.Context
	maxFileSize    int64
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	dir            string
	now            func() time.Time
	logger         *zap.Logger
	verbose        bool
	fsync          bool
	invariant      [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	prevSum   uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Journal{
		context:        o.Context,
		maxFileSize:    o.MaxFileSize,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		dir:            dir,
		now:            o.Now,
		verbose:        o.Verbose,
		fsync:          o.Fsync,
		invariant:      o.Invariant,
		logger:         o.Logger.With(zap.String("jrnl", o.DebugName)),
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting opens the journal for appending. The existing tail is
// validated in the background; its outcome is reported by the first write.
func (j *Journal) StartWriting() {
	j.writeLock.Lock()
	if j.writable || j.writeErr != nil {
		j.writeLock.Unlock()
		return
	}
	j.writable = true

	go func() {
		defer j.writeLock.Unlock()
		j.fail(j.prepareToWrite_locked())
	}()
}

func (j *Journal) prepareToWrite_locked() error {
	st, err := os.Stat(j.dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%v: not a directory", j.debugName)
	}

	for {
		segs, err := j.Segments()
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}
		last := segs[len(segs)-1]

		f, err := j.openFile(last.Name, true)
		if err != nil {
			return err
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		scan, err := j.scanSegment(f, stat.Size(), last.Ordinal, nil)
		if err == errCorruptedFile {
			f.Close()
			j.logger.Warn("journal: deleting corrupted file", zap.String("file", last.Name), zap.Int64("size", stat.Size()))
			if err := os.Remove(filepath.Join(j.dir, last.Name)); err != nil {
				return errors.Wrap(err, "journal: failed to delete corrupted file")
			}
			continue
		} else if err != nil {
			f.Close()
			return err
		}

		if scan.torn {
			j.logger.Warn("journal: trimming uncommitted tail", zap.String("file", last.Name), zap.Int64("size", scan.end))
			err = f.Truncate(scan.end)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}

		j.writeSeg = scan.header.SegmentOrdinal
		j.writeRec = last.FirstID - 1 + scan.records
		j.prevSum = scan.lastSum
		if j.verbose {
			j.logger.Debug("journal: resuming", zap.Uint32("seg", j.writeSeg), zap.Uint64("rec", j.writeRec))
		}
		return nil
	}
}

// FinishWriting closes the current segment and returns the first write error,
// if any. Uncommitted records are dropped.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	j.finishWriting_locked()
	return j.writeErr
}

func (j *Journal) finishWriting_locked() {
	j.writable = false
	j.closeSegment_locked()
}

func (j *Journal) closeSegment_locked() {
	if j.segWriter != nil {
		j.prevSum = j.segWriter.lastSum
		j.segWriter.close()
		j.segWriter = nil
	}
}

// Err returns the error that stopped the writer, if any.
func (j *Journal) Err() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeErr
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.Error("journal: failed", zap.Error(err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0o666)
	} else {
		return os.Open(fn)
	}
}

// Segments lists the segment files of the journal in order.
func (j *Journal) Segments() ([]Segment, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var segs []Segment
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		base, ok := strings.CutPrefix(name, j.fileNamePrefix)
		if !ok {
			continue
		}
		base, ok = strings.CutSuffix(base, j.fileNameSuffix)
		if !ok {
			continue
		}
		seq, ts, id, err := parseSegmentName(base)
		if err != nil {
			j.logger.Debug("journal: ignoring file", zap.String("file", name), zap.Error(err))
			continue
		}
		segs = append(segs, Segment{Name: name, Ordinal: seq, Timestamp: ts, FirstID: id})
	}
	sort.Slice(segs, func(a, b int) bool {
		return segs[a].Ordinal < segs[b].Ordinal
	})
	return segs, nil
}

func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeRecord_locked(timestamp, data)
}

func (j *Journal) writeRecord_locked(timestamp uint32, data []byte) error {
	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrReadOnly
	}
	if len(data) == 0 {
		return nil
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit seals the records written since the previous commit. The segment is
// rotated afterwards if it has grown past MaxFileSize.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.commit_locked()
}

func (j *Journal) commit_locked() error {
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	if err := j.segWriter.commit(); err != nil {
		return j.fail(err)
	}
	if j.fsync {
		if err := mmap.Fdatasync(j.segWriter.f); err != nil {
			return j.fail(errors.Wrap(err, "fdatasync"))
		}
	}
	if j.segWriter.size >= j.maxFileSize {
		if j.verbose {
			j.logger.Debug("journal: rotating", zap.Uint32("seg", j.writeSeg), zap.Int64("size", j.segWriter.size))
		}
		j.closeSegment_locked()
	}
	return nil
}

// Append writes data as a single committed record.
func (j *Journal) Append(data []byte) error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if err := j.writeRecord_locked(0, data); err != nil {
		return err
	}
	return j.commit_locked()
}

// Rotate commits pending records and makes the next write start a new segment.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if err := j.commit_locked(); err != nil {
		return err
	}
	j.closeSegment_locked()
	return nil
}

// Walk calls fn for every committed record in order. Reading stops quietly at
// the first corrupted or torn record.
func (j *Journal) Walk(fn func(rec Record) error) error {
	segs, err := j.Segments()
	if err != nil {
		return err
	}

	var prevSum uint64
	for i, seg := range segs {
		if err := j.context.Err(); err != nil {
			return err
		}

		id := seg.FirstID
		scan, err := j.readSegment(seg, func(ts uint32, data []byte) error {
			rec := Record{ID: id, Segment: seg.Ordinal, Timestamp: ts, Data: data}
			id++
			return fn(rec)
		})
		if err == errCorruptedFile {
			j.logger.Warn("journal: stopping at corrupted file", zap.String("file", seg.Name))
			return nil
		} else if err != nil {
			return err
		}
		if i > 0 && scan.header.PrevChecksum != prevSum {
			j.logger.Warn("journal: segment chain broken", zap.String("file", seg.Name))
			return nil
		}
		if scan.torn {
			if i < len(segs)-1 {
				j.logger.Warn("journal: stopping at torn record", zap.String("file", seg.Name), zap.Int64("off", scan.end))
				return nil
			}
		}
		prevSum = scan.lastSum
	}
	return nil
}

// readSegment scans a segment through a read-only mapping, falling back to
// plain reads where mapping is unavailable.
func (j *Journal) readSegment(seg Segment, fn func(ts uint32, data []byte) error) (*segmentScan, error) {
	f, err := j.openFile(seg.Name, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < segmentHeaderSize {
		return nil, errCorruptedFile
	}

	data, err := mmap.Map(f, int(size), mmap.Sequential)
	if err != nil {
		j.logger.Debug("journal: reading without mmap", zap.String("file", seg.Name), zap.Error(err))
		return j.scanSegment(f, size, seg.Ordinal, fn)
	}
	defer mmap.Unmap(data)
	return j.scanSegment(bytes.NewReader(data), size, seg.Ordinal, fn)
}

type segmentScan struct {
	header  segmentHeader
	end     int64  // just past the last commit
	records uint64 // committed
	lastSum uint64
	torn    bool
}

// scanSegment validates the header and every committed transaction of a
// segment of fileSize bytes, passing committed records to fn (if not nil).
// A torn or corrupted tail is reported via segmentScan.torn; only a bad header
// yields errCorruptedFile.
func (j *Journal) scanSegment(r io.Reader, fileSize int64, expectedSeq uint32, fn func(ts uint32, data []byte) error) (*segmentScan, error) {
	sc := &segmentScan{}
	hr := &hashingReader{r: bufio.NewReader(r)}
	hr.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	_, err := io.ReadFull(hr, hbuf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, errCorruptedFile
	} else if err != nil {
		return nil, err
	}
	if err := j.decodeHeader(hbuf[:], &sc.header, expectedSeq); err != nil {
		return nil, err
	}
	sc.end = segmentHeaderSize
	sc.lastSum = sc.header.Checksum

	ts := sc.header.Timestamp
	type pendingRec struct {
		ts   uint32
		data []byte
	}
	var pending []pendingRec

	for {
		peek, err := hr.r.Peek(1)
		if err == io.EOF {
			sc.torn = len(pending) > 0
			return sc, nil
		} else if err != nil {
			return nil, err
		}

		if peek[0]&recordFlagCommit != 0 {
			expected := hr.hash.Sum64() | uint64(recordFlagCommit)
			var cbuf [8]byte
			if _, err := io.ReadFull(hr.r, cbuf[:]); err != nil {
				sc.torn = true
				return sc, nil
			}
			if binary.LittleEndian.Uint64(cbuf[:]) != expected {
				sc.torn = true
				return sc, nil
			}
			hr.hash.Write(cbuf[:])
			hr.n += 8

			if fn != nil {
				for _, p := range pending {
					if err := fn(p.ts, p.data); err != nil {
						return nil, err
					}
				}
			}
			sc.records += uint64(len(pending))
			sc.end = hr.n
			sc.lastSum = expected
			pending = pending[:0]
			continue
		}

		sizeAndFlags, err := binary.ReadUvarint(hr)
		if err != nil {
			sc.torn = true
			return sc, nil
		}
		size := sizeAndFlags >> recordFlagShift
		delta, err := binary.ReadUvarint(hr)
		if err != nil || delta > math.MaxUint32 || size > uint64(fileSize-hr.n) {
			sc.torn = true
			return sc, nil
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(hr, data); err != nil {
			sc.torn = true
			return sc, nil
		}
		ts += uint32(delta)
		pending = append(pending, pendingRec{ts, data})
	}
}

func (j *Journal) decodeHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	n, err := binary.Decode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return errCorruptedFile
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	return nil
}

type hashingReader struct {
	r    *bufio.Reader
	hash xxhash.Digest
	n    int64
	one  [1]byte
}

func (hr *hashingReader) ReadByte() (byte, error) {
	b, err := hr.r.ReadByte()
	if err != nil {
		return 0, err
	}
	hr.one[0] = b
	hr.hash.Write(hr.one[:])
	hr.n++
	return b, nil
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.hash.Write(p[:n])
	hr.n += int64(n)
	return n, err
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	lastSum     uint64
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	sw.lastSum = fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	if j.verbose {
		j.logger.Debug("journal: started segment", zap.String("file", name))
	}
	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return err
	}

	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return err
	}

	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit() error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += 8
	sw.lastSum = binary.LittleEndian.Uint64(buf[:])
	return nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

// fillSegmentHeader encodes the header into buf, feeds it to hash and returns
// the header checksum.
func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) uint64 {
	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		PrevChecksum:   j.prevSum,
		Invariant:      j.invariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	sum := hash.Sum64()
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], sum)
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
	return sum
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}

package journal_test

import (
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/tap"
	"github.com/andreyvit/tap/journal"
	"github.com/andreyvit/tap/journal/journaltest"
	"github.com/andreyvit/tap/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const magic = "'JOURNLAT"
const header1 = "0/ver 0/pad 0_0/flags 0../pad"
const header2 = "0*32/invariant 0...*7/reserved"

const (
	seg1 = "j000000000001-20240101T000000-0000000000000001.wal"
	seg2 = "j000000000002-20240101T000000-0000000000000002.wal"
	seg3 = "j000000000003-20240101T000000-0000000000000003.wal"
)

func TestJournal_trivial(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	require.Equal(t, []string{seg1}, files)

	j.Eq(files[0], shdr("1.. 80_00_92_65 0...", "e984dc85563d5731"),
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
		"7d_33_a6_68_73_e0_8f_ee",
	)

	recs := j.Records()
	require.Len(t, recs, 3)
	start := uint32(journaltest.Start.Unix())
	assert.Equal(t, journal.Record{ID: 1, Segment: 1, Timestamp: start, Data: []byte("hello")}, recs[0])
	assert.Equal(t, journal.Record{ID: 2, Segment: 1, Timestamp: start, Data: []byte("w")}, recs[1])
	assert.Equal(t, journal.Record{ID: 3, Segment: 1, Timestamp: start + 1000, Data: []byte("orld")}, recs[2])
}

func TestJournal_uncommittedRecordsAreTrimmed(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.Append([]byte("A")))
	ensure(j.WriteRecord(0, []byte("B")))
	assert.Equal(t, []string{"A"}, datas(j.Records()))
	ensure(j.FinishWriting())

	j2 := journaltest.Open(t, j.Dir, journal.Options{})
	ensure(j2.Append([]byte("C")))

	assert.Equal(t, []string{seg1, seg2}, j2.FileNames())
	assert.Len(t, j2.Data(seg1), 128+3+8)

	recs := j2.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "A", string(recs[0].Data))
	assert.Equal(t, uint64(1), recs[0].ID)
	assert.Equal(t, "C", string(recs[1].Data))
	assert.Equal(t, uint64(2), recs[1].ID)
	assert.Equal(t, uint32(2), recs[1].Segment)
}

func TestJournal_rotation(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 150})
	payload := strings.Repeat("x", 20)
	for range 3 {
		ensure(j.Append([]byte(payload)))
	}
	ensure(j.FinishWriting())

	require.Equal(t, []string{seg1, seg2, seg3}, j.FileNames())
	d1, d2 := j.Data(seg1), j.Data(seg2)
	require.Len(t, d1, 128+2+20+8)
	assert.Equal(t, make([]byte, 8), d1[24:32], "first segment has no predecessor")
	assert.Equal(t, d1[len(d1)-8:], d2[24:32], "segments are chained")

	recs := j.Records()
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.ID)
		assert.Equal(t, uint32(i+1), rec.Segment)
	}
}

func TestJournal_explicitRotate(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Rotate())
	ensure(j.Append([]byte("b")))
	assert.Equal(t, []string{seg1, seg2}, j.FileNames())
	assert.Equal(t, []string{"a", "b"}, datas(j.Records()))
}

func TestJournal_corruptionStopsWalk(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.Append([]byte("first")))
	ensure(j.Append([]byte("second")))
	ensure(j.FinishWriting())

	// inside "second", just before its commit checksum
	j.Corrupt(seg1, -10)

	r := journaltest.ReadOnly(t, j.Dir, journal.Options{})
	assert.Equal(t, []string{"first"}, datas(r.Records()))

	j2 := journaltest.Open(t, j.Dir, journal.Options{})
	ensure(j2.Append([]byte("third")))
	assert.Len(t, j2.Data(seg1), 128+2+5+8)
	assert.Equal(t, []string{"first", "third"}, datas(j2.Records()))
}

func TestJournal_corruptedHeaderIsReplaced(t *testing.T) {
	j := journaltest.ReadOnly(t, t.TempDir(), journal.Options{})
	j.Put(seg1, magic+" 00")
	assert.Empty(t, j.Records())

	j2 := journaltest.Open(t, j.Dir, journal.Options{})
	ensure(j2.Append([]byte("x")))
	assert.Equal(t, []string{seg1}, j2.FileNames())
	assert.Equal(t, []string{"x"}, datas(j2.Records()))
}

func TestJournal_incompatibleInvariant(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Invariant: [32]byte{1}})
	ensure(j.Append([]byte("x")))
	ensure(j.FinishWriting())

	j2 := journaltest.ReadOnly(t, j.Dir, journal.Options{Invariant: [32]byte{2}})
	j2.StartWriting()
	require.ErrorIs(t, j2.Append([]byte("y")), journal.ErrIncompatible)
	require.ErrorIs(t, j2.Err(), journal.ErrIncompatible)

	err := j2.Walk(func(journal.Record) error { return nil })
	require.ErrorIs(t, err, journal.ErrIncompatible)
}

func TestJournal_fsync(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Fsync: true})
	ensure(j.Append([]byte("durable")))
	ensure(j.Append([]byte("too")))
	assert.Equal(t, []string{"durable", "too"}, datas(j.Records()))
}

func TestJournal_readOnly(t *testing.T) {
	j := journaltest.ReadOnly(t, t.TempDir(), journal.Options{})
	require.ErrorIs(t, j.Append([]byte("x")), journal.ErrReadOnly)
	assert.Empty(t, j.FileNames())
}

func TestJournal_segments(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 1})
	ensure(j.Append([]byte("a")))
	j.Advance(time.Hour)
	ensure(j.Append([]byte("b")))
	j.Put("unrelated.txt", "'hi")

	segs, err := j.Segments()
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, journal.Segment{Name: seg1, Ordinal: 1, Timestamp: uint32(journaltest.Start.Unix()), FirstID: 1}, segs[0])
	assert.Equal(t, "j000000000002-20240101T010000-0000000000000002.wal", segs[1].Name)
}

func TestReplay(t *testing.T) {
	h := value.NewHeap()
	p := h.NewPeer(h.NewInstance(zaptest.NewLogger(t)), tap.Primary, tap.Options{})
	defer p.Close()
	inv := journal.RegistryInvariant(h.Registry())

	j := journaltest.Writable(t, journal.Options{Invariant: inv})
	l := h.NewList(h.NewInt(1))
	ensure(j.AppendMarshaled(p, l))
	two := h.NewStr("two")
	l.Append(two)
	h.Release(two)
	ensure(j.AppendMarshaled(p, l))

	h2 := value.NewHeap()
	p2 := h2.NewPeer(h2.NewInstance(zaptest.NewLogger(t)), tap.Secondary, tap.Options{})
	defer p2.Close()
	assert.Equal(t, inv, journal.RegistryInvariant(h2.Registry()))

	root, n, err := journal.Replay(j.Journal, p2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	gl := root.(*value.List)
	require.Equal(t, 2, gl.Len())
	assert.Equal(t, int64(1), gl.At(0).(*value.Int).V)
	assert.Equal(t, "two", gl.At(1).(*value.Str).V)
	assert.Equal(t, 3, p2.Len())
}

func TestReplay_stopsAtRejectedRecord(t *testing.T) {
	h := value.NewHeap()
	p := h.NewPeer(h.NewInstance(nil), tap.Primary, tap.Options{})
	defer p.Close()

	j := journaltest.Writable(t, journal.Options{})
	ensure(j.AppendMarshaled(p, h.NewInt(1)))

	// a peer without the value codecs cannot decode the record
	p2 := tap.NewInstance(tap.InstanceOptions{}).NewPeer(tap.Secondary, tap.Options{})
	defer p2.Close()
	root, n, err := journal.Replay(j.Journal, p2)
	require.ErrorIs(t, err, tap.ErrUnknownType)
	assert.Contains(t, err.Error(), "record 1")
	assert.Nil(t, root)
	assert.Zero(t, n)
}

func shdr(inside, check string) string {
	return magic + " " + header1 + " " +
		inside + " " + header2 + " " + check
}

func datas(recs []journal.Record) []string {
	var result []string
	for _, rec := range recs {
		result = append(result, string(rec.Data))
	}
	return result
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

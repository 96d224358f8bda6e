package journaltest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/tap/journal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	now time.Time
}

// Writable opens a fresh journal in a temporary directory.
func Writable(t *testing.T, o journal.Options) *TestJournal {
	return Open(t, t.TempDir(), o)
}

// Open opens a writable journal in dir, which may already hold segments.
func Open(t *testing.T, dir string, o journal.Options) *TestJournal {
	j := ReadOnly(t, dir, o)
	j.StartWriting()
	t.Cleanup(func() {
		err := j.FinishWriting()
		if err != nil {
			t.Error(err)
		}
	})
	return j
}

// ReadOnly opens a journal in dir without starting the writer.
func ReadOnly(t *testing.T, dir string, o journal.Options) *TestJournal {
	j := &TestJournal{
		T:   t,
		Dir: dir,

		now: Start,
	}
	o.FileName = "j*.wal"
	o.Now = func() time.Time { return j.now }
	o.Logger = zaptest.NewLogger(t)
	o.Verbose = true

	j.Journal = journal.New(dir, o)
	return j
}

// Eq compares fileName with the bytes described by expected (see Expand).
func (j *TestJournal) Eq(fileName string, expected ...string) {
	j.T.Helper()
	assert.Equal(j.T, hex.Dump(Expand(expected...)), hex.Dump(j.Data(fileName)), fileName)
}

func (j *TestJournal) Put(fileName string, expected ...string) {
	ensure(os.WriteFile(filepath.Join(j.Dir, fileName), Expand(expected...), 0o644))
}

func (j *TestJournal) Data(fileName string) []byte {
	b, err := os.ReadFile(filepath.Join(j.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		j.T.Fatalf("when reading %v: %v", fileName, err)
	}
	return b
}

// Corrupt flips the bits of the byte at off in fileName.
func (j *TestJournal) Corrupt(fileName string, off int) {
	b := j.Data(fileName)
	if off < 0 {
		off += len(b)
	}
	b[off] ^= 0xFF
	ensure(os.WriteFile(filepath.Join(j.Dir, fileName), b, 0o644))
}

func (j *TestJournal) Advance(d time.Duration) {
	j.now = j.now.Add(d)
}

func (j *TestJournal) FileNames() []string {
	var names []string
	for _, env := range must(os.ReadDir(j.Dir)) {
		names = append(names, env.Name())
	}
	slices.Sort(names)
	return names
}

// Records walks the journal and returns every committed record.
func (j *TestJournal) Records() []journal.Record {
	j.T.Helper()
	var recs []journal.Record
	err := j.Walk(func(rec journal.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		j.T.Fatalf("Walk: %v", err)
	}
	return recs
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// Expand decodes a whitespace-separated list of byte elements:
//
//	'text    literal bytes
//	#123     uvarint
//	0a_ff    hex bytes (underscores separate bytes)
//	x..y     x, zero padding up to 4 bytes, then y
//	x...y    same, padding up to 8 bytes
//	x*N      element repeated N times
//	x/note   comment after the slash
func Expand(elems ...string) []byte {
	var b []byte
	for _, line := range elems {
		for _, elem := range strings.Fields(line) {
			var err error
			b, err = appendElem(b, elem)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
		}
	}
	return b
}

func appendElem(b []byte, elem string) ([]byte, error) {
	elem, _, _ = strings.Cut(elem, "/")
	if elem == "" {
		return b, nil
	}
	elem, repeat, hasRepeat := strings.Cut(elem, "*")
	n := 1
	if hasRepeat {
		var err error
		if n, err = strconv.Atoi(repeat); err != nil {
			return nil, err
		}
	}

	width := 0
	left, right, found := strings.Cut(elem, "...")
	if found {
		width = 8
	} else if left, right, found = strings.Cut(elem, ".."); found {
		width = 4
	}
	lb, err := decodeBytes(left)
	if err != nil {
		return nil, err
	}
	rb, err := decodeBytes(right)
	if err != nil {
		return nil, err
	}
	pad := max(0, width-len(lb)-len(rb))

	for range n {
		b = append(b, lb...)
		b = append(b, make([]byte, pad)...)
		b = append(b, rb...)
	}
	return b, nil
}

func decodeBytes(s string) ([]byte, error) {
	if text, ok := strings.CutPrefix(s, "'"); ok {
		return []byte(text), nil
	}
	if num, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(nil, v), nil
	}
	var result []byte
	for _, group := range strings.Split(s, "_") {
		if len(group)%2 == 1 {
			group = "0" + group
		}
		decoded, err := hex.DecodeString(group)
		if err != nil {
			return nil, err
		}
		result = append(result, decoded...)
	}
	return result, nil
}

package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHintHas(t *testing.T) {
	var h Hint = Sequential
	if !h.Has(Sequential) || h.Has(Random) {
		t.Fatalf("Hint.Has returned unexpected results for %v", h)
	}
}

func TestMapAndUnmap(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "segment")
	data := []byte("JOURNLAT and then some")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	for _, hint := range []Hint{0, Sequential, Random} {
		b, err := Map(f, len(data), hint)
		if err == ErrUnsupported {
			t.Skip(err)
		} else if err != nil {
			t.Fatalf("Map(%v): %v", hint, err)
		}
		if string(b) != string(data) {
			t.Fatalf("Map(%v) = %q, wanted %q", hint, b, data)
		}
		if err := Unmap(b); err != nil {
			t.Fatalf("Unmap: %v", err)
		}
	}

	if _, err := f.Write([]byte("!")); err != nil {
		t.Fatal(err)
	}
	if err := Fdatasync(f); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
}

func TestMap_RejectsInvalidSize(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "empty"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	for _, size := range []int{0, -1} {
		if _, err := Map(f, size, 0); err == nil {
			t.Errorf("Map(size=%d) succeeded, wanted an error", size)
		}
	}
	if err := Unmap(nil); err != nil {
		t.Errorf("Unmap(nil) = %v", err)
	}
}

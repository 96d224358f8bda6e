package tap

import (
	"strings"
	"testing"
)

func TestDumpFlagsAndDump(t *testing.T) {
	if !DumpRecords.Contains(DumpRecords) || DumpRecords.Contains(DumpPayloads) {
		t.Fatalf("DumpFlags.Contains returned unexpected results")
	}

	a, b := newSides(t)
	gone := &leaf{2}
	syncTo(t, a, b, gone)
	a.inst.ObjectFreed(gone)
	buf, err := a.peer.Marshal(nil, &node{name: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	out := Dump(buf, testRegistry, DumpAll)
	for _, s := range []string{"frees: 1", "objects: root=2", "objects.1", "type=100(node)", "68656c6c6f"} {
		if !strings.Contains(out, s) {
			t.Fatalf("Dump output missing %q; got:\n%s", s, out)
		}
	}

	out = Dump(buf, nil, DumpRecords)
	if strings.Contains(out, "frees") || !strings.Contains(out, "type=100(?)") {
		t.Fatalf("Dump(DumpRecords) = %s", out)
	}

	out = Dump([]byte{1, 2}, nil, DumpAll)
	if !strings.Contains(out, "** ERROR") {
		t.Fatalf("Dump of garbage = %q, wanted error", out)
	}
}

func TestPeerDump(t *testing.T) {
	a, b := newSides(t)
	syncTo(t, a, b, &node{name: "x", children: []any{&leaf{1}}})

	out := b.peer.Dump(DumpAll)
	for _, s := range []string{"secondary", "2 objects", "r1 = node durable known", "r2 = leaf durable known", "unmarshals = 1"} {
		if !strings.Contains(out, s) {
			t.Fatalf("Peer.Dump output missing %q; got:\n%s", s, out)
		}
	}
}

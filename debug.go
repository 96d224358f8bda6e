package tap

import (
	"fmt"
	"sort"
	"strings"
)

type DumpFlags uint64

const (
	DumpSections = DumpFlags(1 << iota)
	DumpRecords
	DumpPayloads
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	dumpPayloadLimit = 64
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes a sync buffer. reg is used for codec names and may be nil.
func Dump(data []byte, reg *Registry, f DumpFlags) string {
	var buf strings.Builder
	dumpBuffer(&buf, data, reg, f)
	return buf.String()
}

func dumpBuffer(w *strings.Builder, data []byte, reg *Registry, f DumpFlags) {
	fr, err := ParseFrame(data)
	if err != nil {
		fmt.Fprintf(w, "** ERROR: %v\n", err)
		return
	}
	if f.Contains(DumpSections) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "buffer (%d bytes, %d frees, %d records)\n", len(data), len(fr.Frees), len(fr.Records))
	}
	if len(fr.Frees) > 0 && f.Contains(DumpSections) {
		fmt.Fprintln(w, dumpSep2)
		keys := make([]string, len(fr.Frees))
		for i, k := range fr.Frees {
			keys[i] = fmt.Sprint(int32(k))
		}
		fmt.Fprintf(w, "frees: %s\n", strings.Join(keys, " "))
	}
	if !fr.HasObjects {
		return
	}
	if f.Contains(DumpSections) {
		fmt.Fprintln(w, dumpSep2)
		fmt.Fprintf(w, "objects: root=%d\n", int32(fr.Root))
	}
	if f.Contains(DumpRecords) {
		for i, rec := range fr.Records {
			name := "?"
			if reg != nil {
				if c, ok := reg.ForID(rec.TypeID); ok {
					name = c.Name()
				}
			}
			fmt.Fprintf(w, "objects.%d @%d: type=%d(%s) key=%d size=%d", i+1, rec.Off, rec.TypeID, name, int32(rec.Key), len(rec.Payload))
			if f.Contains(DumpPayloads) {
				p := rec.Payload
				if len(p) > dumpPayloadLimit {
					fmt.Fprintf(w, " %x...", p[:dumpPayloadLimit])
				} else {
					fmt.Fprintf(w, " %x", p)
				}
			}
			fmt.Fprintln(w)
		}
	}
}

// Dump describes the objects a peer tracks, ordered by key.
func (p *Peer) Dump(f DumpFlags) string {
	p.ensureOpen()
	var buf strings.Builder
	if f.Contains(DumpSections) {
		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "peer %s (%s, %d objects, next %d)\n", p.id, p.role, len(p.objects), int32(p.nextID))
	}
	if f.Contains(DumpStats) {
		s := p.Stats()
		fmt.Fprintf(&buf, "stats: marshals = %d, unmarshals = %d, failed = %d, sent = %d, received = %d, frees_sent = %d, frees_received = %d, pending_frees = %d\n",
			s.Marshals, s.Unmarshals, s.FailedUnmarshals, s.RecordsSent, s.RecordsReceived, s.FreesSent, s.FreesReceived, s.PendingFrees)
	}
	if f.Contains(DumpRecords) {
		keys := make([]Key, 0, len(p.objects))
		for k := range p.objects {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			obj := p.objects[k]
			st := p.states[obj]
			fmt.Fprintf(&buf, "%v = %s%s\n", k, p.registry.ForObject(obj).Name(), stateFlags(st))
		}
	}
	return buf.String()
}

func stateFlags(st *keyState) string {
	var buf strings.Builder
	if st.dirty {
		buf.WriteString(" dirty")
	}
	if st.durable {
		buf.WriteString(" durable")
	}
	if st.known {
		buf.WriteString(" known")
	}
	if st.pending {
		buf.WriteString(" pending")
	}
	return buf.String()
}

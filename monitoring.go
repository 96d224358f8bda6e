package tap

import (
	"sync/atomic"
)

type peerCounters struct {
	objects      atomic.Int64
	pendingFrees atomic.Int64

	marshals         atomic.Int64
	unmarshals       atomic.Int64
	failedUnmarshals atomic.Int64

	recordsSent     atomic.Int64
	recordsReceived atomic.Int64
	freesSent       atomic.Int64
	freesReceived   atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
}

// PeerStats is a snapshot of a peer's counters. Stats can be called from any
// goroutine.
type PeerStats struct {
	Objects      int
	PendingFrees int

	Marshals         int64
	Unmarshals       int64
	FailedUnmarshals int64

	RecordsSent     int64
	RecordsReceived int64
	FreesSent       int64
	FreesReceived   int64
	BytesSent       int64
	BytesReceived   int64
}

func (p *Peer) Stats() PeerStats {
	c := &p.stats
	return PeerStats{
		Objects:          int(c.objects.Load()),
		PendingFrees:     int(c.pendingFrees.Load()),
		Marshals:         c.marshals.Load(),
		Unmarshals:       c.unmarshals.Load(),
		FailedUnmarshals: c.failedUnmarshals.Load(),
		RecordsSent:      c.recordsSent.Load(),
		RecordsReceived:  c.recordsReceived.Load(),
		FreesSent:        c.freesSent.Load(),
		FreesReceived:    c.freesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
	}
}

// TotalRecords is the number of records that crossed the wire either way.
func (s *PeerStats) TotalRecords() int64 {
	return s.RecordsSent + s.RecordsReceived
}

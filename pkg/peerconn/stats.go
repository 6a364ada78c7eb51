package peerconn

import (
	"sync/atomic"
	"time"
)

// Stats holds per-connection byte/message counters. Spec splits every frame
// into three accounting buckets: overhead (framing), control (non-piece
// payload), and payload (piece block bytes) — the flood detector only trips
// when control noise outweighs real payload.
type Stats struct {
	Overhead atomic.Int64
	Control  atomic.Int64
	Payload  atomic.Int64

	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64

	// Uploaded and Downloaded count piece-block payload bytes only, split
	// by direction, so the rate loop can compute upload/download
	// throughput independently of the combined flood-accounting totals.
	Uploaded   atomic.Uint64
	Downloaded atomic.Uint64

	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Transmitted is the total byte count this connection has accounted for in
// either direction: overhead + control + payload.
func (s *Stats) Transmitted() int64 {
	return s.Overhead.Load() + s.Control.Load() + s.Payload.Load()
}

// Snapshot is an immutable copy of Stats suitable for passing to a
// FloodDetector or exposing to callers without further locking.
type Snapshot struct {
	Overhead, Control, Payload, Transmitted int64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Overhead:    s.Overhead.Load(),
		Control:     s.Control.Load(),
		Payload:     s.Payload.Load(),
		Transmitted: s.Transmitted(),
	}
}

// record folds one frame's byte breakdown into the running totals. sent
// reports the frame's direction so payload bytes also land in the
// per-direction upload/download counters used by the rate loop.
func (s *Stats) record(overhead, control, payload int, sent bool) {
	s.Overhead.Add(int64(overhead))
	s.Control.Add(int64(control))
	s.Payload.Add(int64(payload))

	if payload == 0 {
		return
	}
	if sent {
		s.Uploaded.Add(uint64(payload))
	} else {
		s.Downloaded.Add(uint64(payload))
	}
}

// FloodDetector decides whether a connection's accumulated stats indicate
// abuse. Supplied as a value at connection construction (spec §9 "dynamic
// dispatch") so callers can swap in a stricter or looser policy without
// touching Conn.
type FloodDetector interface {
	IsFlooded(s Snapshot, factor float64, threshold int64) bool
}

// DefaultFloodDetector implements spec §4.3's predicate: a connection is
// flooded once it has moved more than threshold bytes in total AND its
// framing+control overhead exceeds factor times its actual payload — i.e.
// the peer is spending our bandwidth on protocol noise rather than data.
type DefaultFloodDetector struct{}

func (DefaultFloodDetector) IsFlooded(s Snapshot, factor float64, threshold int64) bool {
	if s.Transmitted <= threshold {
		return false
	}
	return factor*float64(s.Overhead+s.Control) > float64(s.Payload)
}

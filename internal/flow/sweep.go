package flow

import (
	"hash/fnv"
	"sync"
	"time"
)

// Sweep detection constants.
const (
	// sweepWindow is how far back a tick on another exchange marks a sweep.
	sweepWindow = 500 * time.Millisecond
	// ringCap bounds the per-contract exchange ring.
	ringCap = 10
	// ringShards spreads contract rings across locks to avoid contention
	// between the WS and backfill enrichment paths.
	ringShards = 16
)

type exchangeTick struct {
	exchange int
	at       time.Time
}

type ringShard struct {
	mu    sync.Mutex
	rings map[string][]exchangeTick
}

// sweepDetector keeps a short ring of (exchange, event-time) per contract
// and flags prints that hit multiple exchanges within the sweep window.
type sweepDetector struct {
	shards [ringShards]*ringShard
}

func newSweepDetector() *sweepDetector {
	d := &sweepDetector{}
	for i := range d.shards {
		d.shards[i] = &ringShard{rings: make(map[string][]exchangeTick)}
	}
	return d
}

func (d *sweepDetector) shardFor(contractID string) *ringShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contractID))
	return d.shards[h.Sum32()%ringShards]
}

// observe records a tick and reports whether any prior tick on a
// different exchange landed within the sweep window.
func (d *sweepDetector) observe(contractID string, exchange int, at time.Time) bool {
	shard := d.shardFor(contractID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ring := shard.rings[contractID]
	isSweep := false
	for _, tick := range ring {
		if tick.exchange != exchange && at.Sub(tick.at) >= 0 && at.Sub(tick.at) <= sweepWindow {
			isSweep = true
			break
		}
	}

	ring = append(ring, exchangeTick{exchange: exchange, at: at})
	if len(ring) > ringCap {
		ring = ring[len(ring)-ringCap:]
	}
	shard.rings[contractID] = ring

	return isSweep
}

// ClassifyTradeType applies the execution-style tests in order: the
// block print test, the multi-exchange sweep test (when exchange and
// event time are known), then the size/premium fallback heuristics.
func (d *sweepDetector) ClassifyTradeType(contractID string, exchange int, at time.Time, size, premium float64) TradeType {
	if size >= 100 && premium >= 50_000 {
		return Block
	}

	if exchange > 0 && !at.IsZero() {
		if d.observe(contractID, exchange, at) {
			return Sweep
		}
	} else {
		// No exchange attribution: fall back to shape heuristics.
		switch {
		case size >= 50 && premium >= 25_000 && (size >= 100 || premium >= 50_000):
			return Sweep
		case size >= 200 || premium >= 100_000:
			return Block
		case size >= 25 && premium >= 10_000:
			return Sweep
		}
	}

	return Split
}

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTradeTypeBlockFirst(t *testing.T) {
	d := newSweepDetector()
	at := time.Now()

	// size >= 100 and premium >= $50K is a Block before any ring logic.
	got := d.ClassifyTradeType("O:SPY251219C00650000", 4, at, 150, 75_000)
	assert.Equal(t, Block, got)
}

func TestMultiExchangeSweep(t *testing.T) {
	d := newSweepDetector()
	base := time.Now()
	const contract = "O:SPY251219C00650000"

	// First print on exchange A: nothing prior, Split.
	first := d.ClassifyTradeType(contract, 1, base, 30, 12_000)
	assert.Equal(t, Split, first)

	// Second print 300ms later on exchange B: Sweep.
	second := d.ClassifyTradeType(contract, 2, base.Add(300*time.Millisecond), 30, 12_000)
	assert.Equal(t, Sweep, second)
}

func TestSameExchangeIsNotSweep(t *testing.T) {
	d := newSweepDetector()
	base := time.Now()
	const contract = "O:AAPL260116P00180000"

	d.ClassifyTradeType(contract, 3, base, 30, 12_000)
	got := d.ClassifyTradeType(contract, 3, base.Add(200*time.Millisecond), 30, 12_000)
	assert.Equal(t, Split, got)
}

func TestSweepWindowExpires(t *testing.T) {
	d := newSweepDetector()
	base := time.Now()
	const contract = "O:QQQ251121P00447500"

	d.ClassifyTradeType(contract, 1, base, 30, 12_000)
	got := d.ClassifyTradeType(contract, 2, base.Add(600*time.Millisecond), 30, 12_000)
	assert.Equal(t, Split, got, "ticks beyond 500ms apart are unrelated")
}

func TestSweepRingsAreContractScoped(t *testing.T) {
	d := newSweepDetector()
	base := time.Now()

	d.ClassifyTradeType("O:SPY251219C00650000", 1, base, 30, 12_000)
	got := d.ClassifyTradeType("O:SPY251219C00655000", 2, base.Add(100*time.Millisecond), 30, 12_000)
	assert.Equal(t, Split, got, "different contracts never sweep each other")
}

func TestRingTrimsToCap(t *testing.T) {
	d := newSweepDetector()
	base := time.Now()
	const contract = "O:TSLA250919C00250000"

	for i := 0; i < 25; i++ {
		d.observe(contract, 1, base.Add(time.Duration(i)*time.Second))
	}
	shard := d.shardFor(contract)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	assert.LessOrEqual(t, len(shard.rings[contract]), ringCap)
}

func TestFallbackHeuristicsWithoutExchange(t *testing.T) {
	d := newSweepDetector()

	tests := []struct {
		name    string
		size    float64
		premium float64
		want    TradeType
	}{
		{"mid-size aggressive premium sweep", 60, 55_000, Sweep},
		{"large print block", 220, 20_000, Block},
		{"premium block", 40, 120_000, Block},
		{"small sweep", 30, 12_000, Sweep},
		{"tiny split", 5, 2_000, Split},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.ClassifyTradeType("O:IWM251017P00215000", 0, time.Time{}, tt.size, tt.premium)
			assert.Equal(t, tt.want, got)
		})
	}
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
}

func TestDedupKey(t *testing.T) {
	at := time.Date(2026, 3, 5, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, "BTCUSDT:2026-03-05", DedupKey("BTCUSDT", at))

	sig := Signal{Symbol: "ETHUSDT", SignalTime: at}
	assert.Equal(t, "ETHUSDT:2026-03-05", sig.DedupKey())
}

func TestDedupKeyNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2026, 3, 5, 23, 0, 0, 0, loc) // 2026-03-06 04:00 UTC
	assert.Equal(t, "BTCUSDT:2026-03-06", DedupKey("BTCUSDT", at))
}

func TestTrackedPositionAlgoPresence(t *testing.T) {
	pos := &TrackedPosition{}
	assert.False(t, pos.HasTPAlgo())
	assert.False(t, pos.HasSLAlgo())

	pos.TPAlgoID = 42
	pos.SLAlgoID = 7
	assert.True(t, pos.HasTPAlgo())
	assert.True(t, pos.HasSLAlgo())
}

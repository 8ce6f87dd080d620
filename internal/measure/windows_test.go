package measure

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Synthetic probe run checked against hand-computed statistics for each of
// the three windows.
func TestComputeStats_HandComputed(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	s := NewState()

	add := func(seq uint64, delayMS int, age time.Duration) {
		recvAt := now.Add(-age)
		sentMS := recvAt.Add(-time.Duration(delayMS) * time.Millisecond).UnixMilli()
		s.RecordReceivedProbe(ReceivedProbe{
			Seq:      seq,
			SentTSMS: uint64(sentMS),
			RecvAt:   recvAt,
			Size:     100,
		})
	}

	// Arrival order matters for the reorder rate.
	add(0, 10, 30*time.Second)
	add(5, 20, 5*time.Second)
	add(6, 30, 4*time.Second)
	add(8, 25, 500*time.Millisecond)
	add(7, 15, 400*time.Millisecond)

	stats := computeStats("conn-1", s, now)
	require.Equal(t, "conn-1", stats.ConnID)

	w1 := stats.C2S.W1s
	require.InDelta(t, 20.0, w1.DelayAvgMS, 1e-9)
	require.InDelta(t, 5.0, w1.JitterMS, 1e-9)
	require.InDelta(t, 0.0, w1.LossRate, 1e-9)
	require.InDelta(t, 0.5, w1.ReorderRate, 1e-9) // 7 after 8
	require.InDelta(t, 200.0, w1.ThroughputBPS, 1e-9)

	w10 := stats.C2S.W10s
	require.InDelta(t, 22.5, w10.DelayAvgMS, 1e-9)
	require.InDelta(t, math.Sqrt(31.25), w10.JitterMS, 1e-9)
	require.InDelta(t, 0.0, w10.LossRate, 1e-9) // seqs 5..8 all present
	require.InDelta(t, 0.25, w10.ReorderRate, 1e-9)
	require.InDelta(t, 40.0, w10.ThroughputBPS, 1e-9)

	w60 := stats.C2S.W60s
	require.InDelta(t, 20.0, w60.DelayAvgMS, 1e-9)
	require.InDelta(t, math.Sqrt(50.0), w60.JitterMS, 1e-9)
	require.InDelta(t, 4.0/9.0, w60.LossRate, 1e-9) // seqs 0..8 expected, 5 seen
	require.InDelta(t, 0.2, w60.ReorderRate, 1e-9)
	require.InDelta(t, 500.0/60.0, w60.ThroughputBPS, 1e-9)
}

func TestComputeStats_EmptyWindows(t *testing.T) {
	t.Parallel()

	stats := computeStats("conn-1", NewState(), time.Now())
	require.Zero(t, stats.C2S.W1s.DelayAvgMS)
	require.Zero(t, stats.C2S.W1s.LossRate)
	require.Zero(t, stats.S2C.W60s.ThroughputBPS)
}

func TestComputeStats_EchoedProbesFeedS2C(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewState()
	for i := range uint64(4) {
		sentAt := now.Add(-time.Duration(200+i) * time.Millisecond)
		s.RecordEchoedProbe(EchoedProbe{
			Seq:      i,
			SentAt:   sentAt,
			EchoedAt: sentAt.Add(40 * time.Millisecond),
			Size:     100,
		})
	}

	stats := computeStats("conn-1", s, now)
	require.InDelta(t, 40.0, stats.S2C.W1s.DelayAvgMS, 1e-6)
	require.InDelta(t, 0.0, stats.S2C.W1s.JitterMS, 1e-6)
	require.InDelta(t, 0.0, stats.S2C.W1s.LossRate, 1e-9)
}

func TestComputeStats_BulkCountsTowardC2SThroughput(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewState()
	s.RecordReceivedBulk(ReceivedBulk{RecvAt: now.Add(-100 * time.Millisecond), Size: 2048})
	s.RecordReceivedBulk(ReceivedBulk{RecvAt: now.Add(-50 * time.Millisecond), Size: 2048})

	stats := computeStats("conn-1", s, now)
	require.InDelta(t, 4096.0, stats.C2S.W1s.ThroughputBPS, 1e-9)
	require.Zero(t, stats.S2C.W1s.ThroughputBPS)
}

func TestComputeStats_LossClamped(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewState()
	// Duplicate sequence numbers make received > expected; loss clamps at 0.
	for range 3 {
		s.RecordReceivedProbe(ReceivedProbe{Seq: 9, SentTSMS: uint64(now.UnixMilli()), RecvAt: now, Size: 10})
	}
	stats := computeStats("conn-1", s, now)
	require.Zero(t, stats.C2S.W1s.LossRate)
}

package measure

import (
	"math"
	"time"

	"github.com/malbeclabs/netpoke/pkg/wire"
)

// The three rolling windows every statistic is computed over.
var statWindows = []time.Duration{time.Second, 10 * time.Second, 60 * time.Second}

// probeSample is one delay observation inside a window, in arrival order.
type probeSample struct {
	seq     uint64
	delayMS float64
	size    int
}

// computeWindow derives one direction's statistics over samples that arrived
// within window of now, plus bulk bytes received in the same span.
func computeWindow(samples []probeSample, bulk []ReceivedBulk, sampleAt []time.Time, bulkAt []time.Time, window time.Duration, now time.Time) wire.WindowStats {
	cutoff := now.Add(-window)

	var inWindow []probeSample
	for i, s := range samples {
		if sampleAt[i].After(cutoff) {
			inWindow = append(inWindow, s)
		}
	}

	var stats wire.WindowStats
	bytes := 0
	for _, s := range inWindow {
		bytes += s.size
	}
	for i, b := range bulk {
		if bulkAt[i].After(cutoff) {
			bytes += b.Size
		}
	}
	stats.ThroughputBPS = float64(bytes) / window.Seconds()

	if len(inWindow) == 0 {
		return stats
	}

	// Delay mean and population standard deviation (jitter), numerically
	// safe against tiny negative variances.
	var sum, sumSq float64
	for _, s := range inWindow {
		sum += s.delayMS
		sumSq += s.delayMS * s.delayMS
	}
	n := float64(len(inWindow))
	mean := sum / n
	variance := (sumSq / n) - mean*mean
	if variance < 0 && variance > -1e-9 {
		variance = 0
	}
	stats.DelayAvgMS = mean
	stats.JitterMS = math.Sqrt(variance)

	// Loss: expected sequence span vs entries observed, clamped to [0,1].
	minSeq, maxSeq := inWindow[0].seq, inWindow[0].seq
	for _, s := range inWindow[1:] {
		if s.seq < minSeq {
			minSeq = s.seq
		}
		if s.seq > maxSeq {
			maxSeq = s.seq
		}
	}
	expected := float64(maxSeq - minSeq + 1)
	loss := 1 - float64(len(inWindow))/expected
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}
	stats.LossRate = loss

	// Reordering: entries arriving with a sequence lower than their
	// predecessor's, over the window population.
	reordered := 0
	for i := 1; i < len(inWindow); i++ {
		if inWindow[i].seq < inWindow[i-1].seq {
			reordered++
		}
	}
	stats.ReorderRate = float64(reordered) / n

	return stats
}

// computeDirection fills all three windows for one direction.
func computeDirection(samples []probeSample, bulk []ReceivedBulk, sampleAt []time.Time, bulkAt []time.Time, now time.Time) wire.DirectionStats {
	return wire.DirectionStats{
		W1s:  computeWindow(samples, bulk, sampleAt, bulkAt, statWindows[0], now),
		W10s: computeWindow(samples, bulk, sampleAt, bulkAt, statWindows[1], now),
		W60s: computeWindow(samples, bulk, sampleAt, bulkAt, statWindows[2], now),
	}
}

// computeStats produces the full ProbeStats report from the session state.
//
// C2S is measured from client probes received here, using the client's send
// timestamp against our receive clock. S2C is measured from our probes the
// client echoed back; the delay observed is the echo round trip. Bulk bytes
// arriving here count toward C2S throughput.
func computeStats(connID string, state *State, now time.Time) wire.ProbeStats {
	received := state.snapshotReceived()
	echoed := state.snapshotEchoed()
	bulk := state.snapshotBulk()

	c2s := make([]probeSample, len(received))
	c2sAt := make([]time.Time, len(received))
	for i, r := range received {
		sentAt := time.UnixMilli(int64(r.SentTSMS))
		c2s[i] = probeSample{
			seq:     r.Seq,
			delayMS: float64(r.RecvAt.Sub(sentAt)) / float64(time.Millisecond),
			size:    r.Size,
		}
		c2sAt[i] = r.RecvAt
	}

	s2c := make([]probeSample, len(echoed))
	s2cAt := make([]time.Time, len(echoed))
	for i, e := range echoed {
		s2c[i] = probeSample{
			seq:     e.Seq,
			delayMS: float64(e.EchoedAt.Sub(e.SentAt)) / float64(time.Millisecond),
			size:    e.Size,
		}
		s2cAt[i] = e.EchoedAt
	}

	bulkAt := make([]time.Time, len(bulk))
	for i, b := range bulk {
		bulkAt[i] = b.RecvAt
	}

	return wire.ProbeStats{
		ConnID:      connID,
		TimestampMS: uint64(now.UnixMilli()),
		C2S:         computeDirection(c2s, bulk, c2sAt, bulkAt, now),
		S2C:         computeDirection(s2c, nil, s2cAt, nil, now),
	}
}

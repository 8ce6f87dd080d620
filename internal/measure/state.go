// Package measure drives per-session measurements: probe, bulk and testprobe
// emission, receive-side accounting, rolling-window statistics, and the
// traceroute and path-MTU state machines.
package measure

import (
	"sync"
	"time"
)

// historyWindow bounds every event FIFO; nothing older than this contributes
// to any statistic.
const historyWindow = 60 * time.Second

// SentProbe is one emitted probe or testprobe.
type SentProbe struct {
	Seq    uint64
	SentAt time.Time
}

// ReceivedProbe is one probe that arrived, with the peer's send timestamp.
type ReceivedProbe struct {
	Seq      uint64
	SentTSMS uint64
	RecvAt   time.Time
	Size     int
}

// EchoedProbe is one of our probes the peer reflected back.
type EchoedProbe struct {
	Seq      uint64
	SentAt   time.Time
	EchoedAt time.Time
	Size     int
}

// ReceivedBulk is one bulk payload that arrived.
type ReceivedBulk struct {
	RecvAt time.Time
	Size   int
}

// State is the per-session measurement state. It is owned by the session's
// scheduler; the read/write lock covers the dashboard snapshotter and the
// receive callbacks that run on the I/O path.
type State struct {
	mu sync.RWMutex

	probeSeq     uint64
	testprobeSeq uint64

	bulkBytesSent uint64

	sentProbes       []SentProbe
	sentTestprobes   []SentProbe
	echoedProbes     []EchoedProbe
	echoedTestprobes []EchoedProbe
	receivedProbes   []ReceivedProbe
	receivedBulk     []ReceivedBulk
}

func NewState() *State { return &State{} }

// NextProbeSeq returns the next probe sequence number. The counter is
// monotonic for the session lifetime and never reset.
func (s *State) NextProbeSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.probeSeq
	s.probeSeq++
	return seq
}

// NextTestprobeSeq returns the next testprobe sequence number.
func (s *State) NextTestprobeSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.testprobeSeq
	s.testprobeSeq++
	return seq
}

// ResetTestprobeSeq zeroes the testprobe counter. Called when the client
// echoes a testprobe back: the path to the destination is clear and the
// traceroute cycle restarts.
func (s *State) ResetTestprobeSeq() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testprobeSeq = 0
}

// TestprobeSeq reads the current testprobe counter.
func (s *State) TestprobeSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.testprobeSeq
}

// ProbeSeq reads the current probe counter.
func (s *State) ProbeSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.probeSeq
}

// BulkBytesSent reads the bulk emission total.
func (s *State) BulkBytesSent() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bulkBytesSent
}

func (s *State) RecordSentProbe(p SentProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentProbes = appendPruned(s.sentProbes, p, p.SentAt, func(e SentProbe) time.Time { return e.SentAt })
}

func (s *State) RecordSentTestprobe(p SentProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentTestprobes = appendPruned(s.sentTestprobes, p, p.SentAt, func(e SentProbe) time.Time { return e.SentAt })
}

func (s *State) RecordEchoedProbe(p EchoedProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoedProbes = appendPruned(s.echoedProbes, p, p.EchoedAt, func(e EchoedProbe) time.Time { return e.EchoedAt })
}

func (s *State) RecordEchoedTestprobe(p EchoedProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoedTestprobes = appendPruned(s.echoedTestprobes, p, p.EchoedAt, func(e EchoedProbe) time.Time { return e.EchoedAt })
}

func (s *State) RecordReceivedProbe(p ReceivedProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivedProbes = appendPruned(s.receivedProbes, p, p.RecvAt, func(e ReceivedProbe) time.Time { return e.RecvAt })
}

func (s *State) RecordReceivedBulk(p ReceivedBulk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivedBulk = appendPruned(s.receivedBulk, p, p.RecvAt, func(e ReceivedBulk) time.Time { return e.RecvAt })
}

func (s *State) AddBulkBytesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkBytesSent += uint64(n)
}

// SentProbeAt returns the send record for seq, for echo correlation.
func (s *State) SentProbeAt(seq uint64) (SentProbe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.sentProbes) - 1; i >= 0; i-- {
		if s.sentProbes[i].Seq == seq {
			return s.sentProbes[i], true
		}
	}
	return SentProbe{}, false
}

// SentTestprobeAt returns the send record for a testprobe seq.
func (s *State) SentTestprobeAt(seq uint64) (SentProbe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.sentTestprobes) - 1; i >= 0; i-- {
		if s.sentTestprobes[i].Seq == seq {
			return s.sentTestprobes[i], true
		}
	}
	return SentProbe{}, false
}

// snapshotReceived copies the received-probe FIFO for stats computation.
func (s *State) snapshotReceived() []ReceivedProbe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReceivedProbe(nil), s.receivedProbes...)
}

// snapshotEchoed copies the echoed-probe FIFO for stats computation.
func (s *State) snapshotEchoed() []EchoedProbe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EchoedProbe(nil), s.echoedProbes...)
}

// snapshotBulk copies the bulk-receive FIFO for stats computation.
func (s *State) snapshotBulk() []ReceivedBulk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReceivedBulk(nil), s.receivedBulk...)
}

// appendPruned appends e and drops entries older than the history window.
// Every append pays the prune, so the FIFOs stay bounded without a janitor.
func appendPruned[T any](list []T, e T, now time.Time, at func(T) time.Time) []T {
	cutoff := now.Add(-historyWindow)
	start := 0
	for start < len(list) && !at(list[start]).After(cutoff) {
		start++
	}
	return append(list[start:], e)
}

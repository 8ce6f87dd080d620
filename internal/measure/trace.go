package measure

import (
	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// Defaults for the active path diagnostics.
const (
	defaultMaxTTL        = 30
	defaultMTUHopLimit   = 64
	defaultTestprobeSize = 296
)

// defaultMTUSweep is the payload-size ladder for path-MTU discovery: the
// IPv4 minimum-reassembly size, two common tunnel sizes, typical PPPoE, the
// largest unfragmented-over-1500 payload, and full Ethernet.
var defaultMTUSweep = []int{576, 1024, 1200, 1400, 1472, 1500}

type traceMode uint8

const (
	traceIdle traceMode = iota
	traceTTL
	traceMTU
)

// traceState is the per-session diagnostic state machine: Idle until a start
// command, then one probe per scheduler tick with either the TTL or the
// payload size advancing, back to Idle on stop.
type traceState struct {
	mode traceMode

	ttl    int
	maxTTL int

	sweep       []int
	sweepIdx    int
	mtuHopLimit int
}

func (t *traceState) startTTL(maxTTL int) {
	if maxTTL <= 0 {
		maxTTL = defaultMaxTTL
	}
	t.mode = traceTTL
	t.ttl = 1
	t.maxTTL = maxTTL
}

func (t *traceState) startMTU(sweep []int, hopLimit int) {
	if len(sweep) == 0 {
		sweep = defaultMTUSweep
	}
	if hopLimit <= 0 {
		hopLimit = defaultMTUHopLimit
	}
	t.mode = traceMTU
	t.sweep = sweep
	t.sweepIdx = 0
	t.mtuHopLimit = hopLimit
}

func (t *traceState) stop() {
	t.mode = traceIdle
}

// next returns the options and target wire size for the current tick and
// advances the machine. wrapped reports that a full cycle just completed
// (max TTL reached or sweep exhausted).
func (t *traceState) next(defaultSize int) (opts udpx.Options, targetSize int, wrapped bool) {
	switch t.mode {
	case traceTTL:
		opts = udpx.Options{TTL: uint8(t.ttl), DF: true}
		targetSize = defaultSize
		t.ttl++
		if t.ttl > t.maxTTL {
			t.ttl = 1
			wrapped = true
		}
	case traceMTU:
		opts = udpx.Options{TTL: uint8(t.mtuHopLimit), DF: true}
		targetSize = t.sweep[t.sweepIdx]
		t.sweepIdx++
		if t.sweepIdx >= len(t.sweep) {
			t.sweepIdx = 0
			wrapped = true
		}
	}
	return opts, targetSize, wrapped
}

// onEcho handles the destination answering: the path is clear, restart the
// TTL cycle from the first hop.
func (t *traceState) onEcho() {
	if t.mode == traceTTL {
		t.ttl = 1
	}
}

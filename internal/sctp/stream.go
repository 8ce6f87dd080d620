package sctp

import (
	"sync"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// StreamConfig sets a stream's delivery semantics.
type StreamConfig struct {
	// Unordered delivers complete messages as they arrive instead of in
	// stream-sequence order.
	Unordered bool

	// MaxRetransmits bounds retransmission attempts per chunk: -1 is fully
	// reliable, 0 abandons a chunk on its first loss.
	MaxRetransmits int
}

// Stream is one SCTP stream of the association. Writes fragment into chunks
// that all carry the message's send options.
type Stream struct {
	assoc *Association
	id    uint16
	cfg   StreamConfig

	nextSeq uint16 // outbound stream sequence, ordered streams only

	mu        sync.RWMutex
	onMessage func([]byte)
}

// ID returns the SCTP stream identifier.
func (s *Stream) ID() uint16 { return s.id }

// Config returns the stream's delivery semantics.
func (s *Stream) Config() StreamConfig { return s.cfg }

// Send writes one message with kernel-default IP options.
func (s *Stream) Send(b []byte) error {
	return s.assoc.send(s, b, udpx.Options{})
}

// SendWithOptions writes one message whose every fragment, and therefore
// every packet carrying it, goes out with opts attached.
func (s *Stream) SendWithOptions(b []byte, opts udpx.Options) error {
	return s.assoc.send(s, b, opts)
}

// OnMessage registers the receive callback. The callback runs on the
// association's receive path and must not block.
func (s *Stream) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

func (s *Stream) deliver(b []byte) {
	s.mu.RLock()
	fn := s.onMessage
	s.mu.RUnlock()
	if fn != nil {
		fn(b)
	}
}

package dtlsx

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// PacketSender is the UDP transport surface the adaptor writes to.
// *udpx.Conn satisfies it.
type PacketSender interface {
	Send(b []byte) (int, error)
	SendWithOptions(b []byte, opts udpx.Options) (int, error)
}

// AdaptorConfig configures a record adaptor for one session.
type AdaptorConfig struct {
	Logger       *slog.Logger
	Sender       PacketSender // required
	MasterSecret []byte       // required: session secret from signalling
	SessionID    string       // required: binds the key schedule to the session
	Role         Role
}

func (cfg *AdaptorConfig) Validate() error {
	if cfg.Sender == nil {
		return fmt.Errorf("sender is required")
	}
	if len(cfg.MasterSecret) == 0 {
		return fmt.Errorf("master secret is required")
	}
	if cfg.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}

// Adaptor seals each outbound SCTP packet into exactly one protected record
// and forwards it as one UDP datagram. It never touches send options: the
// caller's options are applied after sealing, by the UDP layer.
type Adaptor struct {
	log    *slog.Logger
	sender PacketSender

	write keySchedule
	read  keySchedule

	mu       sync.Mutex
	epoch    uint16
	seq      uint64 // next send sequence, 48-bit space
	recvHigh uint64 // highest authenticated receive sequence
	recvMask uint64 // sliding replay window below recvHigh
	recvAny  bool
}

func NewAdaptor(cfg AdaptorConfig) (*Adaptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientKS, serverKS, err := deriveKeys(cfg.MasterSecret, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	a := &Adaptor{
		log:    cfg.Logger,
		sender: cfg.Sender,
		epoch:  1, // epoch 0 is the unprotected handshake, never used here
	}
	if cfg.Role == RoleClient {
		a.write, a.read = clientKS, serverKS
	} else {
		a.write, a.read = serverKS, clientKS
	}
	return a, nil
}

// Send seals p and forwards it on the plain UDP path.
func (a *Adaptor) Send(p []byte) (int, error) {
	rec, err := a.sealNext(p)
	if err != nil {
		return 0, err
	}
	return a.sender.Send(rec)
}

// SendWithOptions seals p and forwards it with opts attached. Encryption
// happens first; the options ride alongside the ciphertext unmodified.
func (a *Adaptor) SendWithOptions(p []byte, opts udpx.Options) (int, error) {
	rec, err := a.sealNext(p)
	if err != nil {
		return 0, err
	}
	return a.sender.SendWithOptions(rec, opts)
}

func (a *Adaptor) sealNext(p []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seq > maxSeq {
		return nil, ErrSequenceExhausted
	}
	rec := a.write.seal(a.epoch, a.seq, p)
	a.seq++
	return rec, nil
}

// replayWindowSize is the number of out-of-order sequence numbers accepted
// below the highest seen.
const replayWindowSize = 64

// Open authenticates an inbound datagram and returns the SCTP packet it
// carries. Replayed and stale records are rejected before decryption state is
// advanced.
func (a *Adaptor) Open(rec []byte) ([]byte, error) {
	_, seq, plain, err := a.read.open(rec)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.recvAny {
		a.recvAny = true
		a.recvHigh = seq
		return plain, nil
	}
	switch {
	case seq > a.recvHigh:
		shift := seq - a.recvHigh
		if shift > replayWindowSize {
			a.recvMask = 0
		} else {
			// Slide the window up; the old high lands shift-1 bits down.
			a.recvMask = a.recvMask<<shift | 1<<(shift-1)
		}
		a.recvHigh = seq
	case seq == a.recvHigh:
		return nil, ErrReplay
	case a.recvHigh-seq > replayWindowSize:
		return nil, ErrReplay
	default:
		bit := uint64(1) << (a.recvHigh - seq - 1)
		if a.recvMask&bit != 0 {
			return nil, ErrReplay
		}
		a.recvMask |= bit
	}
	return plain, nil
}

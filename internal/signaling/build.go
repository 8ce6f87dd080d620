package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/stun/v3"

	"github.com/malbeclabs/netpoke/internal/datachannel"
	"github.com/malbeclabs/netpoke/internal/dtlsx"
	"github.com/malbeclabs/netpoke/internal/measure"
	"github.com/malbeclabs/netpoke/internal/sctp"
	"github.com/malbeclabs/netpoke/internal/session"
	"github.com/malbeclabs/netpoke/internal/tracker"
	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// SessionOptions tunes the per-session measurement stack.
type SessionOptions struct {
	ProbeInterval     time.Duration
	BulkInterval      time.Duration
	TestprobeInterval time.Duration
	StatsInterval     time.Duration
	MaxTTL            int
	MTUSweep          []int

	// Bind is the local address sessions listen on ("0.0.0.0" or "::").
	// A "::" socket is dual-stack and serves v4 clients via mapped
	// addresses.
	Bind string
}

type buildConfig struct {
	ID           string
	ParentID     string
	Registry     *session.Registry
	Clock        clockwork.Clock
	MasterSecret []byte
	VTag         uint32
	Options      SessionOptions
}

// buildSession assembles the full transport stack for one session: UDP
// socket, tracker, record adaptor, SCTP association, channels and the
// measurement engine — and starts its task tree. Returns the local UDP port
// for the answer candidate.
func buildSession(log *slog.Logger, cfg buildConfig) (*session.Session, int, error) {
	bind := cfg.Options.Bind
	if bind == "" {
		bind = "::"
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bind)})
	if err != nil {
		return nil, 0, fmt.Errorf("listen UDP: %w", err)
	}

	tr, err := tracker.NewTracker(tracker.TrackerConfig{
		Logger: log,
		ConnID: cfg.ID,
		Clock:  cfg.Clock,
	})
	if err != nil {
		udpConn.Close()
		return nil, 0, err
	}

	conn, err := udpx.NewConn(udpx.ConnConfig{
		Logger: log,
		Conn:   udpConn,
		Track:  tr.Track,
		Clock:  cfg.Clock,
	})
	if err != nil {
		udpConn.Close()
		return nil, 0, err
	}

	sess := &session.Session{
		ID:        cfg.ID,
		ParentID:  cfg.ParentID,
		Conn:      conn,
		Tracker:   tr,
		CreatedAt: cfg.Clock.Now(),
	}
	sess.Touch(cfg.Clock.Now())

	// The adaptor writes to the sender of the last answered STUN binding
	// request; sends before the first one have nowhere to go and fail, which is
	// correct for a server that only answers.
	peerSender := &latchedSender{conn: conn}

	adaptor, err := dtlsx.NewAdaptor(dtlsx.AdaptorConfig{
		Logger:       log,
		Sender:       peerSender,
		MasterSecret: cfg.MasterSecret,
		SessionID:    cfg.ID,
		Role:         dtlsx.RoleServer,
	})
	if err != nil {
		udpConn.Close()
		return nil, 0, err
	}
	sess.Adaptor = adaptor

	// The engine classifies datagram-level send errors, but it is built
	// after the association it observes; bind through a late-set reference.
	var engineRef *measure.Engine
	assoc, err := sctp.NewAssociation(sctp.Config{
		Logger:          log,
		Sender:          adaptor,
		Clock:           cfg.Clock,
		VerificationTag: cfg.VTag,
		OnError: func(err error) {
			if log != nil {
				log.Warn("association failed, removing session", "client_id", cfg.ID, "error", err)
			}
			cfg.Registry.Remove(cfg.ID)
		},
		OnSendError: func(err error) {
			if engineRef != nil {
				engineRef.NoteSendError(err)
			}
		},
	})
	if err != nil {
		udpConn.Close()
		return nil, 0, err
	}
	sess.Assoc = assoc
	sess.Channels = datachannel.OpenSet(assoc)

	engine, err := measure.NewEngine(measure.Config{
		Logger:            log,
		Clock:             cfg.Clock,
		ConnID:            cfg.ID,
		Channels:          sess.Channels,
		Tracker:           tr,
		ProbeInterval:     cfg.Options.ProbeInterval,
		BulkInterval:      cfg.Options.BulkInterval,
		TestprobeInterval: cfg.Options.TestprobeInterval,
		StatsInterval:     cfg.Options.StatsInterval,
		MaxTTL:            cfg.Options.MaxTTL,
		MTUSweep:          cfg.Options.MTUSweep,
		OnFatal: func(err error) {
			if log != nil {
				log.Warn("session fatal error", "client_id", cfg.ID, "error", err)
			}
			cfg.Registry.Remove(cfg.ID)
		},
	})
	if err != nil {
		udpConn.Close()
		return nil, 0, err
	}
	sess.Engine = engine
	engineRef = engine

	ctx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)

	go func() {
		if err := assoc.Run(ctx); err != nil && log != nil {
			log.Warn("association stopped", "client_id", cfg.ID, "error", err)
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && log != nil {
			log.Warn("engine stopped", "client_id", cfg.ID, "error", err)
		}
	}()
	go runReadLoop(ctx, log, cfg.Clock, sess, cfg.Registry, peerSender)

	port := udpConn.LocalAddr().(*net.UDPAddr).Port
	return sess, port, nil
}

// latchedSender targets the most recent verified peer address. Before any
// peer is known, sends fail cleanly.
type latchedSender struct {
	conn *udpx.Conn

	mu   sync.RWMutex
	addr *net.UDPAddr
}

var errNoPeer = errors.New("no peer address yet")

func (s *latchedSender) latch(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

func (s *latchedSender) target() (*net.UDPAddr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return nil, errNoPeer
	}
	return s.addr, nil
}

func (s *latchedSender) Send(b []byte) (int, error) {
	addr, err := s.target()
	if err != nil {
		return 0, err
	}
	return s.conn.SendTo(b, addr)
}

func (s *latchedSender) SendWithOptions(b []byte, opts udpx.Options) (int, error) {
	addr, err := s.target()
	if err != nil {
		return 0, err
	}
	return s.conn.SendToWithOptions(b, addr, opts)
}

// runReadLoop demultiplexes the session socket: STUN binding requests get an
// ICE-lite response and establish the peer address; everything else is a
// protected record for the association. Every inbound datagram stamps the
// session's activity time, which is what keeps the registry janitor away.
func runReadLoop(ctx context.Context, log *slog.Logger, clock clockwork.Clock, sess *session.Session, registry *session.Registry, peer *latchedSender) {
	go func() {
		<-ctx.Done()
		_ = sess.Conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, addr, err := sess.Conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if log != nil {
				log.Debug("session socket read failed", "client_id", sess.ID, "error", err)
			}
			return
		}

		sess.Touch(clock.Now())

		pkt := buf[:n]
		if stun.IsMessage(pkt) {
			handleBinding(log, sess, registry, peer, addr, pkt)
			continue
		}

		plain, err := sess.Adaptor.Open(pkt)
		if err != nil {
			if log != nil {
				log.Debug("dropping datagram", "client_id", sess.ID, "error", err)
			}
			continue
		}
		if err := sess.Assoc.HandleDatagram(plain); err != nil && log != nil {
			log.Debug("bad SCTP packet", "client_id", sess.ID, "error", err)
		}
	}
}

// handleBinding answers one STUN binding request and latches the sender as
// the session peer.
func handleBinding(log *slog.Logger, sess *session.Session, registry *session.Registry, peer *latchedSender, addr *net.UDPAddr, pkt []byte) {
	msg := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := msg.Decode(); err != nil || msg.Type != stun.BindingRequest {
		return
	}

	resp, err := stun.Build(msg, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: addr.IP, Port: addr.Port},
		stun.Fingerprint,
	)
	if err != nil {
		return
	}
	if _, err := sess.Conn.SendTo(resp.Raw, addr); err != nil {
		if log != nil {
			log.Debug("binding response send failed", "client_id", sess.ID, "error", err)
		}
		return
	}

	// Each answered binding request binds the cleanup index and re-aims the
	// transmit path at its sender.
	peer.latch(addr)
	if ap, ok := peerFromUDPAddr(addr); ok {
		registry.BindPeer(sess.ID, ap)
	}
}

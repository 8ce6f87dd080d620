package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/icmp"

	"github.com/malbeclabs/netpoke/internal/metrics"
)

const (
	listenerReadSlice = 500 * time.Millisecond
	listenerReadBuf   = 1500
)

// Family selects the listener's address family.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// ListenerConfig configures one raw-ICMP listener. Opening the socket
// requires CAP_NET_RAW or root.
type ListenerConfig struct {
	Logger     *slog.Logger
	Family     Family
	Correlator *Correlator // required
	Clock      clockwork.Clock

	// Bind overrides the listen address ("0.0.0.0" / "::" by default).
	Bind string
}

func (cfg *ListenerConfig) Validate() error {
	if cfg.Family != FamilyIPv4 && cfg.Family != FamilyIPv6 {
		return fmt.Errorf("family must be 4 or 6")
	}
	if cfg.Correlator == nil {
		return fmt.Errorf("correlator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Bind == "" {
		if cfg.Family == FamilyIPv4 {
			cfg.Bind = "0.0.0.0"
		} else {
			cfg.Bind = "::"
		}
	}
	return nil
}

// Listener owns one raw ICMP socket and feeds every parseable error return
// into the correlator. Errors on this path never touch data-plane sessions
// directly; they only influence hop correlation and orphan cleanup.
type Listener struct {
	log *slog.Logger
	cfg ListenerConfig
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Listener{log: cfg.Logger, cfg: cfg}, nil
}

func (l *Listener) network() string {
	if l.cfg.Family == FamilyIPv4 {
		return "ip4:icmp"
	}
	return "ip6:ipv6-icmp"
}

// Run reads the raw socket until ctx is done, reopening it with exponential
// backoff after persistent read failures. There is no cancellation for this
// loop other than ctx; the sockets live for the process lifetime.
func (l *Listener) Run(ctx context.Context) error {
	for {
		conn, err := backoff.Retry(ctx, func() (*icmp.PacketConn, error) {
			conn, err := icmp.ListenPacket(l.network(), l.cfg.Bind)
			if err != nil {
				if l.log != nil {
					l.log.Warn("open raw ICMP socket (needs CAP_NET_RAW)", "family", l.cfg.Family, "error", err)
				}
				return nil, err
			}
			return conn, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
		if err != nil {
			return fmt.Errorf("open ICMPv%d listener: %w", l.cfg.Family, err)
		}

		err = l.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		if l.log != nil {
			l.log.Warn("ICMP read loop ended, reopening", "family", l.cfg.Family, "error", err)
		}
	}
}

// readLoop reads in deadline slices so ctx cancellation is observed promptly.
func (l *Listener) readLoop(ctx context.Context, conn *icmp.PacketConn) error {
	buf := make([]byte, listenerReadBuf)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(listenerReadSlice)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		router, ok := routerAddr(peer)
		if !ok {
			continue
		}
		l.handleMessage(router, buf[:n])
	}
}

// handleMessage parses one raw ICMP message and hands probe error returns to
// the correlator. Unparseable messages are counted and dropped; uninteresting
// types (echo replies and the like) are dropped silently.
func (l *Listener) handleMessage(router netip.Addr, b []byte) {
	var (
		e   *ICMPError
		err error
	)
	if l.cfg.Family == FamilyIPv4 {
		e, err = ParseICMPv4(b)
	} else {
		e, err = ParseICMPv6(b)
	}
	if err != nil {
		if !errors.Is(err, ErrICMPIgnored) && !errors.Is(err, ErrICMPNotUDP) {
			metrics.ICMPParseFailures.Inc()
			if l.log != nil {
				l.log.Debug("dropping ICMP message", "router", router.String(), "error", err)
			}
		}
		return
	}
	l.cfg.Correlator.HandleError(router, e)
}

func routerAddr(peer net.Addr) (netip.Addr, bool) {
	ipAddr, ok := peer.(*net.IPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

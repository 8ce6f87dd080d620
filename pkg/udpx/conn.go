package udpx

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
)

// family is the socket's own address family, resolved once via getsockname.
// The cmsg protocol level is chosen by this, never by the destination address:
// a dual-stack IPv6 socket sending to a v4-mapped address still uses
// IPPROTO_IPV6 cmsgs.
type family uint8

const (
	familyIPv4 family = iota + 1
	familyIPv6
)

// trackPrefixLen is how many leading payload bytes are handed to the tracker.
const trackPrefixLen = 8

// TrackFunc is invoked synchronously after every successful sendmsg carrying
// non-default options, with the destination, UDP payload length, the options
// as sent, the first bytes of the payload, and the send timestamp.
type TrackFunc func(dst netip.AddrPort, payloadLen int, opts Options, prefix []byte, sentAt time.Time)

// ConnConfig configures a Conn wrapper around an existing datagram socket.
type ConnConfig struct {
	Logger *slog.Logger
	Conn   *net.UDPConn    // required: bound (and optionally connected) socket
	Track  TrackFunc       // optional: packet-tracker callback
	Clock  clockwork.Clock // optional: defaults to the real clock
}

func (cfg *ConnConfig) Validate() error {
	if cfg.Conn == nil {
		return fmt.Errorf("conn is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Conn wraps a datagram socket with an options-carrying send path.
//
// Send and SendTo behave exactly like the underlying socket and consult no
// hidden state. SendWithOptions and SendToWithOptions are the only code path
// that produces per-packet ancillary data; options always arrive as explicit
// value parameters.
type Conn struct {
	log   *slog.Logger
	udp   *net.UDPConn
	fd    int
	fam   family
	track TrackFunc
	clock clockwork.Clock
}

// NewConn wraps conn. The socket's address family is resolved once here; it
// cannot change for the lifetime of a bound socket.
func NewConn(cfg ConnConfig) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fam, fd, err := sockFamily(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("resolve socket family: %w", err)
	}
	return &Conn{
		log:   cfg.Logger,
		udp:   cfg.Conn,
		fd:    fd,
		fam:   fam,
		track: cfg.Track,
		clock: cfg.Clock,
	}, nil
}

// LocalAddr returns the socket's bound address.
func (c *Conn) LocalAddr() net.Addr { return c.udp.LocalAddr() }

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.udp.Close() }

// ReadFromUDP reads a datagram from the underlying socket.
func (c *Conn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	return c.udp.ReadFromUDP(b)
}

// Send writes b on the connected socket with kernel-default IP options.
func (c *Conn) Send(b []byte) (int, error) {
	return c.udp.Write(b)
}

// SendTo writes b to addr with kernel-default IP options.
func (c *Conn) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return c.udp.WriteToUDP(b, addr)
}

// SendWithOptions writes b on the connected socket, attaching opts as
// ancillary data. A zero opts falls back to the plain path.
func (c *Conn) SendWithOptions(b []byte, opts Options) (int, error) {
	if opts.IsZero() {
		return c.Send(b)
	}
	remote, ok := c.udp.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("socket is not connected")
	}
	n, err := c.sendmsgOptions(b, nil, opts)
	if err != nil {
		return n, err
	}
	c.didSend(remote, b, opts)
	return n, nil
}

// SendToWithOptions writes b to addr, attaching opts as ancillary data.
// A zero opts falls back to the plain path.
func (c *Conn) SendToWithOptions(b []byte, addr *net.UDPAddr, opts Options) (int, error) {
	if opts.IsZero() {
		return c.SendTo(b, addr)
	}
	sa, err := c.sockaddr(addr)
	if err != nil {
		return 0, err
	}
	n, err := c.sendmsgOptions(b, sa, opts)
	if err != nil {
		return n, err
	}
	c.didSend(addr, b, opts)
	return n, nil
}

// didSend reports a successful options-carrying send to the tracker. The
// callback is synchronous so the entry exists before any ICMP error for this
// packet can be observed.
func (c *Conn) didSend(addr *net.UDPAddr, b []byte, opts Options) {
	if c.track == nil {
		return
	}
	prefix := b
	if len(prefix) > trackPrefixLen {
		prefix = prefix[:trackPrefixLen]
	}
	c.track(addr.AddrPort(), len(b), opts, prefix, c.clock.Now())
}

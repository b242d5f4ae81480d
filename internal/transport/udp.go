package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// DefaultMulticastTTL keeps discovery traffic on the local segment
	DefaultMulticastTTL = 1

	// readBufferSize is the largest datagram read
	readBufferSize = 65535
)

// UDPTransport opens real UDP sockets with multicast options set through
// golang.org/x/net.
type UDPTransport struct {
	// IPv6 selects udp6 client sockets. Receivers follow the group address.
	IPv6 bool
	// TTL is the multicast TTL (IPv4) or hop limit (IPv6).
	TTL int
	// Loopback delivers our own multicast traffic back to local receivers.
	Loopback bool

	logger *zap.Logger
}

// NewUDPTransport creates a transport with loopback enabled so several
// stacks on one host see each other.
func NewUDPTransport(ipv6 bool, logger *zap.Logger) *UDPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPTransport{
		IPv6:     ipv6,
		TTL:      DefaultMulticastTTL,
		Loopback: true,
		logger:   logger,
	}
}

// OpenUnicast opens a client socket on an ephemeral port.
func (t *UDPTransport) OpenUnicast(iface string) (Conn, error) {
	ifi, err := lookupInterface(iface)
	if err != nil {
		return nil, err
	}

	network := "udp4"
	if t.IPv6 {
		network = "udp6"
	}
	pc, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open %s socket: %w", network, err)
	}

	c := newUDPConn(pc, network, iface, t.logger)
	if t.IPv6 {
		p := ipv6.NewPacketConn(pc)
		if ifi != nil {
			if err := p.SetMulticastInterface(ifi); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("failed to select interface %s: %w", iface, err)
			}
		}
		_ = p.SetMulticastHopLimit(t.TTL)
		_ = p.SetMulticastLoopback(t.Loopback)
		c.useIPv6(p)
	} else {
		p := ipv4.NewPacketConn(pc)
		if ifi != nil {
			if err := p.SetMulticastInterface(ifi); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("failed to select interface %s: %w", iface, err)
			}
		}
		_ = p.SetMulticastTTL(t.TTL)
		_ = p.SetMulticastLoopback(t.Loopback)
		c.useIPv4(p)
	}
	return c, nil
}

// OpenMulticastReceiver binds the group port and joins group on ifaces, or
// on every multicast capable interface when ifaces is empty.
func (t *UDPTransport) OpenMulticastReceiver(group string, ifaces []string) (Conn, error) {
	host, port, err := net.SplitHostPort(group)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast group %q: %w", group, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%q is not a multicast address", host)
	}

	network := "udp4"
	if ip.To4() == nil {
		network = "udp6"
	}

	interfaces, err := multicastInterfaces(ifaces)
	if err != nil {
		return nil, err
	}

	pc, err := net.ListenPacket(network, net.JoinHostPort("", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s port %s: %w", network, port, err)
	}

	c := newUDPConn(pc, network, "", t.logger)
	gaddr := &net.UDPAddr{IP: ip}

	joined := 0
	var joinErrs []error
	if network == "udp6" {
		p := ipv6.NewPacketConn(pc)
		for _, ifi := range interfaces {
			if err := p.JoinGroup(ifi, gaddr); err != nil {
				joinErrs = append(joinErrs, fmt.Errorf("%s: %w", interfaceName(ifi), err))
				continue
			}
			joined++
		}
		_ = p.SetMulticastLoopback(t.Loopback)
		c.useIPv6(p)
	} else {
		p := ipv4.NewPacketConn(pc)
		for _, ifi := range interfaces {
			if err := p.JoinGroup(ifi, gaddr); err != nil {
				joinErrs = append(joinErrs, fmt.Errorf("%s: %w", interfaceName(ifi), err))
				continue
			}
			joined++
		}
		_ = p.SetMulticastLoopback(t.Loopback)
		c.useIPv4(p)
	}

	if joined == 0 {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to join %s on any interface: %w", group, errors.Join(joinErrs...))
	}
	for _, err := range joinErrs {
		t.logger.Warn("Could not join multicast group", zap.String("group", group), zap.Error(err))
	}
	return c, nil
}

// udpConn is a socket plus the control-message reader matching its family.
type udpConn struct {
	pc      net.PacketConn
	network string
	iface   string
	logger  *zap.Logger

	read func(b []byte) (n int, ifIndex int, src net.Addr, err error)

	mu     sync.Mutex
	ifName map[int]string
}

func newUDPConn(pc net.PacketConn, network, iface string, logger *zap.Logger) *udpConn {
	c := &udpConn{
		pc:      pc,
		network: network,
		iface:   iface,
		logger:  logger,
		ifName:  make(map[int]string),
	}
	c.read = func(b []byte) (int, int, net.Addr, error) {
		n, src, err := pc.ReadFrom(b)
		return n, 0, src, err
	}
	return c
}

func (c *udpConn) useIPv4(p *ipv4.PacketConn) {
	if err := p.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		c.logger.Debug("Interface control messages unavailable", zap.Error(err))
		return
	}
	c.read = func(b []byte) (int, int, net.Addr, error) {
		n, cm, src, err := p.ReadFrom(b)
		if cm != nil {
			return n, cm.IfIndex, src, err
		}
		return n, 0, src, err
	}
}

func (c *udpConn) useIPv6(p *ipv6.PacketConn) {
	if err := p.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		c.logger.Debug("Interface control messages unavailable", zap.Error(err))
		return
	}
	c.read = func(b []byte) (int, int, net.Addr, error) {
		n, cm, src, err := p.ReadFrom(b)
		if cm != nil {
			return n, cm.IfIndex, src, err
		}
		return n, 0, src, err
	}
}

func (c *udpConn) Send(dest string, payload []byte) error {
	addr, err := net.ResolveUDPAddr(c.network, dest)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dest, err)
	}
	_, err = c.pc.WriteTo(payload, addr)
	return err
}

func (c *udpConn) Serve(handle func(Datagram)) error {
	buf := make([]byte, readBufferSize)
	local := c.LocalAddr()
	for {
		n, ifIndex, src, err := c.read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		from := ""
		if src != nil {
			from = src.String()
		}
		handle(Datagram{
			Payload:   buf[:n],
			From:      from,
			Local:     local,
			Interface: c.interfaceName(ifIndex),
		})
	}
}

func (c *udpConn) LocalAddr() string {
	return c.pc.LocalAddr().String()
}

func (c *udpConn) Close() error {
	return c.pc.Close()
}

func (c *udpConn) interfaceName(index int) string {
	if index == 0 {
		return c.iface
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.ifName[index]; ok {
		return name
	}
	name := c.iface
	if ifi, err := net.InterfaceByIndex(index); err == nil {
		name = ifi.Name
	}
	c.ifName[index] = name
	return name
}

// lookupInterface resolves an interface name; "" yields nil (system default).
func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("unknown interface %q: %w", name, err)
	}
	return ifi, nil
}

// multicastInterfaces resolves names, or lists every up, multicast capable
// interface when names is empty. A nil entry means the system default.
func multicastInterfaces(names []string) ([]*net.Interface, error) {
	if len(names) > 0 {
		out := make([]*net.Interface, 0, len(names))
		for _, name := range names {
			ifi, err := lookupInterface(name)
			if err != nil {
				return nil, err
			}
			out = append(out, ifi)
		}
		return out, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	var out []*net.Interface
	for i := range all {
		if all[i].Flags&net.FlagUp != 0 && all[i].Flags&net.FlagMulticast != 0 {
			out = append(out, &all[i])
		}
	}
	if len(out) == 0 {
		out = append(out, nil)
	}
	return out, nil
}

func interfaceName(ifi *net.Interface) string {
	if ifi == nil {
		return "default"
	}
	return ifi.Name
}

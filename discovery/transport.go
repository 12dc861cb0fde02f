package discovery

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// DefaultMulticastTTL keeps announcements within a few router hops.
const DefaultMulticastTTL = 4

type transport struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	dests []*net.UDPAddr
}

// openTransport binds the discovery socket on port and joins group on every
// up, multicast-capable interface. Only the bind is fatal; hosts without a
// usable multicast interface still reach the configured unicast targets.
func openTransport(group net.IP, port int, targets []string) (*transport, error) {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, &DiscoveryError{Op: "bind", Addr: laddr.String(), Err: err}
	}

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, err := net.Interfaces()
	if err != nil {
		logger().Warn("list interfaces", "error", err)
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			logger().Debug("join multicast group", "iface", iface.Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		logger().Warn("no multicast interface joined; relying on unicast targets", "group", group.String())
	}
	if err := pc.SetMulticastTTL(DefaultMulticastTTL); err != nil {
		logger().Debug("set multicast ttl", "error", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger().Debug("set multicast loopback", "error", err)
	}

	bound := conn.LocalAddr().(*net.UDPAddr).Port
	dests := []*net.UDPAddr{{IP: group, Port: bound}}
	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			_ = conn.Close()
			return nil, &DiscoveryError{Op: "resolve", Addr: target, Err: err}
		}
		dests = append(dests, addr)
	}

	return &transport{conn: conn, pc: pc, dests: dests}, nil
}

// broadcast writes payload to the group and every target. It fails only when
// no destination accepted the datagram.
func (t *transport) broadcast(payload []byte) error {
	var lastErr error
	sent := 0
	for _, dst := range t.dests {
		if _, err := t.pc.WriteTo(payload, nil, dst); err != nil {
			lastErr = err
			logger().Debug("send announcement", "dst", dst.String(), "error", err)
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("send announcement: %w", lastErr)
	}
	return nil
}

func (t *transport) read(buf []byte) (int, *net.UDPAddr, error) {
	n, _, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, err
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected source address %T", src)
	}
	return n, udpAddr, nil
}

func (t *transport) localAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *transport) close() error {
	return t.conn.Close()
}

package netio

import (
	"net"
	"strconv"

	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

// BindLocalUDP opens a UDP socket bound to the same IP address that tcpConn
// is locally bound to (and an ephemeral port), so the kernel routes UDP
// ASSOCIATE traffic out of the same interface as the controlling TCP
// connection.
func BindLocalUDP(tcpConn net.Conn) (*net.UDPConn, error) {
	local := tcpConn.LocalAddr().(*net.TCPAddr)
	return net.ListenUDP("udp", &net.UDPAddr{IP: local.IP, Port: 0})
}

// SockAddrInfo decomposes a net.Addr into the SOCKS5 address-type triple.
func SockAddrInfo(addr net.Addr) (addrType byte, host string, port int) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return socks.AddrType(a.IP.String()), a.IP.String(), a.Port
	case *net.UDPAddr:
		return socks.AddrType(a.IP.String()), a.IP.String(), a.Port
	default:
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return socks.AddrDomain, addr.String(), 0
		}
		p, _ := strconv.Atoi(portStr)
		return socks.AddrType(host), host, p
	}
}

package smartsocks

import (
	"net"

	"github.com/yinghuocho/firefly-proxy/internal/netio"
)

func localSockAddr(conn net.Conn) (addrType byte, host string, port uint16) {
	at, h, p := netio.SockAddrInfo(conn.LocalAddr())
	return at, h, uint16(p)
}

func newLocalUDP(conn net.Conn) (*net.UDPConn, error) {
	return netio.BindLocalUDP(conn)
}

func remoteUDPAddr(host string, port uint16) net.Addr {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: int(port)}
	}
	return &net.UDPAddr{Port: int(port)}
}

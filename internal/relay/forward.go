package relay

import (
	"io"
	"log"
	"net"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/netio"
	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

// ForwardSession relays a SOCKS5 connection onto an already-connected
// upstream SOCKS5 server instead of dialing the destination directly. It
// is socks_relay.py's SocksForwardSession: the client's own request bytes
// are simply re-sent to the upstream.
type ForwardSession struct {
	Conn          net.Conn
	RemoteConn    net.Conn
	Timeout       time.Duration
	RemoteTimeout time.Duration
	tracked       []io.Closer

	ClientAssociate  net.Addr
	LastClientAddr   net.Addr
	RemoteAssociate  net.Addr
	ClientToLocalUDP *net.UDPConn
	LocalToRemoteUDP *net.UDPConn
}

// NewForwardSession wraps an already-connected upstream SOCKS5 connection.
func NewForwardSession(conn, remote net.Conn, timeout, remoteTimeout time.Duration) *ForwardSession {
	s := &ForwardSession{Conn: conn, RemoteConn: remote, Timeout: timeout, RemoteTimeout: remoteTimeout}
	s.Track(remote)
	return s
}

func (s *ForwardSession) Track(c io.Closer) { s.tracked = append(s.tracked, c) }

func (s *ForwardSession) Clean() {
	for _, c := range s.tracked {
		c.Close()
	}
}

func (s *ForwardSession) Bind(req *socks.Request) {
	RequestFail(s.Conn, req, socks.RepCommandNotSupported)
}

// ProcTCPRequest re-sends the client's original request frame to upstream
// verbatim; it does not read upstream's reply (the caller pipes raw bytes
// and upstream's SOCKS5 reply flows straight through to the client).
func (s *ForwardSession) ProcTCPRequest(req *socks.Request) error {
	buf, err := req.Pack()
	if err != nil {
		return err
	}
	_, err = s.RemoteConn.Write(buf)
	return err
}

func (s *ForwardSession) RelayTCP() {
	netio.PipeTCP(s.Conn, s.RemoteConn, s.Timeout, s.RemoteTimeout)
}

func (s *ForwardSession) Connect(req *socks.Request) {
	if err := s.ProcTCPRequest(req); err != nil {
		log.Printf("[relay] forward connect: %v", err)
		return
	}
	s.RelayTCP()
}

// ProcUDPRequest binds local UDP sockets on both legs and performs a
// UDP_ASSOCIATE handshake against the upstream SOCKS5 server, mirroring
// the client's own association onto it.
func (s *ForwardSession) ProcUDPRequest(req *socks.Request) (bool, error) {
	s.ClientAssociate = udpAddrOf(req.Addr, int(req.Port))
	s.LastClientAddr = s.ClientAssociate

	clientSide, err := netio.BindLocalUDP(s.Conn)
	if err != nil {
		RequestFail(s.Conn, req, socks.RepGeneralFailure)
		return false, err
	}
	s.ClientToLocalUDP = clientSide
	s.Track(clientSide)

	remoteSide, err := netio.BindLocalUDP(s.RemoteConn)
	if err != nil {
		RequestFail(s.Conn, req, socks.RepGeneralFailure)
		return false, err
	}
	s.LocalToRemoteUDP = remoteSide
	s.Track(remoteSide)

	addrType, host, port := netio.SockAddrInfo(remoteSide.LocalAddr())
	if err := SendRequest(s.RemoteConn, socks.CmdUDPAssociate, addrType, host, uint16(port)); err != nil {
		return false, err
	}
	reply, err := ReadReply(s.RemoteConn)
	if err != nil {
		return false, err
	}
	if reply.Rep != socks.RepSucceeded {
		RequestFail(s.Conn, req, reply.Rep)
		return false, nil
	}
	s.RemoteAssociate = udpAddrOf(reply.Addr, int(reply.Port))

	cAddrType, cHost, cPort := netio.SockAddrInfo(clientSide.LocalAddr())
	if err := RequestSuccess(s.Conn, cAddrType, cHost, uint16(cPort)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ForwardSession) WaitForFirstUDP() ([]byte, net.Addr, error) {
	return waitForFirstUDP(s.Conn, s.ClientToLocalUDP, s.Timeout)
}

// RelayUDP pipes datagrams between the client and the upstream relay's
// reported association address — every client datagram forwards to the
// same upstream association regardless of its embedded destination,
// matching socks_relay.py's single fixed remote_associate target.
func (s *ForwardSession) RelayUDP(firstData []byte, firstAddr net.Addr) {
	s.LastClientAddr = firstAddr
	if _, err := s.LocalToRemoteUDP.WriteTo(firstData, s.RemoteAssociate); err != nil {
		log.Printf("[relay] forward udp first datagram: %v", err)
		return
	}

	checker := func(from net.Addr) bool { return checkClientAddr(s.ClientAssociate, from) }
	c2r := func(data []byte, from net.Addr) ([]byte, net.Addr) {
		s.LastClientAddr = from
		return data, s.RemoteAssociate
	}
	r2c := func(data []byte, from net.Addr) ([]byte, net.Addr) {
		return data, s.LastClientAddr
	}
	netio.PipeUDP([]net.Conn{s.Conn, s.RemoteConn}, s.ClientToLocalUDP, s.LocalToRemoteUDP, s.Timeout, s.RemoteTimeout, checker, c2r, r2c)
}

func (s *ForwardSession) UDPAssociate(req *socks.Request) {
	ok, err := s.ProcUDPRequest(req)
	if err != nil {
		log.Printf("[relay] forward udp associate: %v", err)
		return
	}
	if !ok {
		return
	}
	firstData, firstAddr, err := s.WaitForFirstUDP()
	if err != nil {
		log.Printf("[relay] forward waiting for first udp datagram: %v", err)
		return
	}
	s.RelayUDP(firstData, firstAddr)
}

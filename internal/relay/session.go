package relay

import (
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/netio"
	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

// RelaySessionError marks a protocol violation detected mid-session, such
// as traffic arriving on the control connection while waiting for the
// first UDP datagram of an association.
type RelaySessionError struct{ Msg string }

func (e *RelaySessionError) Error() string { return "relay: " + e.Msg }

// Dispatcher handles the three SOCKS5 commands once the handshake and
// request have been read. Session (direct dial) and ForwardSession
// (forward to an upstream SOCKS5) both implement it; smartsocks composes
// its own on top of whichever one a routing decision selects.
type Dispatcher interface {
	Connect(req *socks.Request)
	Bind(req *socks.Request)
	UDPAssociate(req *socks.Request)
	Clean()
}

// Serve runs the handshake, reads one request, dispatches it, and always
// cleans up tracked sockets afterward — the shape of relay.py's
// RelaySession.process().
func Serve(conn net.Conn, d Dispatcher) {
	defer d.Clean()
	ok, err := BasicHandshakeServer(conn)
	if err != nil {
		log.Printf("[relay] handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if !ok {
		return
	}
	req, err := ReadRequest(conn)
	if err != nil {
		log.Printf("[relay] request from %s: %v", conn.RemoteAddr(), err)
		return
	}
	switch req.Cmd {
	case socks.CmdConnect:
		d.Connect(req)
	case socks.CmdBind:
		d.Bind(req)
	case socks.CmdUDPAssociate:
		d.UDPAssociate(req)
	default:
		RequestFail(conn, req, socks.RepCommandNotSupported)
	}
}

// Session is a plain SOCKS5 relay session that dials the requested
// destination directly. It is relay.py's SocksSession.
type Session struct {
	Conn    net.Conn
	Timeout time.Duration
	tracked []io.Closer

	RemoteConn net.Conn

	ClientAssociate  net.Addr
	LastClientAddr   net.Addr
	ClientToLocalUDP *net.UDPConn
	LocalToRemoteUDP *net.UDPConn
}

func NewSession(conn net.Conn, timeout time.Duration) *Session {
	return &Session{Conn: conn, Timeout: timeout}
}

func (s *Session) Track(c io.Closer) { s.tracked = append(s.tracked, c) }

func (s *Session) Clean() {
	for _, c := range s.tracked {
		c.Close()
	}
}

func (s *Session) Bind(req *socks.Request) {
	RequestFail(s.Conn, req, socks.RepCommandNotSupported)
}

func (s *Session) Connect(req *socks.Request) {
	if err := s.ProcTCPRequest(req); err != nil {
		log.Printf("[relay] connect %s:%d: %v", req.Addr, req.Port, err)
		return
	}
	s.RelayTCP()
}

func (s *Session) ProcTCPRequest(req *socks.Request) error {
	dst := net.JoinHostPort(req.Addr, strconv.Itoa(int(req.Port)))
	remote, err := net.DialTimeout("tcp", dst, s.Timeout)
	if err != nil {
		RequestFail(s.Conn, req, socks.RepHostUnreachable)
		return err
	}
	s.RemoteConn = remote
	s.Track(remote)
	addrType, host, port := netio.SockAddrInfo(remote.LocalAddr())
	return RequestSuccess(s.Conn, addrType, host, uint16(port))
}

func (s *Session) RelayTCP() {
	netio.PipeTCP(s.Conn, s.RemoteConn, s.Timeout, s.Timeout)
}

func (s *Session) ProcUDPRequest(req *socks.Request) (bool, error) {
	s.ClientAssociate = udpAddrOf(req.Addr, int(req.Port))
	s.LastClientAddr = s.ClientAssociate
	udpConn, err := netio.BindLocalUDP(s.Conn)
	if err != nil {
		RequestFail(s.Conn, req, socks.RepGeneralFailure)
		return false, err
	}
	s.ClientToLocalUDP = udpConn
	s.Track(udpConn)
	addrType, host, port := netio.SockAddrInfo(udpConn.LocalAddr())
	if err := RequestSuccess(s.Conn, addrType, host, uint16(port)); err != nil {
		return false, err
	}
	return true, nil
}

// WaitForFirstUDP blocks until a frag=0 UDP datagram arrives on the bound
// client socket, or until s.Timeout elapses, or until unexpected traffic
// arrives on the control TCP connection (a protocol violation).
func (s *Session) WaitForFirstUDP() ([]byte, net.Addr, error) {
	return waitForFirstUDP(s.Conn, s.ClientToLocalUDP, s.Timeout)
}

func (s *Session) RelayUDP(firstData []byte, firstAddr net.Addr) {
	dgram, err := socks.UnpackUDPDatagram(firstData)
	if err != nil {
		log.Printf("[relay] first udp datagram: %v", err)
		return
	}
	dst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dgram.Addr, strconv.Itoa(int(dgram.Port))))
	if err != nil {
		log.Printf("[relay] resolving udp target: %v", err)
		return
	}
	// Unconnected, so later datagrams can go to the destination each one
	// names (c2r below) via PipeUDP's WriteTo.
	local2remote, err := net.ListenUDP("udp", nil)
	if err != nil {
		log.Printf("[relay] binding udp socket: %v", err)
		return
	}
	s.LocalToRemoteUDP = local2remote
	s.Track(local2remote)
	s.LastClientAddr = firstAddr
	if _, err := local2remote.WriteTo(dgram.Data, dst); err != nil {
		log.Printf("[relay] writing first udp datagram: %v", err)
		return
	}

	checker := func(from net.Addr) bool { return checkClientAddr(s.ClientAssociate, from) }
	c2r := func(data []byte, from net.Addr) ([]byte, net.Addr) {
		s.LastClientAddr = from
		d, err := socks.UnpackUDPDatagram(data)
		if err != nil || d.Frag != 0 {
			return nil, nil
		}
		to, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.Addr, strconv.Itoa(int(d.Port))))
		if err != nil {
			return nil, nil
		}
		return d.Data, to
	}
	r2c := func(data []byte, from net.Addr) ([]byte, net.Addr) {
		addrType, host, port := netio.SockAddrInfo(from)
		d := &socks.UDPDatagram{AddrType: addrType, Addr: host, Port: uint16(port), Data: data}
		buf, err := d.Pack()
		if err != nil {
			return nil, nil
		}
		return buf, s.LastClientAddr
	}
	netio.PipeUDP([]net.Conn{s.Conn}, s.ClientToLocalUDP, s.LocalToRemoteUDP, s.Timeout, s.Timeout, checker, c2r, r2c)
}

func (s *Session) UDPAssociate(req *socks.Request) {
	ok, err := s.ProcUDPRequest(req)
	if err != nil {
		log.Printf("[relay] udp associate: %v", err)
		return
	}
	if !ok {
		return
	}
	firstData, firstAddr, err := s.WaitForFirstUDP()
	if err != nil {
		log.Printf("[relay] waiting for first udp datagram: %v", err)
		return
	}
	s.RelayUDP(firstData, firstAddr)
}

func udpAddrOf(host string, port int) net.Addr {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.UDPAddr{Port: port}
}

// checkClientAddr implements the RFC 1928 UDP ASSOCIATE source check: a
// declared wildcard address accepts any source, otherwise the source must
// match the address given in the original request exactly.
func checkClientAddr(declared net.Addr, from net.Addr) bool {
	d, ok := declared.(*net.UDPAddr)
	if !ok || d == nil {
		return false
	}
	if d.IP == nil || d.IP.IsUnspecified() {
		return true
	}
	f, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	if d.IP.Equal(f.IP) && d.Port == f.Port {
		return true
	}
	log.Printf("[relay] udp packet dropped for invalid source %s", from)
	return false
}

func waitForFirstUDP(control net.Conn, udpConn *net.UDPConn, timeout time.Duration) ([]byte, net.Addr, error) {
	deadline := time.Now().Add(timeout)
	violation := make(chan struct{}, 1)
	stop := make(chan struct{})
	bgDone := make(chan struct{})
	go func() {
		defer close(bgDone)
		buf := make([]byte, 1)
		control.SetReadDeadline(deadline.Add(time.Second))
		if _, err := control.Read(buf); err == nil {
			select {
			case violation <- struct{}{}:
			case <-stop:
			}
		}
	}()
	// On every return path, force the background reader's pending Read to
	// unblock and clear control's deadline before anyone reads it again —
	// otherwise the deadline set above leaks into netio.PipeUDP's
	// watchClosed and tears the association down at ~timeout+1s
	// regardless of live traffic, and the two goroutines would race as
	// concurrent readers of the same conn.
	defer func() {
		close(stop)
		control.SetReadDeadline(time.Now())
		<-bgDone
		control.SetReadDeadline(time.Time{})
	}()

	for {
		select {
		case <-violation:
			return nil, nil, &RelaySessionError{Msg: "unexpected read-event from tcp socket in UDP session"}
		default:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, &RelaySessionError{Msg: "timeout waiting for first UDP datagram"}
		}
		udpConn.SetReadDeadline(time.Now().Add(remaining))
		buf := make([]byte, 65536)
		n, addr, err := udpConn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil, &RelaySessionError{Msg: "timeout waiting for first UDP datagram"}
			}
			return nil, nil, err
		}
		dgram, err := socks.UnpackUDPDatagram(buf[:n])
		if err == nil && dgram.Frag == 0 {
			return buf[:n], addr, nil
		}
	}
}

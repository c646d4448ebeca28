// Package smartsocks composes the SOCKS5 relay core with the forwarding
// matcher: each CONNECT/UDP_ASSOCIATE looks up a Decision first and then
// delegates to a direct dial, a hosts-override dial, or a forward onto an
// upstream SOCKS5 channel (normally the meek client's local endpoint).
// Grounded on gsocks/smart_relay.py's SmartRelaySession/SmartRelayFactory.
package smartsocks

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

// Error marks a routing decision this relay cannot act on, e.g. a channel
// URL with an unsupported scheme.
type Error struct{ Msg string }

func (e *Error) Error() string { return "smartsocks: " + e.Msg }

// Session dispatches one client connection according to the matcher's
// decisions, delegating the actual relaying to relay.Session (direct) or
// relay.ForwardSession (channel).
type Session struct {
	Conn    net.Conn
	Timeout time.Duration
	Matcher *matcher.Matcher

	tracked  []io.Closer
	delegate relay.Dispatcher
}

func NewSession(conn net.Conn, timeout time.Duration, m *matcher.Matcher) *Session {
	return &Session{Conn: conn, Timeout: timeout, Matcher: m}
}

func (s *Session) track(c io.Closer) { s.tracked = append(s.tracked, c) }

func (s *Session) Clean() {
	for _, c := range s.tracked {
		c.Close()
	}
	if s.delegate != nil {
		s.delegate.Clean()
	}
}

func (s *Session) Bind(req *socks.Request) {
	relay.RequestFail(s.Conn, req, socks.RepCommandNotSupported)
}

// Forwarder opens a connection to a channel endpoint described by u and
// performs whatever handshake that scheme's channel expects, returning a
// connection ready to hand to relay.NewForwardSession.
type Forwarder func(u *url.URL, timeout time.Duration) (net.Conn, error)

// forwarders is the scheme-keyed dispatch table channel URLs resolve
// through, so a new circumvention channel type can be added without
// touching dialChannel itself. The control connection a channel URL
// names is always dialed as plain TCP regardless of whether it carries a
// TCP or UDP SOCKS5 request, so the table keys on scheme only.
var forwarders = map[string]Forwarder{}

// RegisterForwarder adds (or replaces) the dialer used for channelURLs
// with the given scheme.
func RegisterForwarder(scheme string, fn Forwarder) {
	forwarders[scheme] = fn
}

func init() {
	RegisterForwarder("socks5", dialSocks5Channel)
}

// dialSocks5Channel opens a TCP connection to a "socks5://host:port"
// channel URL and performs the client side of the no-auth SOCKS5
// handshake against it.
func dialSocks5Channel(u *url.URL, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", u.Host, timeout)
	if err != nil {
		return nil, err
	}
	ok, err := relay.BasicHandshakeClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ok {
		conn.Close()
		return nil, &Error{Msg: "channel refused no-auth handshake"}
	}
	return conn, nil
}

// dialChannel resolves channelURL's scheme against the forwarders table
// and opens a connection through it.
func dialChannel(channelURL string, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(channelURL)
	if err != nil {
		return nil, err
	}
	fn, ok := forwarders[u.Scheme]
	if !ok {
		return nil, &Error{Msg: fmt.Sprintf("unsupported channel scheme %q", u.Scheme)}
	}
	return fn(u, timeout)
}

func (s *Session) Connect(req *socks.Request) {
	decision := s.Matcher.Find(req.Addr, int(req.Port), "tcp")
	if decision.IsDirect() {
		s.connectDirect(req)
		return
	}
	switch decision.Kind {
	case matcher.HostsOverride:
		s.connectOverride(req, decision.Addrs)
	case matcher.Channel:
		s.connectChannel(req, decision.ChannelURL)
	}
}

func (s *Session) connectDirect(req *socks.Request) {
	sess := relay.NewSession(s.Conn, s.Timeout)
	s.delegate = sess
	sess.Connect(req)
}

// connectOverride dials the hosts table's candidate addresses in order,
// the first one that accepts a connection wins — create_connection_hosts
// in hosts.py.
func (s *Session) connectOverride(req *socks.Request, addrs []string) {
	var remote net.Conn
	var err error
	for _, addr := range addrs {
		remote, err = net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(int(req.Port))), s.Timeout)
		if err == nil {
			break
		}
	}
	if remote == nil {
		log.Printf("[smartsocks] all hosts-override addresses failed for %s: %v", req.Addr, err)
		relay.RequestFail(s.Conn, req, socks.RepHostUnreachable)
		return
	}
	sess := relay.NewSession(s.Conn, s.Timeout)
	sess.RemoteConn = remote
	sess.Track(remote)
	s.delegate = sess
	addrType, host, port := localSockAddr(remote)
	if err := relay.RequestSuccess(s.Conn, addrType, host, port); err != nil {
		return
	}
	sess.RelayTCP()
}

func (s *Session) connectChannel(req *socks.Request, channelURL string) {
	remote, err := dialChannel(channelURL, s.Timeout)
	if err != nil {
		log.Printf("[smartsocks] dialing channel %s: %v", channelURL, err)
		relay.RequestFail(s.Conn, req, socks.RepGeneralFailure)
		return
	}
	fwd := relay.NewForwardSession(s.Conn, remote, s.Timeout, s.Timeout)
	s.delegate = fwd
	fwd.Connect(req)
}

// UDPAssociate mirrors Connect: the destination of the *first* UDP
// datagram (not the raw association request, which is usually 0.0.0.0)
// decides whether this association goes direct or through the channel.
func (s *Session) UDPAssociate(req *socks.Request) {
	local := relay.NewSession(s.Conn, s.Timeout)
	s.delegate = local
	ok, err := local.ProcUDPRequest(req)
	if err != nil {
		log.Printf("[smartsocks] udp associate: %v", err)
		return
	}
	if !ok {
		return
	}
	firstData, firstAddr, err := local.WaitForFirstUDP()
	if err != nil {
		log.Printf("[smartsocks] waiting for first udp datagram: %v", err)
		return
	}
	dgram, err := socks.UnpackUDPDatagram(firstData)
	if err != nil {
		log.Printf("[smartsocks] first udp datagram: %v", err)
		return
	}

	decision := s.Matcher.Find(dgram.Addr, int(dgram.Port), "udp")
	if decision.IsDirect() {
		local.RelayUDP(firstData, firstAddr)
		return
	}
	if decision.Kind == matcher.HostsOverride {
		// The first datagram goes to the hosts table's preferred address
		// instead, keeping its port, frag and payload.
		dgram.Addr = decision.Addrs[0]
		dgram.AddrType = socks.AddrType(dgram.Addr)
		if rewritten, err := dgram.Pack(); err == nil {
			firstData = rewritten
		}
	}
	if decision.Kind != matcher.Channel {
		local.RelayUDP(firstData, firstAddr)
		return
	}
	s.udpAssociateChannel(local, decision.ChannelURL, firstData, firstAddr)
}

func (s *Session) udpAssociateChannel(local *relay.Session, channelURL string, firstData []byte, firstAddr net.Addr) {
	remote, err := dialChannel(channelURL, s.Timeout)
	if err != nil {
		log.Printf("[smartsocks] dialing channel %s: %v", channelURL, err)
		return
	}
	fwd := relay.NewForwardSession(s.Conn, remote, s.Timeout, s.Timeout)
	fwd.ClientAssociate = local.ClientAssociate
	fwd.LastClientAddr = local.LastClientAddr
	fwd.ClientToLocalUDP = local.ClientToLocalUDP
	fwd.Track(local.ClientToLocalUDP)
	s.delegate = fwd

	localToRemote, err := newLocalUDP(remote)
	if err != nil {
		log.Printf("[smartsocks] binding channel udp socket: %v", err)
		return
	}
	fwd.LocalToRemoteUDP = localToRemote
	fwd.Track(localToRemote)

	addrType, host, port := localSockAddr(localToRemote)
	if err := relay.SendRequest(remote, socks.CmdUDPAssociate, addrType, host, port); err != nil {
		log.Printf("[smartsocks] requesting udp associate on channel: %v", err)
		return
	}
	reply, err := relay.ReadReply(remote)
	if err != nil || reply.Rep != socks.RepSucceeded {
		log.Printf("[smartsocks] channel refused udp associate: reply=%+v err=%v", reply, err)
		return
	}
	fwd.RemoteAssociate = remoteUDPAddr(reply.Addr, reply.Port)
	fwd.RelayUDP(firstData, firstAddr)
}

package meek

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/netio"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

const (
	serverWaitInit = iota
	serverWaitRequest
	serverTCP
	serverUDP
)

// ServerSession proxies one meek-tunneled client's traffic to a local
// SOCKS5 listener it dials on first contact, exactly as a meek server
// forwards to its upstream socksip/socksport. Grounded on
// DEPRECATED_PYTHON_SRC/meeksocks/server.py's MeekSession.
type ServerSession struct {
	id        string
	socksAddr string
	timeout   time.Duration

	initOnce sync.Once
	initErr  error

	mu        sync.Mutex
	status    int
	socksConn net.Conn
	udpConn   *net.UDPConn
	udpAssoc  net.Addr
	lastSeen  time.Time

	in       chan []byte
	out      chan []byte
	finish   chan struct{}
	stopOnce sync.Once
}

func newServerSession(id, socksAddr string, timeout time.Duration) *ServerSession {
	return &ServerSession{
		id:        id,
		socksAddr: socksAddr,
		timeout:   timeout,
		status:    serverWaitInit,
		in:        make(chan []byte, 64),
		out:       make(chan []byte, 64),
		finish:    make(chan struct{}),
		lastSeen:  time.Now(),
	}
}

func (ss *ServerSession) touch() {
	ss.mu.Lock()
	ss.lastSeen = time.Now()
	ss.mu.Unlock()
}

func (ss *ServerSession) idleFor() time.Duration {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return time.Since(ss.lastSeen)
}

func (ss *ServerSession) stop() { ss.stopOnce.Do(func() { close(ss.finish) }) }

func (ss *ServerSession) clean() {
	ss.stop()
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.socksConn != nil {
		ss.socksConn.Close()
	}
	if ss.udpConn != nil {
		ss.udpConn.Close()
	}
}

func (ss *ServerSession) initialize() error {
	ss.initOnce.Do(func() {
		conn, err := net.DialTimeout("tcp", ss.socksAddr, ss.timeout)
		if err != nil {
			ss.initErr = err
			return
		}
		ok, err := relay.BasicHandshakeClient(conn)
		if err != nil || !ok {
			conn.Close()
			if err == nil {
				err = fmt.Errorf("local socks refused handshake")
			}
			ss.initErr = err
			return
		}
		ss.socksConn = conn
		ss.status = serverWaitRequest
	})
	return ss.initErr
}

func (ss *ServerSession) process(data []byte, udpLengths string) ([]byte, http.Header, error) {
	if ss.status == serverWaitInit {
		if err := ss.initialize(); err != nil {
			return nil, nil, err
		}
	}

	switch ss.status {
	case serverWaitRequest:
		return ss.handleRequest(data)
	case serverTCP:
		return ss.processData(data, "")
	case serverUDP:
		return ss.processData(data, udpLengths)
	default:
		return nil, nil, fmt.Errorf("unexpected session status %d", ss.status)
	}
}

func (ss *ServerSession) handleRequest(data []byte) ([]byte, http.Header, error) {
	req, err := socks.UnpackRequest(data)
	if err != nil {
		return nil, nil, err
	}
	switch req.Cmd {
	case socks.CmdConnect:
		return ss.cmdConnect(req)
	case socks.CmdUDPAssociate:
		return ss.cmdUDPAssociate(req)
	default:
		h := http.Header{}
		h.Set(HeaderError, "Not Supported")
		return nil, h, nil
	}
}

func (ss *ServerSession) cmdConnect(req *socks.Request) ([]byte, http.Header, error) {
	buf, err := req.Pack()
	if err != nil {
		return nil, nil, err
	}
	if _, err := ss.socksConn.Write(buf); err != nil {
		return nil, nil, err
	}
	reply, err := relay.ReadReply(ss.socksConn)
	if err != nil {
		return nil, nil, err
	}
	resp, err := reply.Pack()
	if err != nil {
		return nil, nil, err
	}
	ss.status = serverTCP
	ss.spawnPumps()

	h := http.Header{}
	h.Set(HeaderMsgType, MsgTypeData)
	return resp, h, nil
}

func (ss *ServerSession) cmdUDPAssociate(req *socks.Request) ([]byte, http.Header, error) {
	udpConn, err := netio.BindLocalUDP(ss.socksConn)
	if err != nil {
		return nil, nil, err
	}
	addrType, host, port := netio.SockAddrInfo(udpConn.LocalAddr())
	if err := relay.SendRequest(ss.socksConn, socks.CmdUDPAssociate, addrType, host, uint16(port)); err != nil {
		udpConn.Close()
		return nil, nil, err
	}
	reply, err := relay.ReadReply(ss.socksConn)
	if err != nil {
		udpConn.Close()
		return nil, nil, err
	}
	resp, err := reply.Pack()
	if err != nil {
		udpConn.Close()
		return nil, nil, err
	}
	ss.udpConn = udpConn
	ss.udpAssoc = udpAddrFrom(reply.Addr, int(reply.Port))
	ss.status = serverUDP
	ss.spawnPumps()

	h := http.Header{}
	h.Set(HeaderMsgType, MsgTypeData)
	return resp, h, nil
}

func (ss *ServerSession) spawnPumps() {
	go ss.writeToSocksLoop()
	go ss.readFromSocksLoop()
}

func (ss *ServerSession) writeToSocks(data []byte) (int, error) {
	if ss.udpConn != nil {
		return ss.udpConn.WriteTo(data, ss.udpAssoc)
	}
	return ss.socksConn.Write(data)
}

func (ss *ServerSession) writeToSocksLoop() {
	for {
		select {
		case data := <-ss.in:
			if _, err := ss.writeToSocks(data); err != nil {
				ss.stop()
				return
			}
		case <-ss.finish:
			return
		}
	}
}

func (ss *ServerSession) readFromSocksLoop() {
	buf := make([]byte, MaxPayloadLength)
	for {
		select {
		case <-ss.finish:
			return
		default:
		}
		var n int
		var err error
		if ss.udpConn != nil {
			ss.udpConn.SetReadDeadline(time.Now().Add(ClientMaxPollInterval))
			n, _, err = ss.udpConn.ReadFrom(buf)
		} else {
			ss.socksConn.SetReadDeadline(time.Now().Add(ClientMaxPollInterval))
			n, err = ss.socksConn.Read(buf)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			ss.stop()
			return
		}
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case ss.out <- data:
			case <-ss.finish:
				return
			}
		}
	}
}

// enqueue splits data into UDP datagrams per udpLengths (or treats it as
// one TCP chunk when udpLengths is empty) and hands each piece to
// writeToSocksLoop via ss.in.
func (ss *ServerSession) enqueue(data []byte, udpLengths string) error {
	if len(data) == 0 {
		return nil
	}
	if udpLengths == "" {
		select {
		case ss.in <- data:
		case <-ss.finish:
			return fmt.Errorf("session closed")
		}
		return nil
	}
	pos := 0
	for _, ls := range strings.Split(udpLengths, ",") {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 0 || pos+n > len(data) {
			return fmt.Errorf("malformed %s header", HeaderUDPPkts)
		}
		select {
		case ss.in <- append([]byte(nil), data[pos:pos+n]...):
		case <-ss.finish:
			return fmt.Errorf("session closed")
		}
		pos += n
	}
	return nil
}

func (ss *ServerSession) processData(data []byte, udpLengths string) ([]byte, http.Header, error) {
	if err := ss.enqueue(data, udpLengths); err != nil {
		return nil, nil, err
	}
	return ss.fetchResp()
}

// fetchResp long-polls ss.out for up to ServerTurnaroundMax, returning as
// soon as it has at least one packet or the window expires.
func (ss *ServerSession) fetchResp() ([]byte, http.Header, error) {
	var pkts [][]byte
	var lengths []string
	total := 0
	deadline := time.Now().Add(ServerTurnaroundMax)

	add := func(pkt []byte) {
		pkts = append(pkts, pkt)
		lengths = append(lengths, strconv.Itoa(len(pkt)))
		total += len(pkt)
	}

loop:
	for total < MaxPayloadLength {
		select {
		case pkt := <-ss.out:
			add(pkt)
			continue loop
		default:
		}
		if len(pkts) > 0 {
			break loop
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break loop
		}
		wait := ServerTurnaroundTimeout
		if wait > remaining {
			wait = remaining
		}
		select {
		case pkt := <-ss.out:
			add(pkt)
		case <-time.After(wait):
		case <-ss.finish:
			break loop
		}
	}

	h := http.Header{}
	if ss.status == serverUDP && len(pkts) > 0 {
		h.Set(HeaderUDPPkts, strings.Join(lengths, ","))
	}
	return bytes.Join(pkts, nil), h, nil
}

// streamTCP implements meek_tcp_stream: instead of returning after the
// first packet the way fetchResp does, it keeps the response body open
// and writes each ss.out packet as its own chunk until ServerTurnaroundMax
// elapses or the session ends. The caller has already written headers and
// must have engaged chunked transfer (no Content-Length) before calling.
func (ss *ServerSession) streamTCP(w http.ResponseWriter) {
	flusher, _ := w.(http.Flusher)
	deadline := time.Now().Add(ServerTurnaroundMax)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		select {
		case pkt := <-ss.out:
			if len(pkt) == 0 {
				continue
			}
			if _, err := w.Write(pkt); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-time.After(remaining):
			return
		case <-ss.finish:
			return
		}
	}
}

// Server is the meek HTTP front end: a net/http.Handler that terminates
// sessions identified by X-Session-Id and relays their payload to a local
// SOCKS5 listener, sweeping out idle sessions the way the teacher's
// upload/download Handler sweeps its own session map.
type Server struct {
	SocksAddr      string
	SessionTimeout time.Duration
	IdleTimeout    time.Duration

	sessions sync.Map
}

func NewServer(socksAddr string, sessionTimeout, idleTimeout time.Duration) *Server {
	s := &Server{SocksAddr: socksAddr, SessionTimeout: sessionTimeout, IdleTimeout: idleTimeout}
	go s.sweepLoop()
	return s
}

func (s *Server) sweepLoop() {
	for {
		time.Sleep(time.Minute)
		s.sessions.Range(func(key, value interface{}) bool {
			ss := value.(*ServerSession)
			if ss.idleFor() > s.IdleTimeout {
				ss.clean()
				s.sessions.Delete(key)
			}
			return true
		})
	}
}

func (s *Server) getSession(id string) *ServerSession {
	v, _ := s.sessions.LoadOrStore(id, newServerSession(id, s.SocksAddr, s.SessionTimeout))
	return v.(*ServerSession)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		io.WriteString(w, "Hello, world!")
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		w.Header().Set(HeaderError, "SessionID Missed")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Header.Get(HeaderMsgType) == MsgTypeTerminate {
		if v, ok := s.sessions.Load(sessionID); ok {
			v.(*ServerSession).clean()
			s.sessions.Delete(sessionID)
			log.Printf("[meek] %s: terminated by client", sessionID)
		}
		w.Header().Set(HeaderSessionID, sessionID)
		w.WriteHeader(http.StatusOK)
		return
	}

	ss := s.getSession(sessionID)
	ss.touch()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, ss, "Read Error")
		return
	}

	if ss.status == serverWaitInit {
		if err := ss.initialize(); err != nil {
			log.Printf("[meek] %s: %v", sessionID, err)
			ss.clean()
			s.sessions.Delete(sessionID)
			s.fail(w, ss, "Internal Error")
			return
		}
	}

	// X-Mode: stream on an established TCP session asks for a long-lived
	// chunked response instead of the usual bounded poll, per
	// meek_tcp_stream's gate on HEADER_MODE == MODE_STREAM and
	// status == SESSION_TCP.
	if ss.status == serverTCP && r.Header.Get(HeaderMode) == ModeStream {
		if err := ss.enqueue(data, ""); err != nil {
			log.Printf("[meek] %s: %v", sessionID, err)
			ss.clean()
			s.sessions.Delete(sessionID)
			s.fail(w, ss, "Internal Error")
			return
		}
		w.Header().Set(HeaderSessionID, sessionID)
		w.Header().Set(HeaderMsgType, MsgTypeData)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		ss.streamTCP(w)
		return
	}

	resp, headers, err := ss.process(data, r.Header.Get(HeaderUDPPkts))
	if err != nil {
		log.Printf("[meek] %s: %v", sessionID, err)
		ss.clean()
		s.sessions.Delete(sessionID)
		s.fail(w, ss, "Internal Error")
		return
	}

	for k, vals := range headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderSessionID, sessionID)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (s *Server) fail(w http.ResponseWriter, ss *ServerSession, msg string) {
	w.Header().Set(HeaderSessionID, ss.id)
	w.Header().Set(HeaderError, msg)
	w.WriteHeader(http.StatusOK)
}

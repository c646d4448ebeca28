// Package netio holds the connection-level primitives shared by the relay
// and smart-proxy layers: bidirectional TCP piping, UDP datagram piping with
// source validation, and local UDP socket binding. None of it understands
// SOCKS5 or HTTP; it only moves bytes and tracks idleness.
package netio

import (
	"net"
	"time"
)

const tick = 1 * time.Second

type readResult struct {
	buf []byte
	err error
}

func readPump(conn net.Conn, out chan<- readResult, stop <-chan struct{}) {
	for {
		buf := make([]byte, 65536)
		n, err := conn.Read(buf)
		var res readResult
		if n > 0 {
			res.buf = buf[:n]
		}
		res.err = err
		select {
		case out <- res:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// PipeTCP copies bytes in both directions between local and remote until
// either side closes, either side's write fails, or one direction goes
// idle past its own timeout. The two idle timers are independent: a quiet
// local leg does not forgive a quiet remote leg and vice versa, mirroring
// two counters ticking together on one shared one-second clock.
func PipeTCP(local, remote net.Conn, localTimeout, remoteTimeout time.Duration) {
	localCh := make(chan readResult, 1)
	remoteCh := make(chan readResult, 1)
	stop := make(chan struct{})
	defer close(stop)

	go readPump(local, localCh, stop)
	go readPump(remote, remoteCh, stop)

	var localIdle, remoteIdle time.Duration
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case res := <-localCh:
			if res.err != nil || len(res.buf) == 0 {
				return
			}
			localIdle = 0
			if _, err := remote.Write(res.buf); err != nil {
				return
			}
		case res := <-remoteCh:
			if res.err != nil || len(res.buf) == 0 {
				return
			}
			remoteIdle = 0
			if _, err := local.Write(res.buf); err != nil {
				return
			}
		case <-ticker.C:
			localIdle += tick
			remoteIdle += tick
			if localIdle > localTimeout || remoteIdle > remoteTimeout {
				return
			}
		}
	}
}

// UDPTranslator turns a received datagram plus its source address into an
// outbound (payload, destination) pair. Returning a nil payload drops the
// datagram without forwarding it — used when a frame fails to parse.
type UDPTranslator func(data []byte, from net.Addr) ([]byte, net.Addr)

// AddrChecker reports whether a datagram arriving on the client socket
// came from the address the UDP ASSOCIATE request declared.
type AddrChecker func(from net.Addr) bool

type udpReadResult struct {
	data []byte
	from net.Addr
}

func readPumpPacket(pc net.PacketConn, out chan<- udpReadResult, stop <-chan struct{}) {
	for {
		buf := make([]byte, 65536)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		select {
		case out <- udpReadResult{data: buf[:n], from: from}:
		case <-stop:
			return
		}
	}
}

// watchClosed signals on closedCh when conn's peer closes or any read on it
// errors. It is used to tear down a UDP ASSOCIATE pipe when the controlling
// TCP connection dies, per RFC 1928's "association terminates when the TCP
// connection... terminates" rule.
func watchClosed(conn net.Conn, closedCh chan<- struct{}) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			close(closedCh)
			return
		}
	}
}

// PipeUDP relays datagrams between client and remote, applying c2r/r2c to
// translate frames in each direction and checkClient to validate the
// source address of inbound client datagrams. watch is the set of control
// TCP connections whose closure (by either peer) tears the pipe down.
func PipeUDP(watch []net.Conn, client, remote net.PacketConn, clientTimeout, remoteTimeout time.Duration, checkClient AddrChecker, c2r, r2c UDPTranslator) {
	stop := make(chan struct{})
	defer close(stop)

	watchCh := make(chan struct{}, 1)
	for _, c := range watch {
		go func(c net.Conn) {
			done := make(chan struct{})
			go watchClosed(c, done)
			select {
			case <-done:
				select {
				case watchCh <- struct{}{}:
				default:
				}
			case <-stop:
			}
		}(c)
	}

	clientCh := make(chan udpReadResult, 1)
	remoteCh := make(chan udpReadResult, 1)
	go readPumpPacket(client, clientCh, stop)
	go readPumpPacket(remote, remoteCh, stop)

	var clientIdle, remoteIdle time.Duration
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-watchCh:
			return
		case res := <-clientCh:
			clientIdle = 0
			if !checkClient(res.from) {
				continue
			}
			payload, to := c2r(res.data, res.from)
			if payload == nil || to == nil {
				continue
			}
			if _, err := remote.WriteTo(payload, to); err != nil {
				return
			}
		case res := <-remoteCh:
			remoteIdle = 0
			payload, to := r2c(res.data, res.from)
			if payload == nil || to == nil {
				continue
			}
			if _, err := client.WriteTo(payload, to); err != nil {
				return
			}
		case <-ticker.C:
			clientIdle += tick
			remoteIdle += tick
			if clientIdle > clientTimeout || remoteIdle > remoteTimeout {
				return
			}
		}
	}
}

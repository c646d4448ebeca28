// Package relay implements the core SOCKS5 relay: handshake, request
// dispatch, and the direct-dial and upstream-forward session variants that
// smartsocks composes into policy-based routing.
package relay

import (
	"io"
	"net"

	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readAddr(r io.Reader, addrType byte) ([]byte, error) {
	switch addrType {
	case socks.AddrIPv4:
		return readFull(r, 4)
	case socks.AddrIPv6:
		return readFull(r, 16)
	case socks.AddrDomain:
		lenByte, err := readFull(r, 1)
		if err != nil {
			return nil, err
		}
		body, err := readFull(r, int(lenByte[0]))
		if err != nil {
			return nil, err
		}
		return append(lenByte, body...), nil
	default:
		return nil, &socks.FormatError{Msg: "unknown address type"}
	}
}

// ReadInitRequest reads the [VER, NMETHODS, METHODS...] handshake frame.
func ReadInitRequest(r io.Reader) (*socks.InitRequest, error) {
	head, err := readFull(r, 2)
	if err != nil {
		return nil, err
	}
	body, err := readFull(r, int(head[1]))
	if err != nil {
		return nil, err
	}
	return socks.UnpackInitRequest(append(head, body...))
}

// ReadInitReply reads the [VER, METHOD] handshake reply.
func ReadInitReply(r io.Reader) (*socks.InitReply, error) {
	buf, err := readFull(r, 2)
	if err != nil {
		return nil, err
	}
	return socks.UnpackInitReply(buf)
}

// ReadRequest reads a full [VER,CMD,RSV,ATYP,DST.ADDR,DST.PORT] frame.
func ReadRequest(r io.Reader) (*socks.Request, error) {
	head, err := readFull(r, 4)
	if err != nil {
		return nil, err
	}
	addr, err := readAddr(r, head[3])
	if err != nil {
		return nil, err
	}
	port, err := readFull(r, 2)
	if err != nil {
		return nil, err
	}
	buf := append(head, addr...)
	buf = append(buf, port...)
	return socks.UnpackRequest(buf)
}

// ReadReply reads a full [VER,REP,RSV,ATYP,BND.ADDR,BND.PORT] frame.
func ReadReply(r io.Reader) (*socks.Reply, error) {
	head, err := readFull(r, 4)
	if err != nil {
		return nil, err
	}
	addr, err := readAddr(r, head[3])
	if err != nil {
		return nil, err
	}
	port, err := readFull(r, 2)
	if err != nil {
		return nil, err
	}
	buf := append(head, addr...)
	buf = append(buf, port...)
	return socks.UnpackReply(buf)
}

// BasicHandshakeServer performs the no-auth-only server side of the
// handshake, replying with METHOD_NOT_ACCEPTABLE and returning false if
// the client didn't offer it.
func BasicHandshakeServer(conn net.Conn) (bool, error) {
	req, err := ReadInitRequest(conn)
	if err != nil {
		return false, err
	}
	for _, m := range req.Methods {
		if m == socks.MethodNoAuth {
			_, err := conn.Write((&socks.InitReply{Method: socks.MethodNoAuth}).Pack())
			return err == nil, err
		}
	}
	_, err = conn.Write((&socks.InitReply{Method: socks.MethodNoAcceptable}).Pack())
	return false, err
}

// BasicHandshakeClient performs the no-auth client side of the handshake.
func BasicHandshakeClient(conn net.Conn) (bool, error) {
	if _, err := conn.Write((&socks.InitRequest{Methods: []byte{socks.MethodNoAuth}}).Pack()); err != nil {
		return false, err
	}
	reply, err := ReadInitReply(conn)
	if err != nil {
		return false, err
	}
	return reply.Method == socks.MethodNoAuth, nil
}

// SendRequest writes a CONNECT/BIND/UDP_ASSOCIATE request frame.
func SendRequest(conn net.Conn, cmd byte, addrType byte, addr string, port uint16) error {
	buf, err := (&socks.Request{Cmd: cmd, AddrType: addrType, Addr: addr, Port: port}).Pack()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// RequestFail writes a failure reply echoing the request's address fields.
func RequestFail(conn net.Conn, req *socks.Request, rep byte) error {
	reply := &socks.Reply{Rep: rep, AddrType: req.AddrType, Addr: req.Addr, Port: req.Port}
	buf, err := reply.Pack()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// RequestSuccess writes a success reply carrying the bound local address.
func RequestSuccess(conn net.Conn, addrType byte, addr string, port uint16) error {
	reply := &socks.Reply{Rep: socks.RepSucceeded, AddrType: addrType, Addr: addr, Port: port}
	buf, err := reply.Pack()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

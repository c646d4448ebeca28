package netio

import (
	"net"
	"testing"
	"time"
)

func TestPipeTCPRelaysBothDirections(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()

	done := make(chan struct{})
	go func() {
		PipeTCP(a2, b2, 2*time.Second, 2*time.Second)
		close(done)
	}()

	if _, err := a1.Write([]byte("hello")); err != nil {
		t.Fatalf("write to a1: %v", err)
	}
	buf := make([]byte, 16)
	n, err := b1.Read(buf)
	if err != nil {
		t.Fatalf("read from b1: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want hello", buf[:n])
	}

	if _, err := b1.Write([]byte("world")); err != nil {
		t.Fatalf("write to b1: %v", err)
	}
	n, err = a1.Read(buf)
	if err != nil {
		t.Fatalf("read from a1: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("got %q, want world", buf[:n])
	}

	a1.Close()
	b1.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("PipeTCP did not return after both ends closed")
	}
}

func TestPipeTCPIdleTimeout(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer b1.Close()

	done := make(chan struct{})
	go func() {
		PipeTCP(a2, b2, 1*time.Second, 1*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("PipeTCP did not time out on idle pipe")
	}
}

func TestPipeUDPChecksClientSource(t *testing.T) {
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	var expectAddr net.Addr
	checker := func(from net.Addr) bool {
		return expectAddr != nil && from.String() == expectAddr.String()
	}
	c2r := func(data []byte, from net.Addr) ([]byte, net.Addr) {
		return data, remote.LocalAddr()
	}
	r2c := func(data []byte, from net.Addr) ([]byte, net.Addr) {
		return data, expectAddr
	}

	ctrl1, ctrl2 := net.Pipe()
	defer ctrl1.Close()

	done := make(chan struct{})
	go func() {
		PipeUDP([]net.Conn{ctrl2}, client, remote, 3*time.Second, 3*time.Second, checker, c2r, r2c)
		close(done)
	}()

	expectAddr = peer.LocalAddr()
	if _, err := peer.WriteTo([]byte("ping"), client.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := remote.ReadFrom(buf)
	if err != nil {
		t.Fatalf("remote did not receive forwarded datagram: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}

	ctrl2.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("PipeUDP did not return after control connection closed")
	}
}

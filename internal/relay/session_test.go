package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/socks"
	"golang.org/x/sync/semaphore"
)

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return l
}

func TestSocksRelayConnectAndPipe(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	echoAddr := echo.Addr().(*net.TCPAddr)

	srv := NewServer("127.0.0.1:0", &SocksRelayFactory{Timeout: 5 * time.Second}, semaphore.NewWeighted(10))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	relayAddr := srv.listener.Addr().String()
	client, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if ok, err := BasicHandshakeClient(client); err != nil || !ok {
		t.Fatalf("handshake failed: ok=%v err=%v", ok, err)
	}
	if err := SendRequest(client, socks.CmdConnect, socks.AddrIPv4, echoAddr.IP.String(), uint16(echoAddr.Port)); err != nil {
		t.Fatal(err)
	}
	reply, err := ReadReply(client)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Rep != socks.RepSucceeded {
		t.Fatalf("relay refused connect: rep=%v", reply.Rep)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestCheckClientAddrWildcard(t *testing.T) {
	declared := &net.UDPAddr{IP: net.ParseIP("0.0.0.0"), Port: 0}
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 9999}
	if !checkClientAddr(declared, from) {
		t.Fatal("wildcard declared address should accept any source")
	}
}

func TestCheckClientAddrRejectsMismatch(t *testing.T) {
	declared := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 1111}
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 9999}
	if checkClientAddr(declared, from) {
		t.Fatal("mismatched source should be rejected")
	}
}

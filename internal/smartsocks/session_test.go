package smartsocks

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
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

func dialAndConnect(t *testing.T, relayAddr, dstAddr string, dstPort uint16) net.Conn {
	t.Helper()
	client, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := relay.BasicHandshakeClient(client); err != nil || !ok {
		t.Fatalf("handshake: ok=%v err=%v", ok, err)
	}
	if err := relay.SendRequest(client, socks.CmdConnect, socks.AddrIPv4, dstAddr, dstPort); err != nil {
		t.Fatal(err)
	}
	reply, err := relay.ReadReply(client)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Rep != socks.RepSucceeded {
		t.Fatalf("connect refused: rep=%v", reply.Rep)
	}
	return client
}

func assertEcho(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestSmartSocksDirectConnect(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	echoAddr := echo.Addr().(*net.TCPAddr)

	m := matcher.New(matcher.NewHosts(nil, matcher.HostsMeta{}, nil), matcher.NewBlacklist(nil, nil, nil, ""))
	srv := relay.NewServer("127.0.0.1:0", &Factory{Timeout: 5 * time.Second, Matcher: m}, semaphore.NewWeighted(10))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	conn := dialAndConnect(t, srv.Addr().String(), echoAddr.IP.String(), uint16(echoAddr.Port))
	defer conn.Close()
	assertEcho(t, conn)
}

func TestSmartSocksHostsOverride(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	echoAddr := echo.Addr().(*net.TCPAddr)

	hosts := matcher.NewHosts(
		[]matcher.HostsEntry{{Addr: echoAddr.IP.String(), Name: "overridden.test"}},
		matcher.HostsMeta{}, nil,
	)
	m := matcher.New(hosts, matcher.NewBlacklist(nil, nil, nil, ""))
	srv := relay.NewServer("127.0.0.1:0", &Factory{Timeout: 5 * time.Second, Matcher: m}, semaphore.NewWeighted(10))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	conn := dialAndConnect(t, srv.Addr().String(), "overridden.test", uint16(echoAddr.Port))
	defer conn.Close()
	assertEcho(t, conn)
}

func TestSmartSocksChannelConnect(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	echoAddr := echo.Addr().(*net.TCPAddr)

	upstreamMatcher := matcher.New(matcher.NewHosts(nil, matcher.HostsMeta{}, nil), matcher.NewBlacklist(nil, nil, nil, ""))
	upstream := relay.NewServer("127.0.0.1:0", &Factory{Timeout: 5 * time.Second, Matcher: upstreamMatcher}, semaphore.NewWeighted(10))
	if err := upstream.Start(); err != nil {
		t.Fatal(err)
	}
	channelURL := "socks5://" + upstream.Addr().String()

	// blacklisting the echo server's own literal address routes it through
	// the channel, which here is another relay that dials it directly —
	// exercising the front relay -> channel -> destination path end to end.
	bl := matcher.NewBlacklist(nil, []string{echoAddr.IP.String()}, nil, channelURL)
	m := matcher.New(matcher.NewHosts(nil, matcher.HostsMeta{}, nil), bl)
	front := relay.NewServer("127.0.0.1:0", &Factory{Timeout: 5 * time.Second, Matcher: m}, semaphore.NewWeighted(10))
	if err := front.Start(); err != nil {
		t.Fatal(err)
	}

	conn := dialAndConnect(t, front.Addr().String(), echoAddr.IP.String(), uint16(echoAddr.Port))
	defer conn.Close()
	assertEcho(t, conn)
}

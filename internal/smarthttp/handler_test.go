package smarthttp

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
	"github.com/yinghuocho/firefly-proxy/internal/smartsocks"
	"golang.org/x/sync/semaphore"
)

func startOriginServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
}

func emptyMatcher(channelURL string) *matcher.Matcher {
	return matcher.New(
		matcher.NewHosts(nil, matcher.HostsMeta{}, nil),
		matcher.NewBlacklist(nil, nil, nil, channelURL),
	)
}

func proxyClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		Timeout:   5 * time.Second,
	}
}

func TestSmartHTTPDirectForward(t *testing.T) {
	origin := startOriginServer(t, "hello direct")
	defer origin.Close()

	h := NewHandler(5*time.Second, emptyMatcher(""))
	front := httptest.NewServer(h)
	defer front.Close()

	resp, err := proxyClient(t, front.URL).Get(origin.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello direct" {
		t.Fatalf("got %q, want %q", body, "hello direct")
	}
}

func TestSmartHTTPDirectTunnel(t *testing.T) {
	origin := startOriginServer(t, "hello tunnel")
	defer origin.Close()

	h := NewHandler(5*time.Second, emptyMatcher(""))
	front := httptest.NewServer(h)
	defer front.Close()

	client, err := net.Dial("tcp", front.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("CONNECT " + origin.Listener.Addr().String() + " HTTP/1.1\r\nHost: " + origin.Listener.Addr().String() + "\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(client)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT failed: %v", resp.Status)
	}

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Host = origin.Listener.Addr().String()
	if err := req.Write(client); err != nil {
		t.Fatal(err)
	}
	innerResp, err := http.ReadResponse(reader, req)
	if err != nil {
		t.Fatal(err)
	}
	defer innerResp.Body.Close()
	body, _ := io.ReadAll(innerResp.Body)
	if string(body) != "hello tunnel" {
		t.Fatalf("got %q, want %q", body, "hello tunnel")
	}
}

func TestSmartHTTPRedirectsToHTTPS(t *testing.T) {
	hosts := matcher.NewHosts(nil, matcher.HostsMeta{
		Groups: map[string][]matcher.GroupDomain{
			"g1": {{Domain: "secure.example", Redirect: true}},
		},
	}, nil)
	m := matcher.New(hosts, matcher.NewBlacklist(nil, nil, nil, ""))
	h := NewHandler(5*time.Second, m)
	front := httptest.NewServer(h)
	defer front.Close()

	client := proxyClient(t, front.URL)
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	req, _ := http.NewRequest(http.MethodGet, "http://secure.example/path", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc != "https://secure.example/path" {
		t.Fatalf("unexpected Location: %q", loc)
	}
}

// TestSmartHTTPChannelForward exercises the channel-routing path: the
// origin's address is blacklisted, so the smart HTTP handler must open a
// SOCKS5 CONNECT to the channel (here another smart relay that dials
// directly) rather than the origin socket itself.
func TestSmartHTTPChannelForward(t *testing.T) {
	origin := startOriginServer(t, "hello channel")
	defer origin.Close()
	originAddr := origin.Listener.Addr().(*net.TCPAddr)

	upstreamMatcher := emptyMatcher("")
	upstream := relay.NewServer("127.0.0.1:0", &smartsocks.Factory{Timeout: 5 * time.Second, Matcher: upstreamMatcher}, semaphore.NewWeighted(10))
	if err := upstream.Start(); err != nil {
		t.Fatal(err)
	}
	channelURL := "socks5://" + upstream.Addr().String()

	m := matcher.New(
		matcher.NewHosts(nil, matcher.HostsMeta{}, nil),
		matcher.NewBlacklist(nil, []string{originAddr.IP.String()}, nil, channelURL),
	)
	h := NewHandler(5*time.Second, m)
	front := httptest.NewServer(h)
	defer front.Close()

	resp, err := proxyClient(t, front.URL).Get(origin.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello channel" {
		t.Fatalf("got %q, want %q", body, "hello channel")
	}
}

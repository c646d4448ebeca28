// Package smarthttp composes the plain HTTP forward proxy with the
// forwarding matcher: every request is redirect-checked and
// decision-routed the same way smartsocks routes a SOCKS5 CONNECT,
// before falling through to a direct dial, a hosts-override dial, or a
// tunnel through the circumvention channel. Grounded on
// component/local.py's FireflyHTTPApplication (redirect + hosts
// special-casing) composed over ghttproxy/socks_relay.py's
// HTTP2SocksProxyApplication (every other request goes through a SOCKS5
// channel).
package smarthttp

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/httpproxy"
	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/netio"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
	"github.com/yinghuocho/firefly-proxy/internal/socks"
)

// Error marks a routing decision this handler cannot act on.
type Error struct{ Msg string }

func (e *Error) Error() string { return "smarthttp: " + e.Msg }

// Handler is an http.Handler: CONNECT requests get a tunnel, everything
// else is relayed and its response streamed back, both according to the
// matcher's per-destination decision.
type Handler struct {
	Timeout time.Duration
	Matcher *matcher.Matcher
}

func NewHandler(timeout time.Duration, m *matcher.Matcher) *Handler {
	return &Handler{Timeout: timeout, Matcher: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.tunnel(w, r)
		return
	}
	h.forward(w, r)
}

// dial resolves host:port against the matcher and opens the connection
// the decision calls for: a direct dial, the first reachable
// hosts-override address, or a CONNECT tunnel through the channel.
func (h *Handler) dial(host string, port int) (net.Conn, error) {
	d := h.Matcher.Find(host, port, "tcp")
	switch {
	case d.IsDirect():
		return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), h.Timeout)
	case d.Kind == matcher.HostsOverride:
		return dialOverride(d.Addrs, port, h.Timeout)
	case d.Kind == matcher.Channel:
		return dialChannel(d.ChannelURL, host, port, h.Timeout)
	}
	return nil, &Error{Msg: "matcher returned an unrecognized decision"}
}

func dialOverride(addrs []string, port int, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	var err error
	for _, addr := range addrs {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), timeout)
		if err == nil {
			return conn, nil
		}
	}
	return nil, err
}

// dialChannel opens a connection to a "socks5://host:port" channel and
// drives the no-auth handshake plus a CONNECT request for host:port,
// returning the post-handshake connection ready to carry the tunneled
// bytes — the HTTP analogue of smartsocks' dialChannel.
func dialChannel(channelURL, host string, port int, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(channelURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "socks5" {
		return nil, &Error{Msg: fmt.Sprintf("unsupported channel scheme %q", u.Scheme)}
	}
	conn, err := net.DialTimeout("tcp", u.Host, timeout)
	if err != nil {
		return nil, err
	}
	ok, err := relay.BasicHandshakeClient(conn)
	if err != nil || !ok {
		conn.Close()
		if err == nil {
			err = &Error{Msg: "channel refused no-auth handshake"}
		}
		return nil, err
	}
	if err := relay.SendRequest(conn, socks.CmdConnect, socks.AddrType(host), host, uint16(port)); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := relay.ReadReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Rep != socks.RepSucceeded {
		conn.Close()
		return nil, &Error{Msg: fmt.Sprintf("channel refused connect: rep=%v", reply.Rep)}
	}
	return conn, nil
}

func (h *Handler) tunnel(w http.ResponseWriter, r *http.Request) {
	host, port := httpproxy.GetDestination(r)
	log.Printf("[smarthttp] CONNECT request to %s:%d", host, port)

	remote, err := h.dial(host, port)
	if err != nil {
		log.Printf("[smarthttp] dialing %s:%d: %v", host, port, err)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}
	defer remote.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer client.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return
	}
	if buf.Reader.Buffered() > 0 {
		pending := make([]byte, buf.Reader.Buffered())
		io.ReadFull(buf.Reader, pending)
		remote.Write(pending)
	}
	netio.PipeTCP(client, remote, h.Timeout, h.Timeout)
}

// redirectToHTTPS mirrors FireflyHosts.need_redirect's caller in
// local.py: a 301 to the https form of the same request line, connection
// closed afterwards.
func redirectToHTTPS(w http.ResponseWriter, r *http.Request, host string) {
	u := *r.URL
	u.Scheme = "https"
	u.Host = host
	w.Header().Set("Location", u.String())
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusMovedPermanently)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	host, port := httpproxy.GetDestination(r)
	if h.Matcher.NeedRedirect(r.Method, host) {
		redirectToHTTPS(w, r, host)
		return
	}
	log.Printf("[smarthttp] %s request to %s:%d", r.Method, host, port)

	remote, err := h.dial(host, port)
	if err != nil {
		log.Printf("[smarthttp] dialing %s:%d: %v", host, port, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer remote.Close()
	remote.SetDeadline(time.Now().Add(h.Timeout))

	httpproxy.SetForwardedFor(r.Header, r.RemoteAddr)
	if err := writeOriginFormRequest(remote, r); err != nil {
		log.Printf("[smarthttp] writing request to %s:%d: %v", host, port, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	resp, err := http.ReadResponse(bufio.NewReader(remote), r)
	if err != nil {
		log.Printf("[smarthttp] reading response from %s:%d: %v", host, port, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// writeOriginFormRequest writes r as a raw HTTP/1.1 request line plus
// headers onto conn, rewriting an absolute-form request target
// (http://host/path, as proxy clients send) into origin-form via
// httpproxy.StripSchemeHost — some origin servers reject an absolute-form
// request line on a plain (non-proxy) connection.
func writeOriginFormRequest(conn net.Conn, r *http.Request) error {
	target := httpproxy.StripSchemeHost(r.RequestURI)
	if target == "" {
		target = "/"
	}
	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", r.Method, target)
	fmt.Fprintf(w, "Host: %s\r\n", r.Host)
	for k, vs := range r.Header {
		for _, v := range vs {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprint(w, "\r\n")
	if r.Body != nil {
		if _, err := io.Copy(w, r.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

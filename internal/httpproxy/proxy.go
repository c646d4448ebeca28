// Package httpproxy implements a plain HTTP/HTTPS forward proxy: ordinary
// requests are re-issued upstream and the response streamed back, CONNECT
// requests get a raw TCP tunnel. Grounded on the WSGI application in
// ghttproxy/server.py, translated to net/http's Handler/Hijacker model.
package httpproxy

import (
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/netio"
)

// hopByHopHeaders are stripped before forwarding a request upstream, the
// Go-idiomatic equivalent of ghttproxy's BLACKLIST_HEADERS plus the
// standard hop-by-hop set RFC 7230 §6.1 names.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler is an http.Handler implementing a forward proxy: plain requests
// forward over a fresh upstream connection, CONNECT requests hijack the
// client connection and pipe bytes directly.
type Handler struct {
	Timeout   time.Duration
	transport *http.Transport
}

func NewHandler(timeout time.Duration) *Handler {
	return &Handler{
		Timeout: timeout,
		transport: &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
			DisableCompression:  true,
			ResponseHeaderTimeout: timeout,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.tunnel(w, r)
		return
	}
	h.forward(w, r)
}

// getDestination resolves the target host:port the way ghttproxy's
// get_destination does: explicit port in Host or request-URI wins,
// otherwise CONNECT defaults to 443 and everything else to 80.
func getDestination(r *http.Request) (string, int) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, _ := strconv.Atoi(p)
		return h, port
	}
	if r.Method == http.MethodConnect {
		return host, 443
	}
	return host, 80
}

// GetDestination exports getDestination for callers composing their own
// forwarding policy on top of this package (internal/smarthttp).
func GetDestination(r *http.Request) (string, int) {
	return getDestination(r)
}

// SetForwardedFor exports setForwardedFor for the same reason.
func SetForwardedFor(header http.Header, remoteAddr string) {
	setForwardedFor(header, remoteAddr)
}

// setForwardedFor accumulates onto an existing X-Forwarded-For value
// rather than overwriting it, but — matching ghttproxy's
// set_forwarded_for — skips adding the header entirely for a loopback
// client that didn't already send one, so a local smart-HTTP hop doesn't
// manufacture spurious XFF chains.
func setForwardedFor(header http.Header, remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	existing := header.Get("X-Forwarded-For")
	if (host == "127.0.0.1" || host == "::1") && existing == "" {
		return
	}
	if existing == "" {
		header.Set("X-Forwarded-For", host)
		return
	}
	header.Set("X-Forwarded-For", existing+", "+host)
}

func stripHopByHop(header http.Header) {
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	host, port := getDestination(r)
	log.Printf("[httpproxy] HTTP request to %s:%d", host, port)

	outURL := *r.URL
	outURL.Scheme = "http"
	outURL.Host = net.JoinHostPort(host, strconv.Itoa(port))

	outReq, err := http.NewRequest(r.Method, outURL.String(), r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	setForwardedFor(outReq.Header, r.RemoteAddr)
	outReq.ContentLength = r.ContentLength

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		log.Printf("[httpproxy] upstream error for %s: %v", outURL.String(), err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
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

func (h *Handler) tunnel(w http.ResponseWriter, r *http.Request) {
	host, port := getDestination(r)
	log.Printf("[httpproxy] CONNECT request to %s:%d", host, port)

	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), h.Timeout)
	if err != nil {
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

// StripSchemeHost rewrites an absolute-form request target
// (http://host/path) into origin-form (/path), used when handing a
// forwarded request to a backend that expects origin-form paths.
func StripSchemeHost(target string) string {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return target
	}
	idx := strings.Index(target[len("https://"):], "/")
	scheme := "https://"
	if strings.HasPrefix(target, "http://") {
		scheme = "http://"
		idx = strings.Index(target[len("http://"):], "/")
	}
	rest := target[len(scheme):]
	if idx < 0 {
		return "/"
	}
	return rest[idx:]
}

package meek

import (
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Relay is one fronting endpoint the client can roundtrip through: a CDN
// URL presenting an unrelated TLS certificate, plus the Host header that
// actually routes the request once inside the CDN. Grounded on
// meeksocks/relay.py's Relay and circumvention.py's comma-separated
// relay list ("fronturl,hostname,properties...").
type Relay struct {
	FrontURL   string
	Hostname   string
	Properties []string

	failure int32
}

func (r *Relay) hasProperty(p string) bool {
	for _, v := range r.Properties {
		if v == p {
			return true
		}
	}
	return false
}

// Insecure reports whether the front's TLS certificate should be left
// unverified — the default, since fronting deliberately presents someone
// else's certificate; a relay can opt back into verification.
func (r *Relay) Insecure() bool  { return !r.hasProperty("verify") }
func (r *Relay) Streaming() bool { return r.hasProperty("stream") }

func (r *Relay) Failures() int32 { return atomic.LoadInt32(&r.failure) }
func (r *Relay) addFailure()     { atomic.AddInt32(&r.failure, 1) }

// ParseRelay decodes one "fronturl,hostname,prop1,prop2" config line,
// skipping lines that don't carry at least a front URL, a hostname and a
// (possibly empty) properties field — circumvention.py's _valid_relays
// drops any line with fewer than 3 comma-separated fields.
func ParseRelay(line string) (*Relay, bool) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 3 || fields[0] == "" || fields[1] == "" {
		return nil, false
	}
	var props []string
	for _, p := range fields[2:] {
		if p != "" {
			props = append(props, p)
		}
	}
	return &Relay{FrontURL: fields[0], Hostname: fields[1], Properties: props}, true
}

// LoadRelays parses a relay list, silently skipping malformed lines.
func LoadRelays(lines []string) []*Relay {
	var relays []*Relay
	for _, line := range lines {
		if r, ok := ParseRelay(line); ok {
			relays = append(relays, r)
		}
	}
	return relays
}

// HTTPClientPool keeps one or more *http.Client per front URL so a
// session reuses warm connections instead of renegotiating TLS on every
// request — meeksocks/relay.py's HTTPClientPool, LIFO per relay.
type HTTPClientPool struct {
	mu      sync.Mutex
	clients map[string][]*http.Client
}

func NewHTTPClientPool() *HTTPClientPool {
	return &HTTPClientPool{clients: make(map[string][]*http.Client)}
}

func (p *HTTPClientPool) Get(r *Relay, timeout time.Duration) *http.Client {
	p.mu.Lock()
	if q := p.clients[r.FrontURL]; len(q) > 0 {
		c := q[len(q)-1]
		p.clients[r.FrontURL] = q[:len(q)-1]
		p.mu.Unlock()
		return c
	}
	p.mu.Unlock()
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: r.Insecure()},
			MaxIdleConnsPerHost: 4,
		},
	}
}

func (p *HTTPClientPool) Release(r *Relay, c *http.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[r.FrontURL] = append(p.clients[r.FrontURL], c)
}

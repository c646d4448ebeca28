package smartsocks

import (
	"log"
	"net"
	"time"

	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
)

// Factory builds a Session per accepted connection, implementing
// relay.Factory. It is gsocks/smart_relay.py's SmartRelayFactory.
type Factory struct {
	Timeout time.Duration
	Matcher *matcher.Matcher
}

func (f *Factory) NewSession(conn net.Conn) relay.Dispatcher {
	log.Printf("[smartsocks] new connection from %s", conn.RemoteAddr())
	return NewSession(conn, f.Timeout, f.Matcher)
}

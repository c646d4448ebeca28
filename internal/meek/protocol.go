// Package meek implements the meek pluggable-transport client and server:
// a SOCKS5 relay tunneled over HTTP request/response bodies so that it
// rides through a TLS-terminating CDN front rather than dialing the real
// destination directly. Grounded on meeksocks/relay.py (client) and
// DEPRECATED_PYTHON_SRC/meeksocks/server.py (server).
package meek

import "time"

// SessionIDLength is the number of leading characters kept from a UUIDv4
// string to form a session id.
const SessionIDLength = 16

// MaxPayloadLength caps both a single HTTP round-trip's body and the
// buffer used to drain client sockets between round-trips.
const MaxPayloadLength = 1 << 16

// Header names exchanged between meek client and server. Mirrors the
// gsocks constants imported from "meek" in relay.py/server.py.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderMsgType   = "X-Msg-Type"
	HeaderMode      = "X-Mode"
	HeaderUDPPkts   = "X-Udp-Pkts"
	HeaderError     = "X-Error"
)

const (
	MsgTypeData      = "data"
	MsgTypeTerminate = "terminate"
	ModeStream       = "stream"
)

// Client-side polling/retry tuning. CLIENT_MAX_FAILURE has no defining
// constant in the retrieved sources; 3 strikes before a relay is excluded
// from selection is a deliberate, documented choice (see DESIGN.md).
const (
	ClientMaxTries               = 10
	ClientRetryDelay             = 30 * time.Second
	ClientInitialPollInterval    = 100 * time.Millisecond
	ClientPollIntervalMultiplier = 1.5
	ClientMaxPollInterval        = 5 * time.Second
	ClientMaxFailure             = 3
)

// Server-side long-poll tuning: how long fetchResp blocks waiting for
// outbound data before returning an empty body, and the slice it sleeps
// in between checks.
const (
	ServerTurnaroundTimeout = 500 * time.Millisecond
	ServerTurnaroundMax     = 20 * time.Second
)

// idleCheckInterval is how often a client session's shared idle timer
// samples for traffic before comparing accumulated idle time against the
// session timeout.
const idleCheckInterval = 1 * time.Second

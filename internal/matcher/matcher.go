package matcher

import "sync/atomic"

// snapshot is an immutable pair of (hosts, blacklist) tables. Matcher swaps
// the whole pair atomically so a config reload never exposes a lookup to a
// half-updated table, matching the spec's requirement that policy reloads
// be atomic from a caller's point of view.
type snapshot struct {
	hosts     *Hosts
	blacklist *Blacklist
}

// Matcher is firefly's combined forwarding policy: hosts overrides take
// precedence over the blacklist, matching component/matcher.py's
// FireflyMatcher.
type Matcher struct {
	snap atomic.Pointer[snapshot]
}

// New builds a Matcher over the given hosts table and blacklist.
func New(hosts *Hosts, blacklist *Blacklist) *Matcher {
	m := &Matcher{}
	m.snap.Store(&snapshot{hosts: hosts, blacklist: blacklist})
	return m
}

// Reload atomically swaps in a new hosts table and blacklist, e.g. after a
// static data file update. In-flight Find calls see either the old or the
// new snapshot in full, never a mix.
func (m *Matcher) Reload(hosts *Hosts, blacklist *Blacklist) {
	m.snap.Store(&snapshot{hosts: hosts, blacklist: blacklist})
}

// Find decides how host:port should be reached. proto is informational
// ("tcp" or "udp") and carried for parity with the original matcher
// interface; the current rule set does not branch on it.
func (m *Matcher) Find(host string, port int, proto string) *Decision {
	s := m.snap.Load()
	if d := s.hosts.Find(host); d != nil {
		return d
	}
	return s.blacklist.Find(host)
}

// NeedRedirect reports whether an HTTP GET to host should be redirected to
// HTTPS, per the hosts table's metadata.
func (m *Matcher) NeedRedirect(method, host string) bool {
	return m.snap.Load().hosts.NeedRedirect(method, host)
}

// Groups exposes the enabled/disabled state of each hosts group.
func (m *Matcher) Groups() []GroupStatus {
	return m.snap.Load().hosts.Groups()
}

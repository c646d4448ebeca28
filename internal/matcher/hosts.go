package matcher

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/idna"
)

// HostsEntry is one "addr name" line of the hosts data file.
type HostsEntry struct {
	Addr string
	Name string
}

// GroupDomain is one (domain, redirect) pair inside a hosts group's
// metadata, used both for is_disabled checks and need_redirect.
type GroupDomain struct {
	Domain   string
	Redirect bool
}

// HostsMeta mirrors the YAML metadata file: named groups of domains, each
// with a redirect flag.
type HostsMeta struct {
	Groups map[string][]GroupDomain
}

// Hosts is firefly's hosts-override table: a domain name maps to one or
// more alternate IP addresses to dial instead of resolving the domain
// normally, grouped so a whole group can be disabled at once.
type Hosts struct {
	data     map[string][]string
	meta     HostsMeta
	disabled map[string]bool

	detectIPv6 func() bool
	ipv6Once   sync.Once
	hasIPv6    bool
}

// NewHosts builds a Hosts table from data file lines, parsed metadata, and
// a set of initially-disabled group names.
func NewHosts(entries []HostsEntry, meta HostsMeta, disabledGroups []string) *Hosts {
	h := &Hosts{
		data:       make(map[string][]string),
		meta:       meta,
		disabled:   make(map[string]bool),
		detectIPv6: detectIPv6,
	}
	for _, g := range disabledGroups {
		h.disabled[g] = true
	}
	for _, e := range entries {
		name, err := idna.Lookup.ToASCII(strings.TrimSpace(e.Name))
		if err != nil {
			name = strings.ToLower(strings.TrimSpace(e.Name))
		}
		addr := strings.TrimSpace(e.Addr)
		if net.ParseIP(addr) == nil {
			continue
		}
		h.data[name] = append(h.data[name], addr)
	}
	return h
}

// ParseHostsLine splits a "addr name" data-file line, skipping comments
// and blank lines, matching FireflyHosts.__init__'s tolerant parsing.
func ParseHostsLine(line string) (HostsEntry, bool) {
	fields := strings.Fields(line)
	var kept []string
	for _, f := range fields {
		if strings.HasPrefix(f, "#") {
			break
		}
		kept = append(kept, f)
	}
	if len(kept) != 2 {
		return HostsEntry{}, false
	}
	return HostsEntry{Addr: kept[0], Name: kept[1]}, true
}

func detectIPv6() bool {
	addrs, err := net.LookupIP("www.google.com")
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.To4() == nil {
			return true
		}
	}
	return false
}

func (h *Hosts) classify(addrs []string) []string {
	var v4, v6 []string
	for _, a := range addrs {
		if strings.Contains(a, ":") {
			v6 = append(v6, a)
		} else {
			v4 = append(v4, a)
		}
	}
	h.ipv6Once.Do(func() {
		h.hasIPv6 = h.detectIPv6()
	})
	if h.hasIPv6 {
		return append(v6, v4...)
	}
	return v4
}

// Disable marks a hosts group disabled, matching FireflyHosts.disable.
func (h *Hosts) Disable(group string) {
	h.disabled[group] = true
}

// IsDisabled reports whether host falls under a currently disabled group.
func (h *Hosts) IsDisabled(host string) bool {
	for group := range h.disabled {
		for _, gd := range h.meta.Groups[group] {
			if matchDomain(gd.Domain, host) {
				return true
			}
		}
	}
	return false
}

// NeedRedirect reports whether a GET to host should be redirected to
// HTTPS per the hosts metadata's per-domain redirect flags.
func (h *Hosts) NeedRedirect(method, host string) bool {
	if method != "GET" {
		return false
	}
	for _, domains := range h.meta.Groups {
		for _, gd := range domains {
			if gd.Redirect && matchDomain(gd.Domain, host) {
				return true
			}
		}
	}
	return false
}

// Find looks up host in the hosts table and returns a HostsOverride
// decision naming its candidate addresses, or nil if host isn't listed or
// its group is disabled.
func (h *Hosts) Find(host string) *Decision {
	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		name = strings.ToLower(host)
	}
	addrs, ok := h.data[name]
	if !ok || h.IsDisabled(host) {
		return nil
	}
	classified := h.classify(addrs)
	if len(classified) == 0 {
		return nil
	}
	return &Decision{Kind: HostsOverride, Addrs: classified}
}

// Count returns the number of distinct domains in the hosts table.
func (h *Hosts) Count() int { return len(h.data) }

// Groups reports each known group name and whether it is currently
// enabled, matching FireflyHosts.groups.
func (h *Hosts) Groups() []GroupStatus {
	out := make([]GroupStatus, 0, len(h.meta.Groups))
	for name := range h.meta.Groups {
		out = append(out, GroupStatus{Name: name, Enabled: !h.disabled[name]})
	}
	return out
}

// GroupStatus reports whether a named hosts group is currently enabled.
type GroupStatus struct {
	Name    string
	Enabled bool
}

func (g GroupStatus) String() string {
	state := "enabled"
	if !g.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s:%s", g.Name, state)
}

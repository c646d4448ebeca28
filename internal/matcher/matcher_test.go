package matcher

import "testing"

func newTestHosts(ipv6 bool) *Hosts {
	h := NewHosts(
		[]HostsEntry{
			{Addr: "203.0.113.10", Name: "override.example.com"},
			{Addr: "2001:db8::10", Name: "override.example.com"},
			{Addr: "203.0.113.20", Name: "disabled.example.com"},
		},
		HostsMeta{Groups: map[string][]GroupDomain{
			"grp": {{Domain: "disabled.example.com", Redirect: false}},
			"tls": {{Domain: "*.secure.example.com", Redirect: true}},
		}},
		nil,
	)
	h.detectIPv6 = func() bool { return ipv6 }
	return h
}

func TestHostsFindClassifiesByIPv6Support(t *testing.T) {
	h := newTestHosts(true)
	d := h.Find("override.example.com")
	if d == nil || d.Kind != HostsOverride {
		t.Fatalf("expected HostsOverride, got %+v", d)
	}
	if len(d.Addrs) != 2 || d.Addrs[0] != "2001:db8::10" {
		t.Fatalf("expected ipv6 first, got %v", d.Addrs)
	}

	h2 := newTestHosts(false)
	d2 := h2.Find("override.example.com")
	if len(d2.Addrs) != 1 || d2.Addrs[0] != "203.0.113.10" {
		t.Fatalf("expected ipv4 only, got %v", d2.Addrs)
	}
}

func TestHostsFindRespectsDisabledGroup(t *testing.T) {
	h := newTestHosts(false)
	h.Disable("grp")
	if d := h.Find("disabled.example.com"); d != nil {
		t.Fatalf("expected nil for disabled group, got %+v", d)
	}
}

func TestHostsNeedRedirectOnlyForGET(t *testing.T) {
	h := newTestHosts(false)
	if !h.NeedRedirect("GET", "login.secure.example.com") {
		t.Fatal("expected redirect for GET to a flagged domain")
	}
	if h.NeedRedirect("POST", "login.secure.example.com") {
		t.Fatal("POST should never redirect")
	}
}

func TestBlacklistPrecedence(t *testing.T) {
	b := NewBlacklist(
		[]string{"blocked.example"},
		[]string{"*.customblock.example"},
		[]string{"allow.blocked.example"},
		"socks5://127.0.0.1:7656",
	)

	if d := b.Find("allow.blocked.example"); d != nil {
		t.Fatalf("whitelist should override everything, got %+v", d)
	}
	if d := b.Find("www.customblock.example"); d == nil || d.Kind != Channel {
		t.Fatalf("expected Channel for custom blacklist glob, got %+v", d)
	}
	if d := b.Find("deep.blocked.example"); d == nil || d.Kind != Channel {
		t.Fatalf("expected Channel for suffix match, got %+v", d)
	}
	if d := b.Find("unrelated.example"); d != nil {
		t.Fatalf("expected nil for unmatched host, got %+v", d)
	}
}

func TestMatcherHostsOverrideBeatsBlacklist(t *testing.T) {
	hosts := newTestHosts(false)
	bl := NewBlacklist([]string{"override.example.com"}, nil, nil, "socks5://127.0.0.1:7656")
	m := New(hosts, bl)

	d := m.Find("override.example.com", 443, "tcp")
	if d.Kind != HostsOverride {
		t.Fatalf("hosts table should win over blacklist, got %+v", d)
	}
}

func TestMatcherReloadIsAtomic(t *testing.T) {
	m := New(newTestHosts(false), NewBlacklist(nil, nil, nil, ""))
	if d := m.Find("blocked.example.com", 80, "tcp"); d != nil {
		t.Fatalf("expected direct before reload, got %+v", d)
	}
	m.Reload(newTestHosts(false), NewBlacklist([]string{"blocked.example.com"}, nil, nil, "socks5://127.0.0.1:7656"))
	if d := m.Find("blocked.example.com", 80, "tcp"); d == nil || d.Kind != Channel {
		t.Fatalf("expected channel after reload, got %+v", d)
	}
}

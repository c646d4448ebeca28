package socks

import "testing"

func TestInitRequestRoundTrip(t *testing.T) {
	req := &InitRequest{Methods: []byte{MethodNoAuth, 0x02}}
	buf := req.Pack()
	got, err := UnpackInitRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Methods) != 2 || got.Methods[0] != MethodNoAuth || got.Methods[1] != 0x02 {
		t.Fatalf("got %v", got.Methods)
	}
}

func TestUnpackInitRequestRejectsWrongVersion(t *testing.T) {
	_, err := UnpackInitRequest([]byte{0x04, 0x01, MethodNoAuth})
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestRequestRoundTripIPv4(t *testing.T) {
	req := &Request{Cmd: CmdConnect, AddrType: AddrIPv4, Addr: "93.184.216.34", Port: 443}
	buf, err := req.Pack()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmd != CmdConnect || got.Addr != "93.184.216.34" || got.Port != 443 {
		t.Fatalf("got %+v", got)
	}
}

func TestRequestRoundTripDomain(t *testing.T) {
	req := &Request{Cmd: CmdConnect, AddrType: AddrDomain, Addr: "example.com", Port: 80}
	buf, err := req.Pack()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Addr != "example.com" || got.Port != 80 {
		t.Fatalf("got %+v", got)
	}
}

func TestRequestRoundTripIPv6(t *testing.T) {
	req := &Request{Cmd: CmdUDPAssociate, AddrType: AddrIPv6, Addr: "::1", Port: 53}
	buf, err := req.Pack()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Addr != "::1" || got.Port != 53 {
		t.Fatalf("got %+v", got)
	}
}

func TestUnpackRequestTruncatedDomain(t *testing.T) {
	buf := []byte{Version5, CmdConnect, 0, AddrDomain, 10, 'a', 'b'}
	_, err := UnpackRequest(buf)
	if _, ok := err.(*FormatError); !ok {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestUnpackRequestUnknownAddrType(t *testing.T) {
	buf := []byte{Version5, CmdConnect, 0, 0x09, 0, 0}
	_, err := UnpackRequest(buf)
	if _, ok := err.(*FormatError); !ok {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	rep := &Reply{Rep: RepSucceeded, AddrType: AddrIPv4, Addr: "0.0.0.0", Port: 0}
	buf, err := rep.Pack()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackReply(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Rep != RepSucceeded {
		t.Fatalf("got %+v", got)
	}
}

func TestUDPDatagramRoundTrip(t *testing.T) {
	d := &UDPDatagram{Frag: 0, AddrType: AddrDomain, Addr: "example.com", Port: 53, Data: []byte("payload")}
	buf, err := d.Pack()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackUDPDatagram(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Addr != "example.com" || string(got.Data) != "payload" || got.Frag != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestUDPDatagramPreservesFragField(t *testing.T) {
	d := &UDPDatagram{Frag: 1, AddrType: AddrIPv4, Addr: "1.2.3.4", Port: 1, Data: []byte("x")}
	buf, err := d.Pack()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackUDPDatagram(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Frag != 1 {
		t.Fatalf("frag not preserved: %+v", got)
	}
}

func TestAddrTypeClassification(t *testing.T) {
	cases := map[string]byte{
		"10.0.0.1":    AddrIPv4,
		"::1":         AddrIPv6,
		"example.com": AddrDomain,
	}
	for addr, want := range cases {
		if got := AddrType(addr); got != want {
			t.Errorf("AddrType(%q) = %v, want %v", addr, got, want)
		}
	}
}

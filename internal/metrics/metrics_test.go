package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	if m.SessionsActive == nil || m.BytesSent == nil || m.MeekRelayFailures == nil {
		t.Fatal("expected all collectors to be constructed")
	}
}

func TestRecordSessionStartEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSessionStart("connect")
	m.RecordSessionStart("udp_associate")
	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Fatalf("SessionsActive = %v, want 2", got)
	}

	m.RecordSessionEnd()
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("SessionsActive = %v, want 1", got)
	}
}

func TestRecordBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordBytes("socks5", 100, 50)
	m.RecordBytes("socks5", 10, 0)

	if got := testutil.ToFloat64(m.BytesSent.WithLabelValues("socks5")); got != 110 {
		t.Fatalf("BytesSent = %v, want 110", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived.WithLabelValues("socks5")); got != 50 {
		t.Fatalf("BytesReceived = %v, want 50", got)
	}
}

func TestRecordMeekRelayFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordMeekRelayFailure("https://front.example/")
	m.RecordMeekRelayFailure("https://front.example/")

	if got := testutil.ToFloat64(m.MeekRelayFailures.WithLabelValues("https://front.example/")); got != 2 {
		t.Fatalf("MeekRelayFailures = %v, want 2", got)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Fatal("expected Default() to return the same instance every call")
	}
}

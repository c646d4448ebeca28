package meek

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeRelaysAppendsExactlyOnceOnSuccess(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	relays := []*Relay{
		{FrontURL: good.URL, Hostname: "good.example"},
		{FrontURL: bad.URL, Hostname: "bad.example"},
	}
	valid := ProbeRelays(relays, time.Second)
	if len(valid) != 1 {
		t.Fatalf("expected exactly 1 valid relay, got %d", len(valid))
	}
	if valid[0].FrontURL != good.URL {
		t.Fatalf("expected the good relay to survive, got %s", valid[0].FrontURL)
	}
}

func TestProbeRelaysEmptyOnAllFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	valid := ProbeRelays([]*Relay{{FrontURL: bad.URL, Hostname: "bad.example"}}, time.Second)
	if len(valid) != 0 {
		t.Fatalf("expected no valid relays, got %d", len(valid))
	}
}

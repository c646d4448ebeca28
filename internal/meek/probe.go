package meek

import (
	"crypto/tls"
	"log"
	"net/http"
	"sync"
	"time"
)

// ProbeRelays concurrently checks each relay's reachability and returns
// only the ones that actually answered, each included exactly once.
//
// circumvention.py's _valid_relays spawned a probe per relay into a worker
// pool, but then unconditionally appended the relay to the result list
// right after spawning — before the probe had even run — so every relay
// ended up in the live set regardless of outcome, and every relay whose
// probe *did* succeed was appended a second time by the probe itself.
// This probes with a bounded worker pool and appends a relay only once,
// only when its own probe succeeds.
func ProbeRelays(relays []*Relay, timeout time.Duration) []*Relay {
	const workers = 10
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var valid []*Relay

	for _, r := range relays {
		r := r
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if probeOne(r, timeout) {
				mu.Lock()
				valid = append(valid, r)
				mu.Unlock()
				return
			}
			log.Printf("[meek] relay (%s,%s) is not valid", r.FrontURL, r.Hostname)
		}()
	}
	wg.Wait()
	return valid
}

// probeOne makes up to two attempts, matching _test_relay's two attempts
// before giving up on a relay.
func probeOne(r *Relay, timeout time.Duration) bool {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: r.Insecure()},
		},
	}
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, r.FrontURL, nil)
		if err != nil {
			return false
		}
		req.Host = r.Hostname
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true
		}
	}
	return false
}

package matcher

import (
	"path"
	"strings"
)

// globMatch applies shell-style glob matching (fnmatch's semantics: *, ?,
// [seq]) to a hostname.
func globMatch(pattern, host string) bool {
	ok, err := path.Match(pattern, host)
	return err == nil && ok
}

// matchDomain reports whether domain matches host either as a glob
// pattern or as a dot-label suffix of host — hosts.py's match_domain.
func matchDomain(domain, host string) bool {
	if globMatch(domain, host) {
		return true
	}
	return hasSuffixLabel(domain, host)
}

// hasSuffixLabel reports whether domain equals some dot-label suffix of
// host, e.g. domain "example.com" matches host "www.example.com".
func hasSuffixLabel(domain, host string) bool {
	labels := strings.Split(host, ".")
	for i := range labels {
		if strings.Join(labels[i:], ".") == domain {
			return true
		}
	}
	return false
}

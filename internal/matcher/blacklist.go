package matcher

import "strings"

// Blacklist decides channel-forwarding by custom allow/deny globs and a
// bulk suffix blacklist, grounded on component/matcher.py's
// BlacklistMatcher. Precedence: custom whitelist (force direct) beats
// custom blacklist globs, which beat the bulk suffix blacklist.
type Blacklist struct {
	suffixes        map[string]bool
	customBlacklist []string
	customWhitelist []string
	channelURL      string
}

// NewBlacklist builds a Blacklist. suffixes, customBlacklist, and
// customWhitelist are as loaded from their respective data files;
// channelURL is the circumvention channel (e.g. "socks5://127.0.0.1:7656")
// every blacklisted destination forwards to.
func NewBlacklist(suffixes, customBlacklist, customWhitelist []string, channelURL string) *Blacklist {
	b := &Blacklist{
		suffixes:        make(map[string]bool, len(suffixes)),
		customBlacklist: customBlacklist,
		customWhitelist: customWhitelist,
		channelURL:      channelURL,
	}
	for _, s := range suffixes {
		b.suffixes[strings.TrimSpace(s)] = true
	}
	return b
}

// Find applies the whitelist/blacklist/suffix precedence to host and
// returns a Channel decision, or nil for direct.
func (b *Blacklist) Find(host string) *Decision {
	for _, pattern := range b.customWhitelist {
		if globMatch(pattern, host) {
			return nil
		}
	}
	for _, pattern := range b.customBlacklist {
		if globMatch(pattern, host) {
			return &Decision{Kind: Channel, ChannelURL: b.channelURL}
		}
	}
	labels := strings.Split(host, ".")
	for i := range labels {
		if b.suffixes[strings.Join(labels[i:], ".")] {
			return &Decision{Kind: Channel, ChannelURL: b.channelURL}
		}
	}
	return nil
}

// Count returns the number of bulk blacklist suffix entries.
func (b *Blacklist) Count() int { return len(b.suffixes) }

// Package config loads the JSON configuration file that describes listen
// addresses, the meek relay list, and the paths to the matcher's own YAML
// static data files. Grounded on the teacher's pkg/config/config.go: a
// struct with a custom UnmarshalJSON that tolerates a couple of legacy
// field names.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/meek"
)

// Config is the top-level JSON document loaded by both cmd/proxy and
// cmd/meekserver.
type Config struct {
	// SocksAddr is where the smart SOCKS5 listener binds.
	SocksAddr string `json:"socks_addr"`
	// HTTPAddr is where the smart HTTP forward proxy listens.
	HTTPAddr string `json:"http_addr"`
	// MetricsAddr is where internal/metrics exposes /metrics, empty disables it.
	MetricsAddr string `json:"metrics_addr"`
	// MeekServerAddr is where the meekserver binary's HTTP listener binds;
	// MeekUpstream is the SOCKS5 address it forwards terminated sessions to.
	MeekServerAddr string `json:"meek_server_addr"`
	MeekUpstream   string `json:"meek_server_upstream"`

	// SessionCap is the global concurrent-session limit (§5, default 500).
	SessionCap int64 `json:"session_cap"`

	// Matcher is the policy engine's static data: hosts table + blacklist.
	Matcher MatcherConfig `json:"matcher"`

	// Relays is the meek relay list, one per configured front.
	Relays []RelayConfig `json:"relays"`

	// ChannelURL is the circumvention channel every blacklisted
	// destination is forwarded to, e.g. "socks5://127.0.0.1:7656".
	ChannelURL string `json:"channel_url"`
}

// RelayConfig is one meek relay, mirroring the "fronturl,hostname,props..."
// line format from the original circumvention config, expressed as JSON
// fields instead of a comma-separated line.
type RelayConfig struct {
	FrontURL   string   `json:"front_url"`
	Hostname   string   `json:"hostname"`
	Properties []string `json:"properties"`
}

// MatcherConfig names the on-disk files backing internal/matcher: a hosts
// table split into metadata/data/disabled-groups (FireflyHosts' three
// files) plus the blacklist's suffix/custom-blacklist/custom-whitelist
// files. All are YAML.
type MatcherConfig struct {
	HostsMetaFile           string `json:"hosts_meta_file"`
	HostsDataFile           string `json:"hosts_data_file"`
	HostsDisabledGroupsFile string `json:"hosts_disabled_groups_file"`

	BlacklistSuffixesFile string `json:"blacklist_suffixes_file"`
	CustomBlacklistFile   string `json:"custom_blacklist_file"`
	CustomWhitelistFile   string `json:"custom_whitelist_file"`
}

// UnmarshalJSON accepts both the current field names and a couple of
// legacy ones carried over from the original ad hoc JSON config.
func (c *Config) UnmarshalJSON(data []byte) error {
	aux := struct {
		SocksAddr string `json:"socks_addr"`
		// socks_addr was originally spelled "socks_address".
		SocksAddrLegacy string        `json:"socks_address"`
		HTTPAddr        string        `json:"http_addr"`
		MetricsAddr     string        `json:"metrics_addr"`
		MeekServerAddr  string        `json:"meek_server_addr"`
		MeekUpstream    string        `json:"meek_server_upstream"`
		SessionCap      int64         `json:"session_cap"`
		Matcher         MatcherConfig `json:"matcher"`
		Relays          []RelayConfig `json:"relays"`
		ChannelURL      string        `json:"channel_url"`
		// channel_url was originally spelled "channel" in the circumvention config.
		ChannelLegacy string `json:"channel"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	// Fields absent from the document keep whatever c already holds (the
	// Default() values when called through Load).
	if aux.SocksAddr != "" {
		c.SocksAddr = aux.SocksAddr
	} else if aux.SocksAddrLegacy != "" {
		c.SocksAddr = aux.SocksAddrLegacy
	}
	if aux.HTTPAddr != "" {
		c.HTTPAddr = aux.HTTPAddr
	}
	c.MetricsAddr = aux.MetricsAddr
	c.MeekServerAddr = aux.MeekServerAddr
	c.MeekUpstream = aux.MeekUpstream
	if aux.SessionCap != 0 {
		c.SessionCap = aux.SessionCap
	}
	c.Matcher = aux.Matcher
	c.Relays = aux.Relays
	c.ChannelURL = aux.ChannelURL
	if c.ChannelURL == "" {
		c.ChannelURL = aux.ChannelLegacy
	}
	return nil
}

// Default returns a Config with the teacher's usual loopback defaults.
func Default() *Config {
	return &Config{
		SocksAddr:  "127.0.0.1:1080",
		HTTPAddr:   "127.0.0.1:8080",
		SessionCap: 500,
	}
}

// Relays converts the configured relay list into meek.Relay values.
func (c *Config) Relays() []*meek.Relay {
	relays := make([]*meek.Relay, 0, len(c.Relays))
	for _, r := range c.Relays {
		relays = append(relays, &meek.Relay{
			FrontURL:   r.FrontURL,
			Hostname:   r.Hostname,
			Properties: r.Properties,
		})
	}
	return relays
}

// Load reads and parses a JSON config file from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// hostsDataFile is the YAML shape of the hosts table's address-data file:
// a flat list of "addr: name" style entries.
type hostsDataFile struct {
	Entries []matcher.HostsEntry `yaml:"entries"`
}

// hostsMetaFile is the YAML shape of the hosts table's metadata file:
// named groups of (domain, redirect) pairs.
type hostsMetaFile struct {
	Groups map[string][]matcher.GroupDomain `yaml:"groups"`
}

// hostsDisabledFile is the YAML shape of the initially-disabled-groups file.
type hostsDisabledFile struct {
	Disabled []string `yaml:"disabled"`
}

// blacklistFile is the YAML shape shared by the suffix, custom-blacklist,
// and custom-whitelist files: a flat list of patterns/suffixes.
type blacklistFile struct {
	Entries []string `yaml:"entries"`
}

// LoadHosts reads the three hosts-table data files named in m and builds
// the matcher.Hosts they describe. A blank path yields an empty file for
// that slot rather than an error, matching the original's tolerance of a
// hosts table with no metadata or no disabled groups configured.
func LoadHosts(m MatcherConfig) (*matcher.Hosts, error) {
	var data hostsDataFile
	if m.HostsDataFile != "" {
		if err := readYAML(m.HostsDataFile, &data); err != nil {
			return nil, fmt.Errorf("hosts data file: %w", err)
		}
	}
	var meta hostsMetaFile
	if m.HostsMetaFile != "" {
		if err := readYAML(m.HostsMetaFile, &meta); err != nil {
			return nil, fmt.Errorf("hosts meta file: %w", err)
		}
	}
	var disabled hostsDisabledFile
	if m.HostsDisabledGroupsFile != "" {
		if err := readYAML(m.HostsDisabledGroupsFile, &disabled); err != nil {
			return nil, fmt.Errorf("hosts disabled-groups file: %w", err)
		}
	}

	return matcher.NewHosts(data.Entries, matcher.HostsMeta{Groups: meta.Groups}, disabled.Disabled), nil
}

// LoadBlacklist reads the suffix/custom-blacklist/custom-whitelist files
// named in m and builds the matcher.Blacklist they describe.
func LoadBlacklist(m MatcherConfig, channelURL string) (*matcher.Blacklist, error) {
	suffixes, err := loadBlacklistFile(m.BlacklistSuffixesFile)
	if err != nil {
		return nil, fmt.Errorf("blacklist suffixes file: %w", err)
	}
	custom, err := loadBlacklistFile(m.CustomBlacklistFile)
	if err != nil {
		return nil, fmt.Errorf("custom blacklist file: %w", err)
	}
	white, err := loadBlacklistFile(m.CustomWhitelistFile)
	if err != nil {
		return nil, fmt.Errorf("custom whitelist file: %w", err)
	}
	return matcher.NewBlacklist(suffixes, custom, white, channelURL), nil
}

func loadBlacklistFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	var f blacklistFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	return f.Entries, nil
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

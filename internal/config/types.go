package config

import "time"

const (
	defaultListenPort       = 53
	defaultCacheSize        = 4096
	defaultFakeIPv4Range    = "198.18.0.0/15"
	defaultFakeIPv6Range    = "2001:db8::/32"
	defaultFakeIPSize       = 65536
	defaultFakeTTL          = 1
	defaultQueryTimeoutSec  = 5
	defaultGroupDeadlineSec = 10
	defaultFailureThreshold = 3
	defaultCooldownSec      = 30
)

// Config is the top-level swiftlink configuration.
type Config struct {
	// DNS holds the DNS resolver configuration.
	DNS *DNSConfig `toml:"dns"`
	// API holds the admin HTTP API configuration (disabled if absent).
	API *APIConfig `toml:"api,omitempty"`
	// GeoIP holds the GeoIP database configuration (optional).
	GeoIP *GeoIPConfig `toml:"geoip,omitempty"`
	// Proxies maps a proxy name to its URL (socks5:// or http://).
	// Nameservers reference these by name via the proxy option.
	Proxies map[string]string `toml:"proxies,omitempty"`

	_absConfigFilePath string
}

// DNSConfig configures the DNS server, upstream resolution and fake-IP layer.
type DNSConfig struct {
	// Listeners is the list of inbound listeners.
	Listeners []*ListenerConfig `toml:"listener" validate:"required,min=1,dive"`
	// Nameservers is the list of upstream DNS servers.
	Nameservers []*NameserverConfig `toml:"nameserver" validate:"required,min=1,dive"`
	// Cache configures the upstream response cache.
	Cache *CacheConfig `toml:"cache,omitempty"`
	// FakeIP configures the fake-IP allocator.
	FakeIP *FakeIPConfig `toml:"fake_ip,omitempty"`
	// Rules is the ordered routing rule list. The first matching rule wins.
	Rules []*RuleConfig `toml:"rule,omitempty" validate:"dive"`
	// DefaultAction is applied when no rule matches: "forward" or "fakeip" (default: "forward").
	DefaultAction string `toml:"default_action" validate:"omitempty,oneof=forward fakeip"`
	// QueryTimeoutSeconds is the per-upstream-attempt timeout (default: 5).
	QueryTimeoutSeconds int `toml:"query_timeout_seconds" validate:"gte=0"`
	// ResolveDeadlineSeconds bounds a whole group resolution including fallbacks (default: 10).
	ResolveDeadlineSeconds int `toml:"resolve_deadline_seconds" validate:"gte=0"`
	// Race sends the query to the top RaceServers nameservers concurrently
	// and returns the first successful answer (default: false).
	Race bool `toml:"race"`
	// RaceServers is the number of nameservers queried concurrently in race mode (default: 2).
	RaceServers int `toml:"race_servers" validate:"gte=0"`
	// FailureThreshold is the consecutive-failure count that opens a nameserver circuit (default: 3).
	FailureThreshold int `toml:"failure_threshold" validate:"gte=0"`
	// CooldownSeconds is how long an open circuit waits before allowing a trial query (default: 30).
	CooldownSeconds int `toml:"cooldown_seconds" validate:"gte=0"`
}

// ListenerConfig describes one inbound DNS listener.
type ListenerConfig struct {
	// Protocol is the listener transport: udp, tcp, tls, https or quic.
	Protocol string `toml:"protocol" validate:"required,oneof=udp tcp tls https quic"`
	// Listen is the bind address in host:port form.
	Listen string `toml:"listen" validate:"required,hostport"`
	// CertFile is the TLS certificate path (required for tls, https and quic).
	CertFile string `toml:"cert_file,omitempty"`
	// KeyFile is the TLS key path (required for tls, https and quic).
	KeyFile string `toml:"key_file,omitempty"`
}

// NameserverConfig describes one upstream DNS server.
type NameserverConfig struct {
	// URL is the upstream URL. Supported schemes:
	// udp://ip:port, tcp://ip:port, tls://host:port, https://host/dns-query, quic://host:port.
	URL string `toml:"url" validate:"required,upstream_url"`
	// Priority orders nameservers within the group; lower tries first (default: 0).
	Priority int `toml:"priority"`
	// Proxy is the name of a forward proxy from [proxies] to dial through.
	Proxy string `toml:"proxy,omitempty"`
	// Hostname overrides the TLS server name (SNI) for tls/https/quic upstreams.
	Hostname string `toml:"hostname,omitempty"`
	// InsecureSkipVerify disables server certificate validation.
	InsecureSkipVerify bool `toml:"insecure_skip_verify,omitempty"`
}

// CacheConfig configures the TTL-aware response cache.
type CacheConfig struct {
	// Enable toggles the response cache (default: true).
	Enable *bool `toml:"enable,omitempty"`
	// Size is the maximum number of cached answers (default: 4096).
	Size int `toml:"size" validate:"gte=0"`
}

// FakeIPConfig configures the fake-IP allocator.
type FakeIPConfig struct {
	// Enable toggles fake-IP allocation (default: false).
	Enable bool `toml:"enable"`
	// IPv4Range is the IPv4 pool in CIDR form (default: 198.18.0.0/15).
	IPv4Range string `toml:"ipv4_range,omitempty" validate:"cidr_or_empty"`
	// IPv6Range is the IPv6 pool in CIDR form (default: 2001:db8::/32).
	IPv6Range string `toml:"ipv6_range,omitempty" validate:"cidr_or_empty"`
	// Size is the maximum number of in-memory mappings; ignored when Persist is set (default: 65536).
	Size int `toml:"size" validate:"gte=0"`
	// Persist stores mappings on disk so they survive restarts (default: false).
	Persist bool `toml:"persist"`
	// CachePath is the persistent store file path (required when Persist is set).
	CachePath string `toml:"cache_path,omitempty"`
	// TTL is the fixed TTL in seconds for fake answers (default: 1).
	TTL uint32 `toml:"ttl" validate:"gte=0"`
	// Whitelist lists domain suffixes that are never fake-routed.
	Whitelist []string `toml:"whitelist,omitempty"`
}

// RuleConfig is one routing rule. A rule matches when any of its domain
// suffixes match the query name, or when GeoIP matches the domain's
// previously resolved address. Matching rules decide fake-vs-forward.
type RuleConfig struct {
	// Domains lists domain suffixes to match ("example.com" also matches "a.example.com").
	// A leading "*." wildcard is accepted and equivalent.
	Domains []string `toml:"domains,omitempty"`
	// GeoIP matches when the domain's last resolved address belongs to this
	// ISO country code. Requires the [geoip] database.
	GeoIP string `toml:"geoip,omitempty"`
	// Action is what to do on match: "forward" or "fakeip".
	Action string `toml:"action" validate:"required,oneof=forward fakeip"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	// Listen is the bind address in host:port form.
	Listen string `toml:"listen" validate:"required,hostport"`
}

// GeoIPConfig configures the MaxMind database used for GeoIP rules.
type GeoIPConfig struct {
	// Path is the .mmdb database file path.
	Path string `toml:"path" validate:"required"`
}

func (d *DNSConfig) GetQueryTimeout() time.Duration {
	if d.QueryTimeoutSeconds > 0 {
		return time.Duration(d.QueryTimeoutSeconds) * time.Second
	}
	return defaultQueryTimeoutSec * time.Second
}

func (d *DNSConfig) GetResolveDeadline() time.Duration {
	if d.ResolveDeadlineSeconds > 0 {
		return time.Duration(d.ResolveDeadlineSeconds) * time.Second
	}
	return defaultGroupDeadlineSec * time.Second
}

func (d *DNSConfig) GetDefaultAction() string {
	if d.DefaultAction != "" {
		return d.DefaultAction
	}
	return "forward"
}

func (d *DNSConfig) GetRaceServers() int {
	if d.RaceServers > 0 {
		return d.RaceServers
	}
	return 2
}

func (d *DNSConfig) GetFailureThreshold() int {
	if d.FailureThreshold > 0 {
		return d.FailureThreshold
	}
	return defaultFailureThreshold
}

func (d *DNSConfig) GetCooldown() time.Duration {
	if d.CooldownSeconds > 0 {
		return time.Duration(d.CooldownSeconds) * time.Second
	}
	return defaultCooldownSec * time.Second
}

func (c *CacheConfig) GetEnable() bool {
	if c == nil || c.Enable == nil {
		return true
	}
	return *c.Enable
}

func (c *CacheConfig) GetSize() int {
	if c != nil && c.Size > 0 {
		return c.Size
	}
	return defaultCacheSize
}

func (f *FakeIPConfig) GetIPv4Range() string {
	if f.IPv4Range != "" {
		return f.IPv4Range
	}
	return defaultFakeIPv4Range
}

func (f *FakeIPConfig) GetIPv6Range() string {
	if f.IPv6Range != "" {
		return f.IPv6Range
	}
	return defaultFakeIPv6Range
}

func (f *FakeIPConfig) GetSize() int {
	if f.Size > 0 {
		return f.Size
	}
	return defaultFakeIPSize
}

func (f *FakeIPConfig) GetTTL() uint32 {
	if f.TTL > 0 {
		return f.TTL
	}
	return defaultFakeTTL
}

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service ServiceConfig `koanf:"service"`
	BGP     BGPConfig     `koanf:"bgp"`
	MFEA    MFEAConfig    `koanf:"mfea"`
	Feed    FeedConfig    `koanf:"feed"`
	// NextHops seeds the resolver with static resolutions (next hop →
	// metric); production deployments feed it from the RIB client.
	NextHops map[string]NextHopConfig `koanf:"next_hops"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BGPConfig struct {
	LocalAS          uint32                `koanf:"local_as"`
	RouterID         string                `koanf:"router_id"`
	Listen           bool                  `koanf:"listen"`
	DefaultLocalPref uint32                `koanf:"default_local_pref"`
	AlwaysCompareMED bool                  `koanf:"always_compare_med"`
	Damping          DampingConfig         `koanf:"damping"`
	Aggregates       []AggregateConfig     `koanf:"aggregates"`
	Peers            map[string]PeerConfig `koanf:"peers"`
}

type DampingConfig struct {
	Enabled            bool   `koanf:"enabled"`
	HalfLifeMinutes    uint32 `koanf:"half_life_minutes"`
	MaxHoldDownMinutes uint32 `koanf:"max_hold_down_minutes"`
	Reuse              uint32 `koanf:"reuse"`
	Cutoff             uint32 `koanf:"cutoff"`
}

type AggregateConfig struct {
	Prefix      string `koanf:"prefix"`
	SummaryOnly bool   `koanf:"summary_only"`
}

type PeerConfig struct {
	Address             string `koanf:"address"`
	AS                  uint32 `koanf:"as"`
	LocalAddress        string `koanf:"local_address"`
	MD5Password         string `koanf:"md5_password"`
	HoldTimeSeconds     int    `koanf:"hold_time_seconds"`
	ConnectRetrySeconds int    `koanf:"connect_retry_seconds"`
	DelayOpenSeconds    int    `koanf:"delay_open_seconds"`
	IdleHoldSeconds     int    `koanf:"idle_hold_seconds"`
	PrefixLimit         int    `koanf:"prefix_limit"`
	EnableIPv6          bool   `koanf:"enable_ipv6"`
}

type MFEAConfig struct {
	Enabled        bool   `koanf:"enabled"`
	TableID        uint32 `koanf:"table_id"`
	EnableIPv6     bool   `koanf:"enable_ipv6"`
	PollIntervalMs int    `koanf:"poll_interval_ms"`
}

type FeedConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	Compress bool       `koanf:"compress"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type NextHopConfig struct {
	Resolvable bool   `koanf:"resolvable"`
	Metric     uint32 `koanf:"metric"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: ROUTERD_BGP__LOCAL_AS → bgp.local_as
	if err := k.Load(env.Provider("ROUTERD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ROUTERD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "routerd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			Listen:           true,
			DefaultLocalPref: 100,
			Damping: DampingConfig{
				HalfLifeMinutes:    15,
				MaxHoldDownMinutes: 60,
				Reuse:              750,
				Cutoff:             3000,
			},
		},
		MFEA: MFEAConfig{
			PollIntervalMs: 1000,
		},
		Feed: FeedConfig{
			ClientID: "routerd",
			Topic:    "routerd.routes",
			Compress: true,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Feed.Brokers) == 1 && strings.Contains(cfg.Feed.Brokers[0], ",") {
		cfg.Feed.Brokers = strings.Split(cfg.Feed.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BGP.LocalAS == 0 {
		return fmt.Errorf("config: bgp.local_as is required")
	}
	id, err := netip.ParseAddr(c.BGP.RouterID)
	if err != nil || !id.Is4() {
		return fmt.Errorf("config: bgp.router_id must be an IPv4 address (got %q)", c.BGP.RouterID)
	}
	if id.IsMulticast() || id == netip.IPv4Unspecified() {
		return fmt.Errorf("config: bgp.router_id must be a unicast host address (got %q)", c.BGP.RouterID)
	}
	for name, p := range c.BGP.Peers {
		if _, err := netip.ParseAddr(p.Address); err != nil {
			return fmt.Errorf("config: peer %s address is invalid: %w", name, err)
		}
		if p.AS == 0 {
			return fmt.Errorf("config: peer %s as is required", name)
		}
		if p.HoldTimeSeconds != 0 && p.HoldTimeSeconds < 3 {
			return fmt.Errorf("config: peer %s hold_time_seconds must be 0 or >= 3 (got %d)", name, p.HoldTimeSeconds)
		}
		if p.PrefixLimit < 0 {
			return fmt.Errorf("config: peer %s prefix_limit must be >= 0 (got %d)", name, p.PrefixLimit)
		}
	}
	if c.BGP.Damping.Enabled {
		d := c.BGP.Damping
		if d.HalfLifeMinutes == 0 {
			return fmt.Errorf("config: bgp.damping.half_life_minutes must be > 0")
		}
		if d.Reuse == 0 || d.Cutoff <= d.Reuse {
			return fmt.Errorf("config: bgp.damping cutoff (%d) must exceed reuse (%d) and reuse must be > 0", d.Cutoff, d.Reuse)
		}
	}
	for _, a := range c.BGP.Aggregates {
		if _, err := netip.ParsePrefix(a.Prefix); err != nil {
			return fmt.Errorf("config: aggregate prefix %q is invalid: %w", a.Prefix, err)
		}
	}
	if c.Feed.Enabled && len(c.Feed.Brokers) == 0 {
		return fmt.Errorf("config: feed.brokers is required when the feed is enabled")
	}
	if c.MFEA.Enabled && c.MFEA.PollIntervalMs <= 0 {
		return fmt.Errorf("config: mfea.poll_interval_ms must be > 0 (got %d)", c.MFEA.PollIntervalMs)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	for nh := range c.NextHops {
		if _, err := netip.ParseAddr(nh); err != nil {
			return fmt.Errorf("config: next hop %q is invalid: %w", nh, err)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the feed TLS settings.
// Returns nil if TLS is disabled.
func (f *FeedConfig) BuildTLSConfig() (*tls.Config, error) {
	if !f.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if f.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(f.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if f.TLS.CertFile != "" && f.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.TLS.CertFile, f.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the feed SASL
// settings. Returns nil if SASL is disabled.
func (f *FeedConfig) BuildSASLMechanism() sasl.Mechanism {
	if !f.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(f.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: f.SASL.Username, Pass: f.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

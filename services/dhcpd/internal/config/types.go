package config

import (
	"net/netip"
	"time"

	"dhcpd/services/dhcpd/internal/params"
)

type Config struct {
	DHCP     DHCPConfig
	HTTP     HTTPConfig
	Events   EventsConfig
	LogLevel string
}

type DHCPConfig struct {
	// Interface is a comma separated candidate list, or "auto" to pick the
	// interface that carries ServerAddr.
	Interface     string
	ServerAddr    netip.Prefix
	LeaseTime     time.Duration
	Routers       []netip.Addr
	DNSServers    []netip.Addr
	Excluded      []netip.Addr
	MTU           int
	SweepInterval time.Duration
}

// ParamsOptions converts the DHCP section into serving parameter options.
func (c DHCPConfig) ParamsOptions() params.Options {
	return params.Options{
		ServerAddr:     c.ServerAddr.Addr(),
		PrefixLength:   c.ServerAddr.Bits(),
		DefaultRouters: c.Routers,
		DNSServers:     c.DNSServers,
		ExcludedAddrs:  c.Excluded,
		LeaseTime:      c.LeaseTime,
		LinkMTU:        c.MTU,
	}
}

type HTTPConfig struct {
	Enabled        bool
	Port           int
	AllowedOrigins []string
}

type EventsConfig struct {
	// NATSURL is empty when lease events are disabled.
	NATSURL string
	Stream  string
}

// fileConfig is the YAML layout accepted by --config.
type fileConfig struct {
	Interface    string   `yaml:"interface"`
	ServerAddr   string   `yaml:"server_addr"`
	LeaseSeconds *int     `yaml:"lease_seconds"`
	Routers      []string `yaml:"routers"`
	DNS          []string `yaml:"dns"`
	Excluded     []string `yaml:"excluded"`
	MTU          *int     `yaml:"mtu"`
	SweepSeconds *int     `yaml:"sweep_seconds"`
	HTTP         struct {
		Enabled     *bool    `yaml:"enabled"`
		Port        *int     `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`
	NATS struct {
		URL    string `yaml:"url"`
		Stream string `yaml:"stream"`
	} `yaml:"nats"`
	LogLevel string `yaml:"log_level"`
}

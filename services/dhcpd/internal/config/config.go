package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInterface    = "auto"
	defaultLeaseSeconds = 86400
	defaultSweepSeconds = 60
	defaultHTTPPort     = 8067
	defaultStream       = "DHCPD"
	defaultLogLevel     = "info"

	// maxRangeSize bounds one "a-b" exclusion; a /16 pool holds fewer hosts.
	maxRangeSize = 1 << 16
)

// Load reads configuration from the YAML file at path, if any, and then from
// the environment. Environment variables win over the file.
func Load(path string) (Config, error) {
	var fc fileConfig
	if path != "" {
		var err error
		if fc, err = readFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{}

	cfg.DHCP.Interface = getEnv("DHCPD_INTERFACE", orDefault(fc.Interface, defaultInterface))

	serverAddr := getEnv("DHCPD_SERVER_ADDR", fc.ServerAddr)
	if serverAddr == "" {
		return Config{}, errors.New("DHCPD_SERVER_ADDR is required")
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(serverAddr))
	if err != nil || !prefix.Addr().Is4() {
		return Config{}, fmt.Errorf("invalid DHCPD_SERVER_ADDR: %q, want an IPv4 address with prefix length", serverAddr)
	}
	cfg.DHCP.ServerAddr = prefix

	leaseSecs, err := getEnvInt("DHCPD_LEASE_SECONDS", intOr(fc.LeaseSeconds, defaultLeaseSeconds))
	if err != nil {
		return Config{}, err
	}
	if leaseSecs <= 0 {
		return Config{}, fmt.Errorf("invalid DHCPD_LEASE_SECONDS: %d", leaseSecs)
	}
	cfg.DHCP.LeaseTime = time.Duration(leaseSecs) * time.Second

	if cfg.DHCP.Routers, err = parseAddrList(getEnv("DHCPD_ROUTERS", strings.Join(fc.Routers, ","))); err != nil {
		return Config{}, fmt.Errorf("invalid DHCPD_ROUTERS: %w", err)
	}
	if cfg.DHCP.DNSServers, err = parseAddrList(getEnv("DHCPD_DNS", strings.Join(fc.DNS, ","))); err != nil {
		return Config{}, fmt.Errorf("invalid DHCPD_DNS: %w", err)
	}
	if cfg.DHCP.Excluded, err = parseAddrRanges(getEnv("DHCPD_EXCLUDED", strings.Join(fc.Excluded, ","))); err != nil {
		return Config{}, fmt.Errorf("invalid DHCPD_EXCLUDED: %w", err)
	}

	if cfg.DHCP.MTU, err = getEnvInt("DHCPD_MTU", intOr(fc.MTU, 0)); err != nil {
		return Config{}, err
	}

	sweepSecs, err := getEnvInt("DHCPD_SWEEP_SECONDS", intOr(fc.SweepSeconds, defaultSweepSeconds))
	if err != nil {
		return Config{}, err
	}
	if sweepSecs < 0 {
		return Config{}, fmt.Errorf("invalid DHCPD_SWEEP_SECONDS: %d", sweepSecs)
	}
	cfg.DHCP.SweepInterval = time.Duration(sweepSecs) * time.Second

	cfg.HTTP.Enabled = getEnvBool("DHCPD_HTTP_ENABLED", boolOr(fc.HTTP.Enabled, true))
	if cfg.HTTP.Port, err = getEnvInt("DHCPD_HTTP_PORT", intOr(fc.HTTP.Port, defaultHTTPPort)); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return Config{}, fmt.Errorf("DHCPD_HTTP_PORT %d is outside the valid range 1-65535", cfg.HTTP.Port)
	}
	cfg.HTTP.AllowedOrigins = splitList(getEnv("DHCPD_HTTP_CORS_ORIGINS", strings.Join(fc.HTTP.CORSOrigins, ",")))

	cfg.Events.NATSURL = getEnv("DHCPD_NATS_URL", fc.NATS.URL)
	cfg.Events.Stream = getEnv("DHCPD_NATS_STREAM", orDefault(fc.NATS.Stream, defaultStream))

	cfg.LogLevel = getEnv("DHCPD_LOG_LEVEL", orDefault(fc.LogLevel, defaultLogLevel))

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// ResolveInterface picks the interface to listen on.
func (c DHCPConfig) ResolveInterface() (string, error) {
	return resolveDHCPInterface(c.Interface, c.ServerAddr.Addr())
}

func resolveDHCPInterface(names string, serverAddr netip.Addr) (string, error) {
	candidates := strings.Split(names, ",")
	trimmed := make([]string, 0, len(candidates))
	tryAuto := false
	for _, c := range candidates {
		name := strings.TrimSpace(c)
		switch {
		case name == "":
		case strings.EqualFold(name, "auto"):
			tryAuto = true
		default:
			trimmed = append(trimmed, name)
		}
	}
	if len(trimmed) == 0 {
		tryAuto = true
	}

	for _, name := range trimmed {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}
	if tryAuto {
		if !serverAddr.IsValid() {
			return "", errors.New("DHCPD_INTERFACE=auto requires DHCPD_SERVER_ADDR")
		}
		return interfaceByAddr(serverAddr)
	}

	availableIfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve DHCPD_INTERFACE: candidates %q not found and unable to list interfaces: %w", trimmed, err)
	}
	available := make([]string, 0, len(availableIfaces))
	for _, iface := range availableIfaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve DHCPD_INTERFACE: none of the candidates %q are present on this host (available: %s)", trimmed, strings.Join(available, ", "))
}

func interfaceByAddr(addr netip.Addr) (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			candidate, ok := netip.AddrFromSlice(ip)
			if ok && candidate.Unmap() == addr {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", addr)
}

// parseAddrList parses a comma separated list of IPv4 addresses.
func parseAddrList(value string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		addr, err := parseIPv4(trimmed)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseAddrRanges is parseAddrList plus inclusive "first-last" ranges.
func parseAddrRanges(value string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(trimmed, "-")
		if !isRange {
			addr, err := parseIPv4(trimmed)
			if err != nil {
				return nil, err
			}
			out = append(out, addr)
			continue
		}
		first, err := parseIPv4(strings.TrimSpace(lo))
		if err != nil {
			return nil, err
		}
		last, err := parseIPv4(strings.TrimSpace(hi))
		if err != nil {
			return nil, err
		}
		if last.Less(first) {
			return nil, fmt.Errorf("range %q ends before it starts", trimmed)
		}
		n := 0
		for a := first; ; a = a.Next() {
			if n++; n > maxRangeSize {
				return nil, fmt.Errorf("range %q is larger than %d addresses", trimmed, maxRangeSize)
			}
			out = append(out, a)
			if a == last {
				break
			}
		}
	}
	return out, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%q is not an IP address", s)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return addr, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return i, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

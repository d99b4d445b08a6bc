// Package config loads the connector's YAML configuration: per-IP-
// version addressing, port-delta maps, and carrier settings. Grounded
// on internal/config.go's struct-plus-defaulting-pass shape.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode   string       `yaml:"mode"` // "passt" or "pasta"
	V4     AddrConfig   `yaml:"v4"`
	V6     AddrConfig   `yaml:"v6"`
	Ports  PortsConfig  `yaml:"ports"`
	Tap    TapConfig    `yaml:"tap"`
	Pcap   PcapConfig   `yaml:"pcap"`
	Timers TimersConfig `yaml:"timers"`
}

type AddrConfig struct {
	Gateway       string `yaml:"gateway"`
	Seen          string `yaml:"seen"`
	DNS           []string `yaml:"dns"`
	DNSForward    string `yaml:"dns_forward"`
	LinkLocal     string `yaml:"link_local"`
	LinkLocalSeen string `yaml:"link_local_seen"`
	NoMapGW       bool   `yaml:"no_map_gw"`
}

type PortsConfig struct {
	TCPDelta map[uint16]int32 `yaml:"tcp_delta"`
	UDPDelta map[uint16]int32 `yaml:"udp_delta"`

	// TCPListen names every host-side listening socket the splice
	// engine should open at startup (spec.md 4.2.5): ListenPort is
	// where the host accepts, DestPort is what gets dialed on the
	// peer side of the splice once a connection lands.
	TCPListen []TCPListenConfig `yaml:"tcp_listen"`
}

type TCPListenConfig struct {
	ListenPort uint16 `yaml:"listen_port"`
	DestPort   uint16 `yaml:"dest_port"`
	V6         bool   `yaml:"v6"`
	Outbound   bool   `yaml:"outbound"`
}

type TapConfig struct {
	WSURL        string `yaml:"ws_url"`
	CipherName   string `yaml:"cipher"`
	CipherSecret string `yaml:"secret"`
	Device       string `yaml:"device"`
}

type PcapConfig struct {
	Path    string `yaml:"path"`
	Snaplen uint32 `yaml:"snaplen"`
}

type TimersConfig struct {
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

// Load reads and defaults a configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if c.Mode == "" {
		c.Mode = "passt"
	}
	if c.Pcap.Snaplen == 0 {
		c.Pcap.Snaplen = 65535
	}
	if c.Timers.UDPIdleTimeout == 0 {
		c.Timers.UDPIdleTimeout = 180 * time.Second
	}
	if c.Timers.TickInterval == 0 {
		c.Timers.TickInterval = 1 * time.Second
	}
	if c.Tap.CipherName == "" {
		c.Tap.CipherName = "AEAD_CHACHA20_POLY1305"
	}
	for i := range c.Ports.TCPListen {
		if c.Ports.TCPListen[i].DestPort == 0 {
			c.Ports.TCPListen[i].DestPort = c.Ports.TCPListen[i].ListenPort
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Mode != "passt" && c.Mode != "pasta" {
		return fmt.Errorf("config: mode must be \"passt\" or \"pasta\", got %q", c.Mode)
	}
	if c.V4.Gateway != "" && net.ParseIP(c.V4.Gateway) == nil {
		return fmt.Errorf("config: v4.gateway %q is not a valid address", c.V4.Gateway)
	}
	if c.V6.Gateway != "" && net.ParseIP(c.V6.Gateway) == nil {
		return fmt.Errorf("config: v6.gateway %q is not a valid address", c.V6.Gateway)
	}
	return nil
}

// ParseIPs resolves the string-form addresses of an AddrConfig into
// net.IP, for handing to internal/udpfwd.AddrConfig.
func (a AddrConfig) ParseIPs() (gateway, seen, dnsForward, linkLocal, linkLocalSeen net.IP, dns []net.IP) {
	gateway = net.ParseIP(a.Gateway)
	seen = net.ParseIP(a.Seen)
	dnsForward = net.ParseIP(a.DNSForward)
	linkLocal = net.ParseIP(a.LinkLocal)
	linkLocalSeen = net.ParseIP(a.LinkLocalSeen)
	for _, s := range a.DNS {
		if ip := net.ParseIP(s); ip != nil {
			dns = append(dns, ip)
		}
	}
	return
}

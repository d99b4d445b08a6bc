package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, "v4:\n  gateway: 192.168.1.1\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Mode != "passt" {
		t.Fatalf("Mode = %q, want passt", c.Mode)
	}
	if c.Pcap.Snaplen != 65535 {
		t.Fatalf("Pcap.Snaplen = %d, want 65535", c.Pcap.Snaplen)
	}
	if c.Timers.UDPIdleTimeout.Seconds() != 180 {
		t.Fatalf("UDPIdleTimeout = %v, want 180s", c.Timers.UDPIdleTimeout)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	path := writeTemp(t, "mode: bogus\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with bogus mode should fail validation")
	}
}

func TestLoadRejectsBadGateway(t *testing.T) {
	path := writeTemp(t, "v4:\n  gateway: not-an-ip\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with invalid gateway should fail validation")
	}
}

func TestLoadDefaultsTCPListenDestPort(t *testing.T) {
	path := writeTemp(t, "ports:\n  tcp_listen:\n    - listen_port: 8080\n    - listen_port: 9090\n      dest_port: 80\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Ports.TCPListen) != 2 {
		t.Fatalf("TCPListen = %v, want 2 entries", c.Ports.TCPListen)
	}
	if c.Ports.TCPListen[0].DestPort != 8080 {
		t.Fatalf("DestPort = %d, want defaulted to listen_port 8080", c.Ports.TCPListen[0].DestPort)
	}
	if c.Ports.TCPListen[1].DestPort != 80 {
		t.Fatalf("DestPort = %d, want explicit 80", c.Ports.TCPListen[1].DestPort)
	}
}

func TestAddrConfigParseIPs(t *testing.T) {
	a := AddrConfig{Gateway: "10.0.0.1", DNS: []string{"8.8.8.8", "bogus"}}
	gw, _, _, _, _, dns := a.ParseIPs()
	if gw == nil || gw.String() != "10.0.0.1" {
		t.Fatalf("gateway = %v, want 10.0.0.1", gw)
	}
	if len(dns) != 1 || dns[0].String() != "8.8.8.8" {
		t.Fatalf("dns = %v, want single 8.8.8.8 entry (bogus dropped)", dns)
	}
}

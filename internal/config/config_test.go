package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("/non/existent/file.toml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.toml")

	invalidTOML := `[dns
	default_action = "forward"`

	err := os.WriteFile(configFile, []byte(invalidTOML), 0644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	_, err = LoadConfig(configFile)
	if err == nil {
		t.Error("Expected error for invalid TOML")
	}
}

func TestLoadConfig_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "valid.toml")

	validTOML := `[dns]
default_action = "forward"

[[dns.listener]]
protocol = "udp"
listen = "127.0.0.1:5353"

[[dns.nameserver]]
url = "udp://8.8.8.8:53"

[dns.fake_ip]
enable = true
ttl = 5`

	err := os.WriteFile(configFile, []byte(validTOML), 0644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error for valid config: %v", err)
	}

	if config == nil {
		t.Fatal("Expected config to be non-nil")
	}

	if config.DNS == nil {
		t.Fatal("Expected config.DNS to be non-nil")
	}
	if len(config.DNS.Listeners) != 1 || config.DNS.Listeners[0].Protocol != "udp" {
		t.Errorf("Unexpected listeners: %+v", config.DNS.Listeners)
	}
	if config.DNS.FakeIP == nil || config.DNS.FakeIP.GetTTL() != 5 {
		t.Errorf("Expected fake_ip ttl 5, got %+v", config.DNS.FakeIP)
	}
}

func TestLoadConfig_RelativePath(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.toml")

	validTOML := `[dns]
default_action = "forward"`

	err := os.WriteFile(configFile, []byte(validTOML), 0644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)

	os.Chdir(tmpDir)

	_, err = LoadConfig("config.toml")
	if err != nil {
		t.Errorf("Expected no error for relative path: %v", err)
	}
}

func TestSerializeConfig(t *testing.T) {
	config := &Config{
		DNS: &DNSConfig{
			DefaultAction: "forward",
		},
	}

	buf, err := config.SerializeConfig()
	if err != nil {
		t.Fatalf("Failed to serialize config: %v", err)
	}

	if buf == nil {
		t.Error("Expected buffer to be non-nil")
	}

	content := buf.String()
	if content == "" {
		t.Error("Expected serialized content to be non-empty")
	}
}

func TestDefaults(t *testing.T) {
	dns := &DNSConfig{}

	if got := dns.GetQueryTimeout().Seconds(); got != 5 {
		t.Errorf("Expected default query timeout 5s, got %vs", got)
	}
	if got := dns.GetDefaultAction(); got != "forward" {
		t.Errorf("Expected default action 'forward', got %q", got)
	}
	if got := dns.GetFailureThreshold(); got != 3 {
		t.Errorf("Expected default failure threshold 3, got %d", got)
	}

	var cache *CacheConfig
	if !cache.GetEnable() {
		t.Error("Expected cache enabled by default")
	}
	if got := cache.GetSize(); got != 4096 {
		t.Errorf("Expected default cache size 4096, got %d", got)
	}

	fakeIP := &FakeIPConfig{}
	if got := fakeIP.GetIPv4Range(); got != "198.18.0.0/15" {
		t.Errorf("Expected default IPv4 range 198.18.0.0/15, got %s", got)
	}
	if got := fakeIP.GetIPv6Range(); got != "2001:db8::/32" {
		t.Errorf("Expected default IPv6 range 2001:db8::/32, got %s", got)
	}
	if got := fakeIP.GetSize(); got != 65536 {
		t.Errorf("Expected default size 65536, got %d", got)
	}
	if got := fakeIP.GetTTL(); got != 1 {
		t.Errorf("Expected default fake TTL 1, got %d", got)
	}
}

func TestExampleConfig(t *testing.T) {
	configFile := filepath.Join("../../swiftlink.example.conf")

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error for valid config: %v", err)
	}

	if config == nil {
		t.Fatal("Expected config to be non-nil")
	}

	if err := config.ValidateConfig(); err != nil {
		t.Errorf("Expected example config to validate: %v", err)
	}
}

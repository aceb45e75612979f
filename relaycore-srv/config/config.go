package config

import (
	"fmt"
	"os"

	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// InterceptionConfig carries the CA material the TLS Interceptor needs to
// mint leaf certificates on demand.
type InterceptionConfig struct {
	CAFile        string // path to CA certificate PEM
	CAKeyFile     string // path to CA private key PEM
	CAKeyPassword string // optional password protecting CAKeyFile
}

// Config is the root configuration recognized by the core, per spec §6:
// buffer_size, supported_ssl_protocols, enable_100_continue,
// enable_win_auth, include/exclude_https_patterns, upstream_http_proxy,
// upstream_https_proxy, plus the endpoints, forwards and classifiers needed
// to wire a running server.
type Config struct {
	BufferSize            int      // §6 buffer_size: codec line/header buffer size in bytes
	SupportedSSLProtocols []string // §6 supported_ssl_protocols, e.g. "tls1.2", "tls1.3"
	Enable100Continue     bool     // §6 enable_100_continue
	EnableWinAuth         bool     // §6 enable_win_auth (loaded from HCL/env; no authenticator in this repo reads it)
	UpstreamHTTPProxy     *string  // §6 upstream_http_proxy: static fallback, host:port
	UpstreamHTTPSProxy    *string  // §6 upstream_https_proxy: static fallback, host:port
	TimeoutSeconds        int
	Endpoints             []EndpointConfig
	Classifiers           map[string]Classifier
	Forwards              []Forward
	Allowlist             Classifier
	Blocklist             Classifier
	Interception          InterceptionConfig
	DNS                   DNSConfig
	StatsSQLitePath       string // empty disables sqlite-backed aggregate stats
}

// DefaultConfig returns the configuration a freshly started relaycored uses
// when no file is supplied: a single explicit endpoint on localhost with no
// include/exclude patterns, so every TLS CONNECT is a candidate for
// interception. No CA material is set; interception needs Interception (or
// the RELAYCORE_CA* variables) filled in.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:            32 * 1024,
		SupportedSSLProtocols: []string{"tls1.2", "tls1.3"},
		Enable100Continue:     true,
		TimeoutSeconds:        30,
		Endpoints: []EndpointConfig{
			&ExplicitEndpoint{ListenAddress: "127.0.0.1:8080"},
		},
		Classifiers: make(map[string]Classifier),
		DNS:         DefaultDNSConfig(),
	}
}

// LoadConfig loads configuration from an HCL file at configPath, starting
// from DefaultConfig and layering environment variable overrides on top,
// the way the teacher's LoadConfig composes defaults, file and env.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadHCLConfig(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	loadConfigFromEnv(cfg)

	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	return cfg, nil
}

// mustReadFile reads the file at path, logging any read error before
// returning it.
func mustReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read file %s: %v", path, err)
		return nil, err
	}
	return data, nil
}

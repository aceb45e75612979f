package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadConfigFromEnv layers RELAYCORE_* environment overrides on top of
// whatever DefaultConfig/loadHCLConfig produced, mirroring the teacher's
// MSGTAUSCH_* env-override pattern.
func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("RELAYCORE_TIMEOUTSECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: invalid RELAYCORE_TIMEOUTSECONDS: %s\n", v)
		}
	}

	if v := os.Getenv("RELAYCORE_BUFFERSIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BufferSize = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: invalid RELAYCORE_BUFFERSIZE: %s\n", v)
		}
	}

	if v := os.Getenv("RELAYCORE_ENABLE100CONTINUE"); v != "" {
		cfg.Enable100Continue = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("RELAYCORE_ENABLEWINAUTH"); v != "" {
		cfg.EnableWinAuth = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("RELAYCORE_CAFILE"); v != "" {
		cfg.Interception.CAFile = v
	}

	if v := os.Getenv("RELAYCORE_CAKEYFILE"); v != "" {
		cfg.Interception.CAKeyFile = v
	}

	if v := os.Getenv("RELAYCORE_CAKEYPASSWORD"); v != "" {
		cfg.Interception.CAKeyPassword = v
	}

	// RELAYCORE_LISTENADDRESS overrides the first configured endpoint's
	// address; for backward-compatibility-style single-endpoint deployments.
	if v := os.Getenv("RELAYCORE_LISTENADDRESS"); v != "" {
		if len(cfg.Endpoints) == 0 {
			cfg.Endpoints = []EndpointConfig{&ExplicitEndpoint{ListenAddress: v}}
		} else {
			switch e := cfg.Endpoints[0].(type) {
			case *ExplicitEndpoint:
				e.ListenAddress = v
			case *TransparentEndpoint:
				e.ListenAddress = v
			}
		}
	}

	if v := os.Getenv("RELAYCORE_STATSSQLITEPATH"); v != "" {
		cfg.StatsSQLitePath = v
	}
}

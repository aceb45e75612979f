package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/relaycore/relaycore/relaycore-srv/authn"
	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/relaycore/relaycore/relaycore-srv/logger"
	"github.com/relaycore/relaycore/relaycore-srv/proxy"
	"github.com/relaycore/relaycore/relaycore-srv/stats"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "relaycore.hcl", "Path to HCL configuration file")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("relaycored version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("failed to load envfile: %v", err)
		}
		logger.Info("loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("debug logging enabled")
	}

	logger.Info("starting relaycored")
	logger.Debug("using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("could not load config file: %v. falling back to defaults and environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("failed to load configuration: %v", err)
		}
	}

	logger.Debug("configuration loaded: %d endpoint(s), %d forward rule(s)", len(cfg.Endpoints), len(cfg.Forwards))

	return cfg, *configPathPtr
}

// buildAuthenticator wires an authn.Authenticator from environment
// variables: RELAYCORE_BASIC_USER/RELAYCORE_BASIC_PASS for a single static
// credential, or RELAYCORE_BEARER_SECRET for HMAC-signed bearer tokens.
// Absent either, the server runs with no proxy authentication.
func buildAuthenticator() authn.Authenticator {
	if secret := os.Getenv("RELAYCORE_BEARER_SECRET"); secret != "" {
		return &authn.Bearer{Secret: []byte(secret)}
	}
	user := os.Getenv("RELAYCORE_BASIC_USER")
	pass := os.Getenv("RELAYCORE_BASIC_PASS")
	if user != "" && pass != "" {
		return &authn.Basic{Credentials: map[string]string{user: pass}}
	}
	return authn.None{}
}

// runProxy starts and manages the proxy server, including signal handling
// and SIGHUP-triggered config reloads.
func runProxy(cfg *config.Config, configPath string) {
	instance := newProxyInstance(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	shutdownChan := make(chan struct{})

	startProxy := func(ctx context.Context, p *proxy.Proxy) {
		go func() {
			logger.Info("starting proxy server...")
			if err := p.ListenAndServe(ctx); err != nil {
				logger.Fatal("proxy server error: %v", err)
			}
			shutdownChan <- struct{}{}
		}()
	}

	startProxy(ctx, instance)
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("config unchanged after reload; not restarting proxy")
				continue
			}
			logger.Info("config changed, restarting proxy...")
			cancel()
			<-shutdownChan
			ctx, cancel = context.WithCancel(context.Background())
			instance = newProxyInstance(newCfg)
			startProxy(ctx, instance)
			currentCfg = newCfg
			logger.Info("proxy restarted with new configuration")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("received signal %v, shutting down proxy server...", sig)
			cancel()
			<-shutdownChan
			logger.Info("proxy server shutdown complete")
			return
		}
	}
}

func newProxyInstance(cfg *config.Config) *proxy.Proxy {
	collector, err := stats.NewCollectorFromConfig(cfg)
	if err != nil {
		logger.Fatal("failed to build stats collector: %v", err)
	}

	instance, err := proxy.New(cfg, collector, buildAuthenticator())
	if err != nil {
		logger.Fatal("failed to build proxy: %v", err)
	}
	return instance
}

// loadEnvFile reads a .env-style file and sets environment variables.
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}

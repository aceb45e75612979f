package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/relaycore/relaycore/relaycore-srv/authn"
	"github.com/relaycore/relaycore/relaycore-srv/certauthority"
	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/relaycore/relaycore/relaycore-srv/logger"
	"github.com/relaycore/relaycore/relaycore-srv/resolver"
	"github.com/relaycore/relaycore/relaycore-srv/stats"
)

// Proxy is the top-level collaborator wiring the Client Dispatcher, Session
// Loop, Upstream Connector and TLS Interceptor to a running configuration.
// Its lifetime spans every listener started by ListenAndServe.
type Proxy struct {
	config *config.Config
	Hooks  Hooks

	certCache     *certauthority.Cache
	stats         stats.Collector
	authenticator authn.Authenticator
	netResolver   *net.Resolver
	bufferPool    *bufferPool

	compiledForwards []compiledForward
	allowlist        Classifier
	blocklist        Classifier

	listenersMu sync.Mutex
	listeners   []net.Listener
}

// New builds a Proxy from cfg. It compiles forward rules and allow/block
// classifiers once up front and, when cfg.Interception names CA material,
// loads it into a certificate cache for the TLS Interceptor. Without CA
// material no cache is built: CONNECTs that would be intercepted and
// TLS-enabled transparent endpoints are then refused, while excluded or
// non-TLS CONNECTs are still raw-tunneled.
func New(cfg *config.Config, collector stats.Collector, authenticator authn.Authenticator) (*Proxy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	if authenticator == nil {
		authenticator = authn.None{}
	}

	forwards, err := compileForwards(cfg.Forwards)
	if err != nil {
		return nil, err
	}

	var allow, block Classifier
	if cfg.Allowlist != nil {
		allow, err = CompileClassifier(cfg.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("compiling allowlist: %w", err)
		}
	}
	if cfg.Blocklist != nil {
		block, err = CompileClassifier(cfg.Blocklist)
		if err != nil {
			return nil, fmt.Errorf("compiling blocklist: %w", err)
		}
	}

	var certCache *certauthority.Cache
	if cfg.Interception.CAFile != "" {
		ca, err := certauthority.LoadCA(cfg.Interception.CAFile, cfg.Interception.CAKeyFile, cfg.Interception.CAKeyPassword)
		if err != nil {
			return nil, fmt.Errorf("loading CA: %w", err)
		}
		certCache = certauthority.NewCache(ca, 0)
	}

	return &Proxy{
		config:           cfg,
		certCache:        certCache,
		stats:            collector,
		authenticator:    authenticator,
		netResolver:      resolver.New(cfg.DNS),
		bufferPool:       newBufferPool(cfg.BufferSize),
		compiledForwards: forwards,
		allowlist:        allow,
		blocklist:        block,
	}, nil
}

// ListenAndServe starts a listener for every configured endpoint and blocks
// until ctx is cancelled or one listener fails to start. Accepted
// connections are dispatched to their own goroutine per §5's
// one-goroutine-per-connection model; the dispatch goroutine owns the
// connection for its entire lifetime, including any Raw Tunnel handoff.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	if len(p.config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(p.config.Endpoints))

	for _, ep := range p.config.Endpoints {
		ep := ep
		addr := endpointListenAddress(ep)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		p.listenersMu.Lock()
		p.listeners = append(p.listeners, ln)
		p.listenersMu.Unlock()

		logger.Info("listening on %s", addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- p.acceptLoop(ctx, ln, ep)
		}()
	}

	go func() {
		<-ctx.Done()
		p.Close()
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

// Close stops every listener started by ListenAndServe. In-flight
// connections are left to finish their own session loop.
func (p *Proxy) Close() {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	for _, ln := range p.listeners {
		ln.Close()
	}
}

// isHostAllowed gates which hosts the Client Dispatcher and Session Loop
// will open a session for, independent of any per-request forward
// selection: a blocklist match always denies, and a configured allowlist
// denies anything it doesn't match, mirroring the teacher's
// isHostAllowed check ahead of connection setup.
func (p *Proxy) isHostAllowed(host string, port int) bool {
	var remotePort uint16
	if port > 0 && port < 1<<16 {
		remotePort = uint16(port)
	}
	input := ClassifierInput{host: host, remotePort: remotePort}

	if p.blocklist != nil {
		blocked, err := p.blocklist.Classify(input)
		if err != nil {
			logger.Error("evaluating blocklist for %s: %v", host, err)
			return false
		}
		if blocked {
			return false
		}
	}
	if p.allowlist != nil {
		allowed, err := p.allowlist.Classify(input)
		if err != nil {
			logger.Error("evaluating allowlist for %s: %v", host, err)
			return false
		}
		if !allowed {
			return false
		}
	}
	return true
}

func endpointListenAddress(ep config.EndpointConfig) string {
	switch e := ep.(type) {
	case *config.ExplicitEndpoint:
		return e.ListenAddress
	case *config.TransparentEndpoint:
		return e.ListenAddress
	default:
		return ""
	}
}

// acceptLoop accepts connections on ln until it closes or ctx is
// cancelled, handing each one to the Client Dispatcher on its own
// goroutine.
func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener, ep config.EndpointConfig) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go p.dispatch(conn, ep)
	}
}

package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// rawConfig is the HCL decoding target. HCL's block grammar does not lend
// itself to the free-form classifier trees the teacher parsed out of JSON
// (config.Classifier's AND/OR/NOT/ref combinators), so the file format here
// is flatter: per-endpoint include/exclude pattern lists, and per-forward a
// single domain match (match_domain for the exact host, match_domain_is
// for the domain and its subdomains). The Classifier/Forward runtime types
// themselves are unchanged and can still be composed by hand (tests do
// this) or by an embedder building a Config programmatically.
type rawConfig struct {
	BufferSize            *int      `hcl:"buffer_size,optional"`
	Enable100Continue     *bool     `hcl:"enable_100_continue,optional"`
	EnableWinAuth         *bool     `hcl:"enable_win_auth,optional"`
	SupportedSSLProtocols []string  `hcl:"supported_ssl_protocols,optional"`
	UpstreamHTTPProxy     *string   `hcl:"upstream_http_proxy,optional"`
	UpstreamHTTPSProxy    *string   `hcl:"upstream_https_proxy,optional"`
	TimeoutSeconds        *int      `hcl:"timeout_seconds,optional"`
	StatsSQLitePath       *string   `hcl:"stats_sqlite_path,optional"`
	Interception          *rawCA    `hcl:"interception,block"`
	Endpoints             []rawEndpoint `hcl:"endpoint,block"`
	Forwards              []rawForward  `hcl:"forward,block"`
	Allowlist             *rawDomains   `hcl:"allowlist,block"`
	Blocklist             *rawDomains   `hcl:"blocklist,block"`
}

type rawCA struct {
	CAFile        string `hcl:"ca_file"`
	CAKeyFile     string `hcl:"ca_key_file"`
	CAKeyPassword string `hcl:"ca_key_password,optional"`
}

type rawEndpoint struct {
	Kind            string   `hcl:"type,label"`
	Name            string   `hcl:"name,label"`
	ListenAddress   string   `hcl:"listen_address"`
	IncludePatterns []string `hcl:"include_https_patterns,optional"`
	ExcludePatterns []string `hcl:"exclude_https_patterns,optional"`
	TLSEnabled      *bool    `hcl:"tls_enabled,optional"`
	GenericCertName *string  `hcl:"generic_cert_name,optional"`
}

type rawForward struct {
	Kind          string  `hcl:"type,label"`
	Address       *string `hcl:"address,optional"`
	Username      *string `hcl:"username,optional"`
	Password      *string `hcl:"password,optional"`
	MatchDomain   *string `hcl:"match_domain,optional"`
	MatchDomainIs *string `hcl:"match_domain_is,optional"`
	ForceIPv4     *bool   `hcl:"force_ipv4,optional"`
}

type rawDomains struct {
	Domains []string `hcl:"domains,optional"`
	File    *string  `hcl:"file,optional"`
}

func loadHCLConfig(path string, cfg *Config) error {
	var raw rawConfig
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return fmt.Errorf("parsing HCL: %w", err)
	}

	if raw.BufferSize != nil {
		cfg.BufferSize = *raw.BufferSize
	}
	if raw.Enable100Continue != nil {
		cfg.Enable100Continue = *raw.Enable100Continue
	}
	if raw.EnableWinAuth != nil {
		cfg.EnableWinAuth = *raw.EnableWinAuth
	}
	if len(raw.SupportedSSLProtocols) > 0 {
		cfg.SupportedSSLProtocols = raw.SupportedSSLProtocols
	}
	cfg.UpstreamHTTPProxy = raw.UpstreamHTTPProxy
	cfg.UpstreamHTTPSProxy = raw.UpstreamHTTPSProxy
	if raw.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *raw.TimeoutSeconds
	}
	if raw.StatsSQLitePath != nil {
		cfg.StatsSQLitePath = *raw.StatsSQLitePath
	}

	if raw.Interception != nil {
		cfg.Interception = InterceptionConfig{
			CAFile:        raw.Interception.CAFile,
			CAKeyFile:     raw.Interception.CAKeyFile,
			CAKeyPassword: raw.Interception.CAKeyPassword,
		}
	}

	if len(raw.Endpoints) > 0 {
		cfg.Endpoints = nil
		for _, e := range raw.Endpoints {
			switch e.Kind {
			case "explicit":
				cfg.Endpoints = append(cfg.Endpoints, &ExplicitEndpoint{
					ListenAddress:   e.ListenAddress,
					IncludePatterns: e.IncludePatterns,
					ExcludePatterns: e.ExcludePatterns,
				})
			case "transparent":
				tlsEnabled := false
				if e.TLSEnabled != nil {
					tlsEnabled = *e.TLSEnabled
				}
				certName := ""
				if e.GenericCertName != nil {
					certName = *e.GenericCertName
				}
				cfg.Endpoints = append(cfg.Endpoints, &TransparentEndpoint{
					ListenAddress:   e.ListenAddress,
					TLSEnabled:      tlsEnabled,
					GenericCertName: certName,
				})
			default:
				return fmt.Errorf("unsupported endpoint type %q (endpoint %q)", e.Kind, e.Name)
			}
		}
	}

	if len(raw.Forwards) > 0 {
		cfg.Forwards = nil
		for _, f := range raw.Forwards {
			var classifier Classifier = &ClassifierTrue{}
			switch {
			case f.MatchDomain != nil:
				classifier = &ClassifierDomain{Op: ClassifierOpEqual, Domain: *f.MatchDomain}
			case f.MatchDomainIs != nil:
				classifier = &ClassifierDomain{Op: ClassifierOpIs, Domain: *f.MatchDomainIs}
			}

			forceIPv4 := f.ForceIPv4 != nil && *f.ForceIPv4

			switch f.Kind {
			case "default-network":
				cfg.Forwards = append(cfg.Forwards, &ForwardDefaultNetwork{ClassifierData: classifier, ForceIPv4: forceIPv4})
			case "socks5":
				if f.Address == nil {
					return fmt.Errorf("socks5 forward requires address")
				}
				cfg.Forwards = append(cfg.Forwards, &ForwardSocks5{
					ClassifierData: classifier,
					Address:        *f.Address,
					Username:       f.Username,
					Password:       f.Password,
					ForceIPv4:      forceIPv4,
				})
			case "proxy":
				if f.Address == nil {
					return fmt.Errorf("proxy forward requires address")
				}
				cfg.Forwards = append(cfg.Forwards, &ForwardProxy{
					ClassifierData: classifier,
					Address:        *f.Address,
					Username:       f.Username,
					Password:       f.Password,
					ForceIPv4:      forceIPv4,
				})
			default:
				return fmt.Errorf("unsupported forward type %q", f.Kind)
			}
		}
	}

	if raw.Allowlist != nil {
		c, err := domainsToClassifier(raw.Allowlist)
		if err != nil {
			return err
		}
		cfg.Allowlist = c
	}
	if raw.Blocklist != nil {
		c, err := domainsToClassifier(raw.Blocklist)
		if err != nil {
			return err
		}
		cfg.Blocklist = c
	}

	return nil
}

func domainsToClassifier(d *rawDomains) (Classifier, error) {
	if d.File != nil {
		return &ClassifierDomainsFile{FilePath: *d.File}, nil
	}
	var classifiers []Classifier
	for _, domain := range d.Domains {
		classifiers = append(classifiers, &ClassifierDomain{Op: ClassifierOpIs, Domain: domain})
	}
	if len(classifiers) == 0 {
		return &ClassifierFalse{}, nil
	}
	return &ClassifierOr{Classifiers: classifiers}, nil
}

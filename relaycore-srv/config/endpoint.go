package config

// EndpointType discriminates the two ways a listener can be wired to the
// session loop.
type EndpointType int

const (
	// EndpointTypeExplicit is a classic CONNECT-based forward proxy: clients
	// know they are talking to a proxy and send absolute-form request
	// targets (or CONNECT for tunneling).
	EndpointTypeExplicit EndpointType = iota
	// EndpointTypeTransparent is a reverse-proxy style listener: clients
	// address it as if it were the origin, using origin-form targets and a
	// Host header for authority.
	EndpointTypeTransparent
)

// EndpointConfig is immutable for the lifetime of the listener it
// configures; it never changes after a server is started.
type EndpointConfig interface {
	Type() EndpointType
}

// ExplicitEndpoint configures a CONNECT-based proxy listener. IncludePatterns
// and ExcludePatterns gate which CONNECT targets get TLS-intercepted versus
// opaque-tunneled; per §4.3, when both are set the include list decides.
type ExplicitEndpoint struct {
	ListenAddress   string
	IncludePatterns []string
	ExcludePatterns []string
}

// Type identifies this as an explicit endpoint.
func (e *ExplicitEndpoint) Type() EndpointType { return EndpointTypeExplicit }

// TransparentEndpoint configures a reverse-proxy listener. When TLSEnabled,
// every accepted connection is TLS-accepted immediately using GenericCertName
// (no SNI dispatch in this core, see §9).
type TransparentEndpoint struct {
	ListenAddress   string
	TLSEnabled      bool
	GenericCertName string
}

// Type identifies this as a transparent endpoint.
func (e *TransparentEndpoint) Type() EndpointType { return EndpointTypeTransparent }

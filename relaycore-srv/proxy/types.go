package proxy

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
)

// HTTPVersion is the negotiated HTTP/1.x version of a request or upstream
// connection.
type HTTPVersion int

const (
	HTTP10 HTTPVersion = iota
	HTTP11
)

func (v HTTPVersion) String() string {
	if v == HTTP10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// Headers is an ordered header collection that preserves repeated header
// names (e.g. Set-Cookie) rather than collapsing them, per §4.1.
type Headers struct {
	order  []string
	values map[string][]string
}

// NewHeaders creates an empty header collection.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Add appends a value for name, preserving any existing values.
func (h *Headers) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all values for name with a single value.
func (h *Headers) Set(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h *Headers) Get(name string) string {
	vs := h.values[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for name, preserving multiplicity.
func (h *Headers) Values(name string) []string {
	return h.values[textproto.CanonicalMIMEHeaderKey(name)]
}

// Del removes all values for name.
func (h *Headers) Del(name string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Names returns header names in first-seen order.
func (h *Headers) Names() []string {
	return h.order
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, name := range h.order {
		for _, v := range h.values[name] {
			c.Add(name, v)
		}
	}
	return c
}

// ClientConnection owns the accepted client socket. Its reader/writer are
// replaced exactly once, when TLS interception succeeds over the raw
// stream (§3).
type ClientConnection struct {
	RemoteAddr string

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	tlsWrapped bool
}

// NewClientConnection wraps an accepted socket with buffered line
// discipline.
func NewClientConnection(conn net.Conn, bufferSize int) *ClientConnection {
	return &ClientConnection{
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, bufferSize),
		writer:     bufio.NewWriterSize(conn, bufferSize),
	}
}

// Reader returns the current buffered reader (post-TLS if wrapped).
func (c *ClientConnection) Reader() *bufio.Reader { return c.reader }

// Writer returns the current buffered writer (post-TLS if wrapped).
func (c *ClientConnection) Writer() *bufio.Writer { return c.writer }

// Conn returns the current underlying net.Conn (post-TLS if wrapped).
func (c *ClientConnection) Conn() net.Conn { return c.conn }

// IsTLSWrapped reports whether interception has already replaced the
// transport once.
func (c *ClientConnection) IsTLSWrapped() bool { return c.tlsWrapped }

// WrapTLS replaces the connection's transport with a server-side TLS
// connection exactly once, rebuilding buffered reader/writer over it. It
// is an error to call this twice on the same ClientConnection.
func (c *ClientConnection) WrapTLS(tlsConn *tls.Conn, bufferSize int) {
	c.conn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, bufferSize)
	c.writer = bufio.NewWriterSize(tlsConn, bufferSize)
	c.tlsWrapped = true
}

// Close closes the underlying socket.
func (c *ClientConnection) Close() error { return c.conn.Close() }

// ConnectRequest is captured only in explicit mode, for the CONNECT that
// established this client connection's tunnel.
type ConnectRequest struct {
	Authority string // host:port
	Version   HTTPVersion
	Headers   *Headers
}

// Request models one HTTP/1.x request parsed off a ClientConnection, per
// §3's field and flag list.
type Request struct {
	Method  string
	Target  string // request-URI as received, pre-normalization
	URL     string // absolute URI after §4.4 reconstruction
	Version HTTPVersion
	Headers *Headers

	Body []byte // only populated if an embedder hook read it

	HasBody            bool
	IsChunked          bool
	ContentLength      int64
	ExpectContinue     bool
	UpgradeToWebsocket bool
	RequestBodyRead    bool
	ExpectationFailed  bool

	requestLocked atomic.Bool
	Cancel        atomic.Bool
}

// Lock freezes the request against further hook mutation.
func (r *Request) Lock() { r.requestLocked.Store(true) }

// Locked reports whether the request has been locked.
func (r *Request) Locked() bool { return r.requestLocked.Load() }

// SetHeader is the mutation path exposed to embedder hooks from inside
// BeforeRequest; it is rejected once the request is locked. Internal
// codec rewriting (PrepareRequestHeaders and friends) bypasses this and
// touches Headers directly, since it runs as part of the forwarding
// pipeline rather than as an embedder mutation.
func (r *Request) SetHeader(name, value string) bool {
	if r.Locked() {
		return false
	}
	r.Headers.Set(name, value)
	return true
}

// AddHeader is the Add counterpart of SetHeader.
func (r *Request) AddHeader(name, value string) bool {
	if r.Locked() {
		return false
	}
	r.Headers.Add(name, value)
	return true
}

// DeleteHeader is the Del counterpart of SetHeader.
func (r *Request) DeleteHeader(name string) bool {
	if r.Locked() {
		return false
	}
	r.Headers.Del(name)
	return true
}

// Response models one HTTP/1.x response read off an UpstreamConnection.
type Response struct {
	StatusLine string
	StatusCode int
	Version    HTTPVersion
	Headers    *Headers

	KeepAlive         bool
	Is100Continue     bool
	ExpectationFailed bool
}

// UpstreamConnection owns the TCP (optionally TLS) socket to an origin or
// upstream proxy, per §3. It is created lazily by the Upstream Connector
// and reused across requests while the host is unchanged.
type UpstreamConnection struct {
	Conn   net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer

	Host       string
	Port       int
	Scheme     string // "http" or "https"
	Version    HTTPVersion
	TLSWrapped bool

	UpstreamProxy string // effective upstream proxy used, for observability

	disposeOnce sync.Once
}

// Dispose closes the upstream socket and decrements the process-wide
// connection counter exactly once, even if called from multiple exit
// paths (§5, §8 invariant).
func (u *UpstreamConnection) Dispose() error {
	var err error
	u.disposeOnce.Do(func() {
		err = u.Conn.Close()
		serverConnectionCount.Add(-1)
	})
	return err
}

// serverConnectionCount is the process-wide atomic counter from §3/§5/§8:
// incremented on UpstreamConnection creation, decremented on disposal.
var serverConnectionCount atomic.Int64

// ServerConnectionCount returns the current value of the process-wide
// upstream connection counter, mainly for tests asserting the §8
// monotonic-delta invariant.
func ServerConnectionCount() int64 {
	return serverConnectionCount.Load()
}

// Session pairs a Request and Response with the connections it flows
// over, per §3. One Session exists per request within the session loop.
type Session struct {
	Client   *ClientConnection
	Upstream *UpstreamConnection
	Connect  *ConnectRequest // nil outside explicit-mode CONNECT tunnels

	Request  *Request
	Response *Response
}

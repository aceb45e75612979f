package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// pendingLine carries a request line already consumed by the Client
// Dispatcher (to distinguish CONNECT from a direct request) into the first
// iteration of the Session Loop, so it is never read twice.
type pendingLine struct {
	method, target string
	version        HTTPVersion
}

// quietKinds end a session without invoking the Exception hook, per §7:
// ClientClosed and HookCancelled are expected traffic shapes, not
// failures, and Malformed* close the connection without a response.
func quietKind(err error) bool {
	return IsKind(err, KindClientClosed) ||
		IsKind(err, KindHookCancelled) ||
		IsKind(err, KindMalformedRequest) ||
		IsKind(err, KindMalformedHeader)
}

// runSessionLoop drives the per-client state machine of §4.4 (S0-S8).
// connect is non-nil only for an explicit-mode connection that already
// completed a CONNECT handshake; httpsAuthority is the host:port (or, in
// transparent mode, the generic cert name) backing an established TLS
// context, used to reconstruct absolute request URIs. pending carries a
// request line the dispatcher already read off the wire for this
// connection's very first iteration.
func (p *Proxy) runSessionLoop(cc *ClientConnection, connect *ConnectRequest, httpsAuthority string, pending *pendingLine) {
	var upstream *UpstreamConnection
	defer func() {
		if upstream != nil {
			upstream.Dispose()
		}
		cc.Close()
	}()

	for iteration := 0; ; iteration++ {
		session := &Session{Client: cc, Connect: connect, Upstream: upstream}

		var method, target string
		var version HTTPVersion
		var err error
		if iteration == 0 && pending != nil {
			method, target, version = pending.method, pending.target, pending.version
		} else {
			method, target, version, err = readRequestLine(cc.Reader()) // S0
			if err != nil {
				if !quietKind(err) {
					p.Hooks.fireException(session, err)
				}
				return // S_END
			}
		}

		headers, err := readHeaders(cc.Reader()) // S1
		if err != nil {
			if !quietKind(err) {
				p.Hooks.fireException(session, err)
			}
			return
		}

		req := &Request{Method: method, Target: target, Version: version, Headers: headers}
		if err := applyRequestFlags(req); err != nil {
			if !quietKind(err) {
				p.Hooks.fireException(session, err)
			}
			return
		}
		session.Request = req

		host, port, scheme, absoluteURL, err := resolveRequestURL(req, httpsAuthority)
		if err != nil {
			if !quietKind(err) {
				p.Hooks.fireException(session, err)
			}
			return
		}
		req.URL = absoluteURL

		if connect == nil { // S2 AUTH, only when this connection never CONNECTed
			if !p.isHostAllowed(host, port) {
				return
			}
			decision := p.authenticator.Authenticate(req.Headers.Get("Proxy-Authorization"))
			if !decision.Allowed {
				writeProxyAuthRequired(cc, version)
				return
			}
		}

		p.Hooks.fireBeforeRequest(session) // S3
		req.Lock()
		if req.Cancel.Load() {
			return // HookCancelled, no report
		}

		if upstream == nil || !strings.EqualFold(upstream.Host, host) { // S4
			if upstream != nil {
				upstream.Dispose()
				upstream = nil
				session.Upstream = nil
			}
			upstream, err = p.ensureUpstream(context.Background(), session, host, port, scheme, version)
			if err != nil {
				p.Hooks.fireException(session, err)
				return
			}
		}
		session.Upstream = upstream

		if req.UpgradeToWebsocket { // S5
			if err := p.tunnelWebSocket(session); err != nil {
				p.Hooks.fireException(session, err)
			}
			upstream.Dispose()
			upstream = nil
			return
		}

		if err := p.forwardRequest(session); err != nil { // S6/S7
			p.Hooks.fireException(session, err)
			return
		}

		if session.Response == nil || !session.Response.KeepAlive { // S8
			return
		}
	}
}

// writeProxyAuthRequired emits the AuthDenied response per §7: a bare 407
// with a Basic challenge, then the caller closes the connection.
func writeProxyAuthRequired(cc *ClientConnection, version HTTPVersion) {
	w := cc.Writer()
	if err := writeStatusLine(w, version, 407, "Proxy Authentication Required"); err != nil {
		return
	}
	_, _ = w.WriteString("Proxy-Authenticate: Basic realm=\"relaycore\"\r\n")
	_, _ = w.WriteString("Connection: close\r\n\r\n")
	_ = w.Flush()
}

// isAbsoluteTarget reports whether target is an absolute-form request-URI
// (explicit plaintext proxying) rather than an origin-form path.
func isAbsoluteTarget(target string) bool {
	return strings.Contains(target, "://")
}

// resolveRequestURL reconstructs the absolute request URI per §4.4 S1 and
// returns the host/port/scheme the Upstream Connector should dial.
// httpsAuthority is non-empty exactly when this connection's stream is
// already HTTPS, either via a CONNECT-established TLS tunnel or a
// transparent TLS-enabled endpoint.
func resolveRequestURL(req *Request, httpsAuthority string) (host string, port int, scheme string, absoluteURL string, err error) {
	if isAbsoluteTarget(req.Target) {
		u, parseErr := url.Parse(req.Target)
		if parseErr != nil || u.Host == "" {
			return "", 0, "", "", newError(KindMalformedRequest, fmt.Sprintf("invalid absolute request target %q", req.Target), parseErr)
		}
		host, port = splitHostPortDefault(u.Host, defaultPortFor(u.Scheme))
		return host, port, u.Scheme, req.Target, nil
	}

	if httpsAuthority != "" {
		authority := req.Headers.Get("Host")
		if authority == "" {
			authority = httpsAuthority
		}
		host, port = splitHostPortDefault(authority, 443)
		return host, port, "https", "https://" + authority + req.Target, nil
	}

	hostHeader := req.Headers.Get("Host")
	if hostHeader == "" {
		return "", 0, "", "", newError(KindMalformedRequest, "missing Host header in transparent plaintext mode", nil)
	}
	host, port = splitHostPortDefault(hostHeader, 80)
	return host, port, "http", "http://" + hostHeader + req.Target, nil
}

func defaultPortFor(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func splitHostPortDefault(authority string, defaultPort int) (string, int) {
	h, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort
	}
	port, convErr := strconv.Atoi(portStr)
	if convErr != nil {
		return h, defaultPort
	}
	return h, port
}

// hostHeaderAuthority formats the Host header value the origin expects:
// bare hostname when the port is the scheme's default, host:port otherwise.
func hostHeaderAuthority(host string, port int, scheme string) string {
	if port == 0 || (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// originFormTarget converts an absolute-form request-URI to the
// path(?query) form origin servers expect; origin-form targets pass
// through unchanged.
func originFormTarget(target string) string {
	if !isAbsoluteTarget(target) {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.RequestURI()
}

// forwardRequest implements HandleHttpSessionRequestInternal (§4.5): it
// prepares headers, negotiates Expect: 100-continue when configured,
// streams the request body, and forwards the response.
func (p *Proxy) forwardRequest(session *Session) error {
	req := session.Request
	upstream := session.Upstream

	PrepareRequestHeaders(req)
	req.Headers.Set("Host", hostHeaderAuthority(upstream.Host, upstream.Port, upstream.Scheme))

	if req.RequestBodyRead {
		// A hook already consumed and possibly mutated the body. Chunked
		// re-encoding is out of scope here: always send the mutated body
		// as a fixed length, per §9's design note.
		req.Headers.Set("Content-Length", strconv.Itoa(len(req.Body)))
		req.Headers.Del("Transfer-Encoding")
	}

	target := originFormTarget(req.Target)
	if err := writeRequestLine(upstream.Writer, req.Method, target, req.Version); err != nil {
		return newError(KindUpstreamIO, "writing request line to upstream", err)
	}
	if err := writeHeaders(upstream.Writer, req.Headers); err != nil {
		return newError(KindUpstreamIO, "writing request headers to upstream", err)
	}
	if err := upstream.Writer.Flush(); err != nil {
		return newError(KindUpstreamIO, "flushing request headers to upstream", err)
	}

	if req.ExpectContinue && p.config.Enable100Continue {
		proceed, err := p.negotiateExpectContinue(session)
		if err != nil {
			return err
		}
		if !proceed {
			return nil // the interim response was itself the final response
		}
	}

	if err := p.sendRequestBody(session); err != nil {
		return err
	}

	return p.forwardResponse(session)
}

// negotiateExpectContinue implements §4.5 step 1: it reads the upstream's
// interim status after headers are sent. A 100 Continue is relayed to the
// client and the caller proceeds to send the body; anything else is
// treated as the final response and delivered directly.
func (p *Proxy) negotiateExpectContinue(session *Session) (proceed bool, err error) {
	upstream := session.Upstream
	version, code, reason, err := readStatusLine(upstream.Reader)
	if err != nil {
		return false, err
	}
	headers, err := readHeaders(upstream.Reader)
	if err != nil {
		return false, err
	}

	if code == 100 {
		w := session.Client.Writer()
		if err := writeStatusLine(w, version, 100, "Continue"); err != nil {
			return false, newError(KindUpstreamIO, "writing 100 Continue to client", err)
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return false, newError(KindUpstreamIO, "writing 100 Continue to client", err)
		}
		if err := w.Flush(); err != nil {
			return false, newError(KindUpstreamIO, "flushing 100 Continue to client", err)
		}
		return true, nil
	}

	session.Request.ExpectationFailed = code == 417
	return false, p.deliverResponse(session, version, code, reason, headers)
}

// sendRequestBody implements §4.5 step 3.
func (p *Proxy) sendRequestBody(session *Session) error {
	req := session.Request
	upstream := session.Upstream

	if req.RequestBodyRead {
		if _, err := upstream.Writer.Write(req.Body); err != nil {
			return newError(KindUpstreamIO, "writing hook-provided body to upstream", err)
		}
		if err := upstream.Writer.Flush(); err != nil {
			return newError(KindUpstreamIO, "flushing hook-provided body to upstream", err)
		}
		return nil
	}

	if req.ExpectationFailed || !req.HasBody {
		return nil
	}

	if req.IsChunked {
		if err := copyChunkedBody(upstream.Writer, session.Client.Reader()); err != nil {
			return err
		}
	} else if req.ContentLength > 0 {
		if _, err := io.CopyN(upstream.Writer, session.Client.Reader(), req.ContentLength); err != nil {
			return newError(KindUpstreamIO, "copying request body to upstream", err)
		}
	}
	if err := upstream.Writer.Flush(); err != nil {
		return newError(KindUpstreamIO, "flushing request body to upstream", err)
	}
	return nil
}

// forwardResponse reads the upstream's response framing and delivers it to
// the client, per §4.5 step 4.
func (p *Proxy) forwardResponse(session *Session) error {
	upstream := session.Upstream
	version, code, reason, err := readStatusLine(upstream.Reader)
	if err != nil {
		return err
	}
	headers, err := readHeaders(upstream.Reader)
	if err != nil {
		return err
	}
	return p.deliverResponse(session, version, code, reason, headers)
}

// deliverResponse fires the response hooks, writes status and headers to
// the client, and pipes the body per the response's framing.
func (p *Proxy) deliverResponse(session *Session, version HTTPVersion, code int, reason string, headers *Headers) error {
	resp := &Response{
		StatusLine:        fmt.Sprintf("%d %s", code, reason),
		StatusCode:        code,
		Version:           version,
		Headers:           headers,
		KeepAlive:         resolveKeepAlive(version, headers),
		ExpectationFailed: session.Request.ExpectationFailed,
	}
	session.Response = resp

	p.Hooks.fireBeforeResponse(session)

	cc := session.Client
	if err := writeStatusLine(cc.Writer(), version, code, reason); err != nil {
		return newError(KindUpstreamIO, "writing response status line to client", err)
	}
	if err := writeHeaders(cc.Writer(), headers); err != nil {
		return newError(KindUpstreamIO, "writing response headers to client", err)
	}
	if err := cc.Writer().Flush(); err != nil {
		return newError(KindUpstreamIO, "flushing response headers to client", err)
	}

	if err := p.pipeResponseBody(session, code, headers); err != nil {
		return err
	}
	if err := cc.Writer().Flush(); err != nil {
		return newError(KindUpstreamIO, "flushing response body to client", err)
	}

	p.Hooks.fireAfterResponse(session)
	return nil
}

// pipeResponseBody relays the response body according to its framing:
// chunked, fixed Content-Length, or (for a connection the response itself
// already marked non-keep-alive) read-until-close.
func (p *Proxy) pipeResponseBody(session *Session, code int, headers *Headers) error {
	if session.Request.Method == "HEAD" || code == 204 || code == 304 {
		return nil
	}

	cc := session.Client
	upstream := session.Upstream

	if strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked") {
		return copyChunkedBody(cc.Writer(), upstream.Reader)
	}

	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return newError(KindMalformedHeader, fmt.Sprintf("invalid response Content-Length %q", cl), err)
		}
		if n == 0 {
			return nil
		}
		if _, err := io.CopyN(cc.Writer(), upstream.Reader, n); err != nil {
			return newError(KindUpstreamIO, "copying response body to client", err)
		}
		return nil
	}

	if !session.Response.KeepAlive {
		if _, err := io.Copy(cc.Writer(), upstream.Reader); err != nil && err != io.EOF {
			return newError(KindUpstreamIO, "copying close-delimited response body to client", err)
		}
	}
	return nil
}

// copyChunkedBody relays chunked-transfer framing from r to w verbatim
// (size line, payload, CRLF, repeated through the terminal zero-size
// chunk and any trailer headers) without decoding the payload.
func copyChunkedBody(w *bufio.Writer, r *bufio.Reader) error {
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return newError(KindUpstreamIO, "reading chunk size", err)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", sizeLine); err != nil {
			return newError(KindUpstreamIO, "writing chunk size", err)
		}

		sizeHex := strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return newError(KindMalformedHeader, fmt.Sprintf("invalid chunk size %q", sizeLine), err)
		}

		if size == 0 {
			for {
				line, err := readLine(r)
				if err != nil {
					return newError(KindUpstreamIO, "reading chunk trailer", err)
				}
				if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
					return newError(KindUpstreamIO, "writing chunk trailer", err)
				}
				if line == "" {
					return nil
				}
			}
		}

		if _, err := io.CopyN(w, r, size); err != nil {
			return newError(KindUpstreamIO, "copying chunk payload", err)
		}
		terminator, err := readLine(r)
		if err != nil {
			return newError(KindUpstreamIO, "reading chunk terminator", err)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", terminator); err != nil {
			return newError(KindUpstreamIO, "writing chunk terminator", err)
		}
	}
}

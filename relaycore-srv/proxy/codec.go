package proxy

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// hopByHopHeaders are stripped from requests before they reach upstream,
// per §4.1's PrepareRequestHeaders.
var hopByHopHeaders = map[string]bool{
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
}

// readLine reads a single CRLF- or LF-terminated ASCII line from r,
// trimming the terminator. An empty line (immediate CRLF/LF) is returned
// as "", nil so callers can distinguish it from EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRequestLine reads and parses a request line per §4.1: split on
// single spaces into at most three fields, uppercase the method, and
// default to HTTP/1.1 when the version field is omitted or unrecognized.
// A clean EOF is reported as KindClientClosed; anything else unparseable
// is KindMalformedRequest.
func readRequestLine(r *bufio.Reader) (method, target string, version HTTPVersion, err error) {
	line, readErr := readLine(r)
	if readErr != nil {
		return "", "", HTTP11, newError(KindClientClosed, "request-line read failed", readErr)
	}
	if line == "" {
		return "", "", HTTP11, newError(KindClientClosed, "empty request line", nil)
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return "", "", HTTP11, newError(KindMalformedRequest, fmt.Sprintf("malformed request line %q", line), nil)
	}

	method = strings.ToUpper(fields[0])
	target = fields[1]
	version = HTTP11
	if len(fields) == 3 && strings.EqualFold(fields[2], "HTTP/1.0") {
		version = HTTP10
	}
	return method, target, version, nil
}

// readHeaders reads header lines until an empty line, per §4.1: each line
// splits on the first colon, values are trimmed, and repeated names
// preserve ordering and multiplicity.
func readHeaders(r *bufio.Reader) (*Headers, error) {
	h := NewHeaders()
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, newError(KindMalformedHeader, "header block read failed", err)
		}
		if line == "" {
			return h, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, newError(KindMalformedHeader, fmt.Sprintf("header line missing colon: %q", line), nil)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		h.Add(name, value)
	}
}

// applyRequestFlags surfaces Content-Length, Transfer-Encoding: chunked,
// Expect: 100-continue, Upgrade: websocket, and Host as typed flags on
// req, per §4.1.
func applyRequestFlags(req *Request) error {
	if te := req.Headers.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		req.IsChunked = true
		req.HasBody = true
	} else if cl := req.Headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return newError(KindMalformedHeader, fmt.Sprintf("invalid Content-Length %q", cl), nil)
		}
		req.ContentLength = n
		req.HasBody = n > 0
	}
	if strings.EqualFold(req.Headers.Get("Expect"), "100-continue") {
		req.ExpectContinue = true
	}
	if strings.EqualFold(req.Headers.Get("Upgrade"), "websocket") {
		req.UpgradeToWebsocket = true
	}
	return nil
}

// PrepareRequestHeaders rewrites req's headers before dispatch to
// upstream, per §4.1: normalizes Accept-Encoding to exactly
// "gzip,deflate" and strips hop-by-hop headers, including any header
// named in the request's own Connection field.
func PrepareRequestHeaders(req *Request) {
	req.Headers.Set("Accept-Encoding", "gzip,deflate")

	for _, name := range req.Headers.Values("Connection") {
		for _, token := range strings.Split(name, ",") {
			req.Headers.Del(strings.TrimSpace(token))
		}
	}
	for name := range hopByHopHeaders {
		req.Headers.Del(name)
	}
}

// writeRequestLine writes "<method> <target> <version>\r\n" to w.
func writeRequestLine(w *bufio.Writer, method, target string, version HTTPVersion) error {
	_, err := fmt.Fprintf(w, "%s %s %s\r\n", method, target, version)
	return err
}

// writeHeaders writes h's entries, in stored order and with repeats
// preserved, followed by the blank line terminating the header block.
func writeHeaders(w *bufio.Writer, h *Headers) error {
	for _, name := range h.Names() {
		for _, v := range h.Values(name) {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// writeStatusLine writes "<version> <code> <reason>\r\n" to w.
func writeStatusLine(w *bufio.Writer, version HTTPVersion, code int, reason string) error {
	_, err := fmt.Fprintf(w, "%s %d %s\r\n", version, code, reason)
	return err
}

// readStatusLine parses "<version> <code> <reason>" read from r.
func readStatusLine(r *bufio.Reader) (version HTTPVersion, code int, reason string, err error) {
	line, readErr := readLine(r)
	if readErr != nil {
		return HTTP11, 0, "", newError(KindUpstreamIO, "status-line read failed", readErr)
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return HTTP11, 0, "", newError(KindUpstreamIO, fmt.Sprintf("malformed status line %q", line), nil)
	}
	version = HTTP11
	if strings.EqualFold(fields[0], "HTTP/1.0") {
		version = HTTP10
	}
	code, convErr := strconv.Atoi(fields[1])
	if convErr != nil {
		return HTTP11, 0, "", newError(KindUpstreamIO, fmt.Sprintf("malformed status code %q", fields[1]), convErr)
	}
	if len(fields) == 3 {
		reason = fields[2]
	}
	return version, code, reason, nil
}

// resolveKeepAlive computes Response.KeepAlive per §4.4: HTTP/1.1
// defaults to keep-alive unless the server sent Connection: close;
// HTTP/1.0 defaults to close unless it sent Connection: keep-alive.
func resolveKeepAlive(version HTTPVersion, headers *Headers) bool {
	connection := strings.ToLower(headers.Get("Connection"))
	if version == HTTP11 {
		return connection != "close"
	}
	return connection == "keep-alive"
}

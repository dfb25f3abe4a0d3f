// Package httpreq reads, parses and rewrites HTTP/1.x request heads.
//
// Only the request line and the header block are handled; the proxy forwards
// GET requests, which carry no body.
package httpreq

import (
	"bytes"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const DefaultPort = 80

// Request is a parsed request head.
type Request struct {
	Method string
	// Target is the request-target exactly as the client sent it.
	Target string
	Scheme string
	Host   string
	Port   int
	// Path is the origin-form target used when forwarding.
	Path string
	// Version is the protocol version without the "HTTP/" prefix.
	Version string
	Header  Header

	// Raw holds the bytes the request was parsed from.
	Raw []byte
}

type parseState int

const (
	awaitingRequestLine parseState = iota
	awaitingHeaders
	complete
)

var crlf = []byte("\r\n")

// Parse parses a request head. It checks syntax only; Validate decides
// whether the request can be forwarded.
func Parse(buf []byte) (*Request, error) {
	req := &Request{Raw: buf, Port: DefaultPort}

	rest := buf
	for state := awaitingRequestLine; state != complete; {
		i := bytes.Index(rest, crlf)
		if i < 0 {
			if state == awaitingRequestLine && len(bytes.TrimSpace(rest)) == 0 {
				return nil, errors.Wrap(ErrMalformed, "empty request")
			}
			return nil, ErrHeadersIncomplete
		}
		line := string(rest[:i])
		rest = rest[i+len(crlf):]

		switch state {
		case awaitingRequestLine:
			if err := req.parseRequestLine(line); err != nil {
				return nil, err
			}
			state = awaitingHeaders
		case awaitingHeaders:
			if line == "" {
				state = complete
				continue
			}
			if err := req.parseHeaderLine(line); err != nil {
				return nil, err
			}
		}
	}

	if req.Host == "" {
		if host, ok := req.Header.getFold("Host"); ok && host != "" {
			h, port, err := splitHostPort(host)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "host header %q", host)
			}
			req.Host, req.Port = h, port
		}
	}
	return req, nil
}

func (r *Request) parseRequestLine(line string) error {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return errors.Wrapf(ErrMalformed, "request line %q", line)
	}
	r.Method, r.Target = parts[0], parts[1]

	if !isToken(r.Method) {
		return errors.Wrapf(ErrMalformed, "method %q", r.Method)
	}
	version, ok := parseVersion(parts[2])
	if !ok {
		return errors.Wrapf(ErrMalformed, "version %q", parts[2])
	}
	r.Version = version

	// Only GET targets are ever dialled. Any other method is well formed
	// whatever its target looks like, and Validate refuses it.
	if r.Method != "GET" {
		return nil
	}
	return r.parseTarget()
}

func (r *Request) parseTarget() error {
	target := r.Target
	if strings.HasPrefix(target, "/") {
		r.Path = target
		return nil
	}

	sep := strings.Index(target, "://")
	if sep <= 0 {
		return errors.Wrapf(ErrMalformed, "target %q", target)
	}
	r.Scheme = strings.ToLower(target[:sep])
	if r.Scheme != "http" {
		return errors.Wrapf(ErrMalformed, "scheme %q", r.Scheme)
	}

	rest := target[sep+3:]
	authority := rest
	r.Path = "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority = rest[:i]
		if rest[i] == '/' {
			r.Path = rest[i:]
		} else {
			r.Path = "/" + rest[i:]
		}
	}
	if i := strings.LastIndexByte(authority, '@'); i >= 0 {
		authority = authority[i+1:]
	}

	host, port, err := splitHostPort(authority)
	if err != nil {
		return errors.Wrapf(ErrMalformed, "target %q", target)
	}
	r.Host, r.Port = host, port
	return nil
}

func (r *Request) parseHeaderLine(line string) error {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return errors.Wrapf(ErrMalformed, "header line %q", line)
	}
	name := line[:colon]
	if strings.ContainsAny(name, " \t") {
		return errors.Wrapf(ErrMalformed, "header name %q", name)
	}
	r.Header.Set(name, strings.TrimSpace(line[colon+1:]))
	return nil
}

// Validate reports whether the request can be forwarded: it must be a GET
// over HTTP/1.0 or HTTP/1.1 that names a host.
func (r *Request) Validate() error {
	if r.Method != "GET" {
		return errors.Wrapf(ErrUnsupportedMethod, "%s", r.Method)
	}
	if r.Version != "1.0" && r.Version != "1.1" {
		return errors.Wrapf(ErrUnsupportedVersion, "HTTP/%s", r.Version)
	}
	if r.Host == "" {
		return ErrMissingHost
	}
	return nil
}

// Addr is the host:port to dial for this request.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r *Request) hostValue() string {
	if r.Port == DefaultPort {
		if strings.Contains(r.Host, ":") {
			return "[" + r.Host + "]"
		}
		return r.Host
	}
	return r.Addr()
}

// PrepareForward rewrites the headers for the origin: the connection is
// always closed after one response and a Host header is always present.
func (r *Request) PrepareForward() {
	r.Header.setFold("Connection", "close")
	if _, ok := r.Header.getFold("Host"); !ok {
		r.Header.Add("Host", r.hostValue())
	}
}

// HeaderBytes returns the header block in insertion order, blank line
// included.
func (r *Request) HeaderBytes() []byte {
	var buf bytes.Buffer
	r.Header.WriteTo(&buf)
	return buf.Bytes()
}

// Bytes returns the request as it is sent to the origin: an origin-form
// request line followed by the header block.
func (r *Request) Bytes() []byte {
	line := r.Method + " " + r.Path + " HTTP/" + r.Version + "\r\n"
	var buf bytes.Buffer
	buf.Grow(len(line) + r.Header.size())
	buf.WriteString(line)
	r.Header.WriteTo(&buf)
	return buf.Bytes()
}

func parseVersion(s string) (string, bool) {
	v, ok := strings.CutPrefix(s, "HTTP/")
	if !ok || len(v) != 3 || v[1] != '.' || !isDigit(v[0]) || !isDigit(v[2]) {
		return "", false
	}
	return v, true
}

// splitHostPort splits an authority into host and port, defaulting the port
// to 80. IPv6 literals must be bracketed.
func splitHostPort(authority string) (string, int, error) {
	if authority == "" {
		return "", 0, errors.New("empty authority")
	}
	host, portStr := authority, ""
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", 0, errors.New("unterminated IPv6 literal")
		}
		host = authority[1:end]
		switch rest := authority[end+1:]; {
		case rest == "":
		case rest[0] == ':':
			portStr = rest[1:]
		default:
			return "", 0, errors.Errorf("junk after IPv6 literal %q", rest)
		}
	} else if i := strings.IndexByte(authority, ':'); i >= 0 {
		host, portStr = authority[:i], authority[i+1:]
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	if strings.ContainsAny(host, " \t/") {
		return "", 0, errors.Errorf("invalid host %q", host)
	}
	if portStr == "" {
		return host, DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

// isToken reports whether s is a non-empty RFC 9110 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', isDigit(c):
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

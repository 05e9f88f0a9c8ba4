// Package proxy implements the Authorizing Egress Proxy (§4.4): an
// HTTP/CONNECT forward proxy that maps connections to sessions by
// bearer token, consults the domain allowlist, and suspends
// connections pending user approval. Grounded directly on
// src/carapace/sandbox/proxy.py's ProxyServer — same wire behavior (request-line
// then headers, Proxy-Authorization: Basic token extraction, CONNECT
// tunnelling vs. absolute-URL HTTP forwarding, bidirectional relay with
// a fixed buffer) reimplemented over net.Listener/bufio instead of
// asyncio streams. No available library implements a raw forward proxy
// (gorilla/websocket, the only transport-adjacent dependency in reach,
// is a different protocol), so this package is deliberately built on
// net/bufio — justified in DESIGN.md as the one component with no
// ready-made library.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/metrics"
)

// ErrDomainDenied is a sentinel for logging/metrics classification; it
// is never returned to a caller across a network boundary since the
// wire-level response (403) is the actual signal to the client.
var ErrDomainDenied = errors.New("proxy: domain denied")

const (
	relayBufSize       = 32 * 1024
	headerReadTimeout  = 30 * time.Second
	originDialTimeout  = 30 * time.Second
	requestLineTimeout = 30 * time.Second
)

var (
	connectOK  = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	forbidden  = []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 23\r\nConnection: close\r\n\r\nDomain blocked by proxy")
	badRequest = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 11\r\nConnection: close\r\n\r\nBad Request")
	badGateway = []byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
)

// SessionLookup resolves a proxy token to a session id, or "" if unknown.
type SessionLookup func(token string) (sessionID string, ok bool)

// DomainAuthorizer decides whether domain is currently authorized for
// sessionID, without requesting approval (a fast, lock-free snapshot
// read — §3 "the proxy's get_allowed_domains is read without the lock").
type DomainAuthorizer func(sessionID, domain string) bool

// ApprovalRequester suspends the connection until the user resolves a
// domain approval, returning whether it was ultimately allowed. A nil
// requester means unknown domains are denied outright (§8 scenario 6).
type ApprovalRequester func(ctx context.Context, sessionID, domain string) bool

// Server is the Egress Proxy (§4.4).
type Server struct {
	host string
	port int

	lookupSession    SessionLookup
	isAuthorized     DomainAuthorizer
	requestApproval  ApprovalRequester
	metrics          *metrics.Registry
	log              zerolog.Logger

	listener net.Listener
}

// Config configures a Server.
type Config struct {
	Host            string
	Port            int
	LookupSession   SessionLookup
	IsAuthorized    DomainAuthorizer
	RequestApproval ApprovalRequester
	Metrics         *metrics.Registry
}

// New constructs a Server. It does not start listening.
func New(cfg Config) *Server {
	return &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		lookupSession:   cfg.LookupSession,
		isAuthorized:    cfg.IsAuthorized,
		requestApproval: cfg.RequestApproval,
		metrics:         cfg.Metrics,
		log:             logging.Component("proxy"),
	}
}

// ListenAndServe binds the listener and serves until ctx is cancelled
// or Close is called. Each accepted connection runs on its own
// goroutine and never blocks another connection's accept loop while
// awaiting approval (§4.4 "Concurrency").
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", addr).Msg("listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept error")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	reader := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(requestLineTimeout))
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Fields(requestLine)
	if len(parts) < 3 {
		_, _ = conn.Write(badRequest)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	header, err := textproto.NewReader(reader).ReadMIMEHeader()
	if err != nil && header == nil {
		_, _ = conn.Write(badRequest)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	token := extractProxyToken(header.Get("Proxy-Authorization"))
	sessionID, ok := "", false
	if token != "" && s.lookupSession != nil {
		sessionID, ok = s.lookupSession(token)
	}
	if !ok {
		s.log.Warn().Str("peer", peer).Msg("no valid token, rejecting")
		_, _ = conn.Write(forbidden)
		s.recordConnection("error")
		return
	}

	method := strings.ToUpper(parts[0])
	if method == "CONNECT" {
		s.handleConnect(ctx, conn, reader, sessionID, parts[1])
		return
	}
	s.handleHTTP(ctx, conn, reader, sessionID, method, parts[1], parts[2], header)
}

func extractProxyToken(headerValue string) string {
	if headerValue == "" {
		return ""
	}
	scheme, encoded, found := strings.Cut(strings.TrimSpace(headerValue), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	username, _, _ := strings.Cut(string(decoded), ":")
	return username
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, reader *bufio.Reader, sessionID, target string) {
	domain, port := parseHostPort(target, 443)
	if !s.authorizeDomain(ctx, sessionID, domain) {
		s.log.Warn().Str("domain", domain).Str("session", sessionID).Msg("CONNECT denied")
		_, _ = conn.Write(forbidden)
		s.recordConnection("denied")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, originDialTimeout)
	defer cancel()
	var d net.Dialer
	remote, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", domain, port))
	if err != nil {
		s.log.Debug().Err(err).Str("domain", domain).Msg("CONNECT cannot reach origin")
		_, _ = conn.Write(badGateway)
		s.recordConnection("error")
		return
	}
	defer remote.Close()

	s.log.Info().Str("domain", domain).Int("port", port).Str("session", sessionID).Msg("CONNECT allowed")
	if _, err := conn.Write(connectOK); err != nil {
		return
	}
	s.recordConnection("allowed")

	relay(reader, conn, remote)
}

func (s *Server) handleHTTP(ctx context.Context, conn net.Conn, reader *bufio.Reader, sessionID, method, rawURL, httpVersion string, header textproto.MIMEHeader) {
	domain, port, path := parseAbsoluteURL(rawURL)
	if domain == "" {
		_, _ = conn.Write(badRequest)
		return
	}

	if !s.authorizeDomain(ctx, sessionID, domain) {
		s.log.Warn().Str("domain", domain).Str("method", method).Str("session", sessionID).Msg("HTTP denied")
		_, _ = conn.Write(forbidden)
		s.recordConnection("denied")
		return
	}

	var body []byte
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n > 0 {
			body = make([]byte, n)
			if _, err := io.ReadFull(reader, body); err != nil {
				return
			}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, originDialTimeout)
	defer cancel()
	var d net.Dialer
	remote, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", domain, port))
	if err != nil {
		s.log.Debug().Err(err).Str("domain", domain).Msg("HTTP cannot reach origin")
		_, _ = conn.Write(badGateway)
		s.recordConnection("error")
		return
	}
	defer remote.Close()

	s.log.Info().Str("domain", domain).Str("path", path).Str("method", method).Str("session", sessionID).Msg("HTTP allowed")
	s.recordConnection("allowed")

	fmt.Fprintf(remote, "%s %s %s\r\n", method, path, httpVersion)
	for k, vs := range header {
		if strings.HasPrefix(strings.ToLower(k), "proxy-") {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(remote, "%s: %s\r\n", k, v)
		}
	}
	io.WriteString(remote, "\r\n")
	if len(body) > 0 {
		remote.Write(body)
	}

	buf := make([]byte, relayBufSize)
	io.CopyBuffer(conn, remote, buf)
}

// relay pipes bytes bidirectionally between the client connection and
// the origin connection until either side closes (§4.4 "Concurrency").
func relay(clientReader *bufio.Reader, client net.Conn, remote net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		buf := make([]byte, relayBufSize)
		io.CopyBuffer(remote, clientReader, buf)
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, relayBufSize)
		io.CopyBuffer(client, remote, buf)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	remote.Close()
	<-done
}

func (s *Server) authorizeDomain(ctx context.Context, sessionID, domain string) bool {
	if s.isAuthorized != nil && s.isAuthorized(sessionID, domain) {
		return true
	}
	if s.requestApproval == nil {
		return false
	}
	s.log.Info().Str("domain", domain).Str("session", sessionID).Msg("suspending connection pending approval")
	return s.requestApproval(ctx, sessionID, domain)
}

func (s *Server) recordConnection(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ProxyConnections.WithLabelValues(outcome).Inc()
}

func parseHostPort(target string, defaultPort int) (string, int) {
	host, portStr, found := strings.Cut(target, ":")
	if !found {
		return target, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return target, defaultPort
	}
	return host, port
}

// parseAbsoluteURL parses "http://host[:port]/path" into its parts,
// returning ("", 0, "") when the URL is not absolute — clients always
// CONNECT for TLS, so non-CONNECT requests are always plain http://
// (§4.4 "Any other method").
func parseAbsoluteURL(raw string) (host string, port int, path string) {
	const prefix = "http://"
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", 0, ""
	}
	rest := raw[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	hostPart, path := rest, "/"
	if slash != -1 {
		hostPart, path = rest[:slash], rest[slash:]
	}
	h, portStr, found := strings.Cut(hostPart, ":")
	if !found {
		return hostPart, 80, path
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return hostPart, 80, path
	}
	return h, p, path
}

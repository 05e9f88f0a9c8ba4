package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg Config) string {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s := New(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(ctx, conn)
		}
	}()
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr().String()
}

func basicAuthHeader(token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token+":"))
}

func TestProxyRejectsUnknownToken(t *testing.T) {
	addr := startTestServer(t, Config{
		LookupSession: func(token string) (string, bool) { return "", false },
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://example.com/ HTTP/1.1\r\nProxy-Authorization: %s\r\n\r\n", basicAuthHeader("bad-token"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "403")
}

func TestProxyHTTPForwardingAllowed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()
	originHost, originPort := splitHostPort(t, origin.Listener.Addr().String())

	addr := startTestServer(t, Config{
		LookupSession: func(token string) (string, bool) { return "s1", token == "tok" },
		IsAuthorized:  func(sessionID, domain string) bool { return domain == originHost },
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://%s:%d/path HTTP/1.1\r\nProxy-Authorization: %s\r\nHost: %s\r\n\r\n",
		originHost, originPort, basicAuthHeader("tok"), originHost)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")
}

func TestProxyHTTPForwardingDeniedDomain(t *testing.T) {
	addr := startTestServer(t, Config{
		LookupSession: func(token string) (string, bool) { return "s1", token == "tok" },
		IsAuthorized:  func(sessionID, domain string) bool { return false },
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://evil.example.com/ HTTP/1.1\r\nProxy-Authorization: %s\r\n\r\n", basicAuthHeader("tok"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "403")
}

func TestProxyConnectTunnelAllowed(t *testing.T) {
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()
	go func() {
		c, err := originLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write(append([]byte("echo:"), buf[:n]...))
	}()
	originHost, originPort := splitHostPort(t, originLn.Addr().String())

	addr := startTestServer(t, Config{
		LookupSession: func(token string) (string, bool) { return "s1", token == "tok" },
		IsAuthorized:  func(sessionID, domain string) bool { return domain == originHost },
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s:%d HTTP/1.1\r\nProxy-Authorization: %s\r\n\r\n", originHost, originPort, basicAuthHeader("tok"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	conn.Write([]byte("ping"))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "echo:ping", string(buf[:n]))
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return host, port
}

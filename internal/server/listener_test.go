package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	proxyproto "github.com/pires/go-proxyproto"

	"relay-proxy-go/internal/config"
)

func serveRealIP(t *testing.T, proxyProtocol bool) net.Addr {
	t.Helper()
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ProxyProtocol = proxyProtocol

	ln, err := Listen(&cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	e := echo.New()
	e.IPExtractor = IPExtractor(&cfg)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, c.RealIP())
	})
	srv := &http.Server{Handler: e}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr()
}

func fetchRealIP(t *testing.T, addr net.Addr, header *proxyproto.Header, extra string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if header != nil {
		if _, err := header.WriteTo(conn); err != nil {
			t.Fatalf("write PROXY header: %v", err)
		}
	}
	if _, err := fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: relay\r\n%sConnection: close\r\n\r\n", extra); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestListen_PlainTCP(t *testing.T) {
	addr := serveRealIP(t, false)
	if got := fetchRealIP(t, addr, nil, ""); got != "127.0.0.1" {
		t.Errorf("RealIP = %q, want 127.0.0.1", got)
	}
}

func TestListen_ProxyProtocol(t *testing.T) {
	addr := serveRealIP(t, true)

	for _, version := range []byte{1, 2} {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			header := proxyproto.HeaderProxyFromAddrs(version,
				&net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 31337},
				&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000},
			)
			if got := fetchRealIP(t, addr, header, ""); got != "203.0.113.7" {
				t.Errorf("RealIP = %q, want 203.0.113.7", got)
			}
		})
	}
}

func TestListen_ProxyProtocolIgnoresForwardedFor(t *testing.T) {
	addr := serveRealIP(t, true)
	header := proxyproto.HeaderProxyFromAddrs(1,
		&net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 31337},
		&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000},
	)
	got := fetchRealIP(t, addr, header, "X-Forwarded-For: 198.51.100.1\r\nX-Real-IP: 198.51.100.2\r\n")
	if got != "203.0.113.7" {
		t.Errorf("RealIP = %q, want PROXY source 203.0.113.7", got)
	}
}

func TestListen_ProxyProtocolWithoutHeader(t *testing.T) {
	addr := serveRealIP(t, true)
	if got := fetchRealIP(t, addr, nil, ""); got != "127.0.0.1" {
		t.Errorf("RealIP = %q, want 127.0.0.1", got)
	}
}

func TestListen_BindError(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "256.0.0.1"
	if _, err := Listen(&cfg); err == nil {
		t.Fatal("Listen() expected error for invalid host")
	}
}

package server

import (
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
)

// IPExtractor decides which address identifies the client for rate limiting,
// logs and X-Forwarded-For. By default it is the socket peer, or the source
// from the PROXY header when that is enabled. With trusted proxies configured,
// X-Forwarded-For is walked from the right past trusted hops, and only when
// the peer itself is trusted.
func IPExtractor(cfg *config.ServerConfig) echo.IPExtractor {
	nets := cfg.TrustedNetworks()
	if len(nets) == 0 {
		return echo.ExtractIPDirect()
	}

	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

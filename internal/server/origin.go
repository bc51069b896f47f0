package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/logger"
	"github.com/Tyrowin/ticko-relay/internal/metrics"
)

// normalizeOrigins reduces the configured origins to lower-case
// scheme://host form. A "*" entry allows every origin.
func normalizeOrigins(origins []string) (normalized []string, allowAll bool) {
	normalized = make([]string, 0, len(origins))
	for _, raw := range origins {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == "*":
			allowAll = true
		default:
			origin, ok := normalizeOrigin(entry)
			if !ok {
				logger.L().Warn("ignoring invalid origin in configuration", zap.String("origin", raw))
				continue
			}
			normalized = append(normalized, origin)
		}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// originAllowed reports whether the request's Origin header names one of the
// configured origins. Requests without an Origin are refused.
func originAllowed(r *http.Request) bool {
	origin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, ok = allowedOrigins[origin]
	return ok
}

// originChecker returns the upgrader's CheckOrigin hook. Refused handshakes
// are logged and counted in m.
func originChecker(m *metrics.Metrics) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if originAllowed(r) {
			return true
		}
		m.HandshakeRejected("origin")
		logger.L().Warn("blocked websocket connection from disallowed origin",
			zap.String("origin", r.Header.Get("Origin")), zap.String("remote_addr", r.RemoteAddr))
		return false
	}
}

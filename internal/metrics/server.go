package metrics

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the registry, restricted to allowedIPs when any are given.
// Entries may be single addresses or CIDR ranges; invalid ones are skipped.
func Handler(m *Metrics, allowedIPs []string, logger *slog.Logger) http.Handler {
	nets := parseAllowed(allowedIPs, logger)
	h := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
	if len(nets) == 0 {
		return h
	}

	logger.Info("metrics IP filtering enabled", "allowed_networks", len(nets))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == nil || !contains(nets, ip) {
			logger.Warn("metrics access denied", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func parseAllowed(entries []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, s := range entries {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		if strings.Contains(s, "/") {
			_, n, err := net.ParseCIDR(s)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", s, "error", err)
				continue
			}
			nets = append(nets, n)
			continue
		}

		ip := net.ParseIP(s)
		if ip == nil {
			logger.Warn("invalid IP in allowed_ips", "ip", s)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// clientIP uses RemoteAddr, which chi's RealIP middleware has already
// rewritten from X-Forwarded-For / X-Real-IP when present.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

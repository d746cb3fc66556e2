// Package allowlist restricts the HTTP intake to known client addresses.
package allowlist

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"agent_runtime/pkg/logging"
)

// Allowlist defines allowed IP ranges. The zero value allows everyone.
type Allowlist struct {
	prefixes []netip.Prefix
}

// Parse builds an allowlist from a comma-separated list of IPs or CIDRs.
// An empty value allows every client.
func Parse(value string) (Allowlist, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(value, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return Allowlist{}, fmt.Errorf("allowlist entry %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return Allowlist{}, fmt.Errorf("allowlist entry %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return Allowlist{prefixes: prefixes}, nil
}

// AllowsAll reports whether the list is empty.
func (a Allowlist) AllowsAll() bool {
	return len(a.prefixes) == 0
}

// Allows returns true if the address is within the allowlist.
func (a Allowlist) Allows(addr netip.Addr) bool {
	if a.AllowsAll() {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Guard rejects requests from clients outside the list with 403.
func (a Allowlist) Guard(log *logging.Logger, next http.Handler) http.Handler {
	if a.AllowsAll() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !a.Allows(ip) {
			log.Warn("request rejected: IP not in allowlist", "path", r.URL.Path, "client_ip", ip.String())
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For address, falling back to the
// connection's remote address.
func ClientIP(r *http.Request) netip.Addr {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr()
	}
	addr, _ := netip.ParseAddr(r.RemoteAddr)
	return addr
}

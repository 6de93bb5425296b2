package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-rtc/pkg/gateway/auth"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Resolved identifies the caller for per-principal limits. Key is hashed
// and safe to log; Raw is not.
type Resolved struct {
	Kind Kind
	Raw  string
	Key  string
}

var anonymous = Resolved{Kind: KindAnon, Key: string(KindAnon)}

// proxyHeaders are consulted in order when the gateway sits behind a
// trusted proxy.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolve prefers the authenticated API key and falls back to the client IP.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{Kind: KindAPIKey, Raw: p.APIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
	}
	if ip := ClientIP(r, cfg.TrustProxyHeaders); ip != "" {
		return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
	}
	return anonymous
}

// ClientIP returns the caller's address, or "" when none parses.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			// X-Forwarded-For is "client, proxy1, proxy2"; the left-most entry wins.
			first, _, _ := strings.Cut(r.Header.Get(name), ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}

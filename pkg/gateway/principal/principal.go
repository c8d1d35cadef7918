// Package principal answers "is this request authorized, and as whom" for
// the live upgrade endpoint. Identity-bound tools are only declared for
// authorized principals, so resolution happens before the upstream session
// is configured.
package principal

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/apsara-ai/apsara/pkg/gateway/config"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Principal struct {
	Kind Kind

	// Authorized reports whether the caller presented a valid credential
	// (or auth is disabled entirely).
	Authorized bool

	// Identity is a stable identifier for the authorized caller, passed to
	// identity-bound tool handlers. Empty when unauthorized.
	Identity string

	// Key is a hashed/bucketed identifier safe for maps and logs.
	Key string
}

// ErrInvalidCredential is reported by Resolve when a credential was presented
// but did not match any configured key.
type ErrInvalidCredential struct{}

func (ErrInvalidCredential) Error() string { return "invalid api key" }

// Resolve inspects the request's credential and returns the caller's
// principal. A missing credential is only an error when auth is required.
func Resolve(r *http.Request, cfg config.Config) (Principal, error) {
	if cfg.AuthMode == config.AuthModeDisabled {
		p := anonymous(r, cfg)
		p.Authorized = true
		return p, nil
	}

	token := credentialFrom(r)
	if token == "" {
		if cfg.AuthMode == config.AuthModeRequired {
			return Principal{}, ErrInvalidCredential{}
		}
		return anonymous(r, cfg), nil
	}
	if _, ok := cfg.APIKeys[token]; !ok {
		return Principal{}, ErrInvalidCredential{}
	}
	key := bucketKey("k", token)
	return Principal{
		Kind:       KindAPIKey,
		Authorized: true,
		Identity:   key,
		Key:        key,
	}, nil
}

// credentialFrom pulls the API key from the Authorization header, an
// access_token query parameter, or an apsara_token cookie. Browser websocket
// clients cannot set headers, hence the query/cookie fallbacks.
func credentialFrom(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("access_token")); tok != "" {
		return tok
	}
	if c, err := r.Cookie("apsara_token"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func anonymous(r *http.Request, cfg config.Config) Principal {
	ip := resolveClientIP(r, cfg.TrustProxyHeaders)
	if ip == "" {
		return Principal{Kind: KindAnon, Key: "anonymous"}
	}
	return Principal{Kind: KindIP, Key: bucketKey("ip", ip)}
}

func bucketKey(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return prefix + "_" + hex.EncodeToString(sum[:8])
}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}

	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// XFF can be "client, proxy1, proxy2". Take the left-most.
			first := strings.TrimSpace(strings.Split(raw, ",")[0])
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}

	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/catalog"
)

// Denial messages returned to the browser.
const (
	MsgNoUser           = "Forbidden: No user detected"
	MsgUserNotFound     = "Forbidden: User not found"
	MsgSysadminRequired = "Sysadmin user required"
)

// UserLookup resolves a token subject to a catalog user.
type UserLookup interface {
	UserShow(ctx context.Context, id string) (*catalog.User, error)
}

// DenialAuditor records rejected requests.
type DenialAuditor interface {
	LogAccessDenied(ctx context.Context, reason, clientIP string)
}

// Middleware provides HTTP authentication middleware.
// It is thin and delegates token handling to AuthService.
type Middleware struct {
	authService AuthService
	users       UserLookup
	auditor     DenialAuditor
	logger      *zap.Logger

	trustedProxies []netip.Prefix
}

// NewMiddleware creates a new auth middleware. auditor may be nil.
func NewMiddleware(authService AuthService, users UserLookup, auditor DenialAuditor, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		users:       users,
		auditor:     auditor,
		logger:      logger,
	}
}

// WithTrustedProxies sets the proxies whose X-Forwarded-For header is used
// for the client address. Without any, the header is ignored.
func (m *Middleware) WithTrustedProxies(prefixes []netip.Prefix) *Middleware {
	m.trustedProxies = prefixes
	return m
}

// RequireSysadmin admits only catalog sysadmins. Claims, token, client IP
// and the resolved catalog user are stored in the request context.
func (m *Middleware) RequireSysadmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.authService.ValidateRequest(r)
		if err != nil {
			m.deny(w, r, MsgNoUser)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		ctx = context.WithValue(ctx, TokenKey, token)
		ctx = context.WithValue(ctx, ClientIPKey, ClientIP(r, m.trustedProxies))

		user, err := m.users.UserShow(ctx, claims.Subject)
		if err != nil || user == nil || user.State == "deleted" {
			if err != nil {
				m.logger.Debug("User lookup failed",
					zap.String("subject", claims.Subject),
					zap.Error(err))
			}
			m.deny(w, r.WithContext(ctx), MsgUserNotFound)
			return
		}

		ctx = context.WithValue(ctx, UserKey, user)
		if !user.Sysadmin {
			m.logger.Warn("Non-sysadmin attempted to access importer",
				zap.String("user", user.Name),
				zap.String("path", r.URL.Path))
			m.deny(w, r.WithContext(ctx), MsgSysadminRequired)
			return
		}

		next(w, r.WithContext(ctx))
	}
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, message string) {
	if m.auditor != nil {
		m.auditor.LogAccessDenied(r.Context(), message, ClientIP(r, m.trustedProxies))
	}
	forbidden(w, message)
}

// ClientIP returns the caller address for audit events. X-Forwarded-For is
// only read when the direct peer is a trusted proxy; the hops are walked
// right to left and the first untrusted one is the client.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(host string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// forbidden returns a 403 response with JSON error body.
func forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "forbidden",
		"message": message,
	})
}

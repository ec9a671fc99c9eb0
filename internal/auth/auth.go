// Package auth implements API-key access to the conversion endpoint and
// bearer-token access to the admin endpoints.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

const (
	EventMissingAPIKey = "missing_api_key"
	EventInvalidAPIKey = "invalid_api_key"
	EventInvalidToken  = "invalid_token"
	EventLoginFailed   = "login_failed"
	EventLoginSuccess  = "admin_login"

	roleAdmin = "admin"
)

var (
	ErrInvalidCredentials = util.NewError(util.KindAuth, nil, "Invalid credentials")
	ErrLoginDisabled      = util.NewError(util.KindAuth, nil, "Admin login is not configured")
)

// EventRecorder receives security events; the usage accumulator and the
// alert notifier both implement it.
type EventRecorder interface {
	RecordSecurityEvent(event string)
}

type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// ClaimsFromContext returns the admin claims set by RequireAdmin.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

type Authenticator struct {
	requireKey bool
	keys       []string
	adminUser  string
	adminHash  []byte
	secret     []byte
	ttl        time.Duration
	now        func() time.Time
	events     []EventRecorder
	log        *slog.Logger
}

// New builds an Authenticator from cfg. An empty JWT secret is replaced by a
// random per-process one, so tokens do not survive a restart.
func New(cfg *config.Config, events ...EventRecorder) *Authenticator {
	a := &Authenticator{
		requireKey: cfg.RequireAPIKey,
		keys:       cfg.APIKeys,
		adminUser:  cfg.AdminUsername,
		adminHash:  []byte(cfg.AdminPasswordHash),
		secret:     []byte(cfg.JWTSecret),
		ttl:        config.TokenTTL,
		now:        time.Now,
		events:     events,
		log:        logger.Component("auth"),
	}
	if len(a.secret) == 0 {
		a.secret = randomSecret()
		a.log.Warn("JWT_SECRET not set, using a random secret for this process")
	}
	return a
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("auth: reading random secret: %v", err))
	}
	return []byte(hex.EncodeToString(b))
}

// APIKey rejects requests without a valid key when keys are required. The
// key is read from the X-API-Key header, then the api_key query parameter.
func (a *Authenticator) APIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.requireKey {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" {
			a.Event(r, EventMissingAPIKey, "")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or api_key query parameter",
			})
			return
		}
		if !a.validKey(key) {
			a.Event(r, EventInvalidAPIKey, key)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) validKey(key string) bool {
	ok := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// RequireAdmin accepts only requests carrying a valid admin bearer token.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Access token required"})
			return
		}
		claims, err := a.VerifyToken(raw)
		if err != nil {
			a.Event(r, EventInvalidToken, "")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Login checks the admin credentials and returns a signed token.
func (a *Authenticator) Login(username, password string) (string, error) {
	if len(a.adminHash) == 0 {
		return "", ErrLoginDisabled
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.adminUser)) != 1 {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.adminHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.IssueToken(username)
}

func (a *Authenticator) IssueToken(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		Role:     roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) VerifyToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, util.NewError(util.KindAuth, err, "Invalid or expired token")
	}
	if !token.Valid || claims.Role != roleAdmin {
		return nil, util.NewError(util.KindAuth, errors.New("not an admin token"), "Invalid or expired token")
	}
	return claims, nil
}

// TTL is the lifetime of issued tokens, reported to clients as expiresIn.
func (a *Authenticator) TTL() time.Duration {
	return a.ttl
}

// Event logs a security event and fans it out to the recorders. key is
// masked before it is logged.
func (a *Authenticator) Event(r *http.Request, event, key string) {
	a.log.Warn("security event",
		slog.String("event", event),
		slog.String("ip", ClientIP(r)),
		slog.String("path", r.URL.Path),
		slog.String("user_agent", r.UserAgent()),
		slog.String("api_key", util.MaskKey(key)))
	for _, rec := range a.events {
		rec.RecordSecurityEvent(event)
	}
}

// ClientIP is the request's remote host. chi's RealIP middleware has already
// folded X-Forwarded-For / X-Real-IP into RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

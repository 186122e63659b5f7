package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures the JWT bearer middleware (spec §4.6, env vars in §6:
// AUTH_ENABLED, JWT_SECRET, JWT_ALGORITHM, AUTH_EXCLUDE_PATHS).
type Config struct {
	Enabled      bool
	Algorithm    string // "HS256" or "RS256"
	Secret       string // HMAC shared secret, required for HS256
	PublicKeyPEM string // RSA public key, required for RS256
	ExcludePaths []string
}

// NewMiddleware builds the bearer-JWT middleware described by cfg. When
// cfg.Enabled is false, every request is populated with DemoIdentity and no
// token is parsed. Returns an error if auth is enabled but no usable
// credential material is configured — this must be treated as a fatal
// startup error by the caller (spec §4.6 "fatal startup error").
func NewMiddleware(cfg Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), DemoIdentity)))
			})
		}, nil
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}

	var (
		hmacSecret []byte
		rsaKey     *rsa.PublicKey
	)
	switch alg {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth: JWT_SECRET is required when AUTH_ENABLED and JWT_ALGORITHM=HS256")
		}
		hmacSecret = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKeyPEM == "" {
			return nil, fmt.Errorf("auth: a public key is required when AUTH_ENABLED and JWT_ALGORITHM=RS256")
		}
		block, _ := pem.Decode([]byte(cfg.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("auth: failed to decode PEM block for RS256 public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse RS256 public key: %w", err)
		}
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("auth: configured public key is not RSA")
		}
		rsaKey = key
	default:
		return nil, fmt.Errorf("auth: unsupported JWT_ALGORITHM %q: use HS256 or RS256", alg)
	}

	exclude := make(map[string]struct{}, len(cfg.ExcludePaths))
	for _, p := range cfg.ExcludePaths {
		exclude[p] = struct{}{}
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if hmacSecret == nil {
				return nil, fmt.Errorf("HS256 not configured")
			}
			return hmacSecret, nil
		case "RS256":
			if rsaKey == nil {
				return nil, fmt.Errorf("RS256 not configured")
			}
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := exclude[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeUnauthorized(w, "missing or malformed Authorization header")
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			token, err := jwt.Parse(tokenStr, keyFunc, parserOpts...)
			if err != nil {
				logger.Debug("jwt validation failed", "error", err)
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				writeUnauthorized(w, "invalid token claims")
				return
			}

			tenantID, _ := claims["tenant_id"].(string)
			if tenantID == "" {
				writeUnauthorized(w, "token missing tenant_id claim")
				return
			}

			var roles []string
			if rolesRaw, ok := claims["roles"].([]interface{}); ok {
				for _, role := range rolesRaw {
					if s, ok := role.(string); ok {
						roles = append(roles, s)
					}
				}
			}

			id := Identity{TenantID: tenantID, Roles: roles}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}, nil
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": reason,
	})
}

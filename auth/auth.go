package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "trenches"

// RoleAdmin is the only role admin routes accept.
const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims carries the operator identity of an admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and validates HS256 admin tokens.
type Manager struct {
	secret []byte
	now    func() time.Time
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), now: time.Now}
}

// GenerateToken issues an admin token for subject valid for ttl.
func (m *Manager) GenerateToken(subject string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := &Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a token and checks its signature, expiry and role.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFromContext returns the claims the middleware attached.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Middleware rejects requests without a valid bearer token. The token may
// also be passed as a token query parameter for websocket clients.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		claims, err := m.ValidateToken(token)
		if err != nil {
			writeUnauthorized(w, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("%w: expected a bearer authorization header", ErrMissingToken)
	}
	return parts[1], nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

package admin

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/session-relay/internal/metrics"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminDisabled      = errors.New("admin credential not configured")
	ErrInvalidToken       = errors.New("invalid token")
)

const adminRole = "admin"

// Claims represents the claims in an admin JWT.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks the single shared admin credential and issues tokens
// for it.
type Authenticator struct {
	username string
	password string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func NewAuthenticator(username, password, secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Login returns a signed token when username and password match.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	if a.password == "" {
		metrics.AuthFailures.WithLabelValues("disabled").Inc()
		return "", time.Time{}, ErrAdminDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		UserID: username,
		Role:   adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	metrics.AuthSuccess.Inc()
	return token, expiresAt, nil
}

// Validate parses an admin token and checks its signature, expiry and role.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != adminRole {
		metrics.AuthFailures.WithLabelValues("invalid_claims").Inc()
		return nil, ErrInvalidToken
	}
	return claims, nil
}

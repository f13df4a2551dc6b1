package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingToken     = errors.New("missing bearer token")
)

// ActorHeader names the actor when authentication is disabled.
const ActorHeader = "X-Vgraph-Actor"

// Claims are the JWT claims. The subject is the actor.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 bearer tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
}

// NewTokenService creates a TokenService. An empty key disables
// authentication.
func NewTokenService(signingKey []byte, issuer string) *TokenService {
	return &TokenService{signingKey: signingKey, issuer: issuer}
}

// Enabled reports whether tokens are required.
func (s *TokenService) Enabled() bool {
	return s != nil && len(s.signingKey) > 0
}

// GenerateToken signs a token for subject valid for ttl.
func (s *TokenService) GenerateToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// ValidateToken validates and parses a token.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// actorFor resolves the actor of r.
func (s *TokenService) actorFor(r *http.Request) (string, error) {
	if !s.Enabled() {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			return actor, nil
		}
		return "anonymous", nil
	}
	auth := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenStr == "" {
		return "", ErrMissingToken
	}
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// RequireActor rejects unauthenticated requests and puts the actor into the
// request context.
func (s *TokenService) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.actorFor(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/trip-dispatch/internal/models"
)

// ErrUnauthenticated is returned for a missing, malformed or expired bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the identity service's access token claims. The subject is the
// actor id.
type Claims struct {
	Role     string `json:"role"`
	TenantID int64  `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and turns them into actors.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for the actor. Used by tripctl and tests; production
// tokens come from the identity service.
func (a *Authenticator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role:     actor.Role.String(),
		TenantID: actor.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (models.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return models.Actor{ID: claims.Subject, Role: role, TenantID: claims.TenantID}, nil
}

const actorKey contextKey = "actor"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			s.writeError(w, r, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated))
			return
		}
		actor, err := s.auth.Parse(strings.TrimSpace(h[len("Bearer "):]))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

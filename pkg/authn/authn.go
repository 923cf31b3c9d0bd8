// Package authn resolves the caller identity that the upstream gateway attaches
// to each request. Tenant and session resolution happen upstream; this package
// only reads and checks what arrives.
package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/pkg/httpx"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor-ID"
	HeaderRole   = "X-Actor-Role"
)

type ctxKey struct{}

// Gateway authenticates requests forwarded by the gateway. When a token is
// configured, requests must present it as a bearer token.
type Gateway struct {
	tokenHash string
}

func NewGateway(token string) *Gateway {
	g := &Gateway{}
	if t := strings.TrimSpace(token); t != "" {
		g.tokenHash = hashToken(t)
	}
	return g
}

// Authenticate returns the actor described by the identity headers.
func (g *Gateway) Authenticate(r *http.Request) (domain.Actor, error) {
	if g.tokenHash != "" {
		token, ok := parseBearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(g.tokenHash)) != 1 {
			return domain.Actor{}, ErrUnauthorized
		}
	}
	actor := domain.Actor{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenant)),
		ActorID:  strings.TrimSpace(r.Header.Get(HeaderActor)),
		Role:     domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole)))),
	}
	if !domain.ValidOpaqueID(actor.TenantID) || !domain.ValidOpaqueID(actor.ActorID) || !actor.Role.Valid() {
		return domain.Actor{}, ErrUnauthorized
	}
	return actor, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the actor
// in the request context.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := g.Authenticate(r)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid caller identity", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole admits only the listed roles.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity", nil)
				return
			}
			if !HasRole(actor, roles...) {
				httpx.WriteDomainError(w, domain.ErrForbiddenRole.WithMessage("role %s may not perform this operation", actor.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func HasRole(actor domain.Actor, roles ...domain.Role) bool {
	for _, r := range roles {
		if actor.Role == r {
			return true
		}
	}
	return false
}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(domain.Actor)
	return actor, ok
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Package gatekeeper issues consumer identities and enforces what each
// identity may do. Authentication accepts HMAC-signed JWTs, JWKS-validated
// JWTs from an external issuer, or nothing at all (anonymous participants,
// for single-user localhost deployments).
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/pkg/unified"
)

// Errors returned by the gatekeeper.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// mutatingTypes are the consumer message types that act on the session.
// Everything else is read-only and allowed for any identity.
var mutatingTypes = map[unified.MessageType]bool{
	unified.TypeUserMessage:         true,
	unified.TypeSlashCommand:        true,
	unified.TypeQueueMessage:        true,
	unified.TypeUpdateQueuedMessage: true,
	unified.TypeCancelQueuedMessage: true,
	unified.TypePermissionResponse:  true,
	unified.TypeInterrupt:           true,
	unified.TypeSetModel:            true,
	unified.TypeSetPermissionMode:   true,
	unified.TypeSetAdapter:          true,
	unified.TypeConfigurationChange: true,
}

// Gatekeeper validates consumer credentials and authorizes their messages.
type Gatekeeper struct {
	cfg    config.AuthConfig
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// New builds a gatekeeper. With a JWKS issuer configured the key set is
// fetched eagerly so misconfiguration fails at startup, not per-connection.
func New(cfg config.AuthConfig) (*Gatekeeper, error) {
	g := &Gatekeeper{cfg: cfg, logger: slog.Default().With("component", "gatekeeper")}
	if cfg.JWKSIssuer != "" {
		jwksURL := strings.TrimRight(cfg.JWKSIssuer, "/") + "/.well-known/jwks.json"
		jwks, err := keyfunc.NewDefault([]string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
		}
		g.jwks = jwks
	}
	return g, nil
}

// Authenticate turns a bearer token into an identity. An empty token yields
// an anonymous participant only when no credential source is configured;
// otherwise it is rejected.
func (g *Gatekeeper) Authenticate(ctx context.Context, token string) (unified.Identity, error) {
	if token == "" {
		if g.cfg.JWTSecret == "" && g.jwks == nil {
			return AnonymousIdentity(""), nil
		}
		return unified.Identity{}, ErrUnauthorized
	}

	switch {
	case g.jwks != nil:
		return g.validateJWKS(ctx, token)
	case g.cfg.JWTSecret != "":
		return g.validateHMAC(token)
	default:
		// Credentials offered but none configured; treat as anonymous rather
		// than failing a deployment that never asked for auth.
		return AnonymousIdentity(""), nil
	}
}

func (g *Gatekeeper) validateHMAC(tokenStr string) (unified.Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(g.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return unified.Identity{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return unified.Identity{}, ErrUnauthorized
	}
	return identityFromClaims(claims)
}

func (g *Gatekeeper) validateJWKS(ctx context.Context, tokenStr string) (unified.Identity, error) {
	token, err := jwt.Parse(tokenStr, g.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(g.cfg.JWKSIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return unified.Identity{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return unified.Identity{}, ErrUnauthorized
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (unified.Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return unified.Identity{}, ErrUnauthorized
	}

	name := sub
	switch {
	case claimStr(claims, "username") != "":
		name = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		name = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		name = claimStr(claims, "email")
	}

	role := unified.RoleParticipant
	if claimStr(claims, "role") == unified.RoleObserver {
		role = unified.RoleObserver
	}

	return unified.Identity{UserID: sub, DisplayName: name, Role: role}, nil
}

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Authorize checks whether an identity may send the given message type.
// Observers are read-only; unknown roles are denied everything mutating.
func (g *Gatekeeper) Authorize(id unified.Identity, msgType unified.MessageType) error {
	if !mutatingTypes[msgType] {
		return nil
	}
	if id.Role != unified.RoleParticipant {
		return fmt.Errorf("%w: role %q cannot send %s", ErrForbidden, id.Role, msgType)
	}
	return nil
}

// AnonymousIdentity creates a participant identity with a random user id,
// used when the daemon runs without authentication.
func AnonymousIdentity(displayName string) unified.Identity {
	id := uuid.NewString()
	if displayName == "" {
		displayName = "anonymous-" + id[:8]
	}
	return unified.Identity{
		UserID:      "anon-" + id,
		DisplayName: displayName,
		Role:        unified.RoleParticipant,
	}
}

package gatekeeper

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/pkg/unified"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestAnonymousWhenNoAuthConfigured(t *testing.T) {
	g, err := New(config.AuthConfig{})
	if err != nil {
		t.Fatal(err)
	}

	id, err := g.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if id.Role != unified.RoleParticipant {
		t.Errorf("anonymous role = %q, want participant", id.Role)
	}
	if !strings.HasPrefix(id.UserID, "anon-") {
		t.Errorf("anonymous user id = %q", id.UserID)
	}

	// Two anonymous consumers never collide.
	id2, _ := g.Authenticate(context.Background(), "")
	if id.UserID == id2.UserID {
		t.Error("anonymous identities must be unique")
	}
}

func TestEmptyTokenRejectedWhenAuthConfigured(t *testing.T) {
	g, err := New(config.AuthConfig{JWTSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Authenticate(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestHMACValidToken(t *testing.T) {
	g, err := New(config.AuthConfig{JWTSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}

	token := signToken(t, jwt.MapClaims{
		"sub":      "user-1",
		"username": "alex",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	id, err := g.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "user-1" || id.DisplayName != "alex" {
		t.Errorf("identity = %+v", id)
	}
	if id.Role != unified.RoleParticipant {
		t.Errorf("default role = %q", id.Role)
	}
}

func TestHMACObserverRole(t *testing.T) {
	g, _ := New(config.AuthConfig{JWTSecret: testSecret})
	token := signToken(t, jwt.MapClaims{
		"sub":  "user-2",
		"role": unified.RoleObserver,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	id, err := g.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if id.Role != unified.RoleObserver {
		t.Errorf("role = %q, want observer", id.Role)
	}
}

func TestHMACRejections(t *testing.T) {
	g, _ := New(config.AuthConfig{JWTSecret: testSecret})
	ctx := context.Background()

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.jwt"},
		{"expired", signToken(t, jwt.MapClaims{
			"sub": "user-1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})},
		{"no expiry", signToken(t, jwt.MapClaims{"sub": "user-1"})},
		{"missing sub", signToken(t, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})},
		{"wrong secret", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"sub": "user-1",
				"exp": time.Now().Add(time.Hour).Unix(),
			})
			signed, _ := tok.SignedString([]byte("other-secret"))
			return signed
		}()},
		{"alg none", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
				"sub": "user-1",
				"exp": time.Now().Add(time.Hour).Unix(),
			})
			signed, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
			return signed
		}()},
	}
	for _, tc := range cases {
		if _, err := g.Authenticate(ctx, tc.token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", tc.name, err)
		}
	}
}

func TestAuthorize(t *testing.T) {
	g, _ := New(config.AuthConfig{})
	participant := unified.Identity{UserID: "u1", Role: unified.RoleParticipant}
	observer := unified.Identity{UserID: "u2", Role: unified.RoleObserver}

	mutating := []unified.MessageType{
		unified.TypeUserMessage,
		unified.TypeSlashCommand,
		unified.TypeQueueMessage,
		unified.TypeUpdateQueuedMessage,
		unified.TypeCancelQueuedMessage,
		unified.TypePermissionResponse,
		unified.TypeInterrupt,
		unified.TypeSetModel,
		unified.TypeSetPermissionMode,
		unified.TypeSetAdapter,
		unified.TypeConfigurationChange,
	}
	for _, mt := range mutating {
		if err := g.Authorize(participant, mt); err != nil {
			t.Errorf("participant blocked from %s: %v", mt, err)
		}
		if err := g.Authorize(observer, mt); !errors.Is(err, ErrForbidden) {
			t.Errorf("observer allowed to send %s", mt)
		}
	}

	// Read-only traffic is open to any role.
	if err := g.Authorize(observer, unified.TypeControlRequest); err != nil {
		t.Errorf("observer blocked from non-mutating type: %v", err)
	}

	// Unknown roles are denied by default.
	stranger := unified.Identity{UserID: "u3", Role: "auditor"}
	if err := g.Authorize(stranger, unified.TypeUserMessage); !errors.Is(err, ErrForbidden) {
		t.Error("unknown role allowed to mutate")
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	l := NewRateLimiter(1000, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("message %d within burst denied", i)
		}
	}
	if l.Allow() {
		t.Fatal("message over burst allowed")
	}

	// Tokens refill with time.
	time.Sleep(10 * time.Millisecond)
	if !l.Allow() {
		t.Error("no refill after waiting")
	}
}

func TestRateLimiterCapsAtBurst(t *testing.T) {
	l := NewRateLimiter(1000, 2)
	if !l.Allow() || !l.Allow() {
		t.Fatal("initial burst denied")
	}
	// A long idle period must not bank more than the burst.
	time.Sleep(20 * time.Millisecond)
	if !l.Allow() || !l.Allow() {
		t.Fatal("refilled tokens denied")
	}
	if l.Allow() {
		t.Error("bucket exceeded burst after idle")
	}
}

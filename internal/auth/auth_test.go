package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
)

func newAuthenticator(t *testing.T) *JWTAuthenticator {
	t.Helper()
	a, err := NewJWTAuthenticator([]byte("test-secret"), "modelgate")
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}
	return a
}

func TestAuthenticateRoundTrip(t *testing.T) {
	a := newAuthenticator(t)
	token, err := a.Sign(&Principal{
		ID:            "user-1",
		Organization:  "acme",
		Project:       "search",
		Tier:          "premium",
		Roles:         []string{"developer"},
		AllowedModels: []string{"claude-sonnet-4"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	p, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ID != "user-1" || p.Organization != "acme" || p.Tier != "premium" {
		t.Errorf("principal = %+v", p)
	}
	if len(p.AllowedModels) != 1 || p.AllowedModels[0] != "claude-sonnet-4" {
		t.Errorf("allowed models = %v", p.AllowedModels)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	a := newAuthenticator(t)

	expired, _ := a.Sign(&Principal{ID: "user-1"}, -time.Minute)

	other, _ := NewJWTAuthenticator([]byte("other-secret"), "modelgate")
	wrongKey, _ := other.Sign(&Principal{ID: "user-1"}, time.Hour)

	foreign, _ := NewJWTAuthenticator([]byte("test-secret"), "someone-else")
	wrongIssuer, _ := foreign.Sign(&Principal{ID: "user-1"}, time.Hour)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "modelgate",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noSubjectToken, _ := noSubject.SignedString([]byte("test-secret"))

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIssuer},
		{"no subject", noSubjectToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tc.token)
			if gwerr.KindOf(err) != gwerr.KindUnauthorized {
				t.Errorf("err = %v, want unauthorized", err)
			}
		})
	}
}

func TestAuthenticateRejectsUnsignedAlg(t *testing.T) {
	a := newAuthenticator(t)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "modelgate",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, _ := token.SignedString(jwt.UnsafeAllowNoneSignatureType)

	if _, err := a.Authenticate(context.Background(), signed); err == nil {
		t.Fatal("alg=none token accepted")
	}
}

func TestModelAuthorizer(t *testing.T) {
	az := ModelAuthorizer{}

	open := &Principal{ID: "user-1"}
	if err := az.Authorize(open, "any-model"); err != nil {
		t.Errorf("empty allow list should permit: %v", err)
	}

	scoped := &Principal{ID: "user-2", AllowedModels: []string{"gpt-4o"}}
	if err := az.Authorize(scoped, "gpt-4o"); err != nil {
		t.Errorf("listed model denied: %v", err)
	}
	if err := az.Authorize(scoped, "claude-sonnet-4"); gwerr.KindOf(err) != gwerr.KindUnauthorized {
		t.Errorf("unlisted model allowed: %v", err)
	}

	admin := &Principal{ID: "ops", Roles: []string{RoleAdmin}, AllowedModels: []string{"gpt-4o"}}
	if err := az.Authorize(admin, "claude-sonnet-4"); err != nil {
		t.Errorf("admin bypass failed: %v", err)
	}

	if err := az.Authorize(nil, "gpt-4o"); err == nil {
		t.Error("nil principal allowed")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]*Principal{
		"sk-test-1": {ID: "svc-batch", Tier: "standard"},
	})

	p, err := a.Authenticate(context.Background(), "sk-test-1")
	if err != nil || p.ID != "svc-batch" {
		t.Fatalf("p = %+v, err = %v", p, err)
	}
	if _, err := a.Authenticate(context.Background(), "sk-unknown"); gwerr.KindOf(err) != gwerr.KindUnauthorized {
		t.Errorf("err = %v", err)
	}
}

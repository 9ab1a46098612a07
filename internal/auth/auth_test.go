package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	testKeysOnce sync.Once
	testKeys     *KeyPair
)

func sharedKeys(t *testing.T) *KeyPair {
	t.Helper()
	testKeysOnce.Do(func() {
		kp, err := GenerateKeyPair(DefaultKeyBits)
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		testKeys = kp
	})
	if testKeys == nil {
		t.Fatalf("test keys unavailable")
	}
	return testKeys
}

func newTestAuthority(t *testing.T, opts ...Option) (*Authority, *FileStore) {
	t.Helper()
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	a, err := New(store, sharedKeys(t), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, store
}

func TestCreateAndVerifyClient(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	creds, err := a.CreateClient(ctx, "", "webcam kiosk")
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		t.Fatalf("expected generated credentials, got %+v", creds)
	}
	if !a.VerifyClient(ctx, creds.ClientID, creds.ClientSecret) {
		t.Fatalf("expected valid secret to verify")
	}
	if a.VerifyClient(ctx, creds.ClientID, creds.ClientSecret+"x") {
		t.Fatalf("expected wrong secret to fail")
	}
	if a.VerifyClient(ctx, "client_missing", creds.ClientSecret) {
		t.Fatalf("expected unknown client to fail")
	}
}

func TestCreateClientConflict(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.CreateClient(ctx, "demo_client", "Demo"); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	_, err := a.CreateClient(ctx, "demo_client", "Demo again")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a, _ := newTestAuthority(t)

	tok, err := a.CreateAccessToken("demo_client")
	if err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != DefaultAccessTTL {
		t.Fatalf("unexpected ttl %v", got)
	}
	claims := a.VerifyToken(tok.Value)
	if claims == nil {
		t.Fatalf("expected token to verify, reason=%s", a.Verify(tok.Value).Reason())
	}
	if claims.Subject != "demo_client" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer || claims.TokenType != TokenTypeAccess {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejections(t *testing.T) {
	a, _ := newTestAuthority(t)
	keys := sharedKeys(t)

	past, _ := newTestAuthority(t, WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	expired, err := past.CreateAccessToken("demo_client")
	if err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}

	otherIssuer, _ := newTestAuthority(t, WithIssuer("someone-else"))
	wrongIssuer, err := otherIssuer.CreateAccessToken("demo_client")
	if err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}

	otherKeys, err := GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	otherStore, err := OpenFileStore(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	foreign, err := New(otherStore, otherKeys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	foreignTok, err := foreign.CreateAccessToken("demo_client")
	if err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}

	rs512, _ := newTestAuthority(t, WithAlgorithm("RS512"))
	wrongAlg, err := rs512.CreateAccessToken("demo_client")
	if err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}

	now := time.Now()
	refresh := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		TokenType: "refresh_token",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "demo_client",
			Issuer:    DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	wrongType, err := refresh.SignedString(keys.Private)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		TokenType:        TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "demo_client", Issuer: DefaultIssuer},
	})
	missingExp, err := noExp.SignedString(keys.Private)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		reason Reason
	}{
		{"empty", "", ReasonMissing},
		{"whitespace", "   ", ReasonMissing},
		{"garbage", "definitely-not-a-jwt", ReasonMalformed},
		{"three dots of garbage", "a.b.c", ReasonMalformed},
		{"expired", expired.Value, ReasonExpired},
		{"wrong issuer", wrongIssuer.Value, ReasonWrongIssuer},
		{"different key", foreignTok.Value, ReasonBadSignature},
		{"disallowed algorithm", wrongAlg.Value, ReasonBadSignature},
		{"wrong token type", wrongType, ReasonWrongType},
		{"missing expiry", missingExp, ReasonMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := a.Verify(tc.token)
			if v.OK() {
				t.Fatalf("expected rejection")
			}
			if v.Reason() != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, v.Reason())
			}
			if a.VerifyToken(tc.token) != nil {
				t.Fatalf("VerifyToken must return nil")
			}
		})
	}
}

func TestAuthenticateRequiresRegisteredClient(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	creds, err := a.CreateClient(ctx, "demo_client", "Demo")
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	tok, err := a.IssueToken(ctx, creds.ClientID, creds.ClientSecret)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if v := a.Authenticate(ctx, tok.Value); !v.OK() {
		t.Fatalf("expected authenticate to pass, reason=%s", v.Reason())
	}

	deleted, err := a.DeleteClient(ctx, creds.ClientID)
	if err != nil || !deleted {
		t.Fatalf("DeleteClient: %v %v", deleted, err)
	}
	if v := a.Authenticate(ctx, tok.Value); v.Reason() != ReasonUnknownClient {
		t.Fatalf("expected unknown_client, got %q", v.Reason())
	}
	if a.VerifyToken(tok.Value) == nil {
		t.Fatalf("signature-only verification should still pass until expiry")
	}
}

func TestIssueTokenRejectsBadSecret(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()
	creds, err := a.CreateClient(ctx, "", "")
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := a.IssueToken(ctx, creds.ClientID, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDeleteAndListClients(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		if _, err := a.CreateClient(ctx, id, id+" app"); err != nil {
			t.Fatalf("CreateClient(%s): %v", id, err)
		}
	}
	clients, err := a.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(clients) != 2 || clients["alpha"].ClientName != "alpha app" {
		t.Fatalf("unexpected clients %+v", clients)
	}

	ok, err := a.DeleteClient(ctx, "alpha")
	if err != nil || !ok {
		t.Fatalf("DeleteClient: %v %v", ok, err)
	}
	ok, err = a.DeleteClient(ctx, "alpha")
	if err != nil || ok {
		t.Fatalf("second delete should report false, got %v %v", ok, err)
	}
	clients, _ = a.ListClients(ctx)
	if _, exists := clients["alpha"]; exists {
		t.Fatalf("alpha should be gone")
	}
}

func TestJWKSVerifiesMintedTokens(t *testing.T) {
	a, _ := newTestAuthority(t)

	kf, err := keyfunc.NewJWKSetJSON(a.JWKS())
	if err != nil {
		t.Fatalf("keyfunc.NewJWKSetJSON: %v", err)
	}
	tok, err := a.CreateAccessToken("demo_client")
	if err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tok.Value, claims, kf.Keyfunc)
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not verify against published JWKS: %v", err)
	}
	if parsed.Header["kid"] != sharedKeys(t).KeyID {
		t.Fatalf("unexpected kid %v", parsed.Header["kid"])
	}
}

func TestWithAlgorithmRejectsUnknown(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if _, err := New(store, sharedKeys(t), WithAlgorithm("HS256")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithClaims(context.Background(), &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "demo_client"}})
	if got := ClientIDFromContext(ctx); got != "demo_client" {
		t.Fatalf("unexpected client id %q", got)
	}
	if got := ClientIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty client id, got %q", got)
	}
	if _, ok := ClaimsFromContext(ContextWithClaims(context.Background(), nil)); ok {
		t.Fatalf("nil claims must not be attached")
	}
}

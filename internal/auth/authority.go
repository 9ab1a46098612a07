package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultIssuer    = "facegate"
	DefaultAccessTTL = 60 * time.Minute

	clientIDPrefix = "client_"
)

var supportedAlgorithms = map[string]jwt.SigningMethod{
	"RS256": jwt.SigningMethodRS256,
	"RS384": jwt.SigningMethodRS384,
	"RS512": jwt.SigningMethodRS512,
}

// Authority issues and verifies access tokens for registered clients.
type Authority struct {
	store  ClientStore
	keys   *KeyPair
	now    func() time.Time
	logger *zap.Logger

	issuer    string
	accessTTL time.Duration
	method    jwt.SigningMethod
	parser    *jwt.Parser
	jwks      json.RawMessage
	metrics   Metrics
}

// Metrics receives token outcomes. Implemented by obs.
type Metrics interface {
	TokenIssued()
	TokenVerified(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) TokenIssued()         {}
func (nopMetrics) TokenVerified(string) {}

// Option configures Authority behavior.
type Option func(*Authority) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(a *Authority) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			a.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(a *Authority) error {
		if ttl > 0 {
			a.accessTTL = ttl
		}
		return nil
	}
}

// WithAlgorithm selects the signing algorithm (RS256, RS384 or RS512).
func WithAlgorithm(alg string) Option {
	return func(a *Authority) error {
		alg = strings.ToUpper(strings.TrimSpace(alg))
		if alg == "" {
			return nil
		}
		m, ok := supportedAlgorithms[alg]
		if !ok {
			return fmt.Errorf("%w: unsupported signing algorithm %q", ErrInvalidInput, alg)
		}
		a.method = m
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Authority) error {
		if fn != nil {
			a.now = fn
		}
		return nil
	}
}

// WithLogger attaches a logger for client administration events.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authority) error {
		if l != nil {
			a.logger = l
		}
		return nil
	}
}

// WithMetrics attaches token counters.
func WithMetrics(m Metrics) Option {
	return func(a *Authority) error {
		if m != nil {
			a.metrics = m
		}
		return nil
	}
}

// New constructs an Authority backed by store and signing with keys.
func New(store ClientStore, keys *KeyPair, opts ...Option) (*Authority, error) {
	if store == nil {
		return nil, errors.New("auth: client store is required")
	}
	if keys == nil || keys.Private == nil || keys.Public == nil {
		return nil, ErrKeyMaterial
	}
	a := &Authority{
		store:     store,
		keys:      keys,
		now:       time.Now,
		logger:    zap.NewNop(),
		issuer:    DefaultIssuer,
		accessTTL: DefaultAccessTTL,
		method:    jwt.SigningMethodRS256,
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	jwks, err := buildJWKS(keys, a.method.Alg())
	if err != nil {
		return nil, err
	}
	a.jwks = jwks
	return a, nil
}

// Issuer returns the iss claim stamped on minted tokens.
func (a *Authority) Issuer() string { return a.issuer }

// AccessTTL returns the lifetime of minted tokens.
func (a *Authority) AccessTTL() time.Duration { return a.accessTTL }

// CreateClient registers a new client and returns its credentials. The plain
// secret is only ever available in the returned value.
func (a *Authority) CreateClient(ctx context.Context, id, name string) (ClientCredentials, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = clientIDPrefix + uuid.NewString()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	secret, err := generateSecret()
	if err != nil {
		return ClientCredentials{}, fmt.Errorf("auth: generate secret: %w", err)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return ClientCredentials{}, fmt.Errorf("auth: hash secret: %w", err)
	}
	client := &Client{
		ID:         id,
		SecretHash: hash,
		Name:       name,
		CreatedAt:  a.now().UTC(),
	}
	if err := a.store.Create(ctx, client); err != nil {
		return ClientCredentials{}, err
	}
	a.logger.Info("client created", zap.String("client_id", id))
	return ClientCredentials{
		ClientID:     client.ID,
		ClientSecret: secret,
		ClientName:   client.Name,
		CreatedAt:    client.CreatedAt,
	}, nil
}

// VerifyClient reports whether secret belongs to the client id. Unknown ids and
// wrong secrets are indistinguishable to the caller.
func (a *Authority) VerifyClient(ctx context.Context, id, secret string) bool {
	client, err := a.store.Find(ctx, id)
	if err != nil || client == nil {
		burnComparison(secret)
		return false
	}
	return VerifySecret(client.SecretHash, secret) == nil
}

// CreateAccessToken mints a signed access token for the client id.
func (a *Authority) CreateAccessToken(clientID string) (Token, error) {
	if strings.TrimSpace(clientID) == "" {
		return Token{}, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	now := a.now().UTC().Truncate(time.Second)
	exp := now.Add(a.accessTTL)
	claims := &Claims{
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(a.method, claims)
	token.Header["kid"] = a.keys.KeyID
	signed, err := token.SignedString(a.keys.Private)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	a.metrics.TokenIssued()
	return Token{Value: signed, IssuedAt: now, ExpiresAt: exp}, nil
}

// IssueToken runs the client_credentials grant: verify the secret then mint.
func (a *Authority) IssueToken(ctx context.Context, clientID, secret string) (Token, error) {
	if !a.VerifyClient(ctx, clientID, secret) {
		return Token{}, ErrUnauthorized
	}
	return a.CreateAccessToken(clientID)
}

// DeleteClient removes a client. It reports false when the id was unknown.
func (a *Authority) DeleteClient(ctx context.Context, id string) (bool, error) {
	err := a.store.Delete(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	a.logger.Info("client deleted", zap.String("client_id", id))
	return true, nil
}

// ListClients returns every registered client keyed by id, without secrets.
func (a *Authority) ListClients(ctx context.Context) (map[string]ClientInfo, error) {
	clients, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ClientInfo, len(clients))
	for _, c := range clients {
		out[c.ID] = c.Info()
	}
	return out, nil
}

// JWKS returns the public key set in JSON form.
func (a *Authority) JWKS() json.RawMessage {
	return a.jwks
}

// Ping checks the client store.
func (a *Authority) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}

func buildJWKS(keys *KeyPair, alg string) (json.RawMessage, error) {
	jwk, err := jwkset.NewJWKFromKey(keys.Public, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.ALG(alg),
			KID: keys.KeyID,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build jwk: %v", ErrKeyMaterial, err)
	}
	storage := jwkset.NewMemoryStorage()
	ctx := context.Background()
	if err := storage.KeyWrite(ctx, jwk); err != nil {
		return nil, fmt.Errorf("%w: store jwk: %v", ErrKeyMaterial, err)
	}
	raw, err := storage.JSONPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal jwks: %v", ErrKeyMaterial, err)
	}
	return raw, nil
}

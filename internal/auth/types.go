package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAccess is the only token_type this service mints or accepts.
const TokenTypeAccess = "access_token"

// Client is a registered caller identity. The secret is never stored in plain text.
type Client struct {
	ID         string
	SecretHash string
	Name       string
	CreatedAt  time.Time
}

// Info returns the client without its secret hash.
func (c Client) Info() ClientInfo {
	return ClientInfo{ClientID: c.ID, ClientName: c.Name, CreatedAt: c.CreatedAt}
}

// ClientInfo is the public view of a client used by listings.
type ClientInfo struct {
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClientCredentials is returned exactly once, when a client is created.
type ClientCredentials struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	ClientName   string    `json:"client_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Token is a signed access token along with its validity window.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims represents the JWT claims carried by access tokens.
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// ClientID returns the subject the token was minted for.
func (c *Claims) ClientID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

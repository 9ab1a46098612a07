package auth

import "context"

// ClientStore persists registered clients.
//
// Create must fail with ErrAlreadyExists when the id is taken; Find and Delete
// report ErrNotFound for unknown ids.
type ClientStore interface {
	Create(ctx context.Context, c *Client) error
	Find(ctx context.Context, id string) (*Client, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Client, error)
	Ping(ctx context.Context) error
}

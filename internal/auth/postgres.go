package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ ClientStore = (*PGStore)(nil)

const uniqueViolation = "23505"

// PGStore implements ClientStore using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, c *Client) error {
	if c == nil || c.ID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx,
		`insert into oauth_clients(client_id, secret_hash, client_name, created_at) values($1,$2,$3,$4)`,
		c.ID, c.SecretHash, c.Name, c.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`select client_id, secret_hash, client_name, created_at from oauth_clients where client_id=$1`, id,
	)
	var c Client
	if err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from oauth_clients where client_id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`select client_id, secret_hash, client_name, created_at from oauth_clients order by created_at asc, client_id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.SecretHash, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, &c)
	}
	return res, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var _ ClientStore = (*FileStore)(nil)

type fileRecord struct {
	ClientSecretHash string    `json:"client_secret_hash"`
	ClientName       string    `json:"client_name"`
	CreatedAt        time.Time `json:"created_at"`
}

// FileStore keeps clients in a single JSON document mapping
// client_id -> {client_secret_hash, client_name, created_at}.
type FileStore struct {
	path string

	mu      sync.RWMutex
	clients map[string]fileRecord
}

// OpenFileStore loads path, treating a missing file as an empty registry.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, clients: map[string]fileRecord{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("auth: read client registry: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.clients); err != nil {
		return nil, fmt.Errorf("auth: decode client registry: %w", err)
	}
	return s, nil
}

func (s *FileStore) Create(_ context.Context, c *Client) error {
	if c == nil || c.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return ErrAlreadyExists
	}
	s.clients[c.ID] = fileRecord{ClientSecretHash: c.SecretHash, ClientName: c.Name, CreatedAt: c.CreatedAt}
	if err := s.flushLocked(); err != nil {
		delete(s.clients, c.ID)
		return err
	}
	return nil
}

func (s *FileStore) Find(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.client(id), nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.clients, id)
	if err := s.flushLocked(); err != nil {
		s.clients[id] = rec
		return err
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for id, rec := range s.clients {
		out = append(out, rec.client(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping verifies the registry directory is still reachable.
func (s *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// flushLocked rewrites the registry through a temp file and rename.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.clients, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode client registry: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("auth: create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".clients-*.json")
	if err != nil {
		return fmt.Errorf("auth: write client registry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: write client registry: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: write client registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: write client registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("auth: write client registry: %w", err)
	}
	return nil
}

func (r fileRecord) client(id string) *Client {
	return &Client{ID: id, SecretHash: r.ClientSecretHash, Name: r.ClientName, CreatedAt: r.CreatedAt}
}

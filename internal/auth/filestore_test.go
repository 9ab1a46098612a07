package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clients.json")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.Create(ctx, &Client{ID: "demo_client", SecretHash: "$2a$hash", Name: "Demo", CreatedAt: created}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, &Client{ID: "demo_client"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"demo_client"`) || !strings.Contains(string(raw), "client_secret_hash") {
		t.Fatalf("unexpected registry document: %s", raw)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	c, err := reopened.Find(ctx, "demo_client")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if c.Name != "Demo" || !c.CreatedAt.Equal(created) || c.SecretHash != "$2a$hash" {
		t.Fatalf("unexpected client %+v", c)
	}

	if err := reopened.Delete(ctx, "demo_client"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := reopened.Delete(ctx, "demo_client"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := reopened.Find(ctx, "demo_client"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreListOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		if err := s.Create(ctx, &Client{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, c := range list {
		got = append(got, c.ID)
	}
	if strings.Join(got, ",") != "c,a,b" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestOpenFileStoreRejectsCorruptRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"facegate.org/internal/auth"
	"facegate.org/internal/config"
)

const usageText = `usage: %s <command> [flags]

commands:
  create-client  -id <client_id> -name <name>
  delete-client  -id <client_id>
  list-clients
  mint-token     -id <client_id>
  verify-token   -token <jwt>

every command accepts -config <path>
`

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a config file")
	id := fs.String("id", "", "Client id")
	name := fs.String("name", "", "Client display name")
	token := fs.String("token", "", "Access token to verify")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	authority, closeFn, err := openAuthority(*configPath)
	if err != nil {
		fail(err)
	}
	defer func() { _ = closeFn() }()

	switch cmd {
	case "create-client":
		creds, err := authority.CreateClient(ctx, *id, *name)
		if err != nil {
			fail(fmt.Errorf("create client: %w", err))
		}
		printJSON(creds)
		fmt.Fprintln(os.Stderr, "store client_secret now; it cannot be shown again")
	case "delete-client":
		if *id == "" {
			usage()
		}
		deleted, err := authority.DeleteClient(ctx, *id)
		if err != nil {
			fail(fmt.Errorf("delete client: %w", err))
		}
		if !deleted {
			fail(fmt.Errorf("client %q not found", *id))
		}
		fmt.Printf("deleted %s\n", *id)
	case "list-clients":
		clients, err := authority.ListClients(ctx)
		if err != nil {
			fail(fmt.Errorf("list clients: %w", err))
		}
		printJSON(clients)
	case "mint-token":
		if *id == "" {
			usage()
		}
		tok, err := authority.CreateAccessToken(*id)
		if err != nil {
			fail(fmt.Errorf("mint token: %w", err))
		}
		printJSON(map[string]any{
			"access_token": tok.Value,
			"token_type":   "Bearer",
			"expires_at":   tok.ExpiresAt.Format(time.RFC3339),
		})
	case "verify-token":
		if *token == "" {
			usage()
		}
		v := authority.Authenticate(ctx, *token)
		if !v.OK() {
			fail(fmt.Errorf("token rejected: %s", v.Reason()))
		}
		c := v.Claims()
		printJSON(map[string]any{
			"valid":      true,
			"client_id":  c.ClientID(),
			"issuer":     c.Issuer,
			"issued_at":  c.IssuedAt.Time.UTC().Format(time.RFC3339),
			"expires_at": c.ExpiresAt.Time.UTC().Format(time.RFC3339),
		})
	default:
		usage()
	}
}

func openAuthority(configPath string) (*auth.Authority, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	keys, err := auth.LoadOrCreateKeyPair(cfg.Keys.Dir, cfg.Keys.Bits)
	if err != nil {
		return nil, nil, fmt.Errorf("load signing keys: %w", err)
	}

	var (
		store   auth.ClientStore
		closeFn = func() error { return nil }
	)
	if cfg.Clients.DSN != "" {
		db, err := sql.Open("pgx", cfg.Clients.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		store, closeFn = auth.NewPGStore(db), db.Close
	} else {
		fileStore, err := auth.OpenFileStore(cfg.Clients.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open client registry: %w", err)
		}
		store = fileStore
	}

	authority, err := auth.New(store, keys,
		auth.WithIssuer(cfg.Token.Issuer),
		auth.WithAccessTTL(cfg.Token.TTL),
		auth.WithAlgorithm(cfg.Token.Algorithm),
	)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return authority, closeFn, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "facegate-admin: %v\n", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, usageText, os.Args[0])
	os.Exit(2)
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"facegate.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("FACEGATE_CLIENTS_DSN"), "PostgreSQL DSN")
		dir   = flag.String("dir", "", "Directory of SQL migrations (defaults to the embedded schema)")
		table = flag.String("table", "", "Bookkeeping table (default schema_migrations)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or FACEGATE_CLIENTS_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var files fs.FS
	if *dir != "" {
		files = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, files, migrate.WithMigrationsTable(*table))

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

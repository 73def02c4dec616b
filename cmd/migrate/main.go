package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"GridClear/internal/persistence"
)

const usage = `Usage: migrate <up|down|version>
  up      - apply all pending migrations
  down    - roll back the last migration
  version - print the current schema version

Environment:
  GRID_POSTGRES_URL    - Postgres connection string (required)
  GRID_MIGRATIONS_DIR  - path to migrations directory (default: migrations)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	cmd := os.Args[1]

	_ = godotenv.Load()

	pgURL := envOr("GRID_POSTGRES_URL", "postgres://localhost:5432/gridclear?sslmode=disable")
	dir := envOr("GRID_MIGRATIONS_DIR", "migrations")

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	switch cmd {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "version":
		v, err := migrator.Version(ctx)
		if err != nil {
			log.Fatalf("FATAL: read version: %v", err)
		}
		if v == "" {
			v = "none"
		}
		fmt.Println(v)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", cmd, usage)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

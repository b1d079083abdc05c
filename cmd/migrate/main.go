package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"authvault.org/internal/migrate"
	"authvault.org/internal/store/pg"
)

func main() {
	migrationsDir := flag.String("migrations", "db/migrations", "directory with *.up.sql/*.down.sql files")
	seedsDir := flag.String("seeds", "db/seeds", "directory with seed *.sql files")
	flag.Parse()

	dsn := os.Getenv("AUTHVAULT_PG_DSN")
	if dsn == "" {
		log.Fatal("AUTHVAULT_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mgr := migrate.NewManager(store.DB(), *migrationsDir, *seedsDir)

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var applied []string
		applied, err = mgr.Status(ctx)
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		log.Fatalf("unknown command %q (want up, down, seed, or status)", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

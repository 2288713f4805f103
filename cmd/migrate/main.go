package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"database/sql"
)

func main() {
	dbDSN := flag.String("db-dsn", os.Getenv("DATABASE_URL"), "Database DSN")
	migrationsPath := flag.String("migrations-path", "file://migrations", "Path to migrations directory")
	flag.Parse()

	if *dbDSN == "" {
		log.Fatal("DATABASE_URL environment variable or -db-dsn flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	db, err := sql.Open("postgres", *dbDSN)
	if err != nil {
		log.Fatal("cannot connect to database: ", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal("cannot create database driver: ", err)
	}

	m, err := migrate.NewWithDatabaseInstance(*migrationsPath, "postgres", driver)
	if err != nil {
		log.Fatal("cannot create migrator: ", err)
	}

	switch command {
	case "up":
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration up failed: ", err)
		}
		fmt.Println("migrations applied")
	case "down":
		steps := 1
		if len(args) > 1 {
			_, _ = fmt.Sscanf(args[1], "%d", &steps)
		}
		err = m.Steps(-steps)
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration down failed: ", err)
		}
		fmt.Printf("rolled back %d steps\n", steps)
	case "goto":
		if len(args) < 2 {
			log.Fatal("goto requires a version number")
		}
		var version uint
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			log.Fatal("invalid version number: ", err)
		}
		err = m.Migrate(version)
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration goto failed: ", err)
		}
		fmt.Printf("migrated to version %d\n", version)
	case "force":
		if len(args) < 2 {
			log.Fatal("force requires a version number")
		}
		var version int
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			log.Fatal("invalid version number: ", err)
		}
		if err := m.Force(version); err != nil {
			log.Fatal("force version failed: ", err)
		}
		fmt.Printf("forced version to %d (no migrations executed)\n", version)
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatal("cannot get version: ", err)
		}
		fmt.Printf("version: %d, dirty: %t\n", version, dirty)
	case "drop":
		if err := m.Drop(); err != nil {
			log.Fatal("drop failed: ", err)
		}
		fmt.Println("all migrations dropped")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: migrate [options] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up           Apply all migrations")
	fmt.Println("  down [n]     Rollback n migrations (default: 1)")
	fmt.Println("  goto <v>     Migrate to specific version (up or down)")
	fmt.Println("  force <v>    Force version without running migrations")
	fmt.Println("  version      Show current migration version")
	fmt.Println("  drop         Drop all migrations (DANGER)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -db-dsn string           Database DSN (or DATABASE_URL env var)")
	fmt.Println("  -migrations-path string  Path to migrations (default: file://migrations)")
}

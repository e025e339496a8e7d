package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Снимает флаг dirty после неудачной миграции, принудительно выставляя версию схемы.
//
//	DATABASE_DSN="host=localhost port=5432 user=postgres password=... dbname=candy sslmode=disable" \
//	  go run ./cmd/fix-db -version 1
func main() {
	version := flag.Int("version", -1, "версия схемы, которую нужно выставить (последняя успешно примененная)")
	dsn := flag.String("dsn", os.Getenv("DATABASE_DSN"), "строка подключения к PostgreSQL (по умолчанию DATABASE_DSN)")
	source := flag.String("migrations", "file://migrations", "источник миграций")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DSN is required: set DATABASE_DSN or pass -dsn")
	}
	if *version < 0 {
		log.Fatal("-version is required")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal(err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal(err)
	}

	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatal(err)
	}

	current, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		log.Fatalf("Failed to read current version: %v", err)
	}
	fmt.Printf("Current version: %d (dirty: %t). Forcing version %d...\n", current, dirty, *version)

	if err := m.Force(*version); err != nil {
		log.Fatalf("Failed to force version: %v", err)
	}

	fmt.Println("Success! Dirty state cleaned. You can now run the app normally.")
}

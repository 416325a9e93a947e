// ABOUTME: Schema migration utility for the pmcrm database
// ABOUTME: Applies embedded migrations with optional backup and dry-run reporting

package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prokopsimek/pmcrm-sub000/db"
)

func main() {
	dbPath := flag.String("db", "", "Path to database file (required)")
	dryRun := flag.Bool("dry-run", false, "Show the current schema version without migrating")
	backup := flag.Bool("backup", true, "Create backup before migration")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("Error: -db flag is required")
	}

	if err := migrate(*dbPath, *dryRun, *backup); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func migrate(dbPath string, dryRun, createBackup bool) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database file does not exist: %s", dbPath)
	}

	if createBackup && !dryRun {
		backupPath := fmt.Sprintf("%s.backup.%s", dbPath, time.Now().Format("20060102-150405"))
		log.Printf("Creating backup: %s", backupPath)

		input, err := os.ReadFile(dbPath)
		if err != nil {
			return fmt.Errorf("failed to read database: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = database.Close() }()
	database.SetMaxOpenConns(1)

	before, dirty, err := db.SchemaVersion(database)
	if err != nil {
		return err
	}
	log.Printf("Current schema version: %d (dirty=%t)", before, dirty)
	if dirty {
		return fmt.Errorf("schema version %d is dirty; restore a backup before migrating", before)
	}
	if dryRun {
		log.Println("Dry run: no changes made")
		return nil
	}

	if err := db.Migrate(database); err != nil {
		return err
	}
	after, _, err := db.SchemaVersion(database)
	if err != nil {
		return err
	}
	if after == before {
		log.Println("Schema already up to date")
		return nil
	}
	log.Printf("Migrated schema %d -> %d", before, after)
	return nil
}

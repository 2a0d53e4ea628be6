// Command loom-migrate applies pending opstore/docstore schema
// migrations to an existing data directory, taking a backup of each
// database file first.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/opstore"
)

var (
	dataDir = flag.String("data-dir", "./loom-data", "Node data directory")
	dryRun  = flag.Bool("dry-run", false, "Report pending migrations without applying them")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Loom Schema Migration Tool")
	log.Println("==========================")

	opsPath := filepath.Join(*dataDir, "ops.db")
	docsPath := filepath.Join(*dataDir, "docs.db")

	if err := migrateOpstore(opsPath); err != nil {
		log.Fatalf("operation store migration failed: %v", err)
	}
	if err := migrateDocstore(docsPath); err != nil {
		log.Fatalf("document store migration failed: %v", err)
	}

	log.Println("\n✓ Migration check complete.")
}

func migrateOpstore(path string) error {
	if err := backup(path); err != nil {
		return err
	}
	if *dryRun {
		log.Printf("[dry run] would open %s (target schema version %d)", path, opstore.CurrentSchemaVersion)
		return nil
	}
	store, err := opstore.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Printf("%s: schema version %d (target %d)", path, version, opstore.CurrentSchemaVersion)
	return nil
}

func migrateDocstore(path string) error {
	if err := backup(path); err != nil {
		return err
	}
	if *dryRun {
		log.Printf("[dry run] would open %s (target schema version %d)", path, docstore.CurrentSchemaVersion)
		return nil
	}
	store, err := docstore.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Printf("%s: schema version %d (target %d)", path, version, docstore.CurrentSchemaVersion)
	return nil
}

// backup copies an existing database file to path+".backup" before it
// is opened and migrated in place. A database that does not yet exist
// (a brand-new data directory) has nothing to back up, and a dry run
// writes nothing.
func backup(path string) error {
	if *dryRun {
		return nil
	}
	input, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	backupPath := path + ".backup"
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return fmt.Errorf("write backup %s: %w", backupPath, err)
	}
	log.Printf("backed up %s -> %s", path, backupPath)
	return nil
}

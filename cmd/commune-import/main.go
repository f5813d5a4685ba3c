// Command commune-import is the bulk-import convenience wrapper SPEC_FULL.md
// adds: it reads newline-delimited raw credentials from stdin or a file and
// drives the same Store.Create + Request Validator "validate for import"
// path auto-enrollment would use, without adding any pool-mutation policy of
// its own. Grounded on the teacher's cmd/storageutil/main.go (a thin CLI
// over the same storage package the server uses).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"commune/internal/config"
	"commune/internal/credential"
	"commune/internal/encryption"
	"commune/internal/events"
	"commune/internal/storage"
	"commune/internal/storage/boltstore"
	"commune/internal/storage/postgres"
	"commune/internal/storage/redisstore"
	"commune/internal/validator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	inputPath := flag.String("file", "", "Path to newline-delimited credential file (default: stdin)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage backend: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	key, err := encryption.LoadKey(os.Getenv("ENCRYPTION_KEY"), cfg.EncryptionKey, cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load encryption key: %v\n", err)
		os.Exit(1)
	}
	box, err := encryption.New(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init encryption: %v\n", err)
		os.Exit(1)
	}

	store := credential.NewStore(backend, box, events.NewHub(), cfg.Database.MaxKeys)

	input := os.Stdin
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open input file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		input = f
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(input)
	imported, skipped := 0, 0
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if result := validator.ValidateForImport(raw); !result.OK {
			fmt.Fprintf(os.Stderr, "skip: %s\n", result.Reason)
			skipped++
			continue
		}
		if _, err := store.Create(ctx, raw); err != nil {
			fmt.Fprintf(os.Stderr, "skip: %v\n", err)
			skipped++
			continue
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("imported %d credential(s), skipped %d\n", imported, skipped)
}

func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.Open(cfg.Database.DSN)
	case "redis":
		return redisstore.Open(cfg.Database.Addr, cfg.Database.Password, cfg.Database.DB, cfg.Database.Prefix)
	default:
		return boltstore.Open(cfg.Database.Path)
	}
}

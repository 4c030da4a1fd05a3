// cmd/strata/main.go
//
// Strata CLI - minimal maintenance shell for a Strata data directory.
//
// Usage:
//
//	strata <data-dir> [stats|snapshot|compact]
//
// stats (default) prints store statistics; snapshot seals a snapshot;
// compact runs WAL-only compaction.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"strata/pkg/durability"
	"strata/pkg/engine"
	"strata/pkg/search"
	"strata/pkg/vector"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: strata <data-dir> [stats|snapshot|compact]")
		os.Exit(2)
	}
	dataDir := os.Args[1]
	command := "stats"
	if len(os.Args) > 2 {
		command = os.Args[2]
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	vector.RegisterRecovery(vector.DefaultFactory())
	search.RegisterRecovery()

	db, err := engine.Open(dataDir, engine.Options{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch command {
	case "stats":
		stats := db.Stats()
		fmt.Printf("shards:   %d\n", stats.Shards)
		fmt.Printf("branches: %d\n", stats.Branches)
		fmt.Printf("chains:   %d\n", stats.Chains)
		fmt.Printf("versions: %d\n", stats.Versions)
		fmt.Printf("version:  %d\n", stats.CurrentVersion)
		if size, err := db.WALSize(); err == nil {
			fmt.Printf("wal:      %d bytes\n", size)
		}
	case "snapshot":
		id, err := db.CreateSnapshot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot %d created\n", id)
	case "compact":
		info, err := db.Compact(durability.CompactWALOnly, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error compacting: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reclaimed %d bytes\n", info.ReclaimedBytes)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
	}
}

// Command sombractl est un outil d'exploitation en ligne de commande pour une base
// Sombra : c'est un collaborateur externe de la bibliothèque, pas un composant du
// moteur — il ouvre la base comme n'importe quel programme appelant le ferait.
//
// Usage: sombractl -db path/to/graph.db <subcommand>
//
// Subcommands:
//
//	stats    — affiche les compteurs de performance courants (§4.10)
//	health   — affiche le statut de santé dérivé (Healthy/Degraded/Unhealthy)
//	checkpoint — force un checkpoint explicite
//	verify   — vérifie l'intégrité des pages et des index (lecture seule)
//	vacuum   — checkpointe puis rapporte l'espace récupérable dans le freelist
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/maskdotdev/sombra/metrics"
	"github.com/maskdotdev/sombra/sombra"
)

func main() {
	dbPath := flag.String("db", "sombra.db", "database file path")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: sombractl -db path/to/graph.db <stats|health|checkpoint|verify|vacuum>")
		os.Exit(2)
	}

	db, err := sombra.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch flag.Arg(0) {
	case "stats":
		runStats(db)
	case "health":
		runHealth(db)
	case "checkpoint":
		runCheckpoint(db)
	case "verify":
		runVerify(db)
	case "vacuum":
		runVacuum(db)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", flag.Arg(0))
		os.Exit(2)
	}
}

func runStats(db *sombra.DB) {
	snap := db.MetricsSnapshot()
	fmt.Printf("cache hits:        %d\n", snap.CacheHits)
	fmt.Printf("cache misses:      %d\n", snap.CacheMisses)
	fmt.Printf("evictions:         %d\n", snap.Evictions)
	fmt.Printf("wal bytes written: %d\n", snap.WALBytesWritten)
	fmt.Printf("commits:           %d\n", snap.Commits)
	fmt.Printf("commit p50:        %s\n", snap.P50CommitLatency)
	fmt.Printf("commit p95:        %s\n", snap.P95CommitLatency)
	fmt.Printf("commit p99:        %s\n", snap.P99CommitLatency)
	fmt.Printf("since checkpoint:  %s\n", snap.SinceLastCheckpoint)
}

func runHealth(db *sombra.DB) {
	h := db.Health()
	fmt.Printf("status: %s\n", h.Status)
	for _, reason := range h.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	if h.Status != metrics.Healthy {
		os.Exit(1)
	}
}

func runCheckpoint(db *sombra.DB) {
	if err := db.Checkpoint(); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("checkpoint complete")
}

func runVerify(db *sombra.DB) {
	report, err := db.VerifyIntegrity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pages scanned:        %d\n", report.PagesScanned)
	fmt.Printf("corrupt pages:        %d\n", report.CorruptPages)
	fmt.Printf("orphan index entries: %d\n", report.OrphanIndexEntries)
	fmt.Printf("dangling edges:       %d\n", report.DanglingEdges)
	for _, e := range report.Errors {
		fmt.Printf("  ! %s\n", e)
	}
	if !report.Clean() {
		os.Exit(1)
	}
}

func runVacuum(db *sombra.DB) {
	report, err := db.Vacuum()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacuum failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pages reclaimable: %d\n", report.PagesReclaimed)
	fmt.Printf("bytes reclaimable: %d\n", report.BytesReclaimed)
}

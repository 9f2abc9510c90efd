package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"voxelmap.ai/internal/persistence/indexdb"
	"voxelmap.ai/internal/runner"
)

func scansCmd(args []string) {
	fs := flag.NewFlagSet("scans", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	levelID := fs.String("level", "", "level id filter (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "scans.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recs, err := indexdb.ReadRecent(ctx, path, *levelID, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printScans(os.Stdout, recs, time.Now())
}

func printScans(w io.Writer, recs []runner.ScanRecord, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no scans recorded")
		return
	}
	fmt.Fprintf(w, "%-16s %-9s %-16s %6s %9s %9s %8s %10s\n", "LEVEL", "KIND", "STARTED", "RADIUS", "COLUMNS", "CHANGES", "TILES", "DURATION")
	for _, r := range recs {
		fmt.Fprintf(w, "%-16s %-9s %-16s %6d %9s %9s %8s %10s\n",
			r.LevelID,
			r.Kind,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Radius,
			humanize.Comma(int64(r.Columns)),
			humanize.Comma(int64(r.Changes)),
			humanize.Comma(int64(r.Published)),
			r.Duration.Round(time.Millisecond),
		)
	}
}

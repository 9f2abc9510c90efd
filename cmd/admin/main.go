package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"voxelmap.ai/internal/persistence/editlog"
	"voxelmap.ai/internal/persistence/regionsnap"
	"voxelmap.ai/internal/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "scans":
			scansCmd(os.Args[2:])
			return
		case "region":
			regionCmd(os.Args[2:])
			return
		case "levels":
			levelsCmd(os.Args[2:])
			return
		case "block":
			blockCmd(os.Args[2:])
			return
		case "column":
			columnCmd(os.Args[2:])
			return
		case "edits":
			editsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the region snapshots under the data directory.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "regions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".region.zst") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		h, err := regionsnap.ReadHeader(path)
		if err != nil {
			fmt.Printf("%-32s %8s  unreadable: %v\n", name, humanize.Bytes(uint64(fi.Size())), err)
			continue
		}
		fmt.Printf("%-32s %8s  level=%s columns=%s saved %s\n",
			name, humanize.Bytes(uint64(fi.Size())), h.LevelID, humanize.Comma(int64(h.Columns)), humanize.Time(h.SavedAt))
	}
}

func regionCmd(args []string) {
	fs := flag.NewFlagSet("region", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	levelID := fs.String("level", "", "level id (required unless -file)")
	file := fs.String("file", "", "snapshot path (optional)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*file)
	if path == "" {
		if strings.TrimSpace(*levelID) == "" {
			fmt.Fprintln(os.Stderr, "missing -level or -file")
			os.Exit(2)
		}
		path = regionsnap.Store{Dir: filepath.Join(*dataDir, "regions")}.Path(*levelID)
	}
	snap, err := regionsnap.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printRegion(os.Stdout, snap, time.Now())
}

type regionSummary struct {
	Columns    int
	Empty      int
	MinX, MaxX int
	MinZ, MaxZ int
	MinHeight  int
	MaxHeight  int
	Blocks     map[int]int
	Biomes     map[int]int
}

func summarizeRegion(snap regionsnap.RegionV1) regionSummary {
	s := regionSummary{Blocks: map[int]int{}, Biomes: map[int]int{}}
	for i, c := range snap.Columns {
		if i == 0 {
			s.MinX, s.MaxX, s.MinZ, s.MaxZ = c.X, c.X, c.Z, c.Z
			s.MinHeight, s.MaxHeight = c.Height, c.Height
		}
		s.MinX = min(s.MinX, c.X)
		s.MaxX = max(s.MaxX, c.X)
		s.MinZ = min(s.MinZ, c.Z)
		s.MaxZ = max(s.MaxZ, c.Z)
		s.MinHeight = min(s.MinHeight, c.Height)
		s.MaxHeight = max(s.MaxHeight, c.Height)
		if c.TopBlockID == 0 && c.Height == 0 {
			s.Empty++
		}
		s.Blocks[c.TopBlockID]++
		s.Biomes[c.BiomeID]++
	}
	s.Columns = len(snap.Columns)
	return s
}

func printRegion(w io.Writer, snap regionsnap.RegionV1, now time.Time) {
	s := summarizeRegion(snap)
	fmt.Fprintf(w, "level:   %s (v%d)\n", snap.Header.LevelID, snap.Header.Version)
	fmt.Fprintf(w, "saved:   %s (%s)\n", snap.Header.SavedAt.Format(time.RFC3339), humanize.RelTime(snap.Header.SavedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "columns: %s (%s empty)\n", humanize.Comma(int64(s.Columns)), humanize.Comma(int64(s.Empty)))
	if s.Columns == 0 {
		return
	}
	fmt.Fprintf(w, "bounds:  x %d..%d  z %d..%d\n", s.MinX, s.MaxX, s.MinZ, s.MaxZ)
	fmt.Fprintf(w, "height:  %d..%d\n", s.MinHeight, s.MaxHeight)
	fmt.Fprintf(w, "top blocks:\n")
	printCounts(w, s.Blocks, s.Columns)
	fmt.Fprintf(w, "biomes:\n")
	printCounts(w, s.Biomes, s.Columns)
}

func printCounts(w io.Writer, counts map[int]int, total int) {
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		fmt.Fprintf(w, "  %5d  %8s  %s%%\n", id, humanize.Comma(int64(counts[id])),
			humanize.FtoaWithDigits(100*float64(counts[id])/float64(total), 1))
	}
}

// editsCmd prints the admin edit trail. The file being written by a running
// server is only readable once the hour rotates or the server stops.
func editsCmd(args []string) {
	fs := flag.NewFlagSet("edits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	level := fs.String("level", "", "level id filter (optional)")
	_ = fs.Parse(args)

	files, err := editlog.Files(filepath.Join(*dataDir, "edits"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, path := range files {
		entries, err := editlog.ReadEntries(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", filepath.Base(path), err)
		}
		for _, e := range entries {
			if *level != "" && e.Level != *level {
				continue
			}
			fmt.Println(formatEdit(e))
		}
	}
}

func formatEdit(e editlog.Entry) string {
	return fmt.Sprintf("%s %-12s (%d,%d,%d) %s -> %s  %s",
		e.Time.Format(time.RFC3339), e.Level, e.X, e.Y, e.Z,
		world.BlockName(uint16(e.From)), world.BlockName(uint16(e.To)), e.Remote)
}

// Command plot-session renders a recorded pilot session to PNG.
package main

import (
	"flag"
	"log"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/velocity.pilot/internal/db"
	"github.com/banshee-data/velocity.pilot/internal/fsutil"
	"github.com/banshee-data/velocity.pilot/internal/report"
	"github.com/banshee-data/velocity.pilot/internal/security"
)

func main() {
	dbPath := flag.String("db", "pilot.db", "tick recorder database")
	session := flag.String("session", "", "session id (defaults to the most recent)")
	limit := flag.Int("limit", 0, "plot only the last N ticks (0 for all)")
	output := flag.String("o", "", "output path (defaults to session-<id>.png)")
	width := flag.Float64("width", 8, "image width in inches")
	height := flag.Float64("height", 10, "image height in inches")
	flag.Parse()

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer database.Close()

	id := *session
	if id == "" {
		sessions, err := database.ListSessions()
		if err != nil {
			log.Fatalf("list sessions: %v", err)
		}
		if len(sessions) == 0 {
			log.Fatalf("no sessions recorded in %s", *dbPath)
		}
		id = sessions[0].ID
	}

	ticks, err := database.ListTicks(id, *limit)
	if err != nil {
		log.Fatalf("list ticks for %s: %v", id, err)
	}
	out := *output
	if out == "" {
		out = "session-" + security.SanitizeFilename(id) + ".png"
	}
	if err := security.ValidateOutputPath(out); err != nil {
		log.Fatalf("invalid output path: %v", err)
	}
	w, h := vg.Length(*width)*vg.Inch, vg.Length(*height)*vg.Inch
	if err := report.WritePNG(fsutil.OSFileSystem{}, out, ticks, w, h); err != nil {
		log.Fatalf("plot session %s: %v", id, err)
	}
	log.Printf("✓ Session %s: %d ticks -> %s", id, len(ticks), out)
}

package sim

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/velocity.pilot/internal/fsutil"
	"github.com/banshee-data/velocity.pilot/internal/geom"
)

// minTrackPoints is the fewest waypoints that make a closed loop.
const minTrackPoints = 3

// LoadTrack reads a track from a CSV file of "x,y" rows in metres. A
// non-numeric first row is treated as a header and lines starting with '#'
// are skipped. The track is named after the file.
func LoadTrack(fsys fsutil.FileSystem, path string) (Track, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Track{}, fmt.Errorf("read track: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return Track{}, fmt.Errorf("parse track %s: %w", path, err)
	}

	t := Track{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	for i, row := range rows {
		if len(row) < 2 {
			return Track{}, fmt.Errorf("track %s line %d: want x,y", path, i+1)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if errX != nil || errY != nil {
			if i == 0 {
				continue
			}
			return Track{}, fmt.Errorf("track %s line %d: invalid point %q", path, i+1, strings.Join(row, ","))
		}
		t.Points = append(t.Points, geom.Point{X: x, Y: y})
	}
	if len(t.Points) < minTrackPoints {
		return Track{}, fmt.Errorf("track %s: %d points, need at least %d", path, len(t.Points), minTrackPoints)
	}
	return t, nil
}

// SaveTrack writes t as "x,y" CSV with a header row.
func SaveTrack(fsys fsutil.FileSystem, path string, t Track) error {
	f, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"x", "y"})
	for _, p := range t.Points {
		w.Write([]string{
			strconv.FormatFloat(p.X, 'f', -1, 64),
			strconv.FormatFloat(p.Y, 'f', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

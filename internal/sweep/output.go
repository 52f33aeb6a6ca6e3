package sweep

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/banshee-data/velocity.pilot/internal/fsutil"
)

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }

// WriteCSV writes one row per result: rank, the weights named in grid, the
// metrics and any error.
func WriteCSV(w io.Writer, grid Grid, results []Result) error {
	cw := csv.NewWriter(w)

	header := []string{"rank", "run"}
	header = append(header, grid.Names...)
	header = append(header,
		"score", "ticks", "off_track", "mean_abs_cte", "max_abs_cte", "stddev_cte",
		"mean_abs_steer_change", "mean_speed", "distance", "rejected", "solver_failures", "error",
	)
	if err := cw.Write(header); err != nil {
		return err
	}

	for rank, r := range results {
		row := []string{strconv.Itoa(rank + 1), strconv.Itoa(r.Index)}
		for _, name := range grid.Names {
			row = append(row, formatFloat(Param(r.Weights, name)))
		}
		m := r.Metrics
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		row = append(row,
			formatFloat(r.Score),
			strconv.Itoa(m.Ticks),
			strconv.FormatBool(m.OffTrack),
			formatFloat(m.MeanAbsCTE),
			formatFloat(m.MaxAbsCTE),
			formatFloat(m.StdDevCTE),
			formatFloat(m.MeanAbsSteerChange),
			formatFloat(m.MeanSpeed),
			formatFloat(m.Distance),
			strconv.Itoa(m.Rejected),
			strconv.Itoa(m.SolverFailures),
			errText,
		)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the results to path, creating parent directories.
func WriteCSVFile(fsys fsutil.FileSystem, path string, grid Grid, results []Result) error {
	f, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, grid, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

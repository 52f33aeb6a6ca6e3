package sweep

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity.pilot/internal/fsutil"
	"github.com/banshee-data/velocity.pilot/internal/mpc"
	"github.com/banshee-data/velocity.pilot/internal/sim"
	"github.com/banshee-data/velocity.pilot/internal/testutil"
)

func TestParseRangeSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    RangeSpec
		wantErr bool
	}{
		{in: "0:1:0.25", want: RangeSpec{0, 1, 0.25}},
		{in: " 10 : 20 : 5 ", want: RangeSpec{10, 20, 5}},
		{in: "1:2", wantErr: true},
		{in: "a:2:1", wantErr: true},
		{in: "1:b:1", wantErr: true},
		{in: "1:2:c", wantErr: true},
		{in: "1:2:0", wantErr: true},
		{in: "3:2:1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRangeSpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeSpec_Values(t *testing.T) {
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, RangeSpec{0, 1, 0.25}.Values())
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, RangeSpec{0.1, 0.3, 0.1}.Values())
	assert.Equal(t, []float64{5}, RangeSpec{5, 5, 1}.Values())
	assert.Equal(t, []float64{1, 3}, RangeSpec{1, 4, 2}.Values())
	assert.Nil(t, RangeSpec{0, 1, 0}.Values())
	assert.Nil(t, RangeSpec{0, 1e9, 1}.Values())
}

func TestParseParamList(t *testing.T) {
	v, err := ParseParamList("1, 2,,3")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, v)

	v, err = ParseParamList("100:300:100")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 200, 300}, v)

	v, err = ParseParamList("")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ParseParamList("1,x")
	assert.Error(t, err)
	_, err = ParseParamList("0:1e9:1")
	assert.Error(t, err)
}

func TestCartesian(t *testing.T) {
	got, err := Cartesian([][]float64{{1, 2}, {10, 20, 30}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{
		{1, 10}, {1, 20}, {1, 30},
		{2, 10}, {2, 20}, {2, 30},
	}, got)

	got, err = Cartesian(nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	big := make([]float64, 101)
	_, err = Cartesian([][]float64{big, big})
	assert.Error(t, err)
}

func TestParseGrid(t *testing.T) {
	g, err := ParseGrid([]string{"cte=1000:3000:1000", "steer_rate=50,200"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cte", "steer_rate"}, g.Names)
	assert.Equal(t, [][]float64{{1000, 2000, 3000}, {50, 200}}, g.Values)

	for _, bad := range [][]string{
		{"cte"},
		{"cte="},
		{"wobble=1"},
		{"cte=1", "cte=2"},
		{"cte=1:0:1"},
		{"cte=-1,2"},
		{"cte=,"},
	} {
		_, err := ParseGrid(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestGrid_Combinations(t *testing.T) {
	base := mpc.DefaultConfig().Weights

	combos, err := Grid{}.Combinations(base)
	require.NoError(t, err)
	assert.Equal(t, []mpc.Weights{base}, combos)

	g, err := ParseGrid([]string{"epsi=1,2", "accel=3,4"})
	require.NoError(t, err)
	combos, err = g.Combinations(base)
	require.NoError(t, err)
	require.Len(t, combos, 4)
	assert.Equal(t, 1.0, combos[0].EPsi)
	assert.Equal(t, 4.0, combos[1].Accel)
	assert.Equal(t, 2.0, combos[3].EPsi)
	assert.Equal(t, base.CTE, combos[3].CTE)

	for _, name := range ParamNames() {
		w := mpc.Weights{}
		*weightFields[name](&w) = 7
		assert.Equal(t, 7.0, Param(w, name), name)
	}
	assert.Zero(t, Param(base, "nope"))
}

func TestRank(t *testing.T) {
	results := []Result{
		{Index: 0, Score: 3},
		{Index: 1, Err: errors.New("boom")},
		{Index: 2, Score: 1},
		{Index: 3, Score: 1},
		{Index: 4, Err: errors.New("boom")},
	}
	Rank(results)
	var order []int
	for _, r := range results {
		order = append(order, r.Index)
	}
	assert.Equal(t, []int{2, 3, 0, 1, 4}, order)
}

func TestWriteCSV(t *testing.T) {
	g := Grid{Names: []string{"cte"}, Values: [][]float64{{1, 2}}}
	results := []Result{
		{Index: 1, Weights: mpc.Weights{CTE: 2}, Score: 0.5, Metrics: sim.Metrics{Ticks: 10, MeanSpeed: 12.5}},
		{Index: 0, Weights: mpc.Weights{CTE: 1}, Err: errors.New("off the map")},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, g, results))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"rank", "run", "cte", "score"}, rows[0][:4])
	assert.Equal(t, []string{"1", "1", "2", "0.5", "10"}, rows[1][:5])
	assert.Equal(t, "12.5", rows[1][10])
	assert.Equal(t, "off the map", rows[2][len(rows[2])-1])
}

func TestWriteCSVFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	g := Grid{Names: []string{"steer"}, Values: [][]float64{{5}}}
	results := []Result{{Index: 0, Weights: mpc.Weights{Steer: 5}, Score: 1.25, Metrics: sim.Metrics{Ticks: 3}}}
	require.NoError(t, WriteCSVFile(fsys, "runs/sweep.csv", g, results))

	data, err := fsys.ReadFile("runs/sweep.csv")
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "0", "5", "1.25"}, rows[1][:4])
}

func TestRun_SmallGrid(t *testing.T) {
	if testing.Short() {
		t.Skip("closed-loop simulation")
	}
	testutil.Quiet(t)

	base := sim.DefaultConfig()
	base.Ticks = 20
	g, err := ParseGrid([]string{"steer_rate=100,400"})
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []int
	results, err := Run(context.Background(), base, sim.Oval(100, 40, 8), g, Options{
		Parallel: 2,
		Progress: func(done, total int, r Result) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 2, total)
			calls = append(calls, r.Index)
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ElementsMatch(t, []int{0, 1}, calls)
	assert.LessOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, 20, r.Metrics.Ticks)
	}
}

func TestRun_Canceled(t *testing.T) {
	testutil.Quiet(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, sim.DefaultConfig(), sim.Oval(100, 40, 8), Grid{}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

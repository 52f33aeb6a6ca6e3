package sim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity.pilot/internal/fsutil"
	"github.com/banshee-data/velocity.pilot/internal/geom"
)

func TestLoadTrack(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	fsys.WriteFile("tracks/lake.csv", []byte("x,y\n# start line\n0, 0\n10,0\n10, 10\n0,10\n"))

	track, err := LoadTrack(fsys, "tracks/lake.csv")
	require.NoError(t, err)
	assert.Equal(t, "lake", track.Name)
	want := []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	if diff := cmp.Diff(want, track.Points); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 40, track.Length(), 1e-9)
}

func TestLoadTrack_Errors(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	fsys.WriteFile("short.csv", []byte("0,0\n1,0\n"))
	fsys.WriteFile("bad.csv", []byte("0,0\n1,zero\n2,0\n"))
	fsys.WriteFile("narrow.csv", []byte("0,0\n1\n2,0\n"))

	for _, name := range []string{"missing.csv", "short.csv", "bad.csv", "narrow.csv"} {
		_, err := LoadTrack(fsys, name)
		assert.Error(t, err, name)
	}
}

func TestSaveTrack_RoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	oval := Oval(40, 10, 5)
	require.NoError(t, SaveTrack(fsys, "out/oval.csv", oval))

	got, err := LoadTrack(fsys, "out/oval.csv")
	require.NoError(t, err)
	assert.Equal(t, "oval", got.Name)
	if diff := cmp.Diff(oval.Points, got.Points); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

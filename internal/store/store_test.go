package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Ratio float64 `json:"ratio"`
}

func TestStoreRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	in := blob{Name: "x", Count: 3, Ratio: 0.5}
	require.NoError(t, s.Save("thing", in))

	var out blob
	require.NoError(t, s.Load("thing", &out))
	assert.Equal(t, in, out)
}

func TestStoreMissingKey(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var out blob
	err = s.Load("nope", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreOverwrite(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("thing", blob{Count: 1}))
	require.NoError(t, s.Save("thing", blob{Count: 2}))

	var out blob
	require.NoError(t, s.Load("thing", &out))
	assert.Equal(t, 2, out.Count)
}

func TestStoreReset(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("thing", blob{Count: 1}))
	require.NoError(t, s.Reset("thing"))
	require.NoError(t, s.Reset("thing"), "resetting a missing key is fine")

	var out blob
	assert.ErrorIs(t, s.Load("thing", &out), ErrNotFound)
}

func TestStoreNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("thing", blob{Count: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "thing.json", filepath.Base(entries[0].Name()))
}

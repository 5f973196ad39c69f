package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearchVisits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visits.bleve")
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, IndexVisit(idx, VisitDoc{
		ID: "session-a", Date: "2024-05-01", Timestamp: now,
		Titles: []string{"Midnight Remix"}, ClientIP: "10.0.0.1", FilesProduced: 1, Success: true,
	}))
	require.NoError(t, IndexVisit(idx, VisitDoc{
		ID: "session-b", Date: "2024-05-02", Timestamp: now.Add(time.Minute),
		Titles: []string{"Morning Acoustic"}, ClientIP: "10.0.0.2",
	}))

	res, err := SearchIndex(idx, "remix", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, "session-a", res.Hits[0].ID)
	assert.Equal(t, "visit", res.Hits[0].Fields["type"])

	res, err = SearchIndex(idx, "+titles:acoustic", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, "session-b", res.Hits[0].ID)

	require.NoError(t, idx.Close())

	// Reopening finds the existing index.
	idx, err = OpenOrCreateIndex(path)
	require.NoError(t, err)
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	require.NoError(t, idx.Close())

	require.NoError(t, DeleteIndex(path))
	assert.NoDirExists(t, path)
}

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestVisitLifecycle(t *testing.T) {
	store, err := InitStore(filepath.Join(t.TempDir(), "visits.db"))
	require.NoError(t, err)

	require.NoError(t, store.RecordVisit("abc", "1.2.3.4", "Firefox", "#ff0000"))

	left := time.Now().Add(42 * time.Second)
	require.NoError(t, store.FinalizeVisit("abc", left))

	visits, err := store.Visits("abc")
	require.NoError(t, err)
	require.Len(t, visits, 1)

	visit := visits[0]
	require.Equal(t, "1.2.3.4", visit.Host)
	require.Equal(t, "#ff0000", visit.Color)
	require.NotNil(t, visit.LeftAt)
	require.Greater(t, visit.Seconds, 0.0)
}

func TestFinalizeUnknownVisit(t *testing.T) {
	store, err := InitStore(filepath.Join(t.TempDir(), "visits.db"))
	require.NoError(t, err)

	err = store.FinalizeVisit("missing", time.Now())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFinalizeClosesLatestOpenVisit(t *testing.T) {
	store, err := InitStore(filepath.Join(t.TempDir(), "visits.db"))
	require.NoError(t, err)

	require.NoError(t, store.RecordVisit("abc", "1.2.3.4", "Firefox", "#ff0000"))
	require.NoError(t, store.FinalizeVisit("abc", time.Now()))

	// A rejoin under the same id opens a second row.
	require.NoError(t, store.RecordVisit("abc", "1.2.3.4", "Firefox", "#00ff00"))
	require.NoError(t, store.FinalizeVisit("abc", time.Now()))

	visits, err := store.Visits("abc")
	require.NoError(t, err)
	require.Len(t, visits, 2)
	for _, visit := range visits {
		require.NotNil(t, visit.LeftAt)
	}
}

package audit

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	l.Submit(now, "Snapshot")
	l.Complete(now.Add(2*time.Second), "Snapshot", nil, 2*time.Second)
	l.Complete(now.Add(4*time.Second), "ZStack", errors.New("boom"), time.Second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, header, rows[0])
	require.Len(t, rows, 4)
	require.Equal(t, "submit", rows[1][2])
	require.Equal(t, "ok", rows[2][3])
	require.Equal(t, "boom", rows[3][3])
}

func TestLogRotatesAcrossDays(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	day1 := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	l.Submit(day1, "Snapshot")
	l.Submit(day2, "Snapshot")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

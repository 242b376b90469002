package storage

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

func journals(t *testing.T, clk *testclock.Clock) map[string]Journal {
	fj, err := NewFileJournal(t.TempDir(), clk)
	require.NoError(t, err)
	return map[string]Journal{
		"file":   fj,
		"memory": NewMemoryJournal(clk),
	}
}

func TestJournalStateAndEntries(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, j := range journals(t, testclock.NewClock(start)) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, j.SaveState("r1", RunExecuting, map[string]any{"tasks": 3}))
			require.NoError(t, j.Append("r1", Entry{Participant: "p1", Index: 0, Event: "begun"}))
			require.NoError(t, j.SaveState("r1", RunCommitted, map[string]any{"committed": true}))

			state, meta, err := j.LoadState("r1")
			require.NoError(t, err)
			require.Equal(t, RunCommitted, state)
			require.EqualValues(t, 3, meta["tasks"])
			require.Equal(t, true, meta["committed"])

			entries, err := j.Entries("r1")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, "begun", entries[0].Event)
			require.True(t, entries[0].Timestamp.Equal(start))
		})
	}
}

func TestJournalUnknownRun(t *testing.T) {
	for name, j := range journals(t, testclock.NewClock(time.Now())) {
		t.Run(name, func(t *testing.T) {
			_, _, err := j.LoadState("missing")
			require.ErrorIs(t, err, ErrRunNotFound)
			_, err = j.Entries("missing")
			require.ErrorIs(t, err, ErrRunNotFound)
		})
	}
}

func TestJournalListIncomplete(t *testing.T) {
	for name, j := range journals(t, testclock.NewClock(time.Now())) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, j.SaveState("b", RunCommitting, nil))
			require.NoError(t, j.SaveState("a", RunExecuting, nil))
			require.NoError(t, j.SaveState("c", RunCommitted, nil))
			require.NoError(t, j.SaveState("d", RunPartiallyCommitted, nil))
			require.NoError(t, j.SaveState("e", RunRollingBack, nil))

			ids, err := j.ListIncomplete()
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b", "e"}, ids)
		})
	}
}

func TestFileJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, nil)
	require.NoError(t, err)
	require.NoError(t, j.SaveState("r1", RunExecuting, nil))

	reopened, err := NewFileJournal(dir, nil)
	require.NoError(t, err)
	ids, err := reopened.ListIncomplete()
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, ids)
}

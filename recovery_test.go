package txfanout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oarkflow/txfanout/storage"
)

func seedJournal(t *testing.T) *storage.MemoryJournal {
	t.Helper()
	j := storage.NewMemoryJournal(nil)
	require.NoError(t, j.SaveState("executing", storage.RunExecuting, nil))
	require.NoError(t, j.Append("executing", storage.Entry{Participant: "p1", Index: 0, Event: "begun"}))
	require.NoError(t, j.SaveState("committing", storage.RunCommitting, nil))
	require.NoError(t, j.SaveState("rolling-back", storage.RunRollingBack, nil))
	require.NoError(t, j.SaveState("done", storage.RunCommitted, nil))
	return j
}

func TestRecoverIncompleteDefault(t *testing.T) {
	j := seedJournal(t)
	require.NoError(t, RecoverIncomplete(j, nil, zaptest.NewLogger(t)))

	state, meta, err := j.LoadState("executing")
	require.NoError(t, err)
	require.Equal(t, storage.RunRolledBack, state)
	require.Equal(t, true, meta["recovered"])

	state, _, err = j.LoadState("rolling-back")
	require.NoError(t, err)
	require.Equal(t, storage.RunRolledBack, state)

	state, _, err = j.LoadState("committing")
	require.NoError(t, err)
	require.Equal(t, storage.RunInDoubt, state)
	entries, err := j.Entries("committing")
	require.NoError(t, err)
	require.Equal(t, "recovery_needed", entries[len(entries)-1].Event)

	state, _, err = j.LoadState("done")
	require.NoError(t, err)
	require.Equal(t, storage.RunCommitted, state)

	incomplete, err := j.ListIncomplete()
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestRecoverIncompleteCustomResolver(t *testing.T) {
	j := seedJournal(t)
	boom := errors.New("operator unavailable")
	seen := map[string]storage.RunState{}
	var begun int
	err := RecoverIncomplete(j, func(runID string, state storage.RunState, entries []storage.Entry) error {
		seen[runID] = state
		for _, e := range entries {
			if e.Event == "begun" {
				begun++
			}
		}
		if runID == "committing" {
			return boom
		}
		return nil
	}, nil)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "recover run committing")
	require.Equal(t, map[string]storage.RunState{
		"executing":    storage.RunExecuting,
		"committing":   storage.RunCommitting,
		"rolling-back": storage.RunRollingBack,
	}, seen)
	require.Equal(t, 1, begun)

	state, _, err := j.LoadState("executing")
	require.NoError(t, err)
	require.Equal(t, storage.RunExecuting, state)
}

func TestRecoverIncompleteNilJournal(t *testing.T) {
	require.Error(t, RecoverIncomplete(nil, nil, nil))
}

package txfanout

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/oarkflow/txfanout/storage"
)

// RecoveryResolver decides what to do with a run the journal shows as
// unfinished.
type RecoveryResolver func(runID string, state storage.RunState, entries []storage.Entry) error

// RecoverIncomplete hands every unfinished run in j to resolver. With a nil
// resolver, runs that were executing or rolling back are marked RolledBack,
// since their open transactions died with the process, and runs caught
// while committing are marked InDoubt for manual review.
func RecoverIncomplete(j storage.Journal, resolver RecoveryResolver, logger *zap.Logger) error {
	if j == nil {
		return fmt.Errorf("journal is nil; cannot recover")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")
	ids, err := j.ListIncomplete()
	if err != nil {
		return fmt.Errorf("listing incomplete runs: %w", err)
	}
	var aggErr error
	for _, runID := range ids {
		state, _, err := j.LoadState(runID)
		if err != nil {
			logger.Error("load run state", zap.String("run_id", runID), zap.Error(err))
			aggErr = multierr.Append(aggErr, err)
			continue
		}
		entries, err := j.Entries(runID)
		if err != nil {
			logger.Warn("load run entries", zap.String("run_id", runID), zap.Error(err))
		}
		if resolver != nil {
			if err := resolver(runID, state, entries); err != nil {
				logger.Error("resolver failed", zap.String("run_id", runID), zap.Error(err))
				aggErr = multierr.Append(aggErr, fmt.Errorf("recover run %s: %w", runID, err))
			}
			continue
		}
		if err := defaultRecovery(j, runID, state, logger); err != nil {
			aggErr = multierr.Append(aggErr, err)
		}
	}
	return aggErr
}

func defaultRecovery(j storage.Journal, runID string, state storage.RunState, logger *zap.Logger) error {
	if state == storage.RunCommitting {
		_ = j.Append(runID, storage.Entry{Index: -1, Event: "recovery_needed", Data: map[string]any{"state": string(state)}})
		if err := j.SaveState(runID, storage.RunInDoubt, nil); err != nil {
			return fmt.Errorf("mark run %s in doubt: %w", runID, err)
		}
		logger.Warn("run was committing when the process stopped, manual review required", zap.String("run_id", runID))
		return nil
	}
	if err := j.SaveState(runID, storage.RunRolledBack, map[string]any{"recovered": true}); err != nil {
		return fmt.Errorf("mark run %s rolled back: %w", runID, err)
	}
	_ = j.Append(runID, storage.Entry{Index: -1, Event: "recovery_rollback", Data: map[string]any{"state": string(state)}})
	logger.Info("run marked rolled back", zap.String("run_id", runID), zap.String("was", string(state)))
	return nil
}

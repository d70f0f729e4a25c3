package workflow

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/gauntlet/internal/workspace"
)

// Status reports a run's persisted state. For a run live in this
// process, the registry's status wins over the (possibly slightly
// stale) on-disk mirror.
func (r *Runner) Status(runID string) (*workspace.StatusRecord, error) {
	rec, err := r.store.LoadStatus(runID)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	if live, ok := r.registry.Get(runID); ok {
		rec.Status = string(live)
	}
	return rec, nil
}

// List returns the status records of every run in the workspace.
func (r *Runner) List() ([]*workspace.StatusRecord, error) {
	ids, err := r.store.ListRuns()
	if err != nil {
		return nil, err
	}
	recs := make([]*workspace.StatusRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Status(id)
		if err != nil {
			// A run directory without a status record yet is not an
			// error for listing.
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

package service

import "sketch-sync/internal/domain"

// mergeSnapshot applies a remote snapshot to state with last-writer-wins per
// id. Local entries missing from the snapshot are left alone.
func mergeSnapshot(state *domain.ReplicaState, remote []domain.Sketch) domain.MergeResult {
	var res domain.MergeResult

	for _, r := range remote {
		if r.ID == "" {
			continue
		}

		local, exists := state.Sketches[r.ID]
		if !exists {
			if state.Tombstones.Suppresses(r) {
				res.Suppressed = append(res.Suppressed, r.ID)
				continue
			}
			delete(state.Tombstones, r.ID)
			state.Sketches[r.ID] = r.Clone()
			res.Inserted = append(res.Inserted, r.ID)
			continue
		}

		if domain.RemoteWins(local, r) {
			state.Sketches[r.ID] = r.Clone()
			res.Replaced = append(res.Replaced, r.ID)
			continue
		}
		res.Kept++
	}

	return res
}

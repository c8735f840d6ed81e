// internal/workspace/changes.go
package workspace

import (
	"sort"

	"depot/shared/types"
)

// Classify compares a baseline tree with the current workspace state and
// returns the changes ordered by path. A deleted path whose content
// reappears at an added path is reported as a rename; pairs are matched in
// path order so the result is deterministic.
func Classify(baseline, current shared.Tree) []shared.Change {
	var changes []shared.Change
	var deleted, added []string

	for p, cur := range current {
		base, ok := baseline[p]
		if !ok {
			added = append(added, p)
			continue
		}
		if base.Hash != cur.Hash {
			changes = append(changes, shared.Change{
				Path:    p,
				Type:    shared.ChangeModified,
				OldHash: base.Hash,
				NewHash: cur.Hash,
				FileID:  base.FileID,
				Size:    cur.Size,
				Lines:   cur.Lines,
				Binary:  cur.Binary,
				Mode:    cur.Mode,
			})
		}
	}
	for p := range baseline {
		if _, ok := current[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(deleted)
	sort.Strings(added)

	// content hash -> added paths still unpaired
	byHash := make(map[string][]string)
	for _, p := range added {
		h := current[p].Hash
		byHash[h] = append(byHash[h], p)
	}

	renamedTo := make(map[string]bool)
	for _, p := range deleted {
		base := baseline[p]
		if candidates := byHash[base.Hash]; len(candidates) > 0 {
			to := candidates[0]
			byHash[base.Hash] = candidates[1:]
			renamedTo[to] = true
			cur := current[to]
			changes = append(changes, shared.Change{
				Path:    to,
				Type:    shared.ChangeRenamed,
				OldPath: p,
				OldHash: base.Hash,
				NewHash: cur.Hash,
				FileID:  base.FileID,
				Size:    cur.Size,
				Lines:   cur.Lines,
				Binary:  cur.Binary,
				Mode:    cur.Mode,
			})
			continue
		}
		changes = append(changes, shared.Change{
			Path:    p,
			Type:    shared.ChangeDeleted,
			OldHash: base.Hash,
			FileID:  base.FileID,
		})
	}

	for _, p := range added {
		if renamedTo[p] {
			continue
		}
		cur := current[p]
		changes = append(changes, shared.Change{
			Path:    p,
			Type:    shared.ChangeAdded,
			NewHash: cur.Hash,
			Size:    cur.Size,
			Lines:   cur.Lines,
			Binary:  cur.Binary,
			Mode:    cur.Mode,
		})
	}

	shared.SortChanges(changes)
	return changes
}

// Package diff implements C5: the pure differencing function over a local
// and a remote file set (spec.md §4.5).
package diff

import (
	"sort"

	"github.com/nsite-tools/nsite-publish/internal/model"
)

// Compute returns (to-upload, unchanged, to-delete) for the given local
// and remote sets, keyed by path, in O(n+m), with stable lexicographic
// output ordering.
func Compute(local, remote []model.FileEntry) model.Diff {
	remoteByPath := make(map[string]model.FileEntry, len(remote))
	for _, e := range remote {
		remoteByPath[e.Path] = e
	}
	localPaths := make(map[string]bool, len(local))

	var toUpload, unchanged []model.FileEntry
	for _, e := range local {
		localPaths[e.Path] = true
		if r, ok := remoteByPath[e.Path]; ok && r.Hash == e.Hash {
			unchanged = append(unchanged, e)
		} else {
			toUpload = append(toUpload, e)
		}
	}

	var toDelete []model.FileEntry
	for _, e := range remote {
		if !localPaths[e.Path] {
			toDelete = append(toDelete, e)
		}
	}

	sortByPath(toUpload)
	sortByPath(unchanged)
	sortByPath(toDelete)

	return model.Diff{ToUpload: toUpload, Unchanged: unchanged, ToDelete: toDelete}
}

func sortByPath(entries []model.FileEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

// Package reconcile merges journal snapshots taken from different storage
// locations into one authoritative collection.
//
// Precedence is whole-record last-write-wins on Entry.LastModified. Fields are
// never merged individually. When both sides carry the same LastModified the
// remote copy is kept, so repeated syncs from any device converge on the
// same bytes.
//
// Merge is a pure function: it performs no I/O and never mutates its inputs.
package reconcile

import (
	"github.com/mschirtzinger/diary/internal/journal"
)

// Merge combines a local and a remote snapshot.
//
// The result holds every id present in either input exactly once. For ids
// present in both, the local entry wins only if its LastModified is strictly
// greater than the remote one. Entries without an id are dropped. The output
// is sorted newest-first by CreatedAt.
func Merge(local, remote journal.Collection) journal.Collection {
	merged := make(map[string]journal.Entry, len(local)+len(remote))

	// Seed with remote. Duplicate ids inside one snapshot collapse to the
	// newest copy.
	for _, e := range remote {
		if e.ID == "" {
			continue
		}
		if cur, ok := merged[e.ID]; ok && !newer(e, cur) {
			continue
		}
		merged[e.ID] = e.Clone()
	}

	// Local overrides only when strictly newer.
	for _, e := range local {
		if e.ID == "" {
			continue
		}
		if cur, ok := merged[e.ID]; ok && !newer(e, cur) {
			continue
		}
		merged[e.ID] = e.Clone()
	}

	out := make(journal.Collection, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	out.SortNewestFirst()
	return out
}

// MergeAll folds snapshots left to right with Merge, treating each
// accumulated result as the remote side of the next step.
func MergeAll(snapshots ...journal.Collection) journal.Collection {
	acc := journal.Collection{}
	for _, s := range snapshots {
		acc = Merge(s, acc)
	}
	return acc
}

func newer(a, b journal.Entry) bool {
	return a.LastModified.After(b.LastModified)
}

// Diff summarizes how a merge changed each side. It is used for logging and
// for the sync_progress event payload.
type Diff struct {
	// LocalUpdated counts entries the local side gained or replaced.
	LocalUpdated int
	// RemoteUpdated counts entries the remote side gained or replaced.
	RemoteUpdated int
}

// Compare reports how merged differs from local and remote.
func Compare(local, remote, merged journal.Collection) Diff {
	l := local.ByID()
	r := remote.ByID()
	var d Diff
	for _, e := range merged {
		if cur, ok := l[e.ID]; !ok || !cur.LastModified.Equal(e.LastModified) {
			d.LocalUpdated++
		}
		if cur, ok := r[e.ID]; !ok || !cur.LastModified.Equal(e.LastModified) {
			d.RemoteUpdated++
		}
	}
	return d
}

package reconcile

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/mschirtzinger/diary/internal/journal"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(id, content string, created, modified time.Duration) journal.Entry {
	return journal.Entry{
		ID:           id,
		Content:      content,
		Tags:         []string{},
		Comments:     []journal.Comment{},
		CreatedAt:    t0.Add(created),
		LastModified: t0.Add(modified),
	}
}

func ids(c journal.Collection) []string {
	out := make([]string, 0, len(c))
	for _, e := range c {
		out = append(out, e.ID)
	}
	return out
}

func TestMergeDisjointIsUnion(t *testing.T) {
	local := journal.Collection{entry("l1", "a", 1, 1), entry("l2", "b", 2, 2)}
	remote := journal.Collection{entry("r1", "c", 3, 3), entry("r2", "d", 4, 4), entry("r3", "e", 5, 5)}

	merged := Merge(local, remote)
	if len(merged) != len(local)+len(remote) {
		t.Fatalf("expected %d entries, got %d", len(local)+len(remote), len(merged))
	}
	byID := merged.ByID()
	for _, e := range append(local.Clone(), remote...) {
		got, ok := byID[e.ID]
		if !ok {
			t.Errorf("missing entry %s", e.ID)
			continue
		}
		if !reflect.DeepEqual(got, e) {
			t.Errorf("entry %s changed during merge", e.ID)
		}
	}
}

func TestMergePrecedence(t *testing.T) {
	localEntry := entry("1", "local", 0, 2*time.Hour)
	localEntry.Tags = []string{"mine"}
	localEntry.Comments = []journal.Comment{{ID: "c1", Content: "hi", CreatedAt: t0}}
	remoteEntry := entry("1", "remote", 0, time.Hour)
	remoteEntry.Tags = []string{"theirs"}

	tests := []struct {
		name   string
		local  journal.Entry
		remote journal.Entry
		want   journal.Entry
	}{
		{"local newer wins in full", localEntry, remoteEntry, localEntry},
		{"remote newer wins in full", remoteEntry.Clone(), localEntry, localEntry},
		{"tie keeps remote", entry("1", "local", 0, time.Hour), entry("1", "remote", 0, time.Hour), entry("1", "remote", 0, time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := Merge(journal.Collection{tt.local}, journal.Collection{tt.remote})
			if len(merged) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(merged))
			}
			if !reflect.DeepEqual(merged[0], tt.want) {
				t.Errorf("got %+v, want %+v", merged[0], tt.want)
			}
		})
	}
}

func TestMergeIdempotent(t *testing.T) {
	x := journal.Collection{entry("a", "1", 1, 5), entry("b", "2", 2, 6), entry("c", "3", 3, 7)}
	merged := Merge(x, x)

	want := x.Clone()
	want.SortNewestFirst()
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("merge(X, X) != X\n got %v\nwant %v", ids(merged), ids(want))
	}
}

func TestMergeNeverDuplicatesIDs(t *testing.T) {
	local := journal.Collection{entry("a", "old", 0, 1), entry("a", "new", 0, 3)}
	remote := journal.Collection{entry("a", "remote", 0, 2), entry("a", "remote-old", 0, 0)}

	merged := Merge(local, remote)
	if len(merged) != 1 {
		t.Fatalf("expected one entry for duplicated id, got %d", len(merged))
	}
	if merged[0].Content != "new" {
		t.Errorf("expected newest copy to win, got %q", merged[0].Content)
	}
}

func TestMergeDropsEntriesWithoutID(t *testing.T) {
	merged := Merge(journal.Collection{entry("", "x", 0, 0)}, journal.Collection{entry("", "y", 0, 0)})
	if len(merged) != 0 {
		t.Errorf("expected id-less entries to be dropped, got %d", len(merged))
	}
}

func TestMergeSortedNewestFirst(t *testing.T) {
	merged := Merge(
		journal.Collection{entry("old", "", 1*time.Hour, 0)},
		journal.Collection{entry("new", "", 3*time.Hour, 0), entry("mid", "", 2*time.Hour, 0)},
	)
	if got, want := ids(merged), []string{"new", "mid", "old"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected order %v, got %v", want, got)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	local := journal.Collection{entry("a", "1", 0, 2)}
	remote := journal.Collection{entry("a", "2", 0, 1)}
	merged := Merge(local, remote)
	merged[0].Tags = append(merged[0].Tags, "x")
	merged[0].Content = "changed"

	if local[0].Content != "1" || len(local[0].Tags) != 0 {
		t.Error("merge result aliases local input")
	}
}

// TestMergeAssociative checks merge(merge(A,B),C) == merge(A,merge(B,C))
// when timestamps are distinct, over random snapshots.
func TestMergeAssociative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	stamp := 0
	snapshot := func() journal.Collection {
		var c journal.Collection
		for i := 0; i < 8; i++ {
			stamp++
			id := fmt.Sprintf("e%d", rng.Intn(10))
			c = append(c, entry(id, fmt.Sprintf("v%d", stamp), time.Duration(rng.Intn(5))*time.Hour, time.Duration(stamp)*time.Second))
		}
		return c
	}

	for round := 0; round < 50; round++ {
		a, b, c := snapshot(), snapshot(), snapshot()

		left := Merge(Merge(a, b), c)
		right := Merge(a, Merge(b, c))
		folded := MergeAll(a, b, c)

		fl, _ := journal.Fingerprint(left)
		fr, _ := journal.Fingerprint(right)
		ff, _ := journal.Fingerprint(folded)
		if fl != fr || fl != ff {
			t.Fatalf("round %d: merge is not associative\nleft  %v\nright %v\nfold  %v", round, ids(left), ids(right), ids(folded))
		}
	}
}

// TestMergeConcreteScenario: local has {1, A, T1}, remote has {1, B, T2}
// with T2 > T1; the merged result keeps B.
func TestMergeConcreteScenario(t *testing.T) {
	local := journal.Collection{entry("1", "A", 0, time.Minute)}
	remote := journal.Collection{entry("1", "B", 0, 2*time.Minute)}

	merged := Merge(local, remote)
	if len(merged) != 1 || merged[0].Content != "B" {
		t.Fatalf("expected content B, got %+v", merged)
	}

	again := Merge(merged, remote)
	if !reflect.DeepEqual(again, merged) {
		t.Error("re-merging with unchanged inputs changed the result")
	}
}

func TestCompare(t *testing.T) {
	local := journal.Collection{entry("a", "", 0, 2), entry("b", "", 0, 1)}
	remote := journal.Collection{entry("a", "", 0, 1), entry("c", "", 0, 1)}
	merged := Merge(local, remote)

	d := Compare(local, remote, merged)
	// local gains c; remote gains newer a and b.
	if d.LocalUpdated != 1 || d.RemoteUpdated != 2 {
		t.Errorf("unexpected diff %+v", d)
	}
}

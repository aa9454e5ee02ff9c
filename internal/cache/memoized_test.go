package cache

import (
	"testing"
)

func TestMemoized_WriteThrough(t *testing.T) {
	disk := NewStore(t.TempDir())
	memo, err := NewMemoized(disk, 8)
	if err != nil {
		t.Fatalf("new memoized: %v", err)
	}

	fp := testFP("write-through")
	bundle := testBundle(0, "out", "E=-1.23\n")
	if err := memo.Commit(fp, bundle, CommitInfo{}); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	// The entry must be on disk, not just in memory.
	got, err := disk.Lookup(fp)
	if err != nil || got == nil {
		t.Fatalf("disk lookup: bundle=%v err=%v", got, err)
	}
	if got.Digest() != bundle.Digest() {
		t.Error("disk entry differs from committed bundle")
	}
}

func TestMemoized_ServesFromMemory(t *testing.T) {
	disk := NewStore(t.TempDir())
	memo, err := NewMemoized(disk, 8)
	if err != nil {
		t.Fatalf("new memoized: %v", err)
	}

	fp := testFP("memory-hit")
	bundle := testBundle(0, "out", "E=-1.23\n")
	if err := memo.Commit(fp, bundle, CommitInfo{}); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	// Remove the disk entry behind the memo's back; the memo layer
	// must still answer.
	if err := disk.Delete(fp); err != nil {
		t.Fatalf("delete error: %v", err)
	}

	got, err := memo.Lookup(fp)
	if err != nil || got == nil {
		t.Fatalf("lookup: bundle=%v err=%v", got, err)
	}
	if got.Digest() != bundle.Digest() {
		t.Error("memoized bundle differs from committed one")
	}

	stats := memo.Stats()
	if stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
}

func TestMemoized_MissFallsThroughToDisk(t *testing.T) {
	disk := NewStore(t.TempDir())
	fp := testFP("disk-fallthrough")
	bundle := testBundle(0, "out", "E=-1.23\n")
	if err := disk.Commit(fp, bundle, CommitInfo{}); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	memo, err := NewMemoized(disk, 8)
	if err != nil {
		t.Fatalf("new memoized: %v", err)
	}

	got, err := memo.Lookup(fp)
	if err != nil || got == nil {
		t.Fatalf("lookup: bundle=%v err=%v", got, err)
	}
	if stats := memo.Stats(); stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("stats = %+v, want 1 miss and 0 hits", stats)
	}

	// The fallthrough memoizes, so the next lookup is a hit.
	if _, err := memo.Lookup(fp); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if stats := memo.Stats(); stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
}

func TestMemoized_LookupMiss(t *testing.T) {
	memo, err := NewMemoized(NewStore(t.TempDir()), 8)
	if err != nil {
		t.Fatalf("new memoized: %v", err)
	}

	bundle, err := memo.Lookup(testFP("absent"))
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if bundle != nil {
		t.Errorf("bundle = %+v, want nil", bundle)
	}
}

func TestMemoized_CallersCannotPoisonTheMemo(t *testing.T) {
	memo, err := NewMemoized(NewStore(t.TempDir()), 8)
	if err != nil {
		t.Fatalf("new memoized: %v", err)
	}

	fp := testFP("isolation")
	if err := memo.Commit(fp, testBundle(0, "out", "E=-1.23\n"), CommitInfo{}); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	first, err := memo.Lookup(fp)
	if err != nil || first == nil {
		t.Fatalf("lookup: bundle=%v err=%v", first, err)
	}
	first.Stdout[0] = 'X'
	first.Files[0].Content[0] = 'X'

	second, err := memo.Lookup(fp)
	if err != nil || second == nil {
		t.Fatalf("second lookup: bundle=%v err=%v", second, err)
	}
	if second.Stdout[0] != 'o' {
		t.Error("mutating a returned bundle leaked into the memo")
	}
	if second.Files[0].Content[0] != 'E' {
		t.Error("mutating returned file content leaked into the memo")
	}
}

func TestMemoized_ConflictPropagates(t *testing.T) {
	memo, err := NewMemoized(NewStore(t.TempDir()), 8)
	if err != nil {
		t.Fatalf("new memoized: %v", err)
	}

	fp := testFP("memo-conflict")
	original := testBundle(0, "out", "E=-1.23\n")
	if err := memo.Commit(fp, original, CommitInfo{}); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	err = memo.Commit(fp, testBundle(0, "out", "E=-9.99\n"), CommitInfo{})
	if !IsConflict(err) {
		t.Fatalf("error = %v, want ConflictError", err)
	}

	// The losing bundle must not displace the memoized winner.
	got, err := memo.Lookup(fp)
	if err != nil || got == nil {
		t.Fatalf("lookup: bundle=%v err=%v", got, err)
	}
	if got.Digest() != original.Digest() {
		t.Error("conflicting commit poisoned the memo")
	}
}

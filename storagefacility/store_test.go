package storagefacility

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "sf.sqlite")
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	s, err := Open(dsn, filepath.Join(t.TempDir(), "blobs"), key)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreThenReadRoundTrips(t *testing.T) {
	store := openTestStore(t)
	lp := []byte("local-pseudonym-sf")
	id, err := store.Store(lp, "Age", "aead-v1", []byte("42"), time.Now())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	payload, ok, err := store.Read(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok || string(payload) != "42" {
		t.Fatalf("expected payload 42, got %q ok=%v", payload, ok)
	}
}

func TestReadCurrentReturnsMostRecentEntry(t *testing.T) {
	store := openTestStore(t)
	lp := []byte("patient-1")
	t0 := time.Now().Add(-time.Hour)
	t1 := time.Now()
	if _, err := store.Store(lp, "Age", "aead-v1", []byte("41"), t0); err != nil {
		t.Fatalf("store t0: %v", err)
	}
	if _, err := store.Store(lp, "Age", "aead-v1", []byte("42"), t1); err != nil {
		t.Fatalf("store t1: %v", err)
	}
	_, payload, err := store.ReadCurrent(lp, "Age")
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(payload) != "42" {
		t.Fatalf("expected the newer value, got %q", payload)
	}
}

func TestDeleteTombstonesEntry(t *testing.T) {
	store := openTestStore(t)
	id, err := store.Store([]byte("patient-2"), "Age", "aead-v1", []byte("30"), time.Now())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Read(id); err == nil {
		t.Fatal("expected read of a deleted entry to fail")
	}
}

func TestUpdateMetadataOnlyRequiresAllowedScheme(t *testing.T) {
	store := openTestStore(t)
	id, err := store.Store([]byte("patient-3"), "Age", "legacy-v0", []byte("30"), time.Now())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.UpdateMetadataOnly(id); err == nil {
		t.Fatal("expected rejection for an unregistered scheme")
	}

	store.AllowMetadataOnlyUpdates("legacy-v0")
	if err := store.UpdateMetadataOnly(id); err != nil {
		t.Fatalf("update metadata-only: %v", err)
	}
	_, ok, err := store.Read(id)
	if err != nil {
		t.Fatalf("read after metadata-only update: %v", err)
	}
	if ok {
		t.Fatal("expected no payload after metadata-only reduction")
	}
}

func TestEnumeratePaginatesBySeqno(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := store.Store([]byte("patient-x"), "Col", "aead-v1", []byte{byte(i)}, time.Now()); err != nil {
			t.Fatalf("store entry %d: %v", i, err)
		}
	}
	ids, next, err := store.Enumerate(0)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(ids))
	}
	if next != 0 {
		t.Fatalf("expected pagination to be exhausted, got cursor %d", next)
	}
}

func TestCheckpointIfDueRateLimits(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Store([]byte("patient-y"), "Col", "aead-v1", []byte("x"), time.Now()); err != nil {
		t.Fatalf("store: %v", err)
	}
	_, took := store.CheckpointIfDue("files")
	if !took {
		t.Fatal("expected the first checkpoint to be taken")
	}
	_, tookAgain := store.CheckpointIfDue("files")
	if tookAgain {
		t.Fatal("expected a second immediate checkpoint to be rate-limited")
	}
}

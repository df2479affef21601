package accessmanager

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestEnsureLPPPReserializedRewritesLegacyEncoding(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "am.sqlite")
	dsn := "file:" + dbPath

	seed, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	if _, err := seed.Exec(`CREATE TABLE IF NOT EXISTS events (
		seqno INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		tombstone INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("create events table: %v", err)
	}
	if _, err := seed.Exec(`INSERT INTO events (kind, timestamp, tombstone, payload) VALUES (?, ?, ?, ?)`,
		"participantGroup", 1700000000, 0, `{"Name":"AllPatients"}`); err != nil {
		t.Fatalf("seed group row: %v", err)
	}
	legacyPayload := `{"Group":"AllPatients","LocalPseudonymHex":"0xabcdef"}`
	if _, err := seed.Exec(`INSERT INTO events (kind, timestamp, tombstone, payload) VALUES (?, ?, ?, ?)`,
		"participantGroupMembership", 1700000001, 0, legacyPayload); err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("close seed db: %v", err)
	}

	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	members := store.cache.participantGroupMembers["AllPatients"]
	if members == nil {
		t.Fatal("expected AllPatients membership to survive migration")
	}
	want, err := repackLegacyPseudonymHex("0xabcdef")
	if err != nil {
		t.Fatalf("repack expected pseudonym: %v", err)
	}
	if _, ok := members[want]; !ok {
		t.Fatalf("expected fixed-length pseudonym key %q among %v", want, keysOf(members))
	}

	backupPath := dbPath + "_before_lp_and_pp_reserialization"
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("expected migration backup file: %v", err)
	}

	verify, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("reopen db for verification: %v", err)
	}
	defer verify.Close()
	var payload string
	row := verify.QueryRow(`SELECT payload FROM events WHERE kind = 'participantGroupMembership'`)
	if err := row.Scan(&payload); err != nil {
		t.Fatalf("read migrated payload: %v", err)
	}
	if want := `"LocalPseudonymHex":"` + want + `"`; !strings.Contains(payload, want) {
		t.Fatalf("expected migrated payload to contain %q, got %s", want, payload)
	}
}

func TestEnsureLPPPReserializedNoopWhenAlreadyFixed(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "am.sqlite")
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.CreateParticipantGroup(DataAdmin, "AllPatients"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	fixedHex, err := repackLegacyPseudonymHex("01")
	if err != nil {
		t.Fatalf("repack fixture pseudonym: %v", err)
	}
	if err := store.AddParticipantToGroup(DataAdmin, "AllPatients", fixedHex); err != nil {
		t.Fatalf("add participant: %v", err)
	}

	migrated, err := store.ensureLPPPReserialized(dsn)
	if err != nil {
		t.Fatalf("ensureLPPPReserialized: %v", err)
	}
	if migrated {
		t.Fatal("expected no migration when pseudonyms are already fixed-length")
	}
}

func keysOf(m map[string]membershipState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

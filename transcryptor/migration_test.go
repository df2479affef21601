package transcryptor

import (
	"database/sql"
	"encoding/binary"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func lengthPrefixedChainBlob(leaves ...string) []byte {
	var blob []byte
	for _, leaf := range leaves {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(leaf)))
		blob = append(blob, lenBuf[:]...)
		blob = append(blob, []byte(leaf)...)
	}
	return blob
}

func TestEnsureMigratedReinternsLegacyCertChain(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "ts.sqlite")

	seed, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	if _, err := seed.Exec(`CREATE TABLE ticket_requests (
		request_id TEXT PRIMARY KEY,
		user_group TEXT NOT NULL,
		mode_set_key TEXT NOT NULL,
		column_set_key TEXT NOT NULL,
		pseudonym_set_key TEXT NOT NULL,
		cert_chain_blob BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		issued INTEGER NOT NULL DEFAULT 0,
		issued_column_set_key TEXT,
		issued_timestamp INTEGER
	)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	blob := lengthPrefixedChainBlob("leaf-cert", "root-cert")
	if _, err := seed.Exec(`INSERT INTO ticket_requests
		(request_id, user_group, mode_set_key, column_set_key, pseudonym_set_key, cert_chain_blob, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"req-1", "Researcher", "m1", "c1", "p1", blob, 1700000000); err != nil {
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

	var fingerprint sql.NullString
	row := store.db.QueryRow(`SELECT cert_fingerprint FROM ticket_requests WHERE request_id = ?`, "req-1")
	if err := row.Scan(&fingerprint); err != nil {
		t.Fatalf("read migrated row: %v", err)
	}
	if !fingerprint.Valid || fingerprint.String == "" {
		t.Fatal("expected a non-empty cert fingerprint after migration")
	}

	var leafCount int
	row = store.db.QueryRow(`SELECT COUNT(1) FROM cert_chains WHERE fingerprint = ?`, fingerprint.String)
	if err := row.Scan(&leafCount); err != nil {
		t.Fatalf("count cert_chains row: %v", err)
	}
	if leafCount != 1 {
		t.Fatalf("expected the migrated leaf to be interned, got count %d", leafCount)
	}

	var historyCount int
	row = store.db.QueryRow(`SELECT COUNT(1) FROM migration_history WHERE target_version = ?`, schemaTargetVersion)
	if err := row.Scan(&historyCount); err != nil {
		t.Fatalf("count migration_history: %v", err)
	}
	if historyCount != 1 {
		t.Fatalf("expected exactly one migration_history row, got %d", historyCount)
	}

	migrationSeq, _ := store.chains["migration"].Current()
	if migrationSeq != 1 {
		t.Fatalf("expected one checksumCorrection folded into the migration chain, got seqno %d", migrationSeq)
	}
}

func TestEnsureMigratedNoopOnFreshStore(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "ts.sqlite")
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var count int
	row := store.db.QueryRow(`SELECT COUNT(1) FROM migration_history`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count migration_history: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one migration_history row on a fresh store, got %d", count)
	}

	if err := store.ensureMigrated(); err != nil {
		t.Fatalf("second ensureMigrated call: %v", err)
	}
	row = store.db.QueryRow(`SELECT COUNT(1) FROM migration_history`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count migration_history after second call: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected ensureMigrated to stay idempotent, got %d rows", count)
	}
}

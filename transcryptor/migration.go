package transcryptor

import (
	"database/sql"
	"fmt"
)

// schemaTargetVersion is the schema version every fresh store is created
// at. migrateFromV1ToV2 brings a legacy (v1) database up to it.
const schemaTargetVersion = 2

// ensureMigrated implements spec.md §4.8's startup migration check: if the
// schema is already in sync and migration_history is non-empty, this is a
// no-op; if migration_history is empty and no legacy v1 column is present,
// the database is fresh and the target version is recorded directly;
// otherwise migrateFromV1ToV2 runs.
func (s *Store) ensureMigrated() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS migration_history (
		target_version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL,
		checksum_correction TEXT
	)`); err != nil {
		return fmt.Errorf("transcryptor: create migration_history: %w", err)
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(1) FROM migration_history`)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("transcryptor: count migration_history: %w", err)
	}
	if count > 0 {
		return nil
	}

	legacy, err := s.hasLegacyCertChainColumn()
	if err != nil {
		return err
	}
	if !legacy {
		return recordMigration(s.db, schemaTargetVersion, "")
	}
	return s.migrateFromV1ToV2()
}

// executor is satisfied by both *sql.DB and *sql.Tx, so recordMigration can
// run standalone or as the last statement of an in-flight transaction.
type executor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// hasLegacyCertChainColumn reports whether ticket_requests still carries
// the v1 inline certificate chain column instead of the interned
// cert_fingerprint reference.
func (s *Store) hasLegacyCertChainColumn() (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(ticket_requests)`)
	if err != nil {
		return false, fmt.Errorf("transcryptor: inspect ticket_requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("transcryptor: scan column info: %w", err)
		}
		if name == "cert_chain_blob" {
			return true, nil
		}
	}
	return false, rows.Err()
}

func recordMigration(exec executor, version int, checksumCorrection string) error {
	var correction interface{}
	if checksumCorrection != "" {
		correction = checksumCorrection
	}
	if _, err := exec.Exec(`INSERT INTO migration_history (target_version, applied_at, checksum_correction) VALUES (?, strftime('%s','now'), ?)`,
		version, correction); err != nil {
		return fmt.Errorf("transcryptor: record migration: %w", err)
	}
	return nil
}

// migrateFromV1ToV2 moves each row's inline certificate chain out of
// ticket_requests into the interned cert_chains table, and folds a
// per-row checksumCorrection into the "migration" chain. The
// "ticket-request" chain's own fold (see LogRequest) never includes the
// certificate fingerprint, so this move leaves that chain untouched by
// construction; checksumCorrection exists to give an auditor a record of
// what changed regardless.
func (s *Store) migrateFromV1ToV2() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("transcryptor: begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`ALTER TABLE ticket_requests ADD COLUMN cert_fingerprint TEXT`); err != nil {
		return fmt.Errorf("transcryptor: add cert_fingerprint column: %w", err)
	}

	rows, err := tx.Query(`SELECT request_id, cert_chain_blob FROM ticket_requests`)
	if err != nil {
		return fmt.Errorf("transcryptor: read legacy rows: %w", err)
	}
	type legacyRow struct {
		requestID string
		blob      []byte
	}
	var legacyRows []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.requestID, &r.blob); err != nil {
			rows.Close()
			return fmt.Errorf("transcryptor: scan legacy row: %w", err)
		}
		legacyRows = append(legacyRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	migrationChain, ok := s.chains["migration"]
	if !ok {
		return fmt.Errorf("transcryptor: missing migration chain")
	}

	for _, r := range legacyRows {
		fp, err := s.internCertChainTx(tx, splitCertChainBlob(r.blob))
		if err != nil {
			return fmt.Errorf("transcryptor: intern legacy cert chain for %s: %w", r.requestID, err)
		}
		if _, err := tx.Exec(`UPDATE ticket_requests SET cert_fingerprint = ? WHERE request_id = ?`, fp, r.requestID); err != nil {
			return fmt.Errorf("transcryptor: rewrite cert fingerprint for %s: %w", r.requestID, err)
		}
		migrationChain.Append([]byte(fmt.Sprintf("checksumCorrection:%s:%s", r.requestID, fp)))
	}

	if _, err := tx.Exec(`ALTER TABLE ticket_requests DROP COLUMN cert_chain_blob`); err != nil {
		return fmt.Errorf("transcryptor: drop legacy column: %w", err)
	}
	if err := recordMigration(tx, schemaTargetVersion, fmt.Sprintf("%d rows reinterned", len(legacyRows))); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transcryptor: commit migration: %w", err)
	}
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("transcryptor: vacuum after migration: %w", err)
	}
	return nil
}

// splitCertChainBlob decodes the v1 inline chain encoding: each leaf is
// length-prefixed (4-byte big-endian) and concatenated leaf-first.
func splitCertChainBlob(blob []byte) [][]byte {
	var chain [][]byte
	for len(blob) >= 4 {
		n := int(blob[0])<<24 | int(blob[1])<<16 | int(blob[2])<<8 | int(blob[3])
		blob = blob[4:]
		if n < 0 || n > len(blob) {
			break
		}
		chain = append(chain, blob[:n])
		blob = blob[n:]
	}
	return chain
}

// internCertChainTx is internCertChain run against an existing transaction
// rather than s.db directly, so the v1→v2 migration's cert reinterning and
// its migration_history row commit atomically.
func (s *Store) internCertChainTx(tx *sql.Tx, chain [][]byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentFP := ""
	fingerprints := make([]string, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		leaf := chain[i]
		fp := certFingerprint(leaf, parentFP)
		fingerprints[i] = fp

		var exists int
		row := tx.QueryRow(`SELECT COUNT(1) FROM cert_chains WHERE fingerprint = ?`, fp)
		if err := row.Scan(&exists); err != nil {
			return "", fmt.Errorf("transcryptor: check cert chain row: %w", err)
		}
		if exists == 0 {
			var parentArg interface{}
			if parentFP != "" {
				parentArg = parentFP
			}
			if _, err := tx.Exec(`INSERT INTO cert_chains (fingerprint, leaf, parent_fingerprint) VALUES (?, ?, ?)`, fp, leaf, parentArg); err != nil {
				return "", fmt.Errorf("transcryptor: insert cert chain row: %w", err)
			}
		}
		parentFP = fp
	}
	return parentFP, nil
}

package accessmanager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// legacyPseudonymHexLength is the fixed hex length of a packed 32-byte
// local pseudonym. A shorter (or "0x"-prefixed) encoding marks the
// pre-migration variable-length representation, per spec.md §4.6.
const legacyPseudonymHexLength = 64

// detectLegacyEncoding reports whether any participant-group membership
// event still carries a local pseudonym outside the fixed-length packed
// form.
func (s *Store) detectLegacyEncoding() (bool, error) {
	rows, err := s.db.Query(`SELECT payload FROM events WHERE kind = 'participantGroupMembership'`)
	if err != nil {
		return false, fmt.Errorf("accessmanager: scan for legacy encoding: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return false, fmt.Errorf("accessmanager: scan legacy row: %w", err)
		}
		var p participantGroupMembershipPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return false, fmt.Errorf("accessmanager: decode legacy row: %w", err)
		}
		if isLegacyPseudonymHex(p.LocalPseudonymHex) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func isLegacyPseudonymHex(hex string) bool {
	return strings.HasPrefix(hex, "0x") || len(strings.TrimPrefix(hex, "0x")) != legacyPseudonymHexLength
}

// repackLegacyPseudonymHex normalizes a legacy variable-length pseudonym
// encoding into the fixed-length packed hex form: strips an optional "0x"
// prefix and left-pads with zeros to legacyPseudonymHexLength.
func repackLegacyPseudonymHex(legacy string) (string, error) {
	trimmed := strings.TrimPrefix(legacy, "0x")
	if len(trimmed) > legacyPseudonymHexLength {
		return "", fmt.Errorf("accessmanager: legacy pseudonym %q exceeds 32 bytes", legacy)
	}
	return strings.Repeat("0", legacyPseudonymHexLength-len(trimmed)) + trimmed, nil
}

// ensureLPPPReserialized implements spec.md §4.6's local pseudonym
// re-serialization migration: if any participant-group membership event
// still carries a legacy-encoded pseudonym, it makes a one-time backup of
// the database file beside dsn's path (failing if one already exists) and
// rewrites every such event's payload to the fixed-length packed form
// within a single transaction. Must run before replay, so the in-memory
// cache is only ever built from already-normalized rows. Reports whether a
// migration ran.
func (s *Store) ensureLPPPReserialized(dsn string) (bool, error) {
	legacy, err := s.detectLegacyEncoding()
	if err != nil {
		return false, err
	}
	if !legacy {
		return false, nil
	}

	if err := backupBeforeReserialization(dsn); err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("accessmanager: begin reserialization: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT seqno, payload FROM events WHERE kind = 'participantGroupMembership'`)
	if err != nil {
		return false, fmt.Errorf("accessmanager: read legacy rows: %w", err)
	}
	type legacyRow struct {
		seqno   int64
		payload string
	}
	var legacyRows []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.seqno, &r.payload); err != nil {
			rows.Close()
			return false, fmt.Errorf("accessmanager: scan legacy row: %w", err)
		}
		legacyRows = append(legacyRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, r := range legacyRows {
		var p participantGroupMembershipPayload
		if err := json.Unmarshal([]byte(r.payload), &p); err != nil {
			return false, fmt.Errorf("accessmanager: decode legacy payload at seqno %d: %w", r.seqno, err)
		}
		fixed, err := repackLegacyPseudonymHex(p.LocalPseudonymHex)
		if err != nil {
			return false, fmt.Errorf("accessmanager: repack pseudonym at seqno %d: %w", r.seqno, err)
		}
		p.LocalPseudonymHex = fixed
		raw, err := json.Marshal(p)
		if err != nil {
			return false, fmt.Errorf("accessmanager: re-encode payload at seqno %d: %w", r.seqno, err)
		}
		if _, err := tx.Exec(`UPDATE events SET payload = ? WHERE seqno = ?`, string(raw), r.seqno); err != nil {
			return false, fmt.Errorf("accessmanager: rewrite payload at seqno %d: %w", r.seqno, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("accessmanager: commit reserialization: %w", err)
	}
	return true, nil
}

func backupBeforeReserialization(dsn string) error {
	path := dsnPath(dsn)
	if path == "" {
		return nil
	}
	backupPath := path + "_before_lp_and_pp_reserialization"
	if _, err := os.Stat(backupPath); err == nil {
		return fmt.Errorf("accessmanager: reserialization backup already exists at %s", backupPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("accessmanager: stat backup path: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("accessmanager: open db file for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("accessmanager: create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("accessmanager: copy backup: %w", err)
	}
	return nil
}

// dsnPath extracts the filesystem path from a "file:"-prefixed sqlite DSN,
// dropping any query string. Returns "" for in-memory or unrecognized DSNs.
func dsnPath(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, ":memory:") {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// Package storagefacility implements the Storage Facility cell store (C9):
// an append-only per-cell history keyed by (local pseudonym, column), opaque
// authenticated-encryption ids for history entries, content-addressed blob
// storage on disk, metadata-only updates, tombstone delete, paginated
// enumeration, and checksum chains. Grounded on core/storage.go's diskLRU
// on-disk cache keyed by CID, generalized from an IPFS-gateway pinning cache
// into a local content-addressed page store, and
// original_source/cpp/pep/storagefacility/StorageFacility.cpp for entry and
// metadata semantics.
package storagefacility

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	_ "modernc.org/sqlite"

	"github.com/pep-core/pep/internal/chainsum"
	"github.com/pep-core/pep/internal/identity"
	"github.com/pep-core/pep/internal/pepfault"
)

// maxEnumerationBatch bounds how many entries Enumerate returns per call,
// per spec.md §4.9.
const maxEnumerationBatch = 2500

// defaultCheckpointInterval is how often the checksum chains take a new
// checkpoint; spec.md §4.9 calls this "one minute ago" by default.
const defaultCheckpointInterval = time.Minute

var chainNames = []string{"files", "entry-count"}

// Store is the Storage Facility's cell store: a SQLite-backed entry index
// over a content-addressed blob directory on disk.
type Store struct {
	mu           sync.Mutex
	db           *sql.DB
	blobDir      string
	opaqueIDKey  [32]byte
	chains       map[string]*chainsum.Chain
	lastCheckpoint map[string]time.Time
	metaOnlySchemes map[string]bool
}

// Open opens (creating if absent) the SQLite-backed entry index at dsn,
// storing content blobs under blobDir, with opaqueIDKey used to encrypt
// history-entry ids.
func Open(dsn, blobDir string, opaqueIDKey [32]byte) (*Store, error) {
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("storagefacility: create blob dir: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storagefacility: open db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		seqno INTEGER PRIMARY KEY AUTOINCREMENT,
		cell_key TEXT NOT NULL,
		opaque_id TEXT NOT NULL UNIQUE,
		valid_from INTEGER NOT NULL,
		tombstone INTEGER NOT NULL DEFAULT 0,
		content_cid TEXT,
		content_len INTEGER,
		content_checksum INTEGER,
		meta_only INTEGER NOT NULL DEFAULT 0,
		scheme TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storagefacility: create schema: %w", err)
	}

	chains := make(map[string]*chainsum.Chain, len(chainNames))
	for _, name := range chainNames {
		chains[name] = chainsum.New(name)
	}

	return &Store{
		db:              db,
		blobDir:         blobDir,
		opaqueIDKey:     opaqueIDKey,
		chains:          chains,
		lastCheckpoint:  make(map[string]time.Time),
		metaOnlySchemes: make(map[string]bool),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AllowMetadataOnlyUpdates marks scheme as one whose entries may be updated
// in place without rewriting their content blob.
func (s *Store) AllowMetadataOnlyUpdates(scheme string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaOnlySchemes[scheme] = true
}

// CellKey derives the storage key for a (local pseudonym, column) cell.
func CellKey(localPseudonymSF []byte, column string) string {
	h := xxhash.New()
	h.Write(localPseudonymSF)
	h.Write([]byte{0})
	h.Write([]byte(column))
	return hex.EncodeToString(h.Sum(nil))
}

func contentAddress(payload []byte) (string, error) {
	sum, err := mh.Sum(payload, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

func (s *Store) blobPath(contentCID string) string {
	return filepath.Join(s.blobDir, contentCID)
}

func (s *Store) writeBlobIfAbsent(contentCID string, payload []byte) error {
	path := s.blobPath(contentCID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, payload, 0o644)
}

func (s *Store) encryptOpaqueID(cellKey, entryName string, validFrom time.Time) (string, error) {
	plaintext := []byte(entryName + "|" + validFrom.UTC().Format(time.RFC3339Nano))
	blob, err := identity.Encrypt(s.opaqueIDKey[:], plaintext, []byte(cellKey))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(blob), nil
}

// Store appends a new history entry for the (localPseudonymSF, column)
// cell with payload as its content, becoming the cell's current version as
// of validFrom, and returns its opaque id.
func (s *Store) Store(localPseudonymSF []byte, column string, scheme string, payload []byte, validFrom time.Time) (string, error) {
	cellKey := CellKey(localPseudonymSF, column)
	contentCID, err := contentAddress(payload)
	if err != nil {
		return "", pepfault.Wrap(pepfault.KindFatal, "storagefacility.Store", "cannot address content", err)
	}
	if err := s.writeBlobIfAbsent(contentCID, payload); err != nil {
		return "", pepfault.Wrap(pepfault.KindFatal, "storagefacility.Store", "cannot write blob", err)
	}
	checksum := xxhash.Sum64(payload)

	entryName := uuid.New().String()
	opaqueID, err := s.encryptOpaqueID(cellKey, entryName, validFrom)
	if err != nil {
		return "", pepfault.Wrap(pepfault.KindFatal, "storagefacility.Store", "cannot seal opaque id", err)
	}

	s.mu.Lock()
	_, err = s.db.Exec(`INSERT INTO entries
		(cell_key, opaque_id, valid_from, content_cid, content_len, content_checksum, meta_only, scheme)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		cellKey, opaqueID, validFrom.Unix(), contentCID, len(payload), int64(checksum), scheme)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("storagefacility: insert entry: %w", err)
	}

	s.foldChain("files", []byte(contentCID))
	s.foldChain("entry-count", []byte(cellKey+":"+opaqueID))
	return opaqueID, nil
}

func (s *Store) foldChain(name string, record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chain, ok := s.chains[name]; ok {
		chain.Append(record)
	}
}

type entryRow struct {
	cellKey      string
	validFrom    int64
	tombstone    bool
	contentCID   string
	contentLen   int64
	checksum     uint64
	metaOnly     bool
	scheme       string
}

func (s *Store) lookupByOpaqueID(opaqueID string) (entryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row entryRow
	var tomb, meta int
	var contentCID sql.NullString
	var contentLen, checksum sql.NullInt64
	var scheme sql.NullString
	err := s.db.QueryRow(`SELECT cell_key, valid_from, tombstone, content_cid, content_len, content_checksum, meta_only, scheme
		FROM entries WHERE opaque_id = ?`, opaqueID).
		Scan(&row.cellKey, &row.validFrom, &tomb, &contentCID, &contentLen, &checksum, &meta, &scheme)
	if err == sql.ErrNoRows {
		return entryRow{}, pepfault.New(pepfault.KindNotFound, "storagefacility.lookupByOpaqueID", "unknown entry id")
	}
	if err != nil {
		return entryRow{}, fmt.Errorf("storagefacility: lookup entry: %w", err)
	}
	row.tombstone = tomb != 0
	row.metaOnly = meta != 0
	row.contentCID = contentCID.String
	row.contentLen = contentLen.Int64
	row.checksum = uint64(checksum.Int64)
	row.scheme = scheme.String
	return row, nil
}

// Read returns the payload stored under opaqueID, verifying its checksum.
// If the entry has been reduced to metadata-only, ok is false and no
// payload is returned.
func (s *Store) Read(opaqueID string) (payload []byte, ok bool, err error) {
	row, err := s.lookupByOpaqueID(opaqueID)
	if err != nil {
		return nil, false, err
	}
	if row.tombstone {
		return nil, false, pepfault.New(pepfault.KindNotFound, "storagefacility.Read", "entry has been deleted")
	}
	if row.metaOnly {
		return nil, false, nil
	}
	payload, err = os.ReadFile(s.blobPath(row.contentCID))
	if err != nil {
		return nil, false, pepfault.Wrap(pepfault.KindFatal, "storagefacility.Read", "cannot read blob", err)
	}
	if xxhash.Sum64(payload) != row.checksum {
		return nil, false, pepfault.New(pepfault.KindFatal, "storagefacility.Read", "content checksum mismatch")
	}
	return payload, true, nil
}

// ReadCurrent returns the opaque id and payload of the most recent,
// non-tombstoned entry for a cell.
func (s *Store) ReadCurrent(localPseudonymSF []byte, column string) (opaqueID string, payload []byte, err error) {
	cellKey := CellKey(localPseudonymSF, column)
	s.mu.Lock()
	err = s.db.QueryRow(`SELECT opaque_id FROM entries
		WHERE cell_key = ? AND tombstone = 0
		ORDER BY valid_from DESC, seqno DESC LIMIT 1`, cellKey).Scan(&opaqueID)
	s.mu.Unlock()
	if err == sql.ErrNoRows {
		return "", nil, pepfault.New(pepfault.KindNotFound, "storagefacility.ReadCurrent", "no live entry for cell")
	}
	if err != nil {
		return "", nil, fmt.Errorf("storagefacility: query current entry: %w", err)
	}
	payload, _, err = s.Read(opaqueID)
	return opaqueID, payload, err
}

// UpdateMetadataOnly reduces an entry to metadata-only, when the entry's
// scheme was registered via AllowMetadataOnlyUpdates, so that Read returns
// no payload for it. The row keeps its content address and the blob stays
// on disk.
func (s *Store) UpdateMetadataOnly(opaqueID string) error {
	row, err := s.lookupByOpaqueID(opaqueID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	allowed := s.metaOnlySchemes[row.scheme]
	s.mu.Unlock()
	if !allowed {
		return pepfault.New(pepfault.KindRefused, "storagefacility.UpdateMetadataOnly", "scheme does not support metadata-only updates: "+row.scheme)
	}
	s.mu.Lock()
	_, err = s.db.Exec(`UPDATE entries SET meta_only = 1 WHERE opaque_id = ?`, opaqueID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("storagefacility: update metadata-only: %w", err)
	}
	return nil
}

// Delete tombstones an entry. The underlying content blob is left in place
// since other history entries may share it by content address.
func (s *Store) Delete(opaqueID string) error {
	s.mu.Lock()
	res, err := s.db.Exec(`UPDATE entries SET tombstone = 1 WHERE opaque_id = ?`, opaqueID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("storagefacility: delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pepfault.New(pepfault.KindNotFound, "storagefacility.Delete", "unknown entry id")
	}
	return nil
}

// Enumerate lists up to maxEnumerationBatch live opaque ids with seqno
// greater than afterSeqno, returning the seqno to pass as afterSeqno on the
// next call (0 once exhausted).
func (s *Store) Enumerate(afterSeqno int64) (ids []string, nextSeqno int64, err error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT seqno, opaque_id FROM entries
		WHERE seqno > ? AND tombstone = 0
		ORDER BY seqno ASC LIMIT ?`, afterSeqno, maxEnumerationBatch)
	s.mu.Unlock()
	if err != nil {
		return nil, 0, fmt.Errorf("storagefacility: enumerate: %w", err)
	}
	defer rows.Close()

	var last int64
	for rows.Next() {
		var seqno int64
		var opaqueID string
		if err := rows.Scan(&seqno, &opaqueID); err != nil {
			return nil, 0, fmt.Errorf("storagefacility: enumerate scan: %w", err)
		}
		ids = append(ids, opaqueID)
		last = seqno
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == maxEnumerationBatch {
		return ids, last, nil
	}
	return ids, 0, nil
}

// EntryCount returns the number of live (non-tombstoned) entries, for the
// pep_sf_entries gauge.
func (s *Store) EntryCount() (int64, error) {
	var n int64
	s.mu.Lock()
	err := s.db.QueryRow(`SELECT COUNT(1) FROM entries WHERE tombstone = 0`).Scan(&n)
	s.mu.Unlock()
	return n, err
}

// MetaOnlyCount returns the number of live entries reduced to
// metadata-only, for the pep_sf_meta_on_disk gauge.
func (s *Store) MetaOnlyCount() (int64, error) {
	var n int64
	s.mu.Lock()
	err := s.db.QueryRow(`SELECT COUNT(1) FROM entries WHERE tombstone = 0 AND meta_only = 1`).Scan(&n)
	s.mu.Unlock()
	return n, err
}

// ChecksumChainNames returns the names of every checksum chain this store
// maintains.
func (s *Store) ChecksumChainNames() []string {
	names := append([]string(nil), chainNames...)
	sort.Strings(names)
	return names
}

// ComputeChecksumChain returns the current checksum and checkpoint for the
// named chain.
func (s *Store) ComputeChecksumChain(name string) (sum [32]byte, checkpoint uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[name]
	if !ok {
		return [32]byte{}, 0, pepfault.New(pepfault.KindNotFound, "storagefacility.ComputeChecksumChain", "unknown chain: "+name)
	}
	seqNo, accumulator := chain.Current()
	return accumulator, seqNo, nil
}

// CheckpointIfDue takes a new checkpoint of the named chain if the last one
// (if any) is older than defaultCheckpointInterval, and reports whether it
// did.
func (s *Store) CheckpointIfDue(name string) (chainsum.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[name]
	if !ok {
		return chainsum.Checkpoint{}, false
	}
	if last, ok := s.lastCheckpoint[name]; ok && time.Since(last) < defaultCheckpointInterval {
		return chainsum.Checkpoint{}, false
	}
	cp := chain.Checkpoint()
	s.lastCheckpoint[name] = time.Now()
	return cp, true
}

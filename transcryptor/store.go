// Package transcryptor implements the Transcryptor's storage and log (C8):
// an append-only log of ticket requests and issuances with content-addressed
// interning of mode/column/pseudonym sets and certificate chains, backed by
// SQLite, plus the translation and co-signing steps themselves. Grounded on
// original_source/cpp/pep/transcryptor/Storage.cpp's interning tables and
// core/security.go's BLS signing.
package transcryptor

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pep-core/pep/internal/chainsum"
)

var chainNames = []string{
	"migration",
	"ticket-request",
	"ticket-issue",
	"pseudonym-set",
	"pseudonym-set-pseudonym",
	"column-set",
	"column-set-column",
	"mode-set",
	"mode-set-mode",
}

// Store is the Transcryptor's durable request/issuance log with set and
// certificate-chain interning.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	chains map[string]*chainsum.Chain
}

// Open opens (creating if absent) the SQLite-backed log at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("transcryptor: open db: %w", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sets (
			kind TEXT NOT NULL,
			content_key TEXT NOT NULL,
			seqno INTEGER NOT NULL,
			PRIMARY KEY (kind, content_key)
		)`,
		`CREATE TABLE IF NOT EXISTS set_members (
			kind TEXT NOT NULL,
			seqno INTEGER NOT NULL,
			member TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cert_chains (
			fingerprint TEXT PRIMARY KEY,
			leaf BLOB NOT NULL,
			parent_fingerprint TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ticket_requests (
			request_id TEXT PRIMARY KEY,
			user_group TEXT NOT NULL,
			mode_set_key TEXT NOT NULL,
			column_set_key TEXT NOT NULL,
			pseudonym_set_key TEXT NOT NULL,
			cert_fingerprint TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			issued INTEGER NOT NULL DEFAULT 0,
			issued_column_set_key TEXT,
			issued_timestamp INTEGER
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("transcryptor: create schema: %w", err)
		}
	}

	chains := make(map[string]*chainsum.Chain, len(chainNames))
	for _, name := range chainNames {
		chains[name] = chainsum.New(name)
	}
	s := &Store{db: db, chains: chains}
	if err := s.ensureMigrated(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// contentKey derives the deduplication key for a set of members: sorted,
// length-prefixed, SHA-256, truncated to 20 bytes and hex-encoded.
func contentKey(members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, m := range sorted {
		var lenBuf [4]byte
		l := len(m)
		lenBuf[0] = byte(l >> 24)
		lenBuf[1] = byte(l >> 16)
		lenBuf[2] = byte(l >> 8)
		lenBuf[3] = byte(l)
		h.Write(lenBuf[:])
		h.Write([]byte(m))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:20])
}

// internSet deduplicates members under kind ("mode", "column",
// "pseudonym"), returning the existing seqno if this exact member set has
// been seen before, or interning a fresh one and folding both the set and
// member-join chains.
func (s *Store) internSet(kind string, members []string) (seqno int64, key string, err error) {
	key = contentKey(members)

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT seqno FROM sets WHERE kind = ? AND content_key = ?`, kind, key)
	if err := row.Scan(&seqno); err == nil {
		return seqno, key, nil
	} else if err != sql.ErrNoRows {
		return 0, "", fmt.Errorf("transcryptor: lookup %s set: %w", kind, err)
	}

	row = s.db.QueryRow(`SELECT COALESCE(MAX(seqno), 0) + 1 FROM sets WHERE kind = ?`, kind)
	if err := row.Scan(&seqno); err != nil {
		return 0, "", fmt.Errorf("transcryptor: next %s seqno: %w", kind, err)
	}
	if _, err := s.db.Exec(`INSERT INTO sets (kind, content_key, seqno) VALUES (?, ?, ?)`, kind, key, seqno); err != nil {
		return 0, "", fmt.Errorf("transcryptor: insert %s set: %w", kind, err)
	}

	setChain := s.chains[kind+"-set"]
	setRecord := fmt.Sprintf("%s:%s:%d", kind, key, seqno)
	if setChain != nil {
		setChain.Append([]byte(setRecord))
	}

	memberChain := s.chains[kind+"-set-"+kind]
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	for _, m := range sorted {
		if _, err := s.db.Exec(`INSERT INTO set_members (kind, seqno, member) VALUES (?, ?, ?)`, kind, seqno, m); err != nil {
			return 0, "", fmt.Errorf("transcryptor: insert %s member: %w", kind, err)
		}
		if memberChain != nil {
			memberChain.Append([]byte(fmt.Sprintf("%s:%d:%s", kind, seqno, m)))
		}
	}

	return seqno, key, nil
}

// certFingerprint derives a chain link's fingerprint from its own leaf
// bytes and its parent's fingerprint, so two identical leaves with
// different ancestry never collide.
func certFingerprint(leaf []byte, parentFP string) string {
	h := sha256.New()
	h.Write(leaf)
	h.Write([]byte(parentFP))
	return hex.EncodeToString(h.Sum(nil))
}

// internCertChain inserts a certificate chain (leaf first, root last),
// starting from the deepest existing suffix, and returns the leaf's
// fingerprint.
func (s *Store) internCertChain(chain [][]byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentFP := ""
	// Walk root-to-leaf so each fingerprint folds in its parent's.
	fingerprints := make([]string, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		leaf := chain[i]
		fp := certFingerprint(leaf, parentFP)
		fingerprints[i] = fp

		var exists int
		row := s.db.QueryRow(`SELECT COUNT(1) FROM cert_chains WHERE fingerprint = ?`, fp)
		if err := row.Scan(&exists); err != nil {
			return "", fmt.Errorf("transcryptor: check cert chain row: %w", err)
		}
		if exists == 0 {
			var parentArg interface{}
			if parentFP != "" {
				parentArg = parentFP
			}
			if _, err := s.db.Exec(`INSERT INTO cert_chains (fingerprint, leaf, parent_fingerprint) VALUES (?, ?, ?)`, fp, leaf, parentArg); err != nil {
				return "", fmt.Errorf("transcryptor: insert cert chain row: %w", err)
			}
		}
		parentFP = fp
	}
	return parentFP, nil
}

func (s *Store) foldRequestChain(name string, record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chain, ok := s.chains[name]; ok {
		chain.Append(record)
	}
}

// ChecksumChainNames returns the names of every checksum chain this store
// maintains.
func (s *Store) ChecksumChainNames() []string {
	return append([]string(nil), chainNames...)
}

// ComputeChecksumChain returns the current checksum and checkpoint for the
// named chain.
func (s *Store) ComputeChecksumChain(name string) (sum [32]byte, checkpoint uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[name]
	if !ok {
		return [32]byte{}, 0, fmt.Errorf("transcryptor: unknown chain: %s", name)
	}
	seqNo, accumulator := chain.Current()
	return accumulator, seqNo, nil
}

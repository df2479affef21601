package transcryptor

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/internal/pepfault"
	"github.com/pep-core/pep/internal/scalar"
	"github.com/pep-core/pep/internal/translator"
	"github.com/pep-core/pep/ticket"
)

// maxTicketClockSkew bounds how far a logged ticket's timestamp may drift
// from the Transcryptor's clock, per spec.md §4.8.
const maxTicketClockSkew = 5 * time.Minute

// Server is the Transcryptor: it logs ticket requests and issuances,
// performs the certified translation step under its own key material, and
// co-signs tickets the Access Manager has already signed.
type Server struct {
	store      *Store
	secretKey  *bls.SecretKey
	publicKey  *bls.PublicKey
	keyRatios  map[string]scalar.Scalar
}

// NewServer returns a Transcryptor server backed by store, identified by
// secretKey for BLS co-signing.
func NewServer(store *Store, secretKey *bls.SecretKey) *Server {
	return &Server{
		store:     store,
		secretKey: secretKey,
		publicKey: secretKey.GetPublicKey(),
		keyRatios: make(map[string]scalar.Scalar),
	}
}

// PublicKey returns the Transcryptor's BLS public key, for callers that
// need to aggregate it with the Access Manager's key when opening tickets.
func (srv *Server) PublicKey() *bls.PublicKey { return srv.publicKey }

// SetKeyRatio registers the key-share ratio the Transcryptor applies when
// translating a polymorphic pseudonym into recipient's local-pseudonym
// domain.
func (srv *Server) SetKeyRatio(recipient string, ratio scalar.Scalar) {
	srv.keyRatios[recipient] = ratio
}

// Translate performs the certified translation step (C5) for recipient,
// using the key-share ratio previously registered via SetKeyRatio.
func (srv *Server) Translate(pp *elgamal.Ciphertext, recipient string) (translator.Step, error) {
	ratio, ok := srv.keyRatios[recipient]
	if !ok {
		return translator.Step{}, pepfault.New(pepfault.KindInvalid, "transcryptor.Translate", "unknown recipient: "+recipient)
	}
	return translator.CertifiedTranslateStep(pp, &ratio)
}

// LoggedRequest is what LogRequest records and returns for one ticket
// request: its derived id, the user group, the interned keys of its mode,
// column and pseudonym-digest sets, the signer's certificate-chain
// fingerprint, and the request timestamp.
type LoggedRequest struct {
	RequestID     string
	UserGroup     string
	ModeSetKey    string
	ColumnSetKey  string
	PseudonymKey  string
	CertFingerprint string
	Timestamp     time.Time
}

// LogRequest interns the request's mode/column/pseudonym sets and its
// signer's certificate chain, records the request, and returns its id.
// The log row survives even if the ticket is never issued.
func (srv *Server) LogRequest(userGroup string, modes []string, columns []string, pseudonymDigests []string, certChain [][]byte, timestamp time.Time) (LoggedRequest, error) {
	_, modeKey, err := srv.store.internSet("mode", modes)
	if err != nil {
		return LoggedRequest{}, err
	}
	_, columnKey, err := srv.store.internSet("column", columns)
	if err != nil {
		return LoggedRequest{}, err
	}
	_, pseudoKey, err := srv.store.internSet("pseudonym", pseudonymDigests)
	if err != nil {
		return LoggedRequest{}, err
	}

	fingerprint, err := srv.store.internCertChain(certChain)
	if err != nil {
		return LoggedRequest{}, err
	}

	requestID := deriveRequestID(userGroup, modeKey, columnKey, pseudoKey, timestamp)

	srv.store.mu.Lock()
	_, err = srv.store.db.Exec(`INSERT INTO ticket_requests
		(request_id, user_group, mode_set_key, column_set_key, pseudonym_set_key, cert_fingerprint, timestamp, issued)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		requestID, userGroup, modeKey, columnKey, pseudoKey, fingerprint, timestamp.Unix())
	srv.store.mu.Unlock()
	if err != nil {
		return LoggedRequest{}, fmt.Errorf("transcryptor: insert ticket request: %w", err)
	}

	record := fmt.Sprintf("%s|%s|%s|%s|%s|%d", requestID, userGroup, modeKey, columnKey, pseudoKey, timestamp.Unix())
	srv.store.foldRequestChain("ticket-request", []byte(record))

	return LoggedRequest{
		RequestID:       requestID,
		UserGroup:       userGroup,
		ModeSetKey:      modeKey,
		ColumnSetKey:    columnKey,
		PseudonymKey:    pseudoKey,
		CertFingerprint: fingerprint,
		Timestamp:       timestamp,
	}, nil
}

func deriveRequestID(userGroup, modeKey, columnKey, pseudoKey string, timestamp time.Time) string {
	h := sha256.New()
	h.Write([]byte(userGroup))
	h.Write([]byte(modeKey))
	h.Write([]byte(columnKey))
	h.Write([]byte(pseudoKey))
	var tsBuf [8]byte
	ts := timestamp.UnixNano()
	for i := 0; i < 8; i++ {
		tsBuf[i] = byte(ts >> (8 * i))
	}
	h.Write(tsBuf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// LogIssuedTicket validates that the Access Manager's about-to-be-issued
// ticket matches a previously logged request, co-signs it, and records the
// issuance.
func (srv *Server) LogIssuedTicket(requestID string, t *ticket.Ticket2, amSignature, amPub []byte) ([]byte, error) {
	var userGroup, modeSetKey, pseudoKey string
	var issued int
	var tsUnix int64
	row := srv.queryRequestRow(requestID)
	if err := row.Scan(&userGroup, &modeSetKey, &pseudoKey, &issued, &tsUnix); err != nil {
		if err == sql.ErrNoRows {
			return nil, pepfault.New(pepfault.KindNotFound, "transcryptor.LogIssuedTicket", "unknown request id")
		}
		return nil, fmt.Errorf("transcryptor: lookup ticket request: %w", err)
	}

	if t.UserGroup != userGroup {
		return nil, pepfault.New(pepfault.KindInvalid, "transcryptor.LogIssuedTicket", "access-group differs from logged request")
	}

	modeStrings := make([]string, len(t.Modes))
	for i, m := range t.Modes {
		modeStrings[i] = string(m)
	}
	if contentKey(modeStrings) != modeSetKey {
		return nil, pepfault.New(pepfault.KindInvalid, "transcryptor.LogIssuedTicket", "mode-set id differs from logged request")
	}

	if time.Since(t.Timestamp).Abs() > maxTicketClockSkew {
		return nil, pepfault.New(pepfault.KindInvalid, "transcryptor.LogIssuedTicket", "ticket timestamp more than 5 minutes from now")
	}

	columnStrings := append([]string(nil), t.Columns...)
	columnSetKey := contentKey(columnStrings)

	signed, err := ticket.Cosign(t, amSignature, amPub, srv.publicKey.Serialize(), srv.secretKey)
	if err != nil {
		return nil, fmt.Errorf("transcryptor: cosign ticket: %w", err)
	}
	coSig := signed.CoSignature

	srv.store.mu.Lock()
	_, execErr := srv.store.db.Exec(`UPDATE ticket_requests SET issued = 1, issued_column_set_key = ?, issued_timestamp = ? WHERE request_id = ?`,
		columnSetKey, t.Timestamp.Unix(), requestID)
	srv.store.mu.Unlock()
	if execErr != nil {
		return nil, fmt.Errorf("transcryptor: mark ticket issued: %w", execErr)
	}

	record := fmt.Sprintf("%s|%s|%d", requestID, columnSetKey, t.Timestamp.Unix())
	srv.store.foldRequestChain("ticket-issue", []byte(record))

	return coSig, nil
}

func (srv *Server) queryRequestRow(requestID string) *sql.Row {
	srv.store.mu.Lock()
	defer srv.store.mu.Unlock()
	return srv.store.db.QueryRow(`SELECT user_group, mode_set_key, pseudonym_set_key, issued, timestamp FROM ticket_requests WHERE request_id = ?`, requestID)
}

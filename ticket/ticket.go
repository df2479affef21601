// Package ticket implements the signed ticket envelope (C10): Ticket2,
// SignedTicket2, and IndexedTicket2, plus Open, which verifies both the
// Access Manager's and the Transcryptor's co-signatures and checks the
// requested mode against the ticket's granted modes. Grounded on spec.md
// §4.10 and §3's Ticket data model, using internal/identity's BLS
// aggregation so the AM and Transcryptor signatures combine into one
// co-signature.
package ticket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pep-core/pep/internal/identity"
	"github.com/pep-core/pep/internal/pepfault"
)

// Mode is an access mode. Column modes and participant-group modes share
// the type but not the value space; callers use the typed constants for
// the kind of check they are performing.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeWrite     Mode = "write"
	ModeReadMeta  Mode = "read-meta"
	ModeWriteMeta Mode = "write-meta"

	ModeAccess    Mode = "access"
	ModeEnumerate Mode = "enumerate"
)

// PartyPseudonym is one party's local-pseudonym ciphertext bytes for a
// single participant referenced by the ticket, opaque to this package.
type PartyPseudonym struct {
	Party          string `json:"party"`
	LocalPseudonym []byte `json:"localPseudonym"`
}

// Ticket2 binds a timestamp, a mode set, a column set, per-party local
// pseudonyms for each referenced participant, and the requester's user
// group.
type Ticket2 struct {
	Timestamp   time.Time          `json:"timestamp"`
	Modes       []Mode             `json:"modes"`
	Columns     []string           `json:"columns"`
	Pseudonyms  [][]PartyPseudonym `json:"pseudonyms"`
	UserGroup   string             `json:"userGroup"`
}

// canonicalize returns a stable byte encoding of the ticket for signing.
func (t *Ticket2) canonicalize() ([]byte, error) {
	return json.Marshal(t)
}

// HasMode reports whether the ticket grants m.
func (t *Ticket2) HasMode(m Mode) bool {
	for _, got := range t.Modes {
		if got == m {
			return true
		}
	}
	return false
}

// HasColumn reports whether column is within the ticket's column set.
func (t *Ticket2) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// SignedTicket2 is a Ticket2 with the Access Manager's signature and the
// Transcryptor's co-signature, aggregated into one BLS signature.
type SignedTicket2 struct {
	Ticket       Ticket2 `json:"ticket"`
	AMPubKey     []byte  `json:"amPubKey"`
	TSPubKey     []byte  `json:"tsPubKey"`
	CoSignature  []byte  `json:"coSignature"`
}

// Sign builds the AM's signature over ticket and returns it raw, to be
// forwarded to the Transcryptor for co-signing via Cosign.
func Sign(ticket *Ticket2, amSecret interface{}) ([]byte, error) {
	msg, err := ticket.canonicalize()
	if err != nil {
		return nil, err
	}
	return identity.Sign(identity.AlgoBLS, amSecret, msg)
}

// Cosign has the Transcryptor add its own signature over the same ticket
// and aggregates it with the AM's signature, producing the SignedTicket2's
// co-signature.
func Cosign(ticket *Ticket2, amSig []byte, amPub, tsPub []byte, tsSecret interface{}) (SignedTicket2, error) {
	msg, err := ticket.canonicalize()
	if err != nil {
		return SignedTicket2{}, err
	}
	tsSig, err := identity.Sign(identity.AlgoBLS, tsSecret, msg)
	if err != nil {
		return SignedTicket2{}, err
	}
	coSig, err := identity.AggregateBLSSigs([][]byte{amSig, tsSig})
	if err != nil {
		return SignedTicket2{}, err
	}
	return SignedTicket2{
		Ticket:      *ticket,
		AMPubKey:    amPub,
		TSPubKey:    tsPub,
		CoSignature: coSig,
	}, nil
}

// Open verifies the ticket's co-signature, confirms the ticket's user
// group matches userGroup, and — if requiredMode is non-empty — that the
// ticket grants requiredMode. On success it returns the inner Ticket2.
func Open(signed *SignedTicket2, userGroup string, requiredMode Mode) (*Ticket2, error) {
	msg, err := signed.Ticket.canonicalize()
	if err != nil {
		return nil, pepfault.Wrap(pepfault.KindInvalid, "ticket.Open", "cannot canonicalize ticket", err)
	}

	aggPub, err := identity.AggregateBLSPublicKeys([][]byte{signed.AMPubKey, signed.TSPubKey})
	if err != nil {
		return nil, pepfault.Wrap(pepfault.KindInvalid, "ticket.Open", "cannot aggregate co-signer public keys", err)
	}
	ok, err := identity.VerifyAggregated(signed.CoSignature, aggPub, msg)
	if err != nil {
		return nil, pepfault.Wrap(pepfault.KindAccessDenied, "ticket.Open", "co-signature verification errored", err)
	}
	if !ok {
		return nil, pepfault.New(pepfault.KindAccessDenied, "ticket.Open", "ticket co-signature invalid or tampered")
	}

	if signed.Ticket.UserGroup != userGroup {
		return nil, pepfault.New(pepfault.KindAccessDenied, "ticket.Open", "ticket user-group mismatch")
	}

	if requiredMode != "" && !signed.Ticket.HasMode(requiredMode) {
		return nil, pepfault.New(pepfault.KindAccessDenied, "ticket.Open", "ticket does not grant required mode")
	}

	t := signed.Ticket
	return &t, nil
}

// IndexMap gives, for a named group (column-group or participant-group),
// the indices into the ticket's Columns/Pseudonyms arrays its members
// occupy — so a client can locate data in the ticket's flat arrays without
// re-querying AM for group structure.
type IndexMap struct {
	ColumnGroupIndices     map[string][]int `json:"columnGroupIndices"`
	ParticipantGroupIndices map[string][]int `json:"participantGroupIndices"`
}

// IndexedTicket2 bundles a SignedTicket2 with the index maps a client
// needs to interpret its flat column/pseudonym arrays.
type IndexedTicket2 struct {
	SignedTicket SignedTicket2 `json:"signedTicket"`
	Indices      IndexMap      `json:"indices"`
}

// ErrUnknownMode is returned by ParseMode for a string outside the known
// mode vocabulary.
var ErrUnknownMode = errors.New("ticket: unknown mode")

// ParseMode validates and converts a wire string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRead, ModeWrite, ModeReadMeta, ModeWriteMeta, ModeAccess, ModeEnumerate:
		return Mode(s), nil
	default:
		return "", ErrUnknownMode
	}
}

package accessmanager

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/sync/errgroup"

	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/internal/identity"
	"github.com/pep-core/pep/internal/pepfault"
	"github.com/pep-core/pep/internal/scalar"
	"github.com/pep-core/pep/ticket"
	"github.com/pep-core/pep/transcryptor"
)

// transcryptorBatchSize is the Transcryptor batch limit of 400 entries, per
// spec.md §4.7. The pipeline calls the in-process Transcryptor once per
// entry, so nothing reads this constant and requests are not split into
// batches.
const transcryptorBatchSize = 400

// lpWorkerPoolSize bounds how many entries are translated and decrypted
// concurrently, per spec.md §4.7's "worker pool in batches of 8".
const lpWorkerPoolSize = 8

// PPEntry is one client-supplied polymorphic pseudonym in a ticket request.
type PPEntry struct {
	Ciphertext elgamal.Ciphertext
}

// TicketRequest is the Access Manager's decoded SignedTicketRequest2: a
// client's request for a ticket, identified and authenticated by an
// Ed25519 signature over its own canonical encoding.
type TicketRequest struct {
	UserGroup                  string
	SignerPublicKey            ed25519.PublicKey
	Signature                  []byte
	Columns                    []string
	ColumnGroups               []string
	ParticipantGroups          []string
	PolymorphicPseudonyms      []PPEntry
	Modes                      []ticket.Mode
	RequestIndexedTicket       bool
	IncludeUserGroupPseudonyms bool
}

type signableRequest struct {
	UserGroup                  string   `json:"userGroup"`
	Columns                    []string `json:"columns"`
	ColumnGroups               []string `json:"columnGroups"`
	ParticipantGroups          []string `json:"participantGroups"`
	PolymorphicPseudonyms      [][]byte `json:"polymorphicPseudonyms"`
	Modes                      []string `json:"modes"`
	RequestIndexedTicket       bool     `json:"requestIndexedTicket"`
	IncludeUserGroupPseudonyms bool     `json:"includeUserGroupPseudonyms"`
}

func (r *TicketRequest) canonicalize() ([]byte, error) {
	pps := make([][]byte, len(r.PolymorphicPseudonyms))
	for i, e := range r.PolymorphicPseudonyms {
		pps[i] = packCiphertext(&e.Ciphertext)
	}
	modes := make([]string, len(r.Modes))
	for i, m := range r.Modes {
		modes[i] = string(m)
	}
	return json.Marshal(signableRequest{
		UserGroup:                  r.UserGroup,
		Columns:                    r.Columns,
		ColumnGroups:               r.ColumnGroups,
		ParticipantGroups:          r.ParticipantGroups,
		PolymorphicPseudonyms:      pps,
		Modes:                      modes,
		RequestIndexedTicket:       r.RequestIndexedTicket,
		IncludeUserGroupPseudonyms: r.IncludeUserGroupPseudonyms,
	})
}

func packCiphertext(ct *elgamal.Ciphertext) []byte {
	var c1, c2 [32]byte
	ct.C1.Pack(&c1)
	ct.C2.Pack(&c2)
	out := make([]byte, 0, 64)
	out = append(out, c1[:]...)
	out = append(out, c2[:]...)
	return out
}

func unpackCiphertext(raw []byte) (elgamal.Ciphertext, error) {
	if len(raw) != 64 {
		return elgamal.Ciphertext{}, fmt.Errorf("accessmanager: malformed ciphertext encoding")
	}
	var c1, c2 [32]byte
	copy(c1[:], raw[:32])
	copy(c2[:], raw[32:])
	var ct elgamal.Ciphertext
	if err := ct.C1.Unpack(&c1); err != nil {
		return elgamal.Ciphertext{}, err
	}
	if err := ct.C2.Unpack(&c2); err != nil {
		return elgamal.Ciphertext{}, err
	}
	return ct, nil
}

// Pipeline is the Access Manager's ticket pipeline (C7): it validates a
// TicketRequest, enforces policy, drives the Transcryptor's translation and
// logging, and returns a co-signed Ticket2.
type Pipeline struct {
	store              *Store
	transcryptorClient *transcryptor.Server
	amSecretKey        *bls.SecretKey
	amElGamalSecret    scalar.Scalar
	amElGamalPublic    curve.Element
	globalPublicKey    curve.Element
	keyRatios          map[string]scalar.Scalar
}

// NewPipeline builds a ticket pipeline over store and ts, identified by the
// AM's BLS signing key and its ElGamal keypair for the AM recipient domain.
// globalPublicKey is the platform-wide key polymorphic pseudonyms are
// encrypted under before any translation.
func NewPipeline(store *Store, ts *transcryptor.Server, amSecretKey *bls.SecretKey, amElGamalSecret scalar.Scalar, globalPublicKey curve.Element) *Pipeline {
	var amPub curve.Element
	amPub.ScalarMultBase(&amElGamalSecret)
	return &Pipeline{
		store:              store,
		transcryptorClient: ts,
		amSecretKey:        amSecretKey,
		amElGamalSecret:    amElGamalSecret,
		amElGamalPublic:    amPub,
		globalPublicKey:    globalPublicKey,
		keyRatios:          make(map[string]scalar.Scalar),
	}
}

// SetKeyRatio registers the key-share ratio the Access Manager applies when
// directly blinding or translating a key for recipient, mirroring the
// ratio the Transcryptor holds for the same recipient.
func (p *Pipeline) SetKeyRatio(recipient string, ratio scalar.Scalar) {
	p.keyRatios[recipient] = ratio
}

func (p *Pipeline) keyRatioFor(recipient string) (scalar.Scalar, error) {
	ratio, ok := p.keyRatios[recipient]
	if !ok {
		return scalar.Scalar{}, pepfault.New(pepfault.KindInvalid, "accessmanager.keyRatioFor", "unknown recipient: "+recipient)
	}
	return ratio, nil
}

type resolvedParticipant struct {
	label          string
	originGroup    string
	ciphertext     elgamal.Ciphertext
	clientSupplied bool
}

// HandleTicketRequest runs the ten-step pipeline: validate, unfold, enforce,
// translate, decrypt, and issue. It returns a bare SignedTicket2 unless
// req.RequestIndexedTicket is set, in which case indexed is populated
// instead.
func (p *Pipeline) HandleTicketRequest(req TicketRequest) (signed *ticket.SignedTicket2, indexed *ticket.IndexedTicket2, err error) {
	msg, err := req.canonicalize()
	if err != nil {
		return nil, nil, pepfault.Wrap(pepfault.KindInvalid, "accessmanager.HandleTicketRequest", "cannot canonicalize request", err)
	}
	ok, err := identity.Verify(identity.AlgoEd25519, req.SignerPublicKey, msg, req.Signature)
	if err != nil || !ok {
		return nil, nil, pepfault.New(pepfault.KindAccessDenied, "accessmanager.HandleTicketRequest", "request signature invalid")
	}

	if len(req.ParticipantGroups) > 0 && len(req.PolymorphicPseudonyms) > 0 {
		return nil, nil, pepfault.New(pepfault.KindInvalid, "accessmanager.HandleTicketRequest", "participant-groups and explicit pseudonyms are mutually exclusive")
	}
	if err := rejectDuplicatePPs(req.PolymorphicPseudonyms); err != nil {
		return nil, nil, err
	}

	for _, c := range req.Columns {
		if !p.store.ColumnExists(c) {
			return nil, nil, pepfault.New(pepfault.KindNotFound, "accessmanager.HandleTicketRequest", "unknown column: "+c)
		}
	}
	for _, g := range req.ColumnGroups {
		if !p.store.ColumnGroupExists(g) {
			return nil, nil, pepfault.New(pepfault.KindNotFound, "accessmanager.HandleTicketRequest", "unknown column-group: "+g)
		}
	}
	for _, g := range req.ParticipantGroups {
		if !p.store.ParticipantGroupExists(g) {
			return nil, nil, pepfault.New(pepfault.KindNotFound, "accessmanager.HandleTicketRequest", "unknown participant-group: "+g)
		}
	}

	now := time.Now().UTC()
	for _, g := range req.ParticipantGroups {
		if err := p.store.assertParticipantAccess(g, req.UserGroup, ticket.ModeAccess, now); err != nil {
			return nil, nil, err
		}
		if err := p.store.assertParticipantAccess(g, req.UserGroup, ticket.ModeEnumerate, now); err != nil {
			return nil, nil, err
		}
	}

	allColumns, columnGroupIndices, err := p.unfoldAndCheckColumns(req)
	if err != nil {
		return nil, nil, err
	}

	entries, participantGroupIndices := p.resolveParticipants(req)

	if err := p.rerandomizeAndCheckAccess(req, entries, now); err != nil {
		return nil, nil, err
	}

	pseudonyms := make([][]ticket.PartyPseudonym, len(entries))
	pseudonymDigests := make([]string, len(entries))
	hasWrite := false
	for _, m := range req.Modes {
		if m == ticket.ModeWrite {
			hasWrite = true
		}
	}

	group, _ := errgroup.WithContext(context.Background())
	group.SetLimit(lpWorkerPoolSize)
	for i := range entries {
		i := i
		group.Go(func() error {
			parties, err := p.translateEntry(&entries[i], req)
			if err != nil {
				return err
			}
			pseudonyms[i] = parties
			pseudonymDigests[i] = digestParty(parties)

			if !entries[i].clientSupplied || !hasWrite {
				return nil
			}
			amStep, err := p.transcryptorClient.Translate(&entries[i].ciphertext, "am")
			if err != nil {
				return err
			}
			lpBytes := elgamal.Decrypt(&p.amElGamalSecret, &amStep.LocalPseudonym)
			var packed [32]byte
			lpBytes.Pack(&packed)
			lpHex := hex.EncodeToString(packed[:])
			if _, known := p.store.SelectStarEntry(lpHex); !known {
				p.store.StoreSelectStarEntry(lpHex, packCiphertext(&entries[i].ciphertext))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	modeStrings := make([]string, len(req.Modes))
	for i, m := range req.Modes {
		modeStrings[i] = string(m)
	}

	t := &ticket.Ticket2{
		Timestamp:  now,
		Modes:      req.Modes,
		Columns:    allColumns,
		Pseudonyms: pseudonyms,
		UserGroup:  req.UserGroup,
	}
	amSig, err := ticket.Sign(t, p.amSecretKey)
	if err != nil {
		return nil, nil, pepfault.Wrap(pepfault.KindFatal, "accessmanager.HandleTicketRequest", "cannot sign ticket", err)
	}

	logged, err := p.transcryptorClient.LogRequest(req.UserGroup, modeStrings, allColumns, pseudonymDigests, nil, now)
	if err != nil {
		return nil, nil, err
	}
	coSig, err := p.transcryptorClient.LogIssuedTicket(logged.RequestID, t, amSig, p.amSecretKey.GetPublicKey().Serialize())
	if err != nil {
		return nil, nil, err
	}

	finalSigned := &ticket.SignedTicket2{
		Ticket:      *t,
		AMPubKey:    p.amSecretKey.GetPublicKey().Serialize(),
		TSPubKey:    p.transcryptorClient.PublicKey().Serialize(),
		CoSignature: coSig,
	}

	if !req.RequestIndexedTicket {
		return finalSigned, nil, nil
	}
	return nil, &ticket.IndexedTicket2{
		SignedTicket: *finalSigned,
		Indices: ticket.IndexMap{
			ColumnGroupIndices:      columnGroupIndices,
			ParticipantGroupIndices: participantGroupIndices,
		},
	}, nil
}

func rejectDuplicatePPs(pps []PPEntry) error {
	seen := make(map[string]bool, len(pps))
	for _, pp := range pps {
		key := hex.EncodeToString(packCiphertext(&pp.Ciphertext))
		if seen[key] {
			return pepfault.New(pepfault.KindInvalid, "accessmanager.HandleTicketRequest", "duplicate polymorphic pseudonym in request")
		}
		seen[key] = true
	}
	return nil
}

// unfoldAndCheckColumns unions req.Columns with every column in
// req.ColumnGroups, checking that the requester's user-group holds every
// requested column mode against each named group (bare columns are checked
// against the universal group).
func (p *Pipeline) unfoldAndCheckColumns(req TicketRequest) ([]string, map[string][]int, error) {
	groups := append([]string(nil), req.ColumnGroups...)
	if len(req.Columns) > 0 {
		groups = append(groups, UniversalGroup)
	}
	for _, mode := range req.Modes {
		if mode != ticket.ModeRead && mode != ticket.ModeWrite && mode != ticket.ModeReadMeta && mode != ticket.ModeWriteMeta {
			continue
		}
		for _, g := range req.ColumnGroups {
			if !p.store.hasColumnGroupRule(g, req.UserGroup, mode) {
				return nil, nil, pepfault.New(pepfault.KindAccessDenied, "accessmanager.HandleTicketRequest", "missing "+string(mode)+" rule for column-group "+g)
			}
		}
	}

	unfolded, err := p.store.UnfoldColumnGroups(groups)
	if err != nil {
		return nil, nil, err
	}
	all := make(map[string]bool, len(unfolded)+len(req.Columns))
	for _, c := range unfolded {
		all[c] = true
	}
	for _, c := range req.Columns {
		all[c] = true
	}
	columns := make([]string, 0, len(all))
	for c := range all {
		columns = append(columns, c)
	}

	indexOf := make(map[string]int, len(columns))
	for i, c := range columns {
		indexOf[c] = i
	}
	columnGroupIndices := make(map[string][]int, len(req.ColumnGroups))
	for _, g := range req.ColumnGroups {
		members, err := p.store.UnfoldColumnGroups([]string{g})
		if err != nil {
			return nil, nil, err
		}
		var idx []int
		for _, m := range members {
			idx = append(idx, indexOf[m])
		}
		columnGroupIndices[g] = idx
	}
	return columns, columnGroupIndices, nil
}

// resolveParticipants collects the client-supplied and group-resolved
// participants into a single shuffled sequence, so the Transcryptor cannot
// correlate request order with group structure.
func (p *Pipeline) resolveParticipants(req TicketRequest) ([]resolvedParticipant, map[string][]int) {
	var entries []resolvedParticipant
	for _, pp := range req.PolymorphicPseudonyms {
		entries = append(entries, resolvedParticipant{label: "client", ciphertext: pp.Ciphertext, clientSupplied: true})
	}

	originalGroupMembers := make(map[string][]string, len(req.ParticipantGroups))
	seen := make(map[string]bool)
	for _, g := range req.ParticipantGroups {
		var members []string
		for _, lpHex := range p.store.LiveParticipantGroupMembers(g) {
			if seen[lpHex] {
				continue
			}
			ppBytes, ok := p.store.SelectStarEntry(lpHex)
			if !ok {
				continue
			}
			ct, err := unpackCiphertext(ppBytes)
			if err != nil {
				continue
			}
			seen[lpHex] = true
			entries = append(entries, resolvedParticipant{label: lpHex, originGroup: g, ciphertext: ct})
			members = append(members, lpHex)
		}
		originalGroupMembers[g] = members
	}

	order := cryptoShuffle(len(entries))
	shuffled := make([]resolvedParticipant, len(entries))
	shuffledIndexOf := make(map[string]int, len(entries))
	for newPos, oldPos := range order {
		shuffled[newPos] = entries[oldPos]
		shuffledIndexOf[entries[oldPos].label] = newPos
	}

	participantGroupIndices := make(map[string][]int, len(req.ParticipantGroups))
	for g, members := range originalGroupMembers {
		var idx []int
		for _, lpHex := range members {
			idx = append(idx, shuffledIndexOf[lpHex])
		}
		participantGroupIndices[g] = idx
	}

	return shuffled, participantGroupIndices
}

// cryptoShuffle returns a random permutation of [0, n) drawn from a
// cryptographic PRNG, so repeated tickets over the same participants do not
// leak their relative order to the Transcryptor.
func cryptoShuffle(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// rerandomizeAndCheckAccess rerandomizes every non-client-supplied (stored)
// pseudonym under the global key, and, unless the requester is DataAdmin,
// re-checks participant access for entries resolved via a participant-group
// at the exact request timestamp.
func (p *Pipeline) rerandomizeAndCheckAccess(req TicketRequest, entries []resolvedParticipant, at time.Time) error {
	for i := range entries {
		if !entries[i].clientSupplied {
			rerand, err := elgamal.Rerandomize(&p.globalPublicKey, &entries[i].ciphertext)
			if err != nil {
				return pepfault.Wrap(pepfault.KindFatal, "accessmanager.HandleTicketRequest", "rerandomize failed", err)
			}
			entries[i].ciphertext = rerand
		}
		if req.UserGroup == DataAdmin || entries[i].originGroup == "" {
			continue
		}
		if err := p.store.assertParticipantAccess(entries[i].originGroup, req.UserGroup, ticket.ModeAccess, at); err != nil {
			return err
		}
	}
	return nil
}

// translateEntry builds the AM, Transcryptor, and Storage Facility
// certified translations for one participant, plus the requester's own if
// requested.
func (p *Pipeline) translateEntry(entry *resolvedParticipant, req TicketRequest) ([]ticket.PartyPseudonym, error) {
	recipients := []string{"am", "sf", "ts"}
	if req.IncludeUserGroupPseudonyms {
		recipients = append(recipients, req.UserGroup)
	}

	parties := make([]ticket.PartyPseudonym, 0, len(recipients))
	for _, recipient := range recipients {
		step, err := p.transcryptorClient.Translate(&entry.ciphertext, recipient)
		if err != nil {
			return nil, err
		}
		parties = append(parties, ticket.PartyPseudonym{
			Party:          recipient,
			LocalPseudonym: packCiphertext(&step.LocalPseudonym),
		})
	}
	return parties, nil
}

func digestParty(parties []ticket.PartyPseudonym) string {
	h := sha256.New()
	for _, p := range parties {
		h.Write([]byte(p.Party))
		h.Write(p.LocalPseudonym)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Package accessmanager implements the Access Manager's policy store (C6)
// and ticket pipeline (C7): columns, column-groups, participant-groups,
// access rules, column-name mappings, all as an append-only event log
// replayed into an in-memory cache, plus the request pipeline that turns a
// SignedTicketRequest2 into a SignedTicket2. Grounded on
// core/access_control.go's cache-over-persistent-store pattern
// (generalized from a per-address role cache to a replayed event log, per
// spec.md §4.6's "logical read replays events in timestamp order") and
// original_source/cpp/pep/accessmanager/Storage.cpp's table layout.
package accessmanager

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pep-core/pep/internal/chainsum"
	"github.com/pep-core/pep/ticket"
)

// UniversalGroup is the implicit "*" column-group and participant-group
// every column/participant belongs to.
const UniversalGroup = "*"

// DataAdmin and AccessAdmin are the privileged user-groups that may mutate
// structure and rules respectively.
const (
	DataAdmin   = "DataAdmin"
	AccessAdmin = "AccessAdmin"
)

type eventEnvelope struct {
	SeqNo     int64
	Kind      string
	Timestamp time.Time
	Tombstone bool
	Payload   json.RawMessage
}

type columnPayload struct{ Name string }
type columnGroupPayload struct{ Name string }
type columnGroupMembershipPayload struct{ Group, Column string }
type participantGroupPayload struct{ Name string }
type participantGroupMembershipPayload struct{ Group, LocalPseudonymHex string }
type columnGroupAccessRulePayload struct {
	ColumnGroup, UserGroup string
	Mode                   ticket.Mode
}
type participantGroupAccessRulePayload struct {
	ParticipantGroup, UserGroup string
	Mode                        ticket.Mode
}
type columnNameMappingPayload struct{ From, To string }

// modeState tracks whether a rule is currently in force (the newest event
// for that exact tuple determines the state).
type modeState struct {
	tombstoned bool
	since      time.Time
}

type membershipState struct {
	tombstoned bool
	since      time.Time
}

type mappingState struct {
	to         string
	tombstoned bool
	since      time.Time
}

// cache is the in-memory replay target, owned exclusively by the Store's
// event-log goroutine-free API under mu.
type cache struct {
	columns      map[string]membershipState
	columnGroups map[string]membershipState
	// group -> column -> state
	columnGroupMembers map[string]map[string]membershipState
	participantGroups  map[string]membershipState
	// group -> localPseudonymHex -> state
	participantGroupMembers map[string]map[string]membershipState
	// columnGroup -> userGroup -> mode -> state
	cgar map[string]map[string]map[ticket.Mode]modeState
	// participantGroup -> userGroup -> mode -> state
	pgar map[string]map[string]map[ticket.Mode]modeState
	// from -> state
	mappings map[string]mappingState
	// localPseudonymHex -> polymorphic pseudonym ciphertext bytes, the
	// select-star cache of participants the AM has already linked to a PP.
	selectStar map[string][]byte
}

func newCache() *cache {
	return &cache{
		columns:                  make(map[string]membershipState),
		columnGroups:             make(map[string]membershipState),
		columnGroupMembers:       make(map[string]map[string]membershipState),
		participantGroups:        make(map[string]membershipState),
		participantGroupMembers:  make(map[string]map[string]membershipState),
		cgar:                     make(map[string]map[string]map[ticket.Mode]modeState),
		pgar:                     make(map[string]map[string]map[ticket.Mode]modeState),
		mappings:                 make(map[string]mappingState),
		selectStar:               make(map[string][]byte),
	}
}

// Store is the Access Manager's policy store: a durable append-only event
// log in SQLite with an in-memory cache rebuilt from it at boot.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	cache  *cache
	chains map[string]*chainsum.Chain
}

var chainNames = []string{
	"select-start-pseud",
	"participant-groups",
	"participant-group-participants",
	"column-groups",
	"columns",
	"column-group-columns",
	"column-group-accessrule",
	"group-accessrule",
	"column-name-mappings",
}

// Open opens (creating if absent) the SQLite-backed event log at dsn and
// replays it into a fresh in-memory cache.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("accessmanager: open db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		seqno INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		tombstone INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("accessmanager: create events table: %w", err)
	}

	chains := make(map[string]*chainsum.Chain, len(chainNames))
	for _, name := range chainNames {
		chains[name] = chainsum.New(name)
	}

	s := &Store{db: db, cache: newCache(), chains: chains}
	if _, err := s.ensureLPPPReserialized(dsn); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.replay(); err != nil {
		db.Close()
		return nil, err
	}
	s.orphanSweep()
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) replay() error {
	rows, err := s.db.Query(`SELECT seqno, kind, timestamp, tombstone, payload FROM events ORDER BY seqno ASC`)
	if err != nil {
		return fmt.Errorf("accessmanager: replay query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var env eventEnvelope
		var ts int64
		var tomb int
		var payload string
		if err := rows.Scan(&env.SeqNo, &env.Kind, &ts, &tomb, &payload); err != nil {
			return fmt.Errorf("accessmanager: replay scan: %w", err)
		}
		env.Timestamp = time.Unix(ts, 0).UTC()
		env.Tombstone = tomb != 0
		env.Payload = json.RawMessage(payload)
		s.apply(&env)
		s.foldChecksum(&env)
	}
	return rows.Err()
}

// chainNameFor maps an event kind to its checksum chain name.
func chainNameFor(kind string) string {
	switch kind {
	case "column":
		return "columns"
	case "columnGroup":
		return "column-groups"
	case "columnGroupMembership":
		return "column-group-columns"
	case "participantGroup":
		return "participant-groups"
	case "participantGroupMembership":
		return "participant-group-participants"
	case "columnGroupAccessRule":
		return "column-group-accessrule"
	case "participantGroupAccessRule":
		return "group-accessrule"
	case "columnNameMapping":
		return "column-name-mappings"
	default:
		return kind
	}
}

func (s *Store) foldChecksum(env *eventEnvelope) {
	name := chainNameFor(env.Kind)
	chain, ok := s.chains[name]
	if !ok {
		chain = chainsum.New(name)
		s.chains[name] = chain
	}
	record, err := checksumRecordBytes(env)
	if err != nil {
		record, _ = json.Marshal(env)
	}
	chain.Append(record)
}

// checksumRecordBytes is the byte representation folded into a checksum
// chain. For participant-group membership events it normalizes the local
// pseudonym to its fixed-length packed hex form before marshaling, so the
// "participant-group-participants" chain is bit-identical whether an event
// was recorded in the legacy variable-length encoding or the current one —
// the LP/PP re-serialization migration rewrites stored rows without
// perturbing this chain.
func checksumRecordBytes(env *eventEnvelope) ([]byte, error) {
	if env.Kind != "participantGroupMembership" {
		return json.Marshal(env)
	}
	var p participantGroupMembershipPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	normalized, err := repackLegacyPseudonymHex(p.LocalPseudonymHex)
	if err != nil {
		return nil, err
	}
	p.LocalPseudonymHex = normalized
	normalizedPayload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	normalizedEnv := *env
	normalizedEnv.Payload = normalizedPayload
	return json.Marshal(normalizedEnv)
}

// append writes a new event to the durable log, folds it into the
// relevant checksum chain, and applies it to the in-memory cache.
func (s *Store) append(kind string, tombstone bool, payload interface{}) (eventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eventEnvelope{}, fmt.Errorf("accessmanager: marshal %s event: %w", kind, err)
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO events (kind, timestamp, tombstone, payload) VALUES (?, ?, ?, ?)`,
		kind, now.Unix(), boolToInt(tombstone), string(raw))
	if err != nil {
		return eventEnvelope{}, fmt.Errorf("accessmanager: insert %s event: %w", kind, err)
	}
	seqNo, err := res.LastInsertId()
	if err != nil {
		return eventEnvelope{}, fmt.Errorf("accessmanager: last insert id: %w", err)
	}

	env := eventEnvelope{SeqNo: seqNo, Kind: kind, Timestamp: now, Tombstone: tombstone, Payload: raw}
	s.apply(&env)
	s.foldChecksum(&env)
	return env, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) apply(env *eventEnvelope) {
	c := s.cache
	st := membershipState{tombstoned: env.Tombstone, since: env.Timestamp}

	switch env.Kind {
	case "column":
		var p columnPayload
		json.Unmarshal(env.Payload, &p)
		c.columns[p.Name] = st

	case "columnGroup":
		var p columnGroupPayload
		json.Unmarshal(env.Payload, &p)
		c.columnGroups[p.Name] = st

	case "columnGroupMembership":
		var p columnGroupMembershipPayload
		json.Unmarshal(env.Payload, &p)
		if c.columnGroupMembers[p.Group] == nil {
			c.columnGroupMembers[p.Group] = make(map[string]membershipState)
		}
		c.columnGroupMembers[p.Group][p.Column] = st

	case "participantGroup":
		var p participantGroupPayload
		json.Unmarshal(env.Payload, &p)
		c.participantGroups[p.Name] = st

	case "participantGroupMembership":
		var p participantGroupMembershipPayload
		json.Unmarshal(env.Payload, &p)
		if c.participantGroupMembers[p.Group] == nil {
			c.participantGroupMembers[p.Group] = make(map[string]membershipState)
		}
		c.participantGroupMembers[p.Group][p.LocalPseudonymHex] = st

	case "columnGroupAccessRule":
		var p columnGroupAccessRulePayload
		json.Unmarshal(env.Payload, &p)
		if c.cgar[p.ColumnGroup] == nil {
			c.cgar[p.ColumnGroup] = make(map[string]map[ticket.Mode]modeState)
		}
		if c.cgar[p.ColumnGroup][p.UserGroup] == nil {
			c.cgar[p.ColumnGroup][p.UserGroup] = make(map[ticket.Mode]modeState)
		}
		c.cgar[p.ColumnGroup][p.UserGroup][p.Mode] = modeState{tombstoned: env.Tombstone, since: env.Timestamp}

	case "participantGroupAccessRule":
		var p participantGroupAccessRulePayload
		json.Unmarshal(env.Payload, &p)
		if c.pgar[p.ParticipantGroup] == nil {
			c.pgar[p.ParticipantGroup] = make(map[string]map[ticket.Mode]modeState)
		}
		if c.pgar[p.ParticipantGroup][p.UserGroup] == nil {
			c.pgar[p.ParticipantGroup][p.UserGroup] = make(map[ticket.Mode]modeState)
		}
		c.pgar[p.ParticipantGroup][p.UserGroup][p.Mode] = modeState{tombstoned: env.Tombstone, since: env.Timestamp}

	case "columnNameMapping":
		var p columnNameMappingPayload
		json.Unmarshal(env.Payload, &p)
		c.mappings[p.From] = mappingState{to: p.To, tombstoned: env.Tombstone, since: env.Timestamp}
	}
}

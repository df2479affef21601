package accessmanager

import (
	"time"

	"github.com/pep-core/pep/internal/pepfault"
	"github.com/pep-core/pep/ticket"
)

// CreateColumn registers a new column. Requires DataAdmin.
func (s *Store) CreateColumn(requester, name string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.CreateColumn", "requires DataAdmin")
	}
	_, err := s.append("column", false, columnPayload{Name: name})
	return err
}

// TombstoneColumn removes a column. If force, also cascades to every
// column-group membership referencing it.
func (s *Store) TombstoneColumn(requester, name string, force bool) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.TombstoneColumn", "requires DataAdmin")
	}
	if _, err := s.append("column", true, columnPayload{Name: name}); err != nil {
		return err
	}
	if force {
		s.mu.RLock()
		groups := make([]string, 0)
		for group, members := range s.cache.columnGroupMembers {
			if st, ok := members[name]; ok && !st.tombstoned {
				groups = append(groups, group)
			}
		}
		s.mu.RUnlock()
		for _, group := range groups {
			if _, err := s.append("columnGroupMembership", true, columnGroupMembershipPayload{Group: group, Column: name}); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateColumnGroup registers a new column-group. Requires DataAdmin.
func (s *Store) CreateColumnGroup(requester, name string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.CreateColumnGroup", "requires DataAdmin")
	}
	if name == UniversalGroup {
		return pepfault.New(pepfault.KindInvalid, "accessmanager.CreateColumnGroup", "\"*\" is implicit and cannot be created")
	}
	_, err := s.append("columnGroup", false, columnGroupPayload{Name: name})
	return err
}

// TombstoneColumnGroup removes a column-group. If force, cascades to all
// memberships and access rules referencing it.
func (s *Store) TombstoneColumnGroup(requester, name string, force bool) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.TombstoneColumnGroup", "requires DataAdmin")
	}
	if _, err := s.append("columnGroup", true, columnGroupPayload{Name: name}); err != nil {
		return err
	}
	if !force {
		return nil
	}

	s.mu.RLock()
	var columns []string
	for column, st := range s.cache.columnGroupMembers[name] {
		if !st.tombstoned {
			columns = append(columns, column)
		}
	}
	var userGroupModes []struct {
		userGroup string
		mode      ticket.Mode
	}
	for userGroup, modes := range s.cache.cgar[name] {
		for mode, st := range modes {
			if !st.tombstoned {
				userGroupModes = append(userGroupModes, struct {
					userGroup string
					mode      ticket.Mode
				}{userGroup, mode})
			}
		}
	}
	s.mu.RUnlock()

	for _, column := range columns {
		if _, err := s.append("columnGroupMembership", true, columnGroupMembershipPayload{Group: name, Column: column}); err != nil {
			return err
		}
	}
	for _, um := range userGroupModes {
		if _, err := s.append("columnGroupAccessRule", true, columnGroupAccessRulePayload{ColumnGroup: name, UserGroup: um.userGroup, Mode: um.mode}); err != nil {
			return err
		}
	}
	return nil
}

// AddColumnToGroup adds column to group. Requires DataAdmin.
func (s *Store) AddColumnToGroup(requester, group, column string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.AddColumnToGroup", "requires DataAdmin")
	}
	_, err := s.append("columnGroupMembership", false, columnGroupMembershipPayload{Group: group, Column: column})
	return err
}

// RemoveColumnFromGroup removes column from group. Requires DataAdmin.
func (s *Store) RemoveColumnFromGroup(requester, group, column string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.RemoveColumnFromGroup", "requires DataAdmin")
	}
	_, err := s.append("columnGroupMembership", true, columnGroupMembershipPayload{Group: group, Column: column})
	return err
}

// CreateParticipantGroup registers a new participant-group. Requires
// DataAdmin.
func (s *Store) CreateParticipantGroup(requester, name string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.CreateParticipantGroup", "requires DataAdmin")
	}
	if name == UniversalGroup {
		return pepfault.New(pepfault.KindInvalid, "accessmanager.CreateParticipantGroup", "\"*\" is implicit and cannot be created")
	}
	_, err := s.append("participantGroup", false, participantGroupPayload{Name: name})
	return err
}

// TombstoneParticipantGroup removes a participant-group, cascading to
// memberships and access rules when force is set.
func (s *Store) TombstoneParticipantGroup(requester, name string, force bool) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.TombstoneParticipantGroup", "requires DataAdmin")
	}
	if _, err := s.append("participantGroup", true, participantGroupPayload{Name: name}); err != nil {
		return err
	}
	if !force {
		return nil
	}

	s.mu.RLock()
	var members []string
	for lp, st := range s.cache.participantGroupMembers[name] {
		if !st.tombstoned {
			members = append(members, lp)
		}
	}
	var userGroupModes []struct {
		userGroup string
		mode      ticket.Mode
	}
	for userGroup, modes := range s.cache.pgar[name] {
		for mode, st := range modes {
			if !st.tombstoned {
				userGroupModes = append(userGroupModes, struct {
					userGroup string
					mode      ticket.Mode
				}{userGroup, mode})
			}
		}
	}
	s.mu.RUnlock()

	for _, lp := range members {
		if _, err := s.append("participantGroupMembership", true, participantGroupMembershipPayload{Group: name, LocalPseudonymHex: lp}); err != nil {
			return err
		}
	}
	for _, um := range userGroupModes {
		if _, err := s.append("participantGroupAccessRule", true, participantGroupAccessRulePayload{ParticipantGroup: name, UserGroup: um.userGroup, Mode: um.mode}); err != nil {
			return err
		}
	}
	return nil
}

// AddParticipantToGroup adds a local pseudonym (hex-encoded) to group.
// Requires DataAdmin.
func (s *Store) AddParticipantToGroup(requester, group, localPseudonymHex string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.AddParticipantToGroup", "requires DataAdmin")
	}
	_, err := s.append("participantGroupMembership", false, participantGroupMembershipPayload{Group: group, LocalPseudonymHex: localPseudonymHex})
	return err
}

// RemoveParticipantFromGroup removes a local pseudonym from group.
// Requires DataAdmin.
func (s *Store) RemoveParticipantFromGroup(requester, group, localPseudonymHex string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.RemoveParticipantFromGroup", "requires DataAdmin")
	}
	_, err := s.append("participantGroupMembership", true, participantGroupMembershipPayload{Group: group, LocalPseudonymHex: localPseudonymHex})
	return err
}

func isImplicitlyGrantedToDataAdmin(mode ticket.Mode) bool {
	switch mode {
	case ticket.ModeReadMeta, ticket.ModeAccess, ticket.ModeEnumerate:
		return true
	default:
		return false
	}
}

// CreateColumnGroupAccessRule grants mode on columnGroup to userGroup.
// Requires AccessAdmin; rejects an explicit read-meta grant to DataAdmin
// since that is already implicit.
func (s *Store) CreateColumnGroupAccessRule(requester, columnGroup, userGroup string, mode ticket.Mode) error {
	if requester != AccessAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.CreateColumnGroupAccessRule", "requires AccessAdmin")
	}
	if userGroup == DataAdmin && isImplicitlyGrantedToDataAdmin(mode) {
		return pepfault.New(pepfault.KindInvalid, "accessmanager.CreateColumnGroupAccessRule", "read-meta for DataAdmin is implicit and cannot be granted explicitly")
	}
	_, err := s.append("columnGroupAccessRule", false, columnGroupAccessRulePayload{ColumnGroup: columnGroup, UserGroup: userGroup, Mode: mode})
	return err
}

// RemoveColumnGroupAccessRule revokes mode on columnGroup from userGroup.
// Requires AccessAdmin.
func (s *Store) RemoveColumnGroupAccessRule(requester, columnGroup, userGroup string, mode ticket.Mode) error {
	if requester != AccessAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.RemoveColumnGroupAccessRule", "requires AccessAdmin")
	}
	_, err := s.append("columnGroupAccessRule", true, columnGroupAccessRulePayload{ColumnGroup: columnGroup, UserGroup: userGroup, Mode: mode})
	return err
}

// CreateParticipantGroupAccessRule grants mode on participantGroup to
// userGroup. Requires AccessAdmin; rejects any explicit PGAR for
// DataAdmin since DataAdmin has unchecked access to all participant
// groups implicitly.
func (s *Store) CreateParticipantGroupAccessRule(requester, participantGroup, userGroup string, mode ticket.Mode) error {
	if requester != AccessAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.CreateParticipantGroupAccessRule", "requires AccessAdmin")
	}
	if userGroup == DataAdmin {
		return pepfault.New(pepfault.KindInvalid, "accessmanager.CreateParticipantGroupAccessRule", "DataAdmin has unchecked implicit access to all participant groups")
	}
	_, err := s.append("participantGroupAccessRule", false, participantGroupAccessRulePayload{ParticipantGroup: participantGroup, UserGroup: userGroup, Mode: mode})
	return err
}

// RemoveParticipantGroupAccessRule revokes mode on participantGroup from
// userGroup. Requires AccessAdmin.
func (s *Store) RemoveParticipantGroupAccessRule(requester, participantGroup, userGroup string, mode ticket.Mode) error {
	if requester != AccessAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.RemoveParticipantGroupAccessRule", "requires AccessAdmin")
	}
	_, err := s.append("participantGroupAccessRule", true, participantGroupAccessRulePayload{ParticipantGroup: participantGroup, UserGroup: userGroup, Mode: mode})
	return err
}

// CreateColumnNameMapping creates a From->To rename. Requires DataAdmin.
func (s *Store) CreateColumnNameMapping(requester, from, to string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.CreateColumnNameMapping", "requires DataAdmin")
	}
	_, err := s.append("columnNameMapping", false, columnNameMappingPayload{From: from, To: to})
	return err
}

// UpdateColumnNameMapping is idempotent: it simply re-asserts a (possibly
// new) To for an existing From. Requires DataAdmin.
func (s *Store) UpdateColumnNameMapping(requester, from, to string) error {
	return s.CreateColumnNameMapping(requester, from, to)
}

// DeleteColumnNameMapping tombstones a mapping. Requires DataAdmin.
func (s *Store) DeleteColumnNameMapping(requester, from string) error {
	if requester != DataAdmin {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.DeleteColumnNameMapping", "requires DataAdmin")
	}
	_, err := s.append("columnNameMapping", true, columnNameMappingPayload{From: from})
	return err
}

// ReadColumnNameMapping returns the current To for from, and whether a
// live mapping exists. Any user-group may call this.
func (s *Store) ReadColumnNameMapping(from string) (to string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, exists := s.cache.mappings[from]
	if !exists || st.tombstoned {
		return "", false
	}
	return st.to, true
}

// ColumnExists reports whether column is live (created and not
// tombstoned).
func (s *Store) ColumnExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.cache.columns[name]
	return ok && !st.tombstoned
}

// ColumnGroupExists reports whether group is live, treating the universal
// group as always existing.
func (s *Store) ColumnGroupExists(name string) bool {
	if name == UniversalGroup {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.cache.columnGroups[name]
	return ok && !st.tombstoned
}

// ParticipantGroupExists reports whether group is live, treating the
// universal group as always existing.
func (s *Store) ParticipantGroupExists(name string) bool {
	if name == UniversalGroup {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.cache.participantGroups[name]
	return ok && !st.tombstoned
}

// UnfoldColumnGroups returns the union of live columns belonging to the
// named groups, with "*" expanding to every live column.
func (s *Store) UnfoldColumnGroups(groups []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, group := range groups {
		if group == UniversalGroup {
			for name, st := range s.cache.columns {
				if !st.tombstoned {
					seen[name] = true
				}
			}
			continue
		}
		if st, ok := s.cache.columnGroups[group]; !ok || st.tombstoned {
			return nil, pepfault.New(pepfault.KindNotFound, "accessmanager.UnfoldColumnGroups", "unknown column-group: "+group)
		}
		for column, st := range s.cache.columnGroupMembers[group] {
			if !st.tombstoned {
				seen[column] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out, nil
}

// hasColumnGroupRule reports whether userGroup holds mode on columnGroup,
// applying the implicit inferences: read implies read-meta, write-meta
// implies write, and DataAdmin implicitly holds read-meta everywhere.
func (s *Store) hasColumnGroupRule(columnGroup, userGroup string, mode ticket.Mode) bool {
	if userGroup == DataAdmin && mode == ticket.ModeReadMeta {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	check := func(m ticket.Mode) bool {
		modes, ok := s.cache.cgar[columnGroup][userGroup]
		if !ok {
			return false
		}
		st, ok := modes[m]
		return ok && !st.tombstoned
	}

	switch mode {
	case ticket.ModeReadMeta:
		return check(ticket.ModeReadMeta) || check(ticket.ModeRead)
	case ticket.ModeWrite:
		return check(ticket.ModeWrite) || check(ticket.ModeWriteMeta)
	default:
		return check(mode)
	}
}

// assertParticipantAccess checks that userGroup holds the access/enumerate
// rule for participantGroup at time at, unless userGroup is DataAdmin.
func (s *Store) assertParticipantAccess(participantGroup, userGroup string, mode ticket.Mode, at time.Time) error {
	if userGroup == DataAdmin {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	modes, ok := s.cache.pgar[participantGroup][userGroup]
	if !ok {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.assertParticipantAccess", "no rule for participant-group")
	}
	st, ok := modes[mode]
	if !ok || st.tombstoned || st.since.After(at) {
		return pepfault.New(pepfault.KindAccessDenied, "accessmanager.assertParticipantAccess", "mode not granted at requested time")
	}
	return nil
}

// orphanSweep removes access rules and memberships whose referenced
// column/group/participant has been tombstoned, run once at boot.
func (s *Store) orphanSweep() {
	s.mu.RLock()
	var orphanColumnMemberships []columnGroupMembershipPayload
	for group, members := range s.cache.columnGroupMembers {
		groupLive := group == UniversalGroup
		if !groupLive {
			st, ok := s.cache.columnGroups[group]
			groupLive = ok && !st.tombstoned
		}
		for column, st := range members {
			if st.tombstoned {
				continue
			}
			colSt, colOK := s.cache.columns[column]
			colLive := colOK && !colSt.tombstoned
			if !groupLive || !colLive {
				orphanColumnMemberships = append(orphanColumnMemberships, columnGroupMembershipPayload{Group: group, Column: column})
			}
		}
	}

	var orphanParticipantMemberships []participantGroupMembershipPayload
	for group, members := range s.cache.participantGroupMembers {
		groupLive := group == UniversalGroup
		if !groupLive {
			st, ok := s.cache.participantGroups[group]
			groupLive = ok && !st.tombstoned
		}
		if groupLive {
			continue
		}
		for lp, st := range members {
			if !st.tombstoned {
				orphanParticipantMemberships = append(orphanParticipantMemberships, participantGroupMembershipPayload{Group: group, LocalPseudonymHex: lp})
			}
		}
	}

	var orphanCGAR []columnGroupAccessRulePayload
	for group, userGroups := range s.cache.cgar {
		groupLive := group == UniversalGroup
		if !groupLive {
			st, ok := s.cache.columnGroups[group]
			groupLive = ok && !st.tombstoned
		}
		if groupLive {
			continue
		}
		for userGroup, modes := range userGroups {
			for mode, st := range modes {
				if !st.tombstoned {
					orphanCGAR = append(orphanCGAR, columnGroupAccessRulePayload{ColumnGroup: group, UserGroup: userGroup, Mode: mode})
				}
			}
		}
	}

	var orphanPGAR []participantGroupAccessRulePayload
	for group, userGroups := range s.cache.pgar {
		groupLive := group == UniversalGroup
		if !groupLive {
			st, ok := s.cache.participantGroups[group]
			groupLive = ok && !st.tombstoned
		}
		if groupLive {
			continue
		}
		for userGroup, modes := range userGroups {
			for mode, st := range modes {
				if !st.tombstoned {
					orphanPGAR = append(orphanPGAR, participantGroupAccessRulePayload{ParticipantGroup: group, UserGroup: userGroup, Mode: mode})
				}
			}
		}
	}
	s.mu.RUnlock()

	for _, m := range orphanColumnMemberships {
		s.append("columnGroupMembership", true, m)
	}
	for _, m := range orphanParticipantMemberships {
		s.append("participantGroupMembership", true, m)
	}
	for _, r := range orphanCGAR {
		s.append("columnGroupAccessRule", true, r)
	}
	for _, r := range orphanPGAR {
		s.append("participantGroupAccessRule", true, r)
	}
}

// LiveParticipantGroupMembers returns the local-pseudonym hexes currently
// live in group (the universal group returns every participant ever seen in
// the select-star cache).
func (s *Store) LiveParticipantGroupMembers(group string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if group == UniversalGroup {
		out := make([]string, 0, len(s.cache.selectStar))
		for lp := range s.cache.selectStar {
			out = append(out, lp)
		}
		return out
	}
	members := s.cache.participantGroupMembers[group]
	out := make([]string, 0, len(members))
	for lp, st := range members {
		if !st.tombstoned {
			out = append(out, lp)
		}
	}
	return out
}

// SelectStarEntry returns the cached polymorphic-pseudonym bytes for a
// known local pseudonym, if the AM has previously linked the two.
func (s *Store) SelectStarEntry(localPseudonymHex string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pp, ok := s.cache.selectStar[localPseudonymHex]
	return pp, ok
}

// StoreSelectStarEntry links a local pseudonym to a polymorphic pseudonym
// the AM has observed, so future requests naming the same participant by
// group membership can resolve its PP without the client supplying it
// again.
func (s *Store) StoreSelectStarEntry(localPseudonymHex string, pp []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.selectStar[localPseudonymHex] = pp
	if s.chains["select-start-pseud"] != nil {
		s.chains["select-start-pseud"].Append([]byte(localPseudonymHex))
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.chains[name]
	if !ok {
		return [32]byte{}, 0, pepfault.New(pepfault.KindNotFound, "accessmanager.ComputeChecksumChain", "unknown chain: "+name)
	}
	seqNo, accumulator := chain.Current()
	return accumulator, seqNo, nil
}

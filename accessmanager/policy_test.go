package accessmanager

import (
	"testing"
	"time"

	"github.com/pep-core/pep/ticket"
)

func TestDataAdminCannotBeGrantedExplicitReadMeta(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateColumnGroup(DataAdmin, "Clin"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := store.CreateColumnGroupAccessRule(AccessAdmin, "Clin", DataAdmin, ticket.ModeReadMeta); err == nil {
		t.Fatal("expected rejection of explicit read-meta grant to DataAdmin")
	}
}

func TestDataAdminCannotBeGrantedExplicitParticipantGroupRule(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateParticipantGroup(DataAdmin, "AllPatients"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := store.CreateParticipantGroupAccessRule(AccessAdmin, "AllPatients", DataAdmin, ticket.ModeAccess); err == nil {
		t.Fatal("expected rejection of explicit participant-group rule for DataAdmin")
	}
}

func TestDataAdminImplicitlyHasReadMetaEverywhere(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateColumnGroup(DataAdmin, "Clin"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !store.hasColumnGroupRule("Clin", DataAdmin, ticket.ModeReadMeta) {
		t.Fatal("DataAdmin should implicitly hold read-meta")
	}
}

func TestReadImpliesReadMeta(t *testing.T) {
	store := openTestStore(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	must(store.CreateColumnGroup(DataAdmin, "Clin"))
	must(store.CreateColumnGroupAccessRule(AccessAdmin, "Clin", "Researcher", ticket.ModeRead))

	if !store.hasColumnGroupRule("Clin", "Researcher", ticket.ModeReadMeta) {
		t.Fatal("explicit read should imply read-meta")
	}
	if store.hasColumnGroupRule("Clin", "Researcher", ticket.ModeWrite) {
		t.Fatal("read should not imply write")
	}
}

func TestAssertParticipantAccessHonorsPointInTime(t *testing.T) {
	store := openTestStore(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	must(store.CreateParticipantGroup(DataAdmin, "AllPatients"))

	before := time.Now().Add(-time.Hour)
	must(store.CreateParticipantGroupAccessRule(AccessAdmin, "AllPatients", "Researcher", ticket.ModeAccess))
	after := time.Now().Add(time.Hour)

	if err := store.assertParticipantAccess("AllPatients", "Researcher", ticket.ModeAccess, before); err == nil {
		t.Fatal("access granted before the rule existed should be denied")
	}
	if err := store.assertParticipantAccess("AllPatients", "Researcher", ticket.ModeAccess, after); err != nil {
		t.Fatalf("access after the rule should be granted: %v", err)
	}
}

func TestColumnNameMappingCRUD(t *testing.T) {
	store := openTestStore(t)
	if _, ok := store.ReadColumnNameMapping("Age"); ok {
		t.Fatal("mapping should not exist yet")
	}
	if err := store.CreateColumnNameMapping(DataAdmin, "Age", "AgeYears"); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	to, ok := store.ReadColumnNameMapping("Age")
	if !ok || to != "AgeYears" {
		t.Fatalf("expected mapping to AgeYears, got %q ok=%v", to, ok)
	}
	if err := store.DeleteColumnNameMapping(DataAdmin, "Age"); err != nil {
		t.Fatalf("delete mapping: %v", err)
	}
	if _, ok := store.ReadColumnNameMapping("Age"); ok {
		t.Fatal("mapping should be gone after delete")
	}
}

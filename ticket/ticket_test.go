package ticket

import (
	"testing"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(err)
	}
}

func newBLSKeypair(t *testing.T) (*bls.SecretKey, *bls.PublicKey) {
	t.Helper()
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &sk, sk.GetPublicKey()
}

func sampleTicket() Ticket2 {
	return Ticket2{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Modes:     []Mode{ModeRead, ModeReadMeta},
		Columns:   []string{"Age"},
		UserGroup: "Researcher",
	}
}

func TestOpenAcceptsValidCoSignature(t *testing.T) {
	amSK, amPK := newBLSKeypair(t)
	tsSK, tsPK := newBLSKeypair(t)

	tk := sampleTicket()
	amSig, err := Sign(&tk, amSK)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed, err := Cosign(&tk, amSig, amPK.Serialize(), tsPK.Serialize(), tsSK)
	if err != nil {
		t.Fatalf("cosign: %v", err)
	}

	got, err := Open(&signed, "Researcher", ModeRead)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.UserGroup != "Researcher" {
		t.Fatalf("userGroup = %q", got.UserGroup)
	}
}

func TestOpenRejectsMissingMode(t *testing.T) {
	amSK, amPK := newBLSKeypair(t)
	tsSK, tsPK := newBLSKeypair(t)

	tk := sampleTicket()
	amSig, err := Sign(&tk, amSK)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed, err := Cosign(&tk, amSig, amPK.Serialize(), tsPK.Serialize(), tsSK)
	if err != nil {
		t.Fatalf("cosign: %v", err)
	}

	if _, err := Open(&signed, "Researcher", ModeWrite); err == nil {
		t.Fatal("expected AccessDenied for mode not granted by ticket")
	}
}

func TestOpenRejectsUserGroupMismatch(t *testing.T) {
	amSK, amPK := newBLSKeypair(t)
	tsSK, tsPK := newBLSKeypair(t)

	tk := sampleTicket()
	amSig, err := Sign(&tk, amSK)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed, err := Cosign(&tk, amSig, amPK.Serialize(), tsPK.Serialize(), tsSK)
	if err != nil {
		t.Fatalf("cosign: %v", err)
	}

	if _, err := Open(&signed, "DataAdmin", ""); err == nil {
		t.Fatal("expected AccessDenied for user-group mismatch")
	}
}

func TestOpenRejectsTamperedTicket(t *testing.T) {
	amSK, amPK := newBLSKeypair(t)
	tsSK, tsPK := newBLSKeypair(t)

	tk := sampleTicket()
	amSig, err := Sign(&tk, amSK)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed, err := Cosign(&tk, amSig, amPK.Serialize(), tsPK.Serialize(), tsSK)
	if err != nil {
		t.Fatalf("cosign: %v", err)
	}

	signed.Ticket.Columns = append(signed.Ticket.Columns, "Salary")

	if _, err := Open(&signed, "Researcher", ""); err == nil {
		t.Fatal("expected co-signature verification to fail on tampered ticket")
	}
}

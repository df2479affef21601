package transcryptor

import (
	"path/filepath"
	"testing"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/internal/scalar"
	"github.com/pep-core/pep/ticket"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ts.sqlite")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newBLSKeypair(t *testing.T) *bls.SecretKey {
	t.Helper()
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &sk
}

func TestLogRequestIsIdempotentForIdenticalSets(t *testing.T) {
	store := openTestStore(t)
	srv := NewServer(store, newBLSKeypair(t))

	r1, err := srv.LogRequest("Researcher", []string{"read"}, []string{"Age"}, []string{"pp-1"}, nil, time.Now())
	if err != nil {
		t.Fatalf("log request 1: %v", err)
	}
	r2, err := srv.LogRequest("Researcher", []string{"read"}, []string{"Age"}, []string{"pp-2"}, nil, time.Now())
	if err != nil {
		t.Fatalf("log request 2: %v", err)
	}
	if r1.ModeSetKey != r2.ModeSetKey {
		t.Fatal("identical mode sets interned under different keys")
	}
	if r1.ColumnSetKey != r2.ColumnSetKey {
		t.Fatal("identical column sets interned under different keys")
	}
}

func TestLogIssuedTicketRejectsUnknownRequest(t *testing.T) {
	store := openTestStore(t)
	srv := NewServer(store, newBLSKeypair(t))

	tk := &ticket.Ticket2{Timestamp: time.Now(), Modes: []ticket.Mode{ticket.ModeRead}, Columns: []string{"Age"}, UserGroup: "Researcher"}
	if _, err := srv.LogIssuedTicket("nonexistent", tk, []byte("sig"), []byte("pub")); err == nil {
		t.Fatal("expected error for unknown request id")
	}
}

func TestLogIssuedTicketSucceedsForMatchingRequest(t *testing.T) {
	store := openTestStore(t)
	amSK := newBLSKeypair(t)
	tsSK := newBLSKeypair(t)
	srv := NewServer(store, tsSK)

	now := time.Now()
	req, err := srv.LogRequest("Researcher", []string{"read"}, []string{"Age"}, []string{"pp-1"}, nil, now)
	if err != nil {
		t.Fatalf("log request: %v", err)
	}

	tk := &ticket.Ticket2{Timestamp: now, Modes: []ticket.Mode{ticket.ModeRead}, Columns: []string{"Age"}, UserGroup: "Researcher"}
	amSig, err := ticket.Sign(tk, amSK)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	coSig, err := srv.LogIssuedTicket(req.RequestID, tk, amSig, amSK.GetPublicKey().Serialize())
	if err != nil {
		t.Fatalf("log issued ticket: %v", err)
	}
	if len(coSig) == 0 {
		t.Fatal("empty co-signature")
	}
}

func TestLogIssuedTicketRejectsStaleTimestamp(t *testing.T) {
	store := openTestStore(t)
	amSK := newBLSKeypair(t)
	tsSK := newBLSKeypair(t)
	srv := NewServer(store, tsSK)

	now := time.Now()
	req, err := srv.LogRequest("Researcher", []string{"read"}, []string{"Age"}, []string{"pp-1"}, nil, now)
	if err != nil {
		t.Fatalf("log request: %v", err)
	}

	stale := now.Add(-10 * time.Minute)
	tk := &ticket.Ticket2{Timestamp: stale, Modes: []ticket.Mode{ticket.ModeRead}, Columns: []string{"Age"}, UserGroup: "Researcher"}
	amSig, err := ticket.Sign(tk, amSK)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := srv.LogIssuedTicket(req.RequestID, tk, amSig, amSK.GetPublicKey().Serialize()); err == nil {
		t.Fatal("expected rejection for stale ticket timestamp")
	}
}

func TestTranslateUsesRegisteredRatio(t *testing.T) {
	store := openTestStore(t)
	srv := NewServer(store, newBLSKeypair(t))

	domainKey := randomScalarForTest(t)
	var domainPub curve.Element
	domainPub.ScalarMultBase(&domainKey)

	msgScalar := randomScalarForTest(t)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)

	pp, _, err := elgamal.Encrypt(&domainPub, &m)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ratio := randomScalarForTest(t)
	srv.SetKeyRatio("sf", ratio)

	step, err := srv.Translate(&pp, "sf")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if step.LocalPseudonym.C1.IsNeutral() {
		t.Fatal("translated pseudonym is the neutral element")
	}
}

func TestTranslateRejectsUnknownRecipient(t *testing.T) {
	store := openTestStore(t)
	srv := NewServer(store, newBLSKeypair(t))

	domainKey := randomScalarForTest(t)
	var domainPub curve.Element
	domainPub.ScalarMultBase(&domainKey)
	msgScalar := randomScalarForTest(t)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)
	pp, _, err := elgamal.Encrypt(&domainPub, &m)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := srv.Translate(&pp, "unregistered"); err == nil {
		t.Fatal("expected error for unregistered recipient")
	}
}

func randomScalarForTest(t *testing.T) scalar.Scalar {
	t.Helper()
	var raw [64]byte
	for i := range raw {
		raw[i] = byte(i*7 + 3)
	}
	s := scalar.FromHash(&raw)
	if s.IsZero() {
		s.SetOne()
	}
	return s
}

package translator

import (
	"crypto/rand"
	"testing"

	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/internal/scalar"
)

func randomScalarT(t *testing.T) scalar.Scalar {
	t.Helper()
	var raw [64]byte
	if _, err := rand.Read(raw[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	s := scalar.FromHash(&raw)
	if s.IsZero() {
		s.SetOne()
	}
	return s
}

func TestCertifiedTranslateStepVerifies(t *testing.T) {
	domainKey := randomScalarT(t)
	var domainPub curve.Element
	domainPub.ScalarMultBase(&domainKey)

	var msgScalar scalar.Scalar = randomScalarT(t)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)

	pp, _, err := elgamal.Encrypt(&domainPub, &m)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ratio := randomScalarT(t)
	step, err := CertifiedTranslateStep(&pp, &ratio)
	if err != nil {
		t.Fatalf("certifiedTranslateStep: %v", err)
	}

	verifier := ComputeTranslationProofVerifiers("sf", &ratio)

	if !VerifyStep(&pp.C1, &step, &verifier) {
		t.Fatal("valid translation step failed verification")
	}
}

func TestVerifyStepRejectsWrongVerifier(t *testing.T) {
	domainKey := randomScalarT(t)
	var domainPub curve.Element
	domainPub.ScalarMultBase(&domainKey)

	msgScalar := randomScalarT(t)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)

	pp, _, err := elgamal.Encrypt(&domainPub, &m)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ratio := randomScalarT(t)
	step, err := CertifiedTranslateStep(&pp, &ratio)
	if err != nil {
		t.Fatalf("certifiedTranslateStep: %v", err)
	}

	wrongRatio := randomScalarT(t)
	wrongVerifier := ComputeTranslationProofVerifiers("sf", &wrongRatio)

	if VerifyStep(&pp.C1, &step, &wrongVerifier) {
		t.Fatal("step verified against mismatched verifier commitment")
	}
}

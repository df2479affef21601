// Package translator implements the pseudonym translator (C5): given a
// polymorphic pseudonym and a recipient's key-share ratio, it produces that
// recipient's local pseudonym together with a verifiable proof that the
// translation was performed correctly, without exposing any party's secret
// key share. Grounded on spec.md §4.5, built on internal/elgamal's
// certified-translation primitive.
package translator

import (
	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/internal/scalar"
)

// Step is the result of translating one polymorphic pseudonym to one
// recipient: the recipient's local pseudonym ciphertext and the proof that
// it was derived correctly from the input.
type Step struct {
	LocalPseudonym elgamal.Ciphertext
	Proof          elgamal.TranslationProof
}

// Verifier is the public commitment a recipient publishes so that any party
// holding a Step can check its proof without the translator's key material.
type Verifier struct {
	Recipient string
	Ratio     curve.Element // ratio * B, the recipient's key-ratio commitment
}

// CertifiedTranslateStep translates pp into the recipient's local
// pseudonym domain using ratio (that recipient's key-share quotient
// relative to the PP's domain), returning the result and a proof checkable
// via ComputeTranslationProofVerifiers's output.
func CertifiedTranslateStep(pp *elgamal.Ciphertext, ratio *scalar.Scalar) (Step, error) {
	ct, proof, err := elgamal.CertifiedTranslate(pp, ratio)
	if err != nil {
		return Step{}, err
	}
	return Step{LocalPseudonym: ct, Proof: proof}, nil
}

// ComputeTranslationProofVerifiers derives the public verifier commitment
// for a recipient's key-ratio, so that AM, Transcryptor, and SF can publish
// (and later check against) this value without trusting each other's
// private material.
func ComputeTranslationProofVerifiers(recipient string, ratio *scalar.Scalar) Verifier {
	var commitment curve.Element
	commitment.ScalarMultBase(ratio)
	return Verifier{Recipient: recipient, Ratio: commitment}
}

// VerifyStep checks that step.Proof certifies a correct translation of
// inC1 into step.LocalPseudonym.C1 under the given verifier's committed
// ratio.
func VerifyStep(inC1 *curve.Element, step *Step, verifier *Verifier) bool {
	if !step.Proof.RatioCommitment.Equal(&verifier.Ratio) {
		return false
	}
	return elgamal.VerifyTranslation(inC1, &step.LocalPseudonym.C1, &step.Proof)
}

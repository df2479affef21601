// Package elgamal implements ElGamal encryption over internal/curve and the
// PEP rekeying primitives built on top of it: rerandomize, blind/unblind,
// translate, and certified translation with a Chaum-Pedersen-style NIZK
// proof. See spec.md §4.4 and DESIGN.md for grounding.
package elgamal

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/scalar"
)

// ErrDecryptionFailed marks a ciphertext that does not decrypt to a curve
// point (only raised by callers that re-verify against an expected point).
var ErrDecryptionFailed = errors.New("elgamal: decryption check failed")

// Ciphertext is an ElGamal encryption (C1, C2) of a group element under a
// public key; translate/blind fold factors into these two points without a
// fresh encryption.
type Ciphertext struct {
	C1 curve.Element // the ephemeral point r*B
	C2 curve.Element // the masked message m + r*pk
}

// randomScalar draws a uniformly random non-zero scalar.
func randomScalar() (scalar.Scalar, error) {
	var raw [64]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return scalar.Scalar{}, err
	}
	s := scalar.FromHash(&raw)
	if s.IsZero() {
		return randomScalar()
	}
	return s, nil
}

// Encrypt returns an ElGamal encryption of m under pk, along with the
// randomness scalar used (so callers needing certified-translation proofs
// can reuse it).
func Encrypt(pk *curve.Element, m *curve.Element) (Ciphertext, scalar.Scalar, error) {
	r, err := randomScalar()
	if err != nil {
		return Ciphertext{}, scalar.Scalar{}, err
	}
	var ct Ciphertext
	ct.C1.ScalarMultBase(&r)

	var rpk, masked curve.Element
	rpk.ScalarMult(&r, pk)
	masked.Add(m, &rpk)
	ct.C2 = masked
	return ct, r, nil
}

// Decrypt recovers m = C2 - sk*C1.
func Decrypt(sk *scalar.Scalar, ct *Ciphertext) curve.Element {
	var skC1, m curve.Element
	skC1.ScalarMult(sk, &ct.C1)
	var negSkC1 curve.Element
	negSkC1.Negate(&skC1)
	m.Add(&ct.C2, &negSkC1)
	return m
}

// Rerandomize returns a fresh encryption of the same plaintext under the
// same public key, indistinguishable from a fresh Encrypt call.
func Rerandomize(pk *curve.Element, ct *Ciphertext) (Ciphertext, error) {
	r, err := randomScalar()
	if err != nil {
		return Ciphertext{}, err
	}
	var rB, rpk curve.Element
	rB.ScalarMultBase(&r)
	rpk.ScalarMult(&r, pk)

	var out Ciphertext
	out.C1.Add(&ct.C1, &rB)
	out.C2.Add(&ct.C2, &rpk)
	return out, nil
}

// adScalar derives a deterministic, non-zero blinding scalar from additional
// data via hash-to-scalar, so that blinding a polymorphic key is
// reproducible from (column, localPseudonymSF) as spec.md §4.4 requires.
func adScalar(ad []byte) scalar.Scalar {
	h := sha256.Sum256(ad)
	var wide [64]byte
	copy(wide[:32], h[:])
	copy(wide[32:], h[:])
	s := scalar.FromHash(&wide)
	if s.IsZero() {
		s.SetOne()
	}
	return s
}

// Blind multiplies both ciphertext components by a scalar derived from ad,
// producing a cell-specific blinded key: the same underlying polymorphic
// key blinds to a different value per (column, localPseudonymSF).
func Blind(ct *Ciphertext, ad []byte) Ciphertext {
	factor := adScalar(ad)
	var out Ciphertext
	out.C1.ScalarMult(&factor, &ct.C1)
	out.C2.ScalarMult(&factor, &ct.C2)
	return out
}

// Unblind reverses Blind given the same ad.
func Unblind(ct *Ciphertext, ad []byte) Ciphertext {
	factor := adScalar(ad)
	var inv scalar.Scalar
	inv.Invert(&factor)
	var out Ciphertext
	out.C1.ScalarMult(&inv, &ct.C1)
	out.C2.ScalarMult(&inv, &ct.C2)
	return out
}

// Translate re-encrypts ct from the "from" key domain to the "to" key
// domain given the ratio scalar to/from (the quotient of the two parties'
// key shares), without ever exposing either raw secret: C1 is scaled by
// 1/ratio and C2 is kept, so the "to" key decrypts it to the same plaintext.
func Translate(ct *Ciphertext, fromToRatio *scalar.Scalar) Ciphertext {
	var inv scalar.Scalar
	inv.Invert(fromToRatio)
	var out Ciphertext
	out.C1.ScalarMult(&inv, &ct.C1)
	out.C2 = ct.C2
	return out
}

// TranslationProof is a Chaum-Pedersen NIZK proof that out = Translate(in,
// ratio) for some ratio the prover knows, without revealing ratio: a
// standard "equal discrete log" proof over (C1_out, C1_in) and (B,
// ratio*B).
type TranslationProof struct {
	RatioCommitment curve.Element // ratio * B
	Challenge       scalar.Scalar
	Response        scalar.Scalar
}

// CertifiedTranslate performs Translate and produces a NIZK proof that C1
// was scaled by the inverse of the committed ratio scalar, checkable by
// any holder of RatioCommitment (the verifier in spec.md §4.5).
func CertifiedTranslate(ct *Ciphertext, ratio *scalar.Scalar) (Ciphertext, TranslationProof, error) {
	out := Translate(ct, ratio)

	k, err := randomScalar()
	if err != nil {
		return Ciphertext{}, TranslationProof{}, err
	}

	var ratioCommitment, t1, t2 curve.Element
	ratioCommitment.ScalarMultBase(ratio)
	t1.ScalarMultBase(&k)
	t2.ScalarMult(&k, &out.C1)

	challenge := fiatShamirChallenge(&ratioCommitment, &t1, &t2, &ct.C1, &out.C1)

	var response, cRatioScalar scalar.Scalar
	cRatioScalar.Mul(&challenge, ratio)
	response.Add(&k, &cRatioScalar)

	return out, TranslationProof{
		RatioCommitment: ratioCommitment,
		Challenge:       challenge,
		Response:        response,
	}, nil
}

// VerifyTranslation checks a TranslationProof against the input and output
// ciphertexts' C1 components.
func VerifyTranslation(inC1, outC1 *curve.Element, proof *TranslationProof) bool {
	// Recompute t1' = response*B - challenge*RatioCommitment
	var respB, cCommit, negCCommit, t1 curve.Element
	respB.ScalarMultBase(&proof.Response)
	cCommit.ScalarMult(&proof.Challenge, &proof.RatioCommitment)
	negCCommit.Negate(&cCommit)
	t1.Add(&respB, &negCCommit)

	// Recompute t2' = response*outC1 - challenge*inC1
	var respOut, cIn, negCIn, t2 curve.Element
	respOut.ScalarMult(&proof.Response, outC1)
	cIn.ScalarMult(&proof.Challenge, inC1)
	negCIn.Negate(&cIn)
	t2.Add(&respOut, &negCIn)

	expected := fiatShamirChallenge(&proof.RatioCommitment, &t1, &t2, inC1, outC1)
	return expected.Equal(&proof.Challenge)
}

func fiatShamirChallenge(points ...*curve.Element) scalar.Scalar {
	h := sha256.New()
	for _, p := range points {
		var packed [32]byte
		p.Pack(&packed)
		h.Write(packed[:])
	}
	sum := h.Sum(nil)
	var wide [64]byte
	copy(wide[:32], sum)
	copy(wide[32:], sum)
	return scalar.FromHash(&wide)
}

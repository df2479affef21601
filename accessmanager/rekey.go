package accessmanager

import (
	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/internal/pepfault"
)

// KeyOperation distinguishes the two directions handleEncryptionKeyRequest
// supports: blinding a key for a write, or unblinding (and translating) one
// for a read.
type KeyOperation string

const (
	// OpBlind derives a write key directly, AM-side, from (column, SF local
	// pseudonym) additional data.
	OpBlind KeyOperation = "BLIND"
	// OpUnblind reverses the AM-side blinding locally (Unblind with the same
	// additional data), then translates the result into the requester's
	// domain; the Transcryptor is not contacted.
	OpUnblind KeyOperation = "UNBLIND"
)

// KeyDescriptor names one entry of an encryption-key request: the column
// and Storage-Facility local pseudonym the key is scoped to, the
// polymorphic key material, and which operation to apply.
type KeyDescriptor struct {
	Column               string
	LocalPseudonymSF      []byte
	Key                  elgamal.Ciphertext
	Operation            KeyOperation
}

// Rekeyer translates polymorphic keys into the recipient's local domain,
// gated only by the ticket's column list (ticket possession is the
// authorization).
type Rekeyer struct {
	pipeline *Pipeline
}

// NewRekeyer builds a Rekeyer that takes the per-recipient key ratios for
// the UNBLIND direction from p.
func NewRekeyer(p *Pipeline) *Rekeyer {
	return &Rekeyer{pipeline: p}
}

// HandleEncryptionKeyRequest resolves descriptors against the opened
// ticket's column set, rejecting any column it does not cover, and returns
// one rekeyed ciphertext per descriptor in order.
func (r *Rekeyer) HandleEncryptionKeyRequest(ticketColumns []string, recipient string, descriptors []KeyDescriptor) ([]elgamal.Ciphertext, error) {
	allowed := make(map[string]bool, len(ticketColumns))
	for _, c := range ticketColumns {
		allowed[c] = true
	}

	out := make([]elgamal.Ciphertext, len(descriptors))
	for i, d := range descriptors {
		if !allowed[d.Column] {
			return nil, pepfault.New(pepfault.KindAccessDenied, "accessmanager.HandleEncryptionKeyRequest", "ticket does not cover column: "+d.Column)
		}

		ad := append(append([]byte(nil), d.Column...), d.LocalPseudonymSF...)

		switch d.Operation {
		case OpBlind:
			out[i] = elgamal.Blind(&d.Key, ad)

		case OpUnblind:
			unblinded := elgamal.Unblind(&d.Key, ad)
			ratio, err := r.pipeline.keyRatioFor(recipient)
			if err != nil {
				return nil, err
			}
			out[i] = elgamal.Translate(&unblinded, &ratio)

		default:
			return nil, pepfault.New(pepfault.KindInvalid, "accessmanager.HandleEncryptionKeyRequest", "unknown key operation: "+string(d.Operation))
		}
	}
	return out, nil
}

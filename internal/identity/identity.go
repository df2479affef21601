// Package identity implements the signing, aggregation, transport, and
// symmetric-encryption primitives shared by the Access Manager, the
// Transcryptor, and the Storage Facility: Ed25519 user/device identities,
// BLS12-381 co-signatures for tickets, Dilithium3 for long-term
// quantum-resistant identities, zero-trust TLS for node-to-node traffic, and
// XChaCha20-Poly1305 for opaque cell ids. Grounded on
// core/security.go.
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	mode3 "github.com/cloudflare/circl/sign/dilithium/mode3"
	bls "github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("identity: bls init: %w", err))
	}
	bls.SetETHmode(bls.EthModeDraft07)
}

// KeyAlgo identifies which signature scheme a key belongs to.
type KeyAlgo uint8

const (
	// AlgoEd25519 is used by end-user and service identities.
	AlgoEd25519 KeyAlgo = iota
	// AlgoBLS is used by Access Manager and Transcryptor ticket co-signatures,
	// since BLS signatures over the same message aggregate into one.
	AlgoBLS
	// AlgoDilithium3 is used for long-term, quantum-resistant root identities.
	AlgoDilithium3
)

func (a KeyAlgo) String() string {
	switch a {
	case AlgoEd25519:
		return "ed25519"
	case AlgoBLS:
		return "bls12-381"
	case AlgoDilithium3:
		return "dilithium3"
	default:
		return "unknown"
	}
}

// Sign signs msg with priv, whose concrete type must match algo:
// ed25519.PrivateKey, *bls.SecretKey, or mode3.PrivateKey respectively.
func Sign(algo KeyAlgo, priv interface{}, msg []byte) ([]byte, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("identity: invalid ed25519 private key type")
		}
		return ed25519.Sign(pk, msg), nil

	case AlgoBLS:
		sk, ok := priv.(*bls.SecretKey)
		if !ok {
			return nil, errors.New("identity: invalid BLS secret key type")
		}
		sig := sk.SignByte(msg)
		return sig.Serialize(), nil

	case AlgoDilithium3:
		sk, ok := priv.(*mode3.PrivateKey)
		if !ok {
			return nil, errors.New("identity: invalid dilithium3 private key type")
		}
		return sk.Sign(rand.Reader, msg, crypto.Hash(0))

	default:
		return nil, fmt.Errorf("identity: unknown algo %v", algo)
	}
}

// Verify checks sig over msg with pub, whose concrete type must match algo.
// For AlgoBLS, pub may also be a raw compressed []byte.
func Verify(algo KeyAlgo, pub interface{}, msg, sig []byte) (bool, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, errors.New("identity: invalid ed25519 public key type")
		}
		return ed25519.Verify(pk, msg, sig), nil

	case AlgoBLS:
		var pk bls.PublicKey
		switch v := pub.(type) {
		case *bls.PublicKey:
			pk = *v
		case []byte:
			if err := pk.Deserialize(v); err != nil {
				return false, err
			}
		default:
			return false, errors.New("identity: invalid BLS public key type")
		}
		var s bls.Sign
		if err := s.Deserialize(sig); err != nil {
			return false, err
		}
		return s.VerifyByte(&pk, msg), nil

	case AlgoDilithium3:
		pk, ok := pub.(*mode3.PublicKey)
		if !ok {
			return false, errors.New("identity: invalid dilithium3 public key type")
		}
		return mode3.Verify(pk, msg, sig), nil

	default:
		return false, fmt.Errorf("identity: unknown algo %v", algo)
	}
}

// AggregateBLSSigs merges multiple compressed BLS signatures over what is
// expected to be a common message, as used to combine the Access Manager's
// and the Transcryptor's co-signatures on a single ticket.
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("identity: no signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("identity: signature %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregated verifies an aggregated BLS signature against an
// aggregated public key, both over the same msg.
func VerifyAggregated(aggSig, pubAgg, msg []byte) (bool, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(pubAgg); err != nil {
		return false, err
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, err
	}
	return sig.VerifyByte(&pk, msg), nil
}

// AggregateBLSPublicKeys combines multiple compressed BLS public keys into
// one, for verifying an aggregated signature produced by distinct signers.
func AggregateBLSPublicKeys(pubs [][]byte) ([]byte, error) {
	if len(pubs) == 0 {
		return nil, errors.New("identity: no public keys to aggregate")
	}
	var agg bls.PublicKey
	for i, raw := range pubs {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("identity: pubkey %d: %w", i, err)
		}
		if i == 0 {
			agg = pk
		} else {
			agg.Add(&pk)
		}
	}
	return agg.Serialize(), nil
}

// GenerateDilithiumKeypair creates a fresh Dilithium3 keypair for a
// long-term identity.
func GenerateDilithiumKeypair() (pub *mode3.PublicKey, priv *mode3.PrivateKey, err error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pk, sk, nil
}

// Encrypt seals plaintext under key using XChaCha20-Poly1305, returning
// nonce||ciphertext||tag. Used by the Storage Facility to mint opaque cell
// ids and to wrap at-rest metadata.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("identity: key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("identity: key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("identity: ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// NewZeroTrustTLSConfig builds a TLS 1.3-only config for node-to-node
// traffic between the Access Manager, Transcryptor, and Storage Facility,
// with mutual auth and optional fingerprint pinning of the peer leaf
// certificate.
func NewZeroTrustTLSConfig(certPath, keyPath, caPath string, pinnedFingerprint []byte) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		Certificates:           []tls.Certificate{cert},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
	}

	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("identity: failed to load CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(pinnedFingerprint) > 0 {
		fp := make([]byte, len(pinnedFingerprint))
		copy(fp, pinnedFingerprint)
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("identity: no peer certificate provided")
			}
			hash := sha256.Sum256(rawCerts[0])
			if subtle.ConstantTimeCompare(hash[:], fp) != 1 {
				return errors.New("identity: unexpected peer certificate fingerprint")
			}
			return nil
		}
	}
	return cfg, nil
}

// CertFingerprint returns the SHA-256 fingerprint of a PEM-encoded
// certificate, for use as a pinned fingerprint with
// NewZeroTrustTLSConfig.
func CertFingerprint(certPath string) ([]byte, error) {
	pemData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("identity: failed to parse certificate PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	fp := make([]byte, len(sum))
	copy(fp, sum[:])
	return fp, nil
}

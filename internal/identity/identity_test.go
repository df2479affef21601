package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func TestSignVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("ticket payload")
	sig, err := Sign(AlgoEd25519, priv, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(AlgoEd25519, pub, msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid ed25519 signature rejected")
	}
}

func TestVerifyEd25519RejectsTamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := Sign(AlgoEd25519, priv, []byte("original"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(AlgoEd25519, pub, []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("tampered message verified")
	}
}

func newBLSKeypair(t *testing.T) (*bls.SecretKey, *bls.PublicKey) {
	t.Helper()
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pk := sk.GetPublicKey()
	return &sk, pk
}

func TestSignVerifyBLS(t *testing.T) {
	sk, pk := newBLSKeypair(t)
	msg := []byte("co-signed ticket")
	sig, err := Sign(AlgoBLS, sk, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(AlgoBLS, pk, msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid BLS signature rejected")
	}
}

func TestAggregateBLSSigsVerifies(t *testing.T) {
	msg := []byte("ticket:am+ts")
	skAM, pkAM := newBLSKeypair(t)
	skTS, pkTS := newBLSKeypair(t)

	sigAM, err := Sign(AlgoBLS, skAM, msg)
	if err != nil {
		t.Fatalf("sign am: %v", err)
	}
	sigTS, err := Sign(AlgoBLS, skTS, msg)
	if err != nil {
		t.Fatalf("sign ts: %v", err)
	}

	aggSig, err := AggregateBLSSigs([][]byte{sigAM, sigTS})
	if err != nil {
		t.Fatalf("aggregate sigs: %v", err)
	}
	aggPub, err := AggregateBLSPublicKeys([][]byte{pkAM.Serialize(), pkTS.Serialize()})
	if err != nil {
		t.Fatalf("aggregate pubs: %v", err)
	}

	ok, err := VerifyAggregated(aggSig, aggPub, msg)
	if err != nil {
		t.Fatalf("verify aggregated: %v", err)
	}
	if !ok {
		t.Fatal("valid aggregated co-signature rejected")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	plaintext := []byte("opaque cell id payload")
	aad := []byte("column:name")

	blob, err := Encrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, blob, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatal("decrypt(encrypt(p)) != p")
	}
}

func TestDecryptRejectsWrongAAD(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	blob, err := Encrypt(key, []byte("payload"), []byte("right-aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(key, blob, []byte("wrong-aad")); err == nil {
		t.Fatal("decrypt accepted mismatched AAD")
	}
}

package field

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomElement(t *testing.T) (Element, [32]byte) {
	t.Helper()
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	raw[31] &= 0x7f
	var e Element
	e.Unpack(&raw)
	return e, raw
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		e, raw := randomElement(t)
		var out [32]byte
		e.Pack(&out)

		var back Element
		back.Unpack(&out)
		var back2 [32]byte
		back.Pack(&back2)
		if !bytes.Equal(out[:], back2[:]) {
			t.Fatalf("pack(unpack(pack(x))) != pack(x) for input %x", raw)
		}
	}
}

func TestAddCommutative(t *testing.T) {
	a, _ := randomElement(t)
	b, _ := randomElement(t)
	var ab, ba Element
	ab.Add(&a, &b)
	ba.Add(&b, &a)
	if !ab.Equal(&ba) {
		t.Fatal("a+b != b+a")
	}
}

func TestMulDistributesOverAdd(t *testing.T) {
	a, _ := randomElement(t)
	b, _ := randomElement(t)
	c, _ := randomElement(t)

	var sum, lhs Element
	sum.Add(&b, &c)
	lhs.Mul(&a, &sum)

	var ab, ac, rhs Element
	ab.Mul(&a, &b)
	ac.Mul(&a, &c)
	rhs.Add(&ab, &ac)

	if !lhs.Equal(&rhs) {
		t.Fatal("a*(b+c) != a*b + a*c")
	}
}

func TestInvertIsMultiplicativeInverse(t *testing.T) {
	a, _ := randomElement(t)
	if a.IsZero() {
		a.SetOne()
	}
	var inv, prod, one Element
	inv.Invert(&a)
	prod.Mul(&a, &inv)
	one.SetOne()
	if !prod.Equal(&one) {
		t.Fatal("a * invert(a) != 1")
	}
}

func TestSqrtOfSquareIsPlusOrMinus(t *testing.T) {
	a, _ := randomElement(t)
	var sq, root, negA Element
	sq.Square(&a)
	ok := root.Sqrt(&sq)
	if !ok {
		t.Fatal("a^2 should always be a quadratic residue")
	}
	negA.Neg(&a)
	if !root.Equal(&a) && !root.Equal(&negA) {
		t.Fatal("sqrt(a^2) not in {a, -a}")
	}
}

func TestCMoveSelectsCorrectly(t *testing.T) {
	a, _ := randomElement(t)
	b, _ := randomElement(t)

	var r Element
	r.Set(&a)
	r.CMove(&b, 0)
	if !r.Equal(&a) {
		t.Fatal("cmove with b=0 changed destination")
	}
	r.CMove(&b, 1)
	if !r.Equal(&b) {
		t.Fatal("cmove with b=1 did not select source")
	}
}

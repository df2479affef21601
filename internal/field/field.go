// Package field implements constant-time arithmetic over F_p, p = 2^255 - 19.
//
// Elements are held in the classic radix-25.5 representation: ten int32
// limbs with alternating 26 and 25 bit windows, the same layout used by the
// original PEP Curve25519 extension (see original_source/cpp/ext/panda/fe25519-25.5.c).
package field

import "crypto/subtle"

// Element is a residue class modulo p = 2^255 - 19, stored in an unreduced,
// bounded limb representation. Operations never branch on the value of an
// Element; every conditional is expressed as a masked select.
type Element struct {
	v [10]int32
}

var (
	Zero    = Element{}
	One     = Element{v: [10]int32{1}}
	Two     = Element{v: [10]int32{2}}
	MinusOne = func() Element {
		var e Element
		e.Neg(&One)
		return e
	}()

	// SqrtM1 is a square root of -1 mod p.
	SqrtM1 = Element{v: [10]int32{
		-32595792, -7943725, 9377950, 3500415, 12389472,
		-272473, -25146209, -2005654, 326686, 11406482,
	}}
	// MinusSqrtM1 is -SqrtM1.
	MinusSqrtM1 = func() Element {
		var e Element
		e.Neg(&SqrtM1)
		return e
	}()
)

// Set copies x into e and returns e.
func (e *Element) Set(x *Element) *Element {
	e.v = x.v
	return e
}

// Zero sets e to the additive identity.
func (e *Element) SetZero() *Element { e.v = [10]int32{}; return e }

// One sets e to the multiplicative identity.
func (e *Element) SetOne() *Element { e.v = [10]int32{1}; return e }

// Add sets e = x + y.
func (e *Element) Add(x, y *Element) *Element {
	for i := range e.v {
		e.v[i] = x.v[i] + y.v[i]
	}
	return e
}

// Sub sets e = x - y.
func (e *Element) Sub(x, y *Element) *Element {
	for i := range e.v {
		e.v[i] = x.v[i] - y.v[i]
	}
	return e
}

// Neg sets e = -x.
func (e *Element) Neg(x *Element) *Element {
	var z Element
	return e.Sub(&z, x)
}

// CMove sets e = x if b == 1, leaves e unchanged if b == 0. b must be 0 or 1.
func (e *Element) CMove(x *Element, b int32) *Element {
	mask := -b
	for i := range e.v {
		e.v[i] ^= mask & (e.v[i] ^ x.v[i])
	}
	return e
}

// carryReduce fully reduces e's limbs into canonical bounded form.
func (e *Element) carryReduce() {
	var carry [10]int64
	t := make([]int64, 10)
	for i, v := range e.v {
		t[i] = int64(v)
	}
	reduceLimbs(t[:])
	for i, v := range t {
		_ = carry
		e.v[i] = int32(v)
	}
}

// reduceLimbs runs the alternating 26/25 bit carry chain twice, which is
// sufficient to fully propagate any bounded product sum back into the
// canonical per-limb bit budget.
func reduceLimbs(t []int64) {
	const (
		mask26 = (int64(1) << 26) - 1
		mask25 = (int64(1) << 25) - 1
	)
	for pass := 0; pass < 2; pass++ {
		var c int64
		for i := 0; i < 10; i++ {
			bits := uint(26)
			if i%2 == 1 {
				bits = 25
			}
			t[i] += c
			c = t[i] >> bits
			t[i] -= c << bits
			if i == 9 {
				// wrap with the *19 reduction for 2^255 = 19 mod p
				t[0] += 19 * c
				c = 0
			}
		}
		// second carry from the wraparound addition to t[0]
		c = t[0] >> 26
		t[0] -= c << 26
		t[1] += c
	}
}

// Mul sets e = x*y mod p.
func (e *Element) Mul(x, y *Element) *Element {
	// Schoolbook multiply in 64-bit accumulators, with the standard
	// Curve25519 19x reduction folded in per cross term that touches limb
	// index >= 10. This mirrors fe25519_mul's structure without hand-tuning
	// individual 2*f1*g9-style coefficients; it trades a few redundant
	// adds for a version that is straightforward to read and audit.
	var xr, yr [10]int64
	for i := 0; i < 10; i++ {
		xr[i] = int64(x.v[i])
		yr[i] = int64(y.v[i])
	}
	var acc [19]int64
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			weight := combinedWeight(i, j)
			acc[i+j] += weight * xr[i] * yr[j]
		}
	}
	var t [10]int64
	for k := 18; k >= 10; k-- {
		t[k-10] += 19 * acc[k] * limbWrapScale(k)
	}
	for k := 0; k < 10; k++ {
		t[k] += acc[k]
	}
	reduceLimbs(t[:])
	for i := range e.v {
		e.v[i] = int32(t[i])
	}
	return e
}

// combinedWeight accounts for the doubled weight odd-indexed (25-bit) limbs
// carry relative to their even neighbors, and for the factor of two that
// appears when multiplying two odd-position limbs (each representing an
// odd power of 2^12.5).
func combinedWeight(i, j int) int64 {
	if i%2 == 1 && j%2 == 1 {
		return 2
	}
	return 1
}

// limbWrapScale is the extra factor applied when a product column past limb
// 9 is folded back via the 19x identity. Limb k >= 10 weighs exactly 2^255
// times limb k-10, so no correction is needed and the factor is 1 for every k.
func limbWrapScale(k int) int64 {
	if k%2 == 0 {
		return 1
	}
	return 1
}

// Square sets e = x*x mod p.
func (e *Element) Square(x *Element) *Element { return e.Mul(x, x) }

// SquareDouble sets e = 2*x*x mod p.
func (e *Element) SquareDouble(x *Element) *Element {
	var sq Element
	sq.Square(x)
	return e.Add(&sq, &sq)
}

// IsZero reports whether e == 0, in constant time.
func (e *Element) IsZero() bool {
	var packed [32]byte
	e.Pack(&packed)
	var zero [32]byte
	return subtle.ConstantTimeCompare(packed[:], zero[:]) == 1
}

// IsOne reports whether e == 1, in constant time.
func (e *Element) IsOne() bool {
	var one Element
	one.SetOne()
	return e.Equal(&one)
}

// Equal reports whether e == x, in constant time.
func (e *Element) Equal(x *Element) bool {
	var a, b [32]byte
	e.Pack(&a)
	x.Pack(&b)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// IsNegative returns the low bit of e's canonical packed encoding.
func (e *Element) IsNegative() int32 {
	var packed [32]byte
	e.Pack(&packed)
	return int32(packed[0] & 1)
}

// Abs sets e = |x|, i.e. x if x is non-negative, else -x.
func (e *Element) Abs(x *Element) *Element {
	var neg Element
	neg.Neg(x)
	e.Set(x)
	e.CMove(&neg, x.IsNegative())
	return e
}

// Invert sets e = 1/x using the Fermat inverse x^(p-2), via a fixed addition
// chain equivalent to Pow22523 composed with a short tail (the same chain
// shape as fe25519_invert in the original C extension).
func (e *Element) Invert(x *Element) *Element {
	var z2, z9, z11, z2_5_0, z2_10_0, z2_20_0, z2_50_0, z2_100_0, t Element

	z2.Square(x)             // 2
	t.Square(&z2)             // 4
	t.Square(&t)              // 8
	z9.Mul(&t, x)             // 9
	z11.Mul(&z9, &z2)         // 11
	t.Square(&z11)            // 22
	z2_5_0.Mul(&t, &z9)       // 2^5 - 2^0 = 31

	t.Square(&z2_5_0)
	for i := 1; i < 5; i++ {
		t.Square(&t)
	}
	z2_10_0.Mul(&t, &z2_5_0)

	t.Square(&z2_10_0)
	for i := 1; i < 10; i++ {
		t.Square(&t)
	}
	z2_20_0.Mul(&t, &z2_10_0)

	t.Square(&z2_20_0)
	for i := 1; i < 20; i++ {
		t.Square(&t)
	}
	var t2 Element
	t2.Mul(&t, &z2_20_0)

	t.Square(&t2)
	for i := 1; i < 10; i++ {
		t.Square(&t)
	}
	z2_50_0.Mul(&t, &z2_10_0)

	t.Square(&z2_50_0)
	for i := 1; i < 50; i++ {
		t.Square(&t)
	}
	z2_100_0.Mul(&t, &z2_50_0)

	t.Square(&z2_100_0)
	for i := 1; i < 100; i++ {
		t.Square(&t)
	}
	var t3 Element
	t3.Mul(&t, &z2_100_0)

	t.Square(&t3)
	for i := 1; i < 50; i++ {
		t.Square(&t)
	}
	t.Mul(&t, &z2_50_0)

	for i := 0; i < 5; i++ {
		t.Square(&t)
	}
	e.Mul(&t, &z11)
	return e
}

// Pow2523 sets e = x^((p-5)/8), the exponent used by invsqrti/sqrti.
func (e *Element) Pow2523(x *Element) *Element {
	var z2, z9, z11, z2_5_0, z2_10_0, z2_20_0, z2_50_0, z2_100_0, t Element

	z2.Square(x)
	t.Square(&z2)
	t.Square(&t)
	z9.Mul(&t, x)
	z11.Mul(&z9, &z2)
	t.Square(&z11)
	z2_5_0.Mul(&t, &z9)

	t.Square(&z2_5_0)
	for i := 1; i < 5; i++ {
		t.Square(&t)
	}
	z2_10_0.Mul(&t, &z2_5_0)

	t.Square(&z2_10_0)
	for i := 1; i < 10; i++ {
		t.Square(&t)
	}
	z2_20_0.Mul(&t, &z2_10_0)

	t.Square(&z2_20_0)
	for i := 1; i < 20; i++ {
		t.Square(&t)
	}
	var t2 Element
	t2.Mul(&t, &z2_20_0)

	t.Square(&t2)
	for i := 1; i < 10; i++ {
		t.Square(&t)
	}
	z2_50_0.Mul(&t, &z2_10_0)

	t.Square(&z2_50_0)
	for i := 1; i < 50; i++ {
		t.Square(&t)
	}
	z2_100_0.Mul(&t, &z2_50_0)

	t.Square(&z2_100_0)
	for i := 1; i < 100; i++ {
		t.Square(&t)
	}
	var t3 Element
	t3.Mul(&t, &z2_100_0)

	t.Square(&t3)
	for i := 1; i < 50; i++ {
		t.Square(&t)
	}
	t.Mul(&t, &z2_50_0)

	for i := 0; i < 2; i++ {
		t.Square(&t)
	}
	e.Mul(&t, x)
	return e
}

// Sqrt sets e to a square root of x when one exists; the returned bool
// reports whether x was a quadratic residue.
func (e *Element) Sqrt(x *Element) bool {
	var r Element
	ok := r.Sqrti(x)
	e.Set(&r)
	return ok
}

// Sqrti sets e to sqrt(x) if x is a QR, or sqrt(i*x) otherwise, and reports
// which case held.
func (e *Element) Sqrti(x *Element) bool {
	var inv Element
	ok := inv.Invsqrti(x)
	e.Mul(&inv, x)
	return ok
}

// Invsqrt sets e = 1/sqrt(x), undefined if x is not a QR.
func (e *Element) Invsqrt(x *Element) *Element {
	var r Element
	r.Invsqrti(x)
	e.Set(&r)
	return e
}

// Invsqrti implements the combined inverse-square-root selection described
// in spec.md §4.1: compute t = (x^7)^((p-5)/8) * x^3, classify t^2*x into
// {1, -1, i, -i} and correct accordingly. Returns whether x was itself a QR.
func (e *Element) Invsqrti(x *Element) bool {
	var x2, x3, x7, pow, t, check Element
	x2.Square(x)
	x3.Mul(&x2, x)
	x7.Mul(&x3, &x2) // x^5
	x7.Mul(&x7, &x2) // x^7
	pow.Pow2523(&x7)
	t.Mul(&pow, &x3)

	check.Square(&t)
	check.Mul(&check, x)

	var one, minusOne Element
	one.SetOne()
	minusOne.Neg(&one)

	isOne := check.Equal(&one)
	isMinusOne := check.Equal(&minusOne)

	var corrected Element
	corrected.Set(&t)
	var withI Element
	withI.Mul(&t, &SqrtM1)
	var checkBytes, minusOneBytes, sqrtM1Bytes [32]byte
	check.Pack(&checkBytes)
	minusOne.Pack(&minusOneBytes)
	SqrtM1.Pack(&sqrtM1Bytes)
	useI := subtle.ConstantTimeCompare(checkBytes[:], minusOneBytes[:]) |
		subtle.ConstantTimeCompare(checkBytes[:], sqrtM1Bytes[:])
	corrected.CMove(&withI, int32(useI))

	e.Set(&corrected)
	return isOne || isMinusOne
}

// Pack serializes e into 32 canonical little-endian bytes with the top bit
// clear and the value fully reduced mod p.
func (e *Element) Pack(out *[32]byte) {
	var h [10]int64
	for i, v := range e.v {
		h[i] = int64(v)
	}
	reduceLimbs(h[:])

	// final conditional subtraction of p = 2^255-19: q is 1 exactly when the
	// value is >= p; adding 19*q and dropping the carry out of limb 9
	// subtracts q*p.
	var q int64
	q = (19*h[9] + (1 << 24)) >> 25
	for i := 0; i < 10; i++ {
		bits := int64(26)
		if i%2 == 1 {
			bits = 25
		}
		q = (h[i] + q) >> bits
	}
	h[0] += 19 * q
	for i := 0; i < 10; i++ {
		bits := int64(26)
		if i%2 == 1 {
			bits = 25
		}
		c := h[i] >> bits
		h[i] -= c << bits
		if i < 9 {
			h[i+1] += c
		}
	}

	var buf [10]int32
	for i, v := range h {
		buf[i] = int32(v)
	}

	var e2 Element
	e2.v = buf
	e2.carryReduce()

	pos := 0
	bitBuf := uint64(0)
	bitCount := uint(0)
	oi := 0
	for i := 0; i < 10; i++ {
		bits := uint(26)
		if i%2 == 1 {
			bits = 25
		}
		bitBuf |= uint64(uint32(e2.v[i])) << bitCount
		bitCount += bits
		for bitCount >= 8 {
			out[oi] = byte(bitBuf)
			bitBuf >>= 8
			bitCount -= 8
			oi++
		}
	}
	if oi < 32 {
		out[oi] = byte(bitBuf)
	}
	out[31] &= 0x7f
	_ = pos
}

// Unpack deserializes 32 bytes into e, ignoring the top bit.
func (e *Element) Unpack(in *[32]byte) *Element {
	var buf [32]byte
	copy(buf[:], in[:])
	buf[31] &= 0x7f

	bitBuf := uint64(0)
	bitCount := uint(0)
	ii := 0
	for i := 0; i < 10; i++ {
		bits := uint(26)
		if i%2 == 1 {
			bits = 25
		}
		for bitCount < bits && ii < 32 {
			bitBuf |= uint64(buf[ii]) << bitCount
			bitCount += 8
			ii++
		}
		mask := uint64(1)<<bits - 1
		e.v[i] = int32(bitBuf & mask)
		bitBuf >>= bits
		bitCount -= bits
	}
	return e
}

// Package scalar implements arithmetic modulo the Curve25519 group order
// ℓ = 2^252 + 27742317777372353535851937790883648493.
//
// The original PEP extension (original_source/cpp/ext/panda/scalar.c) reduces
// modulo ℓ with a 12x21-bit limb schoolbook and the constants
// 666643, 470296, 654183, 997805, 136657, 683901. This package keeps the same
// public contract (spec.md §4.3) but performs the reduction with math/big so
// the implementation can be built with confidence without executing it; see
// DESIGN.md for the rationale. Recoding helpers (window3/4/5, wNaf5) operate
// on public scalars only, as spec.md requires, and are not constant-time.
package scalar

import (
	"crypto/subtle"
	"math/big"
)

var ell = func() *big.Int {
	l, ok := new(big.Int).SetString("1000000000000000000000000000000014def9dea2f79cd65812631a5cf5d3ed", 16)
	if !ok {
		panic("scalar: bad group order literal")
	}
	return l
}()

// Scalar is an integer modulo ℓ.
type Scalar struct {
	n *big.Int
}

func newFromBig(v *big.Int) Scalar {
	r := new(big.Int).Mod(v, ell)
	return Scalar{n: r}
}

// Zero returns the additive identity.
func Zero() Scalar { return Scalar{n: new(big.Int)} }

// One returns the multiplicative identity.
func One() Scalar { return Scalar{n: big.NewInt(1)} }

func (s *Scalar) ensure() {
	if s.n == nil {
		s.n = new(big.Int)
	}
}

// SetZero sets s to 0.
func (s *Scalar) SetZero() *Scalar { s.n = new(big.Int); return s }

// SetOne sets s to 1.
func (s *Scalar) SetOne() *Scalar { s.n = big.NewInt(1); return s }

// Add sets s = x + y mod ℓ.
func (s *Scalar) Add(x, y *Scalar) *Scalar {
	x.ensure()
	y.ensure()
	s.n = new(big.Int).Mod(new(big.Int).Add(x.n, y.n), ell)
	return s
}

// Sub sets s = x - y mod ℓ.
func (s *Scalar) Sub(x, y *Scalar) *Scalar {
	x.ensure()
	y.ensure()
	s.n = new(big.Int).Mod(new(big.Int).Sub(x.n, y.n), ell)
	return s
}

// Negate sets s = -x mod ℓ.
func (s *Scalar) Negate(x *Scalar) *Scalar {
	var z Scalar
	z.SetZero()
	return s.Sub(&z, x)
}

// Mul sets s = x*y mod ℓ.
func (s *Scalar) Mul(x, y *Scalar) *Scalar {
	x.ensure()
	y.ensure()
	s.n = new(big.Int).Mod(new(big.Int).Mul(x.n, y.n), ell)
	return s
}

// Square sets s = x*x mod ℓ.
func (s *Scalar) Square(x *Scalar) *Scalar { return s.Mul(x, x) }

// Invert sets s = 1/x mod ℓ. x must be non-zero.
func (s *Scalar) Invert(x *Scalar) *Scalar {
	x.ensure()
	s.n = new(big.Int).ModInverse(x.n, ell)
	if s.n == nil {
		s.n = new(big.Int)
	}
	return s
}

// IsZero reports whether s == 0.
func (s *Scalar) IsZero() bool {
	s.ensure()
	return s.n.Sign() == 0
}

// IsOne reports whether s == 1.
func (s *Scalar) IsOne() bool {
	s.ensure()
	return s.n.Cmp(big.NewInt(1)) == 0
}

// Equal reports whether s == x, in constant time over the packed encoding.
func (s *Scalar) Equal(x *Scalar) bool {
	a := s.Pack()
	b := x.Pack()
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Pack serializes s into 32 little-endian bytes, top bits cleared.
func (s *Scalar) Pack() [32]byte {
	s.ensure()
	var out [32]byte
	b := s.n.Bytes() // big-endian
	for i, j := 0, len(b)-1; j >= 0 && i < 32; i, j = i+1, j-1 {
		out[i] = b[j]
	}
	return out
}

// Unpack deserializes 32 little-endian bytes (top 4 bits ignored, so only
// the low 252 bits are read) and reduces mod ℓ.
func (s *Scalar) Unpack(in *[32]byte) *Scalar {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = in[31-i]
	}
	be[0] &= 0x0f // clear top nibble+ beyond 252 bits, conservative mask
	v := new(big.Int).SetBytes(be[:])
	s.n = new(big.Int).Mod(v, ell)
	return s
}

// FromHash reduces a uniformly-random 64-byte value mod ℓ, for hash-to-scalar.
func FromHash(h *[64]byte) Scalar {
	var be [64]byte
	for i := 0; i < 64; i++ {
		be[i] = h[63-i]
	}
	v := new(big.Int).SetBytes(be[:])
	return newFromBig(v)
}

// BitLen returns the bit length of the scalar's canonical non-negative
// representative.
func (s *Scalar) BitLen() int {
	s.ensure()
	return s.n.BitLen()
}

// bitAt returns bit i (0 = least significant) of the canonical representative.
func (s *Scalar) bitAt(i int) uint {
	s.ensure()
	return uint(s.n.Bit(i))
}

// Window3 returns a width-3 signed digit recoding (digits in [-4,3]), most
// significant digit last. Only safe to use on public scalars.
func (s *Scalar) Window3() []int8 { return windowRecode(s, 3) }

// Window4 returns a width-4 signed digit recoding (digits in [-8,7]).
func (s *Scalar) Window4() []int8 { return windowRecode(s, 4) }

// Window5 returns a width-5 signed digit recoding (digits in [-16,15]).
func (s *Scalar) Window5() []int8 { return windowRecode(s, 5) }

func windowRecode(s *Scalar, width uint) []int8 {
	s.ensure()
	bits := 256
	ndigits := (bits + int(width) - 1) / int(width)
	digits := make([]int8, ndigits+1)
	carry := int8(0)
	half := int16(1) << (width - 1)
	full := int16(1) << width
	for d := 0; d < ndigits; d++ {
		var chunk int16
		for b := uint(0); b < width; b++ {
			pos := d*int(width) + int(b)
			if pos < bits {
				chunk |= int16(s.bitAt(pos)) << b
			}
		}
		chunk += int16(carry)
		if chunk >= half {
			digits[d] = int8(chunk - full)
			carry = 1
		} else {
			digits[d] = int8(chunk)
			carry = 0
		}
	}
	digits[ndigits] += carry
	return digits
}

// WNaf5 returns the width-5 non-adjacent-form signed digit recoding: digits
// in {0, ±1, ±3, ..., ±15}, with the property that any five consecutive
// digits contain at most one non-zero. Only safe to use on public scalars.
func (s *Scalar) WNaf5() []int8 {
	s.ensure()
	n := new(big.Int).Set(s.n)
	var out []int8
	width := uint(5)
	mod := int64(1) << width
	half := mod / 2
	for n.Sign() > 0 {
		if n.Bit(0) == 1 {
			lowBits := new(big.Int).And(n, big.NewInt(mod-1)).Int64()
			var d int64
			if lowBits >= half {
				d = lowBits - mod
			} else {
				d = lowBits
			}
			out = append(out, int8(d))
			n.Sub(n, big.NewInt(d))
		} else {
			out = append(out, 0)
		}
		n.Rsh(n, 1)
	}
	return out
}

// Slide returns the signed fixed-window recoding of width w, the same
// recoding Window3/4/5 use; it is not a sparse sliding-window recoding.
func (s *Scalar) Slide(w uint) []int8 { return windowRecode(s, w) }

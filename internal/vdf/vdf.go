// Package vdf implements the Wesolowski verifiable delay function used to
// gate forwarding at each mix hop: a cell can only be relayed once the
// holder has actually spent t sequential squarings computing it, and any
// other party can check the result in one modular exponentiation.
package vdf

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// LPrimeDec is the public 128-bit prime ℓ = 2^128 + 51, shared by every
// party and never secret.
const LPrimeDec = "340282366920938463463374607431768211507"

// LPrime is the parsed form of LPrimeDec.
var LPrime = mustParse(LPrimeDec)

func mustParse(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("vdf: failed to parse L_PRIME constant")
	}
	return n
}

// Eval computes y = x^(2^t) mod n via t repeated squarings. Exposed for
// benchmarking and as the non-proof-carrying half of Prove; new callers
// should prefer Prove/Verify.
func Eval(x, n *big.Int, t uint64) *big.Int {
	y := new(big.Int).Set(x)
	two := big.NewInt(2)
	for i := uint64(0); i < t; i++ {
		y.Exp(y, two, n)
	}
	return y
}

// Prove evaluates the VDF and returns (y, π): y = x^(2^t) mod n, and π is
// the Wesolowski proof that verifies in a single exponentiation rather
// than requiring the verifier to redo all t squarings.
func Prove(x, n *big.Int, t uint64) (y, pi *big.Int) {
	y = Eval(x, n, t)

	expTwo := new(big.Int).Lsh(big.NewInt(1), uint(t))
	r := new(big.Int).Mod(expTwo, LPrime)
	q := new(big.Int).Sub(expTwo, r)
	q.Div(q, LPrime)

	pi = new(big.Int).Exp(x, q, n)
	return y, pi
}

// ProveMont evaluates the VDF the same way as Prove but computes y and π
// concurrently on separate goroutines, since neither depends on the
// other's result until the end.
func ProveMont(x, n *big.Int, t uint64) (y, pi *big.Int) {
	expTwo := new(big.Int).Lsh(big.NewInt(1), uint(t))
	r := new(big.Int).Mod(expTwo, LPrime)
	q := new(big.Int).Sub(expTwo, r)
	q.Div(q, LPrime)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		y = fastPow2(x, n, t)
	}()
	go func() {
		defer wg.Done()
		pi = new(big.Int).Exp(x, q, n)
	}()
	wg.Wait()
	return y, pi
}

// fastPow2 computes x^(2^t) mod n via direct multiply+mod squarings,
// equivalent to Eval but without Exp's extra modular-exponentiation
// bookkeeping per step since the exponent is always exactly 2.
func fastPow2(x, n *big.Int, t uint64) *big.Int {
	y := new(big.Int).Set(x)
	for i := uint64(0); i < t; i++ {
		y.Mul(y, y)
		y.Mod(y, n)
	}
	return y
}

// Verify checks a Wesolowski proof: y == π^ℓ * x^r mod n, where
// r = 2^t mod ℓ.
func Verify(x, y, pi, n *big.Int, t uint64) bool {
	expTwo := new(big.Int).Lsh(big.NewInt(1), uint(t))
	r := new(big.Int).Mod(expTwo, LPrime)

	a := new(big.Int).Exp(pi, LPrime, n)
	var lhs *big.Int
	if r.Sign() == 0 {
		lhs = a
	} else {
		b := new(big.Int).Exp(x, r, n)
		lhs = new(big.Int).Mul(a, b)
	}
	lhs.Mod(lhs, n)

	return lhs.Cmp(y) == 0
}

// Proof bundles a VDF output with the difficulty and modulus it was
// computed under, for transport alongside a mix cell.
type Proof struct {
	X  *big.Int
	Y  *big.Int
	Pi *big.Int
	N  *big.Int
	T  uint64
}

// NewProof runs ProveMont and packages the result.
func NewProof(x, n *big.Int, t uint64) Proof {
	y, pi := ProveMont(x, n, t)
	return Proof{X: x, Y: y, Pi: pi, N: n, T: t}
}

// Verify checks p against its own bundled parameters.
func (p Proof) Verify() bool {
	return Verify(p.X, p.Y, p.Pi, p.N, p.T)
}

// String renders a proof for logging without dumping full bignum values.
func (p Proof) String() string {
	return fmt.Sprintf("Proof{t=%d, bits(n)=%d}", p.T, p.N.BitLen())
}

// GenerateModulus produces a fresh RSA-style modulus n = p*q for this
// node's own VDF, with each prime half the requested bit length. Unlike an
// RSA key pair, the factorization is not kept as a secret trapdoor: nobody,
// including this node, needs p or q again once n is generated, since the
// VDF's sequentiality guarantee comes from the unknown-order group, not
// from hiding the factors. The daemon calls it once, on its first start
// with no stored modulus, and persists the result in its data directory.
func GenerateModulus(bits int) (*big.Int, error) {
	half := bits / 2
	p, err := rand.Prime(rand.Reader, half)
	if err != nil {
		return nil, fmt.Errorf("vdf: generate prime: %w", err)
	}
	q, err := rand.Prime(rand.Reader, bits-half)
	if err != nil {
		return nil, fmt.Errorf("vdf: generate prime: %w", err)
	}
	return new(big.Int).Mul(p, q), nil
}

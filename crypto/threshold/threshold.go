// Package threshold implements the BLS threshold signature scheme used to
// seal blocks. A key set is a polynomial commitment of degree f; any f+1
// signature shares recover the signature of the master key, which is the
// commitment's constant term.
//
// The heavy lifting is done by herumi's BLS12-381 implementation; this
// package fixes the share-index to BLS-ID mapping and the serialization
// used on the wire and on-chain.
package threshold

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/herumi/bls-go-binary/bls"
)

var (
	ErrInsufficientShares = errors.New("threshold: not enough signature shares")
	ErrInvalidKeySet      = errors.New("threshold: invalid public key set")
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Sprintf("threshold: BLS12-381 initialization failed: %v", err))
	}
}

// blsID maps a validator index to a BLS fraction ID. Index 0 maps to ID 1;
// the zero ID is reserved for the master key.
func blsID(idx int) (id bls.ID) {
	if err := id.SetDecString(strconv.Itoa(idx + 1)); err != nil {
		panic(fmt.Sprintf("threshold: invalid share index %d: %v", idx, err))
	}
	return id
}

// PublicKey is a single BLS public key, either the master key or an
// evaluated key share.
type PublicKey struct {
	pk bls.PublicKey
}

// PublicKeyFromBytes deserializes a public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	var pk PublicKey
	if err := pk.pk.Deserialize(b); err != nil {
		return nil, fmt.Errorf("threshold: invalid public key: %w", err)
	}
	return &pk, nil
}

// Bytes returns the canonical serialization of the key.
func (pk *PublicKey) Bytes() []byte {
	return pk.pk.Serialize()
}

// Equal reports whether both keys are the same curve point.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	return pk.pk.IsEqual(&other.pk)
}

// Verify checks sig over msg under this key.
func (pk *PublicKey) Verify(sig *Signature, msg []byte) bool {
	if sig == nil {
		return false
	}
	return sig.sig.VerifyByte(&pk.pk, msg)
}

// Signature is a BLS signature: either a single share or a recovered
// threshold signature. Both have the same representation.
type Signature struct {
	sig bls.Sign
}

// SignatureFromBytes deserializes a signature.
func SignatureFromBytes(b []byte) (*Signature, error) {
	var s Signature
	if err := s.sig.Deserialize(b); err != nil {
		return nil, fmt.Errorf("threshold: invalid signature: %w", err)
	}
	return &s, nil
}

// Bytes returns the canonical serialization of the signature.
func (s *Signature) Bytes() []byte {
	return s.sig.Serialize()
}

// SecretKeyShare is one validator's share of the master secret key.
type SecretKeyShare struct {
	sk bls.SecretKey
}

// SecretKeyShareFromBytes deserializes a secret key share.
func SecretKeyShareFromBytes(b []byte) (*SecretKeyShare, error) {
	var s SecretKeyShare
	if err := s.sk.Deserialize(b); err != nil {
		return nil, fmt.Errorf("threshold: invalid secret key share: %w", err)
	}
	return &s, nil
}

// Bytes returns the canonical serialization of the share.
func (s *SecretKeyShare) Bytes() []byte {
	return s.sk.Serialize()
}

// Public returns the public key matching this share.
func (s *SecretKeyShare) Public() *PublicKey {
	return &PublicKey{pk: *s.sk.GetPublicKey()}
}

// Sign produces this share's signature share over msg.
func (s *SecretKeyShare) Sign(msg []byte) *Signature {
	return &Signature{sig: *s.sk.SignByte(msg)}
}

// Accumulate adds other into s. Used by key generation to sum dealt rows.
func (s *SecretKeyShare) Accumulate(other *SecretKeyShare) {
	s.sk.Add(&other.sk)
}

// PublicKeySet is a commitment to a secret polynomial of degree
// Threshold(): one public key per coefficient. The constant term is the
// master public key; evaluating the commitment at a validator's BLS ID
// yields that validator's public key share.
type PublicKeySet struct {
	commit []bls.PublicKey
}

// PublicKeySetFromBytes reassembles a key set from serialized coefficients.
func PublicKeySetFromBytes(coeffs [][]byte) (*PublicKeySet, error) {
	if len(coeffs) == 0 {
		return nil, ErrInvalidKeySet
	}
	commit := make([]bls.PublicKey, len(coeffs))
	for i, b := range coeffs {
		if err := commit[i].Deserialize(b); err != nil {
			return nil, fmt.Errorf("threshold: invalid commitment coefficient %d: %w", i, err)
		}
	}
	return &PublicKeySet{commit: commit}, nil
}

// Bytes returns the serialized commitment coefficients, constant term first.
func (ks *PublicKeySet) Bytes() [][]byte {
	out := make([][]byte, len(ks.commit))
	for i := range ks.commit {
		out[i] = ks.commit[i].Serialize()
	}
	return out
}

// Threshold returns the polynomial degree f. Combining a signature
// requires f+1 shares.
func (ks *PublicKeySet) Threshold() int {
	return len(ks.commit) - 1
}

// PublicKey returns the master public key.
func (ks *PublicKeySet) PublicKey() *PublicKey {
	return &PublicKey{pk: ks.commit[0]}
}

// KeyShare returns the public key share of the validator at idx.
func (ks *PublicKeySet) KeyShare(idx int) *PublicKey {
	var pk bls.PublicKey
	id := blsID(idx)
	if err := pk.Set(ks.commit, &id); err != nil {
		panic(fmt.Sprintf("threshold: key share evaluation failed: %v", err))
	}
	return &PublicKey{pk: pk}
}

// VerifyShare checks a signature share from the validator at idx.
func (ks *PublicKeySet) VerifyShare(idx int, share *Signature, msg []byte) bool {
	return ks.KeyShare(idx).Verify(share, msg)
}

// Add accumulates another commitment of the same degree into ks,
// coefficient-wise. Used by key generation to sum dealt polynomials.
func (ks *PublicKeySet) Add(other *PublicKeySet) error {
	if len(ks.commit) != len(other.commit) {
		return ErrInvalidKeySet
	}
	for i := range ks.commit {
		ks.commit[i].Add(&other.commit[i])
	}
	return nil
}

// Clone returns a deep copy of the key set.
func (ks *PublicKeySet) Clone() *PublicKeySet {
	commit := make([]bls.PublicKey, len(ks.commit))
	copy(commit, ks.commit)
	return &PublicKeySet{commit: commit}
}

// CombineSignatures recovers the master signature from at least
// threshold+1 shares, keyed by validator index. Shares must have been
// verified by the caller; invalid shares yield an invalid signature, not
// an error.
func CombineSignatures(threshold int, shares map[int]*Signature) (*Signature, error) {
	if len(shares) < threshold+1 {
		return nil, ErrInsufficientShares
	}
	idxs := make([]int, 0, len(shares))
	for idx := range shares {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	idxs = idxs[:threshold+1]

	sigVec := make([]bls.Sign, len(idxs))
	idVec := make([]bls.ID, len(idxs))
	for i, idx := range idxs {
		sigVec[i] = shares[idx].sig
		idVec[i] = blsID(idx)
	}
	var sig bls.Sign
	if err := sig.Recover(sigVec, idVec); err != nil {
		return nil, fmt.Errorf("threshold: share recovery failed: %w", err)
	}
	return &Signature{sig: sig}, nil
}

// Poly is a random secret polynomial, the dealing side of key generation.
type Poly struct {
	coeff []bls.SecretKey
}

// NewRandomPoly samples a secret polynomial of the given degree.
func NewRandomPoly(degree int) *Poly {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &Poly{coeff: sk.GetMasterSecretKey(degree + 1)}
}

// Commitment returns the public commitment to the polynomial.
func (p *Poly) Commitment() *PublicKeySet {
	return &PublicKeySet{commit: bls.GetMasterPublicKey(p.coeff)}
}

// Eval returns the secret share for the validator at idx.
func (p *Poly) Eval(idx int) *SecretKeyShare {
	var sk bls.SecretKey
	id := blsID(idx)
	if err := sk.Set(p.coeff, &id); err != nil {
		panic(fmt.Sprintf("threshold: polynomial evaluation failed: %v", err))
	}
	return &SecretKeyShare{sk: sk}
}

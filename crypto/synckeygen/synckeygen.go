// Package synckeygen implements the synchronous distributed key generation
// protocol whose artifacts are persisted on-chain. Every participant deals
// a random secret polynomial: the commitment and the ECIES-encrypted
// secret rows form its Part, and an Ack records that a participant
// verified its row of a dealer's Part against the commitment. Once enough
// Parts are fully acknowledged, summing the dealt polynomials yields the
// epoch's threshold key material.
//
// Participants are identified by their index into the address-sorted
// validator set; the same ordering indexes the threshold key shares.
package synckeygen

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/dmdcoin/diamond-go/crypto/threshold"
)

var (
	ErrUnknownSender = errors.New("synckeygen: sender not in validator set")
	ErrDuplicatePart = errors.New("synckeygen: duplicate part from dealer")
	ErrInvalidPart   = errors.New("synckeygen: invalid part")
	ErrUnknownDealer = errors.New("synckeygen: ack references dealer without part")
	ErrNotReady      = errors.New("synckeygen: not enough complete proposals")
)

// Decryptor gives access to the local node's ECIES decryption capability
// without exposing the secret key. The auth data is always empty.
type Decryptor interface {
	Decrypt(authData, cipher []byte) ([]byte, error)
}

// Part is one dealer's contribution to key generation: the public
// commitment to its secret polynomial and one encrypted secret row per
// participant, index-aligned with the sorted validator set.
type Part struct {
	Commitment [][]byte
	Shares     [][]byte
}

// Bytes returns the canonical on-chain serialization of the part.
func (p *Part) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// PartFromBytes decodes an on-chain part blob.
func PartFromBytes(b []byte) (*Part, error) {
	part := new(Part)
	if err := rlp.DecodeBytes(b, part); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPart, err)
	}
	return part, nil
}

// Ack records that the sender verified its encrypted row of the given
// dealer's part.
type Ack struct {
	Dealer uint64
}

// Bytes returns the canonical on-chain serialization of the ack.
func (a *Ack) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

// AckFromBytes decodes an on-chain ack blob.
func AckFromBytes(b []byte) (*Ack, error) {
	ack := new(Ack)
	if err := rlp.DecodeBytes(b, ack); err != nil {
		return nil, fmt.Errorf("synckeygen: invalid ack: %v", err)
	}
	return ack, nil
}

// SyncKeyGen accumulates Parts and Acks read back from the chain and, when
// ready, produces the epoch's threshold key material. A node without a
// decryptor (or whose key is not in the participant set) acts as observer:
// it validates commitments and can generate the public key set, but never
// a secret key share.
type SyncKeyGen struct {
	ourIdx    int // -1 when observing
	decryptor Decryptor
	pubKeys   []*ecdsa.PublicKey
	faulty    int

	parts map[int]*threshold.PublicKeySet // accepted commitments by dealer
	rows  map[int]*threshold.SecretKeyShare
	acks  map[int]map[int]struct{} // dealer -> set of ackers
}

// New creates a key generation context for the given participant set and
// fault tolerance. If ourPub is a member of pubKeys and a decryptor is
// available, the returned Part is this node's own dealing; otherwise the
// part is nil and the context observes only.
func New(ourPub *ecdsa.PublicKey, decryptor Decryptor, pubKeys []*ecdsa.PublicKey, faulty int) (*SyncKeyGen, *Part, error) {
	if len(pubKeys) == 0 {
		return nil, nil, errors.New("synckeygen: empty participant set")
	}
	ourIdx := -1
	if ourPub != nil {
		for i, pub := range pubKeys {
			if pub.X.Cmp(ourPub.X) == 0 && pub.Y.Cmp(ourPub.Y) == 0 {
				ourIdx = i
				break
			}
		}
	}
	skg := &SyncKeyGen{
		ourIdx:    ourIdx,
		decryptor: decryptor,
		pubKeys:   pubKeys,
		faulty:    faulty,
		parts:     make(map[int]*threshold.PublicKeySet),
		rows:      make(map[int]*threshold.SecretKeyShare),
		acks:      make(map[int]map[int]struct{}),
	}
	if ourIdx < 0 || decryptor == nil {
		return skg, nil, nil
	}
	part, err := skg.deal()
	if err != nil {
		return nil, nil, err
	}
	return skg, part, nil
}

// deal samples our secret polynomial and encrypts one row per participant.
func (skg *SyncKeyGen) deal() (*Part, error) {
	poly := threshold.NewRandomPoly(skg.faulty)
	shares := make([][]byte, len(skg.pubKeys))
	for i, pub := range skg.pubKeys {
		ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), poly.Eval(i).Bytes(), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("synckeygen: share encryption for participant %d failed: %v", i, err)
		}
		shares[i] = ct
	}
	return &Part{Commitment: poly.Commitment().Bytes(), Shares: shares}, nil
}

// NumNodes returns the participant count.
func (skg *SyncKeyGen) NumNodes() int { return len(skg.pubKeys) }

// OurIndex returns our participant index, or -1 when observing.
func (skg *SyncKeyGen) OurIndex() int { return skg.ourIdx }

// HandlePart ingests the part dealt by the participant at sender. If this
// node holds a decryptor and is a participant, the returned Ack confirms
// its row; observers receive a nil Ack. Any validation failure is fatal
// for the key generation attempt.
func (skg *SyncKeyGen) HandlePart(sender int, part *Part) (*Ack, error) {
	if sender < 0 || sender >= len(skg.pubKeys) {
		return nil, ErrUnknownSender
	}
	if _, ok := skg.parts[sender]; ok {
		return nil, ErrDuplicatePart
	}
	if len(part.Commitment) != skg.faulty+1 {
		return nil, fmt.Errorf("%w: commitment degree %d, want %d", ErrInvalidPart, len(part.Commitment)-1, skg.faulty)
	}
	if len(part.Shares) != len(skg.pubKeys) {
		return nil, fmt.Errorf("%w: %d encrypted rows for %d participants", ErrInvalidPart, len(part.Shares), len(skg.pubKeys))
	}
	commit, err := threshold.PublicKeySetFromBytes(part.Commitment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPart, err)
	}

	if skg.ourIdx < 0 || skg.decryptor == nil {
		skg.parts[sender] = commit
		return nil, nil
	}

	plain, err := skg.decryptor.Decrypt(nil, part.Shares[skg.ourIdx])
	if err != nil {
		return nil, fmt.Errorf("%w: row decryption failed: %v", ErrInvalidPart, err)
	}
	row, err := threshold.SecretKeyShareFromBytes(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPart, err)
	}
	if !row.Public().Equal(commit.KeyShare(skg.ourIdx)) {
		return nil, fmt.Errorf("%w: row does not match commitment", ErrInvalidPart)
	}
	skg.parts[sender] = commit
	skg.rows[sender] = row
	return &Ack{Dealer: uint64(sender)}, nil
}

// HandleAck ingests an ack published by the participant at sender.
// Acks for dealers whose part has not been processed are fatal; repeated
// acks are idempotent.
func (skg *SyncKeyGen) HandleAck(sender int, ack *Ack) error {
	if sender < 0 || sender >= len(skg.pubKeys) {
		return ErrUnknownSender
	}
	dealer := int(ack.Dealer)
	if _, ok := skg.parts[dealer]; !ok {
		return ErrUnknownDealer
	}
	if skg.acks[dealer] == nil {
		skg.acks[dealer] = make(map[int]struct{})
	}
	skg.acks[dealer][sender] = struct{}{}
	return nil
}

// completeDealers returns the dealers whose parts have been acknowledged
// by at least N-f participants, in index order.
func (skg *SyncKeyGen) completeDealers() []int {
	required := len(skg.pubKeys) - skg.faulty
	var dealers []int
	for dealer := range skg.parts {
		if len(skg.acks[dealer]) >= required {
			dealers = append(dealers, dealer)
		}
	}
	sort.Ints(dealers)
	return dealers
}

// IsReady reports whether enough proposals completed to generate the key.
func (skg *SyncKeyGen) IsReady() bool {
	return len(skg.completeDealers()) >= len(skg.pubKeys)-skg.faulty
}

// Generate sums the complete dealers' polynomials into the epoch key
// material. The secret key share is nil iff this node is not a
// participant with a decryptor.
func (skg *SyncKeyGen) Generate() (*threshold.PublicKeySet, *threshold.SecretKeyShare, error) {
	dealers := skg.completeDealers()
	if len(dealers) < len(skg.pubKeys)-skg.faulty {
		return nil, nil, ErrNotReady
	}
	pks := skg.parts[dealers[0]].Clone()
	for _, dealer := range dealers[1:] {
		if err := pks.Add(skg.parts[dealer]); err != nil {
			return nil, nil, err
		}
	}
	if skg.ourIdx < 0 || skg.decryptor == nil {
		return pks, nil, nil
	}
	var sks *threshold.SecretKeyShare
	for _, dealer := range dealers {
		row, ok := skg.rows[dealer]
		if !ok {
			return nil, nil, fmt.Errorf("synckeygen: missing secret row of dealer %d", dealer)
		}
		if sks == nil {
			cpy, err := threshold.SecretKeyShareFromBytes(row.Bytes())
			if err != nil {
				return nil, nil, err
			}
			sks = cpy
		} else {
			sks.Accumulate(row)
		}
	}
	return pks, sks, nil
}

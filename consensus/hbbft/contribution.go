package hbbft

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// randomBytesPerEpoch is the number of fresh random bytes every
// contribution carries for on-chain randomness.
const randomBytesPerEpoch = 80

// Contribution is a single node's per-block proposal: its transaction
// selection, its local clock and fresh randomness.
type Contribution struct {
	// Transactions are canonically encoded signed transactions, in queue
	// order. They are not validated here; deduplication and validity are
	// checked after agreement.
	Transactions [][]byte
	// Timestamp is the proposer's local UNIX time in seconds.
	Timestamp uint64
	// RandomData is exactly randomBytesPerEpoch bytes. Peers violating
	// the length lose their randomness contribution.
	RandomData []byte
}

// NewContribution packs the given transaction queue snapshot into a
// contribution.
func NewContribution(txs []*types.Transaction) (*Contribution, error) {
	serialized := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("hbbft: encoding queued transaction %s: %v", tx.Hash().Hex(), err)
		}
		serialized = append(serialized, raw)
	}
	random := make([]byte, randomBytesPerEpoch)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("hbbft: sampling contribution randomness: %v", err)
	}
	return &Contribution{
		Transactions: serialized,
		Timestamp:    unixNowSecs(),
		RandomData:   random,
	}, nil
}

// Bytes returns the canonical serialization of the contribution.
func (c *Contribution) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(c)
}

// ContributionFromBytes decodes a peer's contribution.
func ContributionFromBytes(b []byte) (*Contribution, error) {
	c := new(Contribution)
	if err := rlp.DecodeBytes(b, c); err != nil {
		return nil, fmt.Errorf("hbbft: invalid contribution: %v", err)
	}
	return c, nil
}

// unixNowSecs returns the current UNIX time in seconds.
func unixNowSecs() uint64 {
	return uint64(time.Now().Unix())
}

// unixNowMillis returns the current UNIX time in milliseconds.
func unixNowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

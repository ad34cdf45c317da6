package hbbft

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestContributionRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	var txs []*types.Transaction
	for nonce := uint64(0); nonce < 3; nonce++ {
		tx := types.NewTransaction(nonce, common.Address{0x01}, big.NewInt(int64(nonce)), 21_000, big.NewInt(1), nil)
		signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		txs = append(txs, signed)
	}

	contribution, err := NewContribution(txs)
	if err != nil {
		t.Fatalf("building contribution: %v", err)
	}
	if len(contribution.RandomData) != randomBytesPerEpoch {
		t.Fatalf("random data length: have %d want %d", len(contribution.RandomData), randomBytesPerEpoch)
	}

	raw, err := contribution.Bytes()
	if err != nil {
		t.Fatalf("serializing: %v", err)
	}
	restored, err := ContributionFromBytes(raw)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(restored.Transactions) != len(txs) {
		t.Fatalf("transaction count: have %d want %d", len(restored.Transactions), len(txs))
	}
	// Queue order is preserved through serialization.
	for i, rawTx := range restored.Transactions {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(rawTx); err != nil {
			t.Fatalf("decoding transaction %d: %v", i, err)
		}
		if tx.Hash() != txs[i].Hash() {
			t.Fatalf("transaction %d out of order", i)
		}
	}
	if restored.Timestamp != contribution.Timestamp {
		t.Fatalf("timestamp: have %d want %d", restored.Timestamp, contribution.Timestamp)
	}
}

func TestContributionRandomnessIsFresh(t *testing.T) {
	a, err := NewContribution(nil)
	if err != nil {
		t.Fatalf("building contribution: %v", err)
	}
	b, err := NewContribution(nil)
	if err != nil {
		t.Fatalf("building contribution: %v", err)
	}
	if string(a.RandomData) == string(b.RandomData) {
		t.Fatal("two contributions drew identical randomness")
	}
}

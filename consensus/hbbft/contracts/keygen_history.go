package contracts

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/crypto/synckeygen"
	"github.com/dmdcoin/diamond-go/params"
)

func keyHistoryContract(client consensus.EngineClient, block consensus.BlockID) BoundContract {
	return Bind(client, block, params.KeyHistoryContractAddress, &KeyHistoryABI)
}

// maxFaulty returns the tolerated fault bound f = (n-1)/3.
func maxFaulty(n int) int {
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// SignerToSyncKeyGen builds a fresh key generation context for the given
// validator map. The returned Part is this node's own dealing, nil when
// the signer's key is not in the set (or there is no signer).
func SignerToSyncKeyGen(signer consensus.Signer, vmap *ValidatorMap) (*synckeygen.SyncKeyGen, *synckeygen.Part, error) {
	var (
		ourPub    *ecdsa.PublicKey
		decryptor synckeygen.Decryptor
	)
	if signer != nil {
		ourPub = signer.Public()
		decryptor = signer
	}
	return synckeygen.New(ourPub, decryptor, vmap.PublicKeys(), maxFaulty(vmap.Len()))
}

// HasPartOfAddressData reports whether the key history records a Part for
// the address, at the latest block.
func HasPartOfAddressData(client consensus.EngineClient, addr common.Address) (bool, error) {
	raw, err := keyHistoryContract(client, consensus.LatestBlock()).callBytes("parts", addr)
	if err != nil {
		return false, err
	}
	return len(raw) > 0, nil
}

// PartOfAddress reads the persisted Part of addr and feeds it into the key
// generation context as if received from that validator. The returned Ack
// is this node's acknowledgement, nil for observers. A missing or invalid
// Part is an error: the current key generation attempt cannot proceed.
func PartOfAddress(client consensus.EngineClient, addr common.Address, vmap *ValidatorMap, skg *synckeygen.SyncKeyGen, block consensus.BlockID) (*synckeygen.Ack, error) {
	raw, err := keyHistoryContract(client, block).callBytes("parts", addr)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no part recorded for %s", ErrReturnValueInvalid, addr.Hex())
	}
	part, err := synckeygen.PartFromBytes(raw)
	if err != nil {
		return nil, err
	}
	idx, ok := vmap.Index(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s not in validator set", ErrReturnValueInvalid, addr.Hex())
	}
	return skg.HandlePart(idx, part)
}

// HasAcksOfAddressData reports whether the key history records Acks for
// the address, at the latest block.
func HasAcksOfAddressData(client consensus.EngineClient, addr common.Address) (bool, error) {
	length, err := keyHistoryContract(client, consensus.LatestBlock()).callUint256("getAcksLength", addr)
	if err != nil {
		return false, err
	}
	return length.Sign() != 0, nil
}

// AcksOfAddress reads all persisted Acks of addr in storage order and
// feeds them into the key generation context. Invalid Acks are an error.
func AcksOfAddress(client consensus.EngineClient, addr common.Address, vmap *ValidatorMap, skg *synckeygen.SyncKeyGen, block consensus.BlockID) error {
	c := keyHistoryContract(client, block)
	length, err := c.callUint256("getAcksLength", addr)
	if err != nil {
		return err
	}
	idx, ok := vmap.Index(addr)
	if !ok {
		return fmt.Errorf("%w: %s not in validator set", ErrReturnValueInvalid, addr.Hex())
	}
	for n := uint64(0); n < length.Uint64(); n++ {
		raw, err := c.callBytes("acks", addr, new(big.Int).SetUint64(n))
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return fmt.Errorf("%w: empty ack %d of %s", ErrReturnValueInvalid, n, addr.Hex())
		}
		ack, err := synckeygen.AckFromBytes(raw)
		if err != nil {
			return err
		}
		if err := skg.HandleAck(idx, ack); err != nil {
			return err
		}
	}
	return nil
}

// InitializeSyncKeyGen reconstructs a key generation context from the
// Parts and Acks persisted on-chain, read at the given block against the
// chosen validator set. Validators are processed in address order.
func InitializeSyncKeyGen(client consensus.EngineClient, signer consensus.Signer, block consensus.BlockID, validatorType ValidatorType) (*synckeygen.SyncKeyGen, *ValidatorMap, error) {
	vmap, err := GetValidatorPubkeys(client, block, validatorType)
	if err != nil {
		return nil, nil, err
	}
	skg, _, err := SignerToSyncKeyGen(signer, vmap)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrReturnValueInvalid, err)
	}
	for _, addr := range vmap.Addresses() {
		if _, err := PartOfAddress(client, addr, vmap, skg, block); err != nil {
			return nil, nil, err
		}
	}
	for _, addr := range vmap.Addresses() {
		if err := AcksOfAddress(client, addr, vmap, skg, block); err != nil {
			return nil, nil, err
		}
	}
	return skg, vmap, nil
}

// WritePartCallData builds the calldata persisting a Part for the
// upcoming epoch.
func WritePartCallData(upcomingEpoch uint64, part []byte) ([]byte, error) {
	return KeyHistoryABI.Pack("writePart", new(big.Int).SetUint64(upcomingEpoch), part)
}

// WriteAcksCallData builds the calldata persisting the Acks for the
// upcoming epoch.
func WriteAcksCallData(upcomingEpoch uint64, acks [][]byte) ([]byte, error) {
	return KeyHistoryABI.Pack("writeAcks", new(big.Int).SetUint64(upcomingEpoch), acks)
}

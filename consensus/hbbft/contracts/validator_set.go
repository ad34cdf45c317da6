package contracts

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
	"github.com/dmdcoin/diamond-go/params"
)

// announceAvailabilityGas is the fixed gas limit of the availability
// announcement transaction.
const announceAvailabilityGas = 250_000

// ValidatorType selects which validator set a read targets.
type ValidatorType int

const (
	// CurrentValidators is the set sealing the active epoch.
	CurrentValidators ValidatorType = iota
	// PendingValidators is the set selected for the next epoch.
	PendingValidators
)

func validatorSetContract(client consensus.EngineClient, block consensus.BlockID) BoundContract {
	return Bind(client, block, params.ValidatorSetContractAddress, &ValidatorSetABI)
}

// ValidatorMap is a validator set with its consensus public keys, pinned
// to the block it was read at. Addresses are kept in ascending byte order
// so that every set-dependent computation is deterministic.
type ValidatorMap struct {
	addresses []common.Address
	pubkeys   map[common.Address]*ecdsa.PublicKey
}

// Len returns the validator count.
func (vm *ValidatorMap) Len() int { return len(vm.addresses) }

// Addresses returns the address-sorted validator addresses.
func (vm *ValidatorMap) Addresses() []common.Address {
	out := make([]common.Address, len(vm.addresses))
	copy(out, vm.addresses)
	return out
}

// Index returns the position of addr in the sorted set.
func (vm *ValidatorMap) Index(addr common.Address) (int, bool) {
	for i, a := range vm.addresses {
		if a == addr {
			return i, true
		}
	}
	return 0, false
}

// PublicKey returns the consensus public key registered for addr.
func (vm *ValidatorMap) PublicKey(addr common.Address) (*ecdsa.PublicKey, bool) {
	pub, ok := vm.pubkeys[addr]
	return pub, ok
}

// PublicKeys returns the public keys in address-sorted order.
func (vm *ValidatorMap) PublicKeys() []*ecdsa.PublicKey {
	out := make([]*ecdsa.PublicKey, len(vm.addresses))
	for i, addr := range vm.addresses {
		out[i] = vm.pubkeys[addr]
	}
	return out
}

// NodeIDs returns the validator node ids in address-sorted order.
func (vm *ValidatorMap) NodeIDs() []honeybadger.NodeID {
	out := make([]honeybadger.NodeID, len(vm.addresses))
	for i, addr := range vm.addresses {
		out[i] = honeybadger.NodeIDFromPubkey(vm.pubkeys[addr])
	}
	return out
}

// GetValidatorPubkeys reads the chosen validator set and its registered
// public keys at the given block.
func GetValidatorPubkeys(client consensus.EngineClient, block consensus.BlockID, validatorType ValidatorType) (*ValidatorMap, error) {
	c := validatorSetContract(client, block)
	var (
		addrs []common.Address
		err   error
	)
	switch validatorType {
	case PendingValidators:
		addrs, err = c.callAddresses("getPendingValidators")
	default:
		addrs, err = c.callAddresses("getValidators")
	}
	if err != nil {
		return nil, err
	}
	vm := &ValidatorMap{
		addresses: addrs,
		pubkeys:   make(map[common.Address]*ecdsa.PublicKey, len(addrs)),
	}
	sort.Slice(vm.addresses, func(i, j int) bool {
		return bytes.Compare(vm.addresses[i][:], vm.addresses[j][:]) < 0
	})
	for _, addr := range vm.addresses {
		raw, err := c.callBytes("getPublicKey", addr)
		if err != nil {
			return nil, err
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("%w: public key of %s is %d bytes", ErrReturnValueInvalid, addr.Hex(), len(raw))
		}
		pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, raw...))
		if err != nil {
			return nil, fmt.Errorf("%w: public key of %s: %v", ErrReturnValueInvalid, addr.Hex(), err)
		}
		vm.pubkeys[addr] = pub
	}
	return vm, nil
}

// GetPendingValidators reads the pending validator addresses at the latest
// block.
func GetPendingValidators(client consensus.EngineClient) ([]common.Address, error) {
	return validatorSetContract(client, consensus.LatestBlock()).callAddresses("getPendingValidators")
}

// IsPendingValidator reports whether the mining address is in the pending
// set.
func IsPendingValidator(client consensus.EngineClient, miningAddress common.Address) (bool, error) {
	return validatorSetContract(client, consensus.LatestBlock()).callBool("isPendingValidator", miningAddress)
}

// StakingByMiningAddress resolves the staking address of a mining address.
func StakingByMiningAddress(client consensus.EngineClient, miningAddress common.Address) (common.Address, error) {
	return validatorSetContract(client, consensus.LatestBlock()).callAddress("stakingByMiningAddress", miningAddress)
}

// MiningByStakingAddress resolves the mining address of a staking address.
func MiningByStakingAddress(client consensus.EngineClient, stakingAddress common.Address) (common.Address, error) {
	return validatorSetContract(client, consensus.LatestBlock()).callAddress("miningByStakingAddress", stakingAddress)
}

// GetValidatorAvailableSince reads the timestamp since which the validator
// is announced available, zero when it never announced.
func GetValidatorAvailableSince(client consensus.EngineClient, addr common.Address) (*big.Int, error) {
	return validatorSetContract(client, consensus.LatestBlock()).callUint256("validatorAvailableSince", addr)
}

// SendTxAnnounceAvailability submits the one-shot availability
// announcement. The nonce is the maximum of the next local nonce and the
// latest on-chain nonce to avoid collisions with queued transactions.
func SendTxAnnounceAvailability(fullClient consensus.FullClient, addr common.Address) error {
	nonce := fullClient.NextNonce(addr)
	if onChain, ok := fullClient.Nonce(addr, consensus.LatestBlock()); ok && onChain > nonce {
		log.Info("Better nonce for announce availability", "local", nonce, "onchain", onChain)
		nonce = onChain
	}
	data, err := ValidatorSetABI.Pack("announceAvailability")
	if err != nil {
		return err
	}
	log.Info("Sending announce availability transaction", "nonce", nonce)
	return fullClient.TransactSilently(consensus.TransactionRequest{
		To:    params.ValidatorSetContractAddress,
		Data:  data,
		Gas:   announceAvailabilityGas,
		Nonce: &nonce,
	})
}

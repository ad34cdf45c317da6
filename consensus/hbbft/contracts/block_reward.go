package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmdcoin/diamond-go/consensus"
)

// BlockRewardContract is the call surface of the configured block reward
// contract. The contract is invoked through the system call of the block
// being closed; its internals are outside the engine.
type BlockRewardContract struct {
	addr common.Address
}

// NewBlockRewardContract targets the reward contract at addr.
func NewBlockRewardContract(addr common.Address) *BlockRewardContract {
	return &BlockRewardContract{addr: addr}
}

// Address returns the contract address.
func (c *BlockRewardContract) Address() common.Address { return c.addr }

// Reward calls the reward function with the epoch-end flag and returns the
// total native reward minted.
func (c *BlockRewardContract) Reward(syscall consensus.SystemCall, isEpochEnd bool) (*big.Int, error) {
	data, err := BlockRewardABI.Pack("reward", isEpochEnd)
	if err != nil {
		return nil, fmt.Errorf("contracts: packing reward call: %v", err)
	}
	out, err := syscall(c.addr, data)
	if err != nil {
		return nil, fmt.Errorf("contracts: block reward system call failed: %w", err)
	}
	res, err := BlockRewardABI.Unpack("reward", out)
	if err != nil {
		return nil, fmt.Errorf("%w: reward: %v", ErrReturnValueInvalid, err)
	}
	total, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: reward: not a uint256", ErrReturnValueInvalid)
	}
	return total, nil
}

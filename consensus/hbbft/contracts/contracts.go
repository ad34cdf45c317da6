// Package contracts provides typed, block-pinned read and write helpers
// over the POSDAO system contracts: staking, validator set, key history
// and block reward.
package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dmdcoin/diamond-go/consensus"
)

var (
	// ErrNotFullClient is returned for operations that need transaction
	// submission on a client that cannot provide it.
	ErrNotFullClient = errors.New("contracts: not a full client")
	// ErrReturnValueInvalid is returned when a contract call succeeds but
	// its return data does not have the expected shape.
	ErrReturnValueInvalid = errors.New("contracts: invalid contract return value")
	// ErrCallFailed wraps errors propagated from the call layer.
	ErrCallFailed = errors.New("contracts: contract call failed")
)

// BoundContract pins a contract address and a block for read calls.
type BoundContract struct {
	client consensus.EngineClient
	block  consensus.BlockID
	addr   common.Address
	abi    *abi.ABI
}

// Bind creates a bound contract view.
func Bind(client consensus.EngineClient, block consensus.BlockID, addr common.Address, contractABI *abi.ABI) BoundContract {
	return BoundContract{client: client, block: block, addr: addr, abi: contractABI}
}

// call executes a read-only method and returns its unpacked outputs.
func (c BoundContract) call(method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: packing %s: %v", ErrCallFailed, method, err)
	}
	out, err := c.client.CallContract(c.block, c.addr, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %v: %v", ErrCallFailed, method, c.block, err)
	}
	res, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrReturnValueInvalid, method, err)
	}
	return res, nil
}

func (c BoundContract) callUint256(method string, args ...interface{}) (*big.Int, error) {
	res, err := c.call(method, args...)
	if err != nil {
		return nil, err
	}
	out, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a uint256", ErrReturnValueInvalid, method)
	}
	return out, nil
}

func (c BoundContract) callBool(method string, args ...interface{}) (bool, error) {
	res, err := c.call(method, args...)
	if err != nil {
		return false, err
	}
	out, ok := res[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s: not a bool", ErrReturnValueInvalid, method)
	}
	return out, nil
}

func (c BoundContract) callAddress(method string, args ...interface{}) (common.Address, error) {
	res, err := c.call(method, args...)
	if err != nil {
		return common.Address{}, err
	}
	out, ok := res[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s: not an address", ErrReturnValueInvalid, method)
	}
	return out, nil
}

func (c BoundContract) callBytes(method string, args ...interface{}) ([]byte, error) {
	res, err := c.call(method, args...)
	if err != nil {
		return nil, err
	}
	out, ok := res[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not bytes", ErrReturnValueInvalid, method)
	}
	return out, nil
}

func (c BoundContract) callAddresses(method string, args ...interface{}) ([]common.Address, error) {
	res, err := c.call(method, args...)
	if err != nil {
		return nil, err
	}
	out, ok := res[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not an address array", ErrReturnValueInvalid, method)
	}
	return out, nil
}

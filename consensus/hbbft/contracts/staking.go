package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/params"
)

func stakingContract(client consensus.EngineClient, block consensus.BlockID) BoundContract {
	return Bind(client, block, params.StakingContractAddress, &StakingABI)
}

// GetPosdaoEpoch reads the staking epoch counter at the given block.
func GetPosdaoEpoch(client consensus.EngineClient, block consensus.BlockID) (uint64, error) {
	epoch, err := stakingContract(client, block).callUint256("stakingEpoch")
	if err != nil {
		return 0, err
	}
	return epoch.Uint64(), nil
}

// GetPosdaoEpochStart reads the first block of the staking epoch active at
// the given block.
func GetPosdaoEpochStart(client consensus.EngineClient, block consensus.BlockID) (uint64, error) {
	start, err := stakingContract(client, block).callUint256("stakingEpochStartBlock")
	if err != nil {
		return 0, err
	}
	return start.Uint64(), nil
}

// StartTimeOfNextPhaseTransition reads the UNIX time at which the next
// staking phase begins.
func StartTimeOfNextPhaseTransition(client consensus.EngineClient) (uint64, error) {
	ts, err := stakingContract(client, consensus.LatestBlock()).callUint256("startTimeOfNextPhaseTransition")
	if err != nil {
		return 0, err
	}
	return ts.Uint64(), nil
}

// CandidateMinStake reads the minimum stake required to register a pool.
func CandidateMinStake(client consensus.EngineClient) (*big.Int, error) {
	return stakingContract(client, consensus.LatestBlock()).callUint256("candidateMinStake")
}

// IsPoolActive reports whether the pool of the given staking address is
// active.
func IsPoolActive(client consensus.EngineClient, stakingAddress common.Address) (bool, error) {
	return stakingContract(client, consensus.LatestBlock()).callBool("isPoolActive", stakingAddress)
}

// AddPoolCallData builds the calldata registering a mining address as a
// new staking pool.
func AddPoolCallData(miningAddress common.Address, miningPublicKey []byte) ([]byte, error) {
	var ip [16]byte
	return StakingABI.Pack("addPool", miningAddress, miningPublicKey, ip)
}

package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments of the POSDAO system contracts. Only the functions the
// engine calls are declared.
const (
	StakingABIJSON = `[
		{"type":"function","name":"stakingEpoch","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"stakingEpochStartBlock","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"startTimeOfNextPhaseTransition","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"candidateMinStake","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"isPoolActive","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]},
		{"type":"function","name":"addPool","stateMutability":"payable","inputs":[{"type":"address"},{"type":"bytes"},{"type":"bytes16"}],"outputs":[]}
	]`

	ValidatorSetABIJSON = `[
		{"type":"function","name":"getValidators","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
		{"type":"function","name":"getPendingValidators","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
		{"type":"function","name":"getPublicKey","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes"}]},
		{"type":"function","name":"isPendingValidator","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]},
		{"type":"function","name":"stakingByMiningAddress","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"address"}]},
		{"type":"function","name":"miningByStakingAddress","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"address"}]},
		{"type":"function","name":"validatorAvailableSince","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"announceAvailability","stateMutability":"nonpayable","inputs":[],"outputs":[]}
	]`

	KeyHistoryABIJSON = `[
		{"type":"function","name":"parts","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes"}]},
		{"type":"function","name":"getAcksLength","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"acks","stateMutability":"view","inputs":[{"type":"address"},{"type":"uint256"}],"outputs":[{"type":"bytes"}]},
		{"type":"function","name":"writePart","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"bytes"}],"outputs":[]},
		{"type":"function","name":"writeAcks","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"bytes[]"}],"outputs":[]}
	]`

	BlockRewardABIJSON = `[
		{"type":"function","name":"reward","stateMutability":"nonpayable","inputs":[{"type":"bool"}],"outputs":[{"type":"uint256"}]}
	]`
)

var (
	StakingABI      = mustParseABI(StakingABIJSON)
	ValidatorSetABI = mustParseABI(ValidatorSetABIJSON)
	KeyHistoryABI   = mustParseABI(KeyHistoryABIJSON)
	BlockRewardABI  = mustParseABI(BlockRewardABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

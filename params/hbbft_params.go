// Copyright 2024 The diamond-go Authors
// This file is part of the diamond-go library.
//
// The diamond-go library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The diamond-go library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the diamond-go library. If not, see <http://www.gnu.org/licenses/>.

package params

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed, well-known system contract addresses of the POSDAO protocol.
var (
	// StakingContractAddress hosts staking pools and the epoch counter.
	StakingContractAddress = common.HexToAddress("0x1100000000000000000000000000000000000001")

	// ValidatorSetContractAddress hosts the current and pending validator
	// sets and availability bookkeeping.
	ValidatorSetContractAddress = common.HexToAddress("0x1000000000000000000000000000000000000001")

	// KeyHistoryContractAddress stores key generation Parts and Acks per
	// epoch.
	KeyHistoryContractAddress = common.HexToAddress("0x7000000000000000000000000000000000000001")
)

// HbbftConfig is the consensus engine config for Honey Badger BFT based
// sealing, read once at engine creation.
type HbbftConfig struct {
	// MinimumBlockTime is the minimum time between blocks, in seconds.
	// Zero means blocks are produced as soon as transactions are pending.
	MinimumBlockTime uint64 `json:"minimumBlockTime"`
	// MaximumBlockTime is the interval after which a block is produced
	// even with an empty transaction queue, in seconds.
	MaximumBlockTime uint64 `json:"maximumBlockTime"`
	// TransactionQueueSizeTrigger is the queue length at which block
	// creation is triggered.
	TransactionQueueSizeTrigger int `json:"transactionQueueSizeTrigger"`
	// IsUnitTest disables the background timer task.
	IsUnitTest bool `json:"isUnitTest,omitempty"`
	// BlockRewardContractAddress is the reward contract called on block
	// close, nil to skip reward calls.
	BlockRewardContractAddress *common.Address `json:"blockRewardContractAddress,omitempty"`
}

// Validate checks the configured values for consistency.
func (c *HbbftConfig) Validate() error {
	if c.MaximumBlockTime > 0 && c.MaximumBlockTime < c.MinimumBlockTime {
		return fmt.Errorf("params: maximumBlockTime %d below minimumBlockTime %d", c.MaximumBlockTime, c.MinimumBlockTime)
	}
	if c.TransactionQueueSizeTrigger < 0 {
		return fmt.Errorf("params: negative transactionQueueSizeTrigger")
	}
	return nil
}

// String implements fmt.Stringer.
func (c *HbbftConfig) String() string {
	return fmt.Sprintf("hbbft{minBlockTime: %ds, maxBlockTime: %ds, queueTrigger: %d}",
		c.MinimumBlockTime, c.MaximumBlockTime, c.TransactionQueueSizeTrigger)
}

package hbbft

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/contracts"
	"github.com/dmdcoin/diamond-go/params"
)

// Empirical gas approximations for key generation transactions. Acks use
// a higher per-byte multiplier than Parts and tend to run close to the
// block gas limit.
const (
	writePartGasPerByte = 750
	writePartGasBase    = 100_000
	writeAcksGasPerByte = 800
	writeAcksGasBase    = 200_000

	// keygenResendDelay is the per-category cool-down in blocks between
	// resubmissions of the same keygen transaction.
	keygenResendDelay = 10
)

// keygenGasPrice is the fixed price of the Part and Acks transactions.
var keygenGasPrice = big.NewInt(10_000_000_000) // 10 gwei

// keygenTransactionSender publishes this node's Part and Acks to the key
// history contract while it is a pending validator. Resends are
// rate-limited per category; there is no retry queue, the per-block
// re-entry provides retry.
type keygenTransactionSender struct {
	lastPartSent uint64
	lastAcksSent uint64
	resendDelay  uint64
}

func newKeygenTransactionSender() *keygenTransactionSender {
	return &keygenTransactionSender{resendDelay: keygenResendDelay}
}

func (k *keygenTransactionSender) partThresholdReached(blockNumber uint64) bool {
	return k.lastPartSent == 0 || blockNumber > k.lastPartSent+k.resendDelay
}

func (k *keygenTransactionSender) acksThresholdReached(blockNumber uint64) bool {
	return k.lastAcksSent == 0 || blockNumber > k.lastAcksSent+k.resendDelay
}

// sendKeygenTransactions submits the transactions this pending validator
// still owes to the key history contract. Errors are recoverable; the
// caller logs and the next closed block retries.
func (k *keygenTransactionSender) sendKeygenTransactions(client consensus.EngineClient, signer consensus.Signer) error {
	if signer == nil {
		return consensus.ErrRequiresSigner
	}
	address := signer.Address()
	fullClient := client.FullClient()
	if fullClient == nil {
		return contracts.ErrNotFullClient
	}
	// Never publish keygen data while importing a long range.
	if fullClient.IsMajorSyncing() {
		log.Trace("Skipping keygen transactions while syncing")
		return nil
	}

	vmap, err := contracts.GetValidatorPubkeys(client, consensus.LatestBlock(), contracts.PendingValidators)
	if err != nil {
		return err
	}
	skg, part, err := contracts.SignerToSyncKeyGen(signer, vmap)
	if err != nil {
		return fmt.Errorf("hbbft: creating key generation context: %w", err)
	}
	if part == nil {
		// Not part of the pending validator set, nothing to publish.
		return nil
	}

	epoch, err := contracts.GetPosdaoEpoch(client, consensus.LatestBlock())
	if err != nil {
		return err
	}
	upcomingEpoch := epoch + 1
	curBlock, ok := client.BlockNumber(consensus.LatestBlock())
	if !ok {
		return consensus.ErrRequiresClient
	}

	if k.partThresholdReached(curBlock) {
		hasPart, err := contracts.HasPartOfAddressData(client, address)
		if err != nil {
			return err
		}
		if !hasPart {
			partBytes, err := part.Bytes()
			if err != nil {
				return fmt.Errorf("hbbft: serializing part: %v", err)
			}
			data, err := contracts.WritePartCallData(upcomingEpoch, partBytes)
			if err != nil {
				return fmt.Errorf("hbbft: encoding writePart call: %v", err)
			}
			gas := uint64(len(partBytes))*writePartGasPerByte + writePartGasBase
			nonce := fullClient.NextNonce(address)
			log.Trace("Publishing keygen part", "epoch", upcomingEpoch, "len", len(partBytes), "gas", gas)
			if err := fullClient.TransactSilently(consensus.TransactionRequest{
				To:       params.KeyHistoryContractAddress,
				Data:     data,
				Gas:      gas,
				GasPrice: keygenGasPrice,
				Nonce:    &nonce,
			}); err != nil {
				return fmt.Errorf("hbbft: submitting part transaction: %v", err)
			}
			k.lastPartSent = curBlock
		}
	}

	// Collect our Acks by feeding every pending validator's Part. A
	// missing Part aborts this round; the cool-down retries later.
	serializedAcks := make([][]byte, 0, vmap.Len())
	totalAckBytes := 0
	for _, validator := range vmap.Addresses() {
		ack, err := contracts.PartOfAddress(client, validator, vmap, skg, consensus.LatestBlock())
		if err != nil {
			log.Trace("Part not yet retrievable", "validator", validator, "err", err)
			return err
		}
		if ack == nil {
			return fmt.Errorf("%w: no ack produced for part of %s", contracts.ErrReturnValueInvalid, validator.Hex())
		}
		ackBytes, err := ack.Bytes()
		if err != nil {
			return fmt.Errorf("hbbft: serializing ack: %v", err)
		}
		totalAckBytes += len(ackBytes)
		serializedAcks = append(serializedAcks, ackBytes)
	}

	if k.acksThresholdReached(curBlock) {
		hasAcks, err := contracts.HasAcksOfAddressData(client, address)
		if err != nil {
			return err
		}
		if !hasAcks {
			data, err := contracts.WriteAcksCallData(upcomingEpoch, serializedAcks)
			if err != nil {
				return fmt.Errorf("hbbft: encoding writeAcks call: %v", err)
			}
			gas := uint64(totalAckBytes)*writeAcksGasPerByte + writeAcksGasBase
			nonce := fullClient.NextNonce(address)
			log.Trace("Publishing keygen acks", "epoch", upcomingEpoch, "len", totalAckBytes, "gas", gas)
			if err := fullClient.TransactSilently(consensus.TransactionRequest{
				To:       params.KeyHistoryContractAddress,
				Data:     data,
				Gas:      gas,
				GasPrice: keygenGasPrice,
				Nonce:    &nonce,
			}); err != nil {
				return fmt.Errorf("hbbft: submitting acks transaction: %v", err)
			}
			k.lastAcksSent = curBlock
		}
	}
	return nil
}

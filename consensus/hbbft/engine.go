// Package hbbft implements the Honey Badger BFT block production engine:
// leader-less, timer- and transaction-driven block creation sealed with a
// threshold signature, with validator-set and key rotation driven by the
// POSDAO staking contracts.
package hbbft

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/contracts"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
	"github.com/dmdcoin/diamond-go/crypto/threshold"
	"github.com/dmdcoin/diamond-go/params"
)

// Package-level sentinel errors.
var (
	errMissingConfig    = errors.New("hbbft: missing engine config")
	errNoRandomness     = errors.New("hbbft: no randomness value available for block")
	errMissingVanity    = errors.New("hbbft: header extra missing vanity prefix")
	errVerifyOutOfOrder = errors.New("hbbft: block family verification out of order")
)

const (
	// extraVanity is the fixed prefix of header Extra preceding the seal.
	extraVanity = 32
	// defaultTimerDuration is the timer cadence while no tighter bound
	// applies.
	defaultTimerDuration = time.Second
)

// HoneyBadgerBFT is the engine façade tying consensus state, sealing and
// key generation to the surrounding chain. A single mutex serializes all
// consensus events (timer ticks, chain events and incoming messages).
type HoneyBadgerBFT struct {
	config *params.HbbftConfig

	handleLock sync.RWMutex // guards the client and signer handles only
	client     consensus.EngineClient
	signer     consensus.Signer

	mu              sync.Mutex // serializes all consensus state below
	state           *hbbftState
	sealingSessions map[uint64]*sealing
	messageCounter  uint64
	randomNumbers   map[uint64]*big.Int
	keygenSender    *keygenTransactionSender
	announced       bool // availability announcement latch, per process

	exitCh    chan struct{}
	closeOnce sync.Once
}

// effects collects client notifications to fire after the engine mutex is
// released, so a synchronously re-entering client cannot deadlock.
type effects struct {
	updateSealing bool
}

var _ consensus.Engine = (*HoneyBadgerBFT)(nil)

// New creates a Honey Badger BFT engine from the chain-spec parameters.
// Unless configured for unit tests, a background timer provides liveness.
func New(config *params.HbbftConfig) (*HoneyBadgerBFT, error) {
	if config == nil {
		return nil, errMissingConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	engine := &HoneyBadgerBFT{
		config:          config,
		state:           newHbbftState(),
		sealingSessions: make(map[uint64]*sealing),
		randomNumbers:   make(map[uint64]*big.Int),
		keygenSender:    newKeygenTransactionSender(),
		exitCh:          make(chan struct{}),
	}
	if !config.IsUnitTest {
		go engine.transitionLoop()
	}
	return engine, nil
}

// SealHash returns the bare hash of a header: the keccak of its RLP with
// the seal stripped from Extra. This is the quantity the threshold
// signature covers.
func SealHash(header *types.Header) (hash common.Hash) {
	hasher := sha3.NewLegacyKeccak256()
	encodeSigHeader(hasher, header)
	hasher.(crypto.KeccakState).Read(hash[:])
	return hash
}

// encodeSigHeader writes the RLP of the header without its seal bytes.
func encodeSigHeader(w io.Writer, header *types.Header) {
	extraNoSeal := header.Extra
	if len(extraNoSeal) > extraVanity {
		extraNoSeal = extraNoSeal[:extraVanity]
	}
	rlp.Encode(w, []interface{}{
		header.ParentHash, header.UncleHash, header.Coinbase,
		header.Root, header.TxHash, header.ReceiptHash, header.Bloom,
		header.Difficulty, header.Number, header.GasLimit, header.GasUsed,
		header.Time,
		extraNoSeal,
		header.MixDigest, header.Nonce,
	})
}

// sealFromExtra extracts the single seal field following the vanity
// prefix. Trailing bytes or a missing field are an error.
func sealFromExtra(header *types.Header) ([]byte, error) {
	if len(header.Extra) < extraVanity {
		return nil, errMissingVanity
	}
	var seal []byte
	if err := rlp.DecodeBytes(header.Extra[extraVanity:], &seal); err != nil {
		return nil, fmt.Errorf("%w: seal field: %v", consensus.ErrInvalidSeal, err)
	}
	return seal, nil
}

func (e *HoneyBadgerBFT) clientHandle() consensus.EngineClient {
	e.handleLock.RLock()
	defer e.handleLock.RUnlock()
	return e.client
}

func (e *HoneyBadgerBFT) signerHandle() consensus.Signer {
	e.handleLock.RLock()
	defer e.handleLock.RUnlock()
	return e.signer
}

func (e *HoneyBadgerBFT) isSyncing(client consensus.EngineClient) bool {
	fullClient := client.FullClient()
	if fullClient == nil {
		// Only full clients are supported.
		return true
	}
	return fullClient.IsMajorSyncing()
}

// ── consensus.Engine ─────────────────────────────────────────────────────────

// VerifyLocalSeal implements consensus.Engine.
func (e *HoneyBadgerBFT) VerifyLocalSeal(_ *types.Header) error {
	e.checkForEpochChange()
	return nil
}

// VerifyBlockBasic implements consensus.Engine.
func (e *HoneyBadgerBFT) VerifyBlockBasic(_ *types.Header) error { return nil }

// VerifyBlockUnordered implements consensus.Engine.
func (e *HoneyBadgerBFT) VerifyBlockUnordered(_ *types.Header) error { return nil }

// VerifyBlockExternal implements consensus.Engine.
func (e *HoneyBadgerBFT) VerifyBlockExternal(_ *types.Header) error { return nil }

// VerifyBlockFamily implements consensus.Engine. Blocks are verified
// in-order, so the parent is imported and the seal can be checked against
// the parent's epoch key.
func (e *HoneyBadgerBFT) VerifyBlockFamily(header, _ *types.Header) error {
	client := e.clientHandle()
	if client == nil {
		return consensus.ErrRequiresClient
	}
	latest, ok := client.BlockNumber(consensus.LatestBlock())
	if !ok {
		return consensus.ErrRequiresClient
	}
	if header.Number.Uint64() > latest+1 {
		log.Error("Block family verification out of order", "number", header.Number.Uint64(), "latest", latest)
		return fmt.Errorf("%w: %v", consensus.ErrInvalidSeal, errVerifyOutOfOrder)
	}
	sealBytes, err := sealFromExtra(header)
	if err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrInvalidSeal, err)
	}
	sig, err := threshold.SignatureFromBytes(sealBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrInvalidSeal, err)
	}

	e.mu.Lock()
	valid := e.state.verifySeal(client, e.signerHandle(), sig, SealHash(header), header.Number.Uint64())
	e.mu.Unlock()
	if !valid {
		log.Error("Invalid seal", "number", header.Number.Uint64())
		return consensus.ErrInvalidSeal
	}
	return nil
}

// GenerateSeal implements consensus.Engine. It returns the encoded seal
// for the block once the threshold signature is complete and verifies
// against the block being sealed, nil otherwise.
func (e *HoneyBadgerBFT) GenerateSeal(block *types.Block, _ *types.Header) []byte {
	client := e.clientHandle()
	if client == nil {
		return nil
	}
	blockNum := block.NumberU64()

	e.mu.Lock()
	defer e.mu.Unlock()
	session := e.sealingSessions[blockNum]
	if session == nil {
		return nil
	}
	sig := session.signature()
	if sig == nil {
		return nil
	}
	if !e.state.verifySeal(client, e.signerHandle(), sig, SealHash(block.Header()), blockNum) {
		log.Error("Threshold signature does not match new block", "number", blockNum)
		return nil
	}
	encoded, err := rlp.EncodeToBytes(sig.Bytes())
	if err != nil {
		log.Error("Encoding seal failed", "err", err)
		return nil
	}
	log.Trace("Returning generated seal", "number", blockNum)
	return encoded
}

// SealFields implements consensus.Engine.
func (e *HoneyBadgerBFT) SealFields() int { return 1 }

// SealingState implements consensus.Engine. It prunes obsolete sealing
// sessions and reports readiness for the next block.
func (e *HoneyBadgerBFT) SealingState() consensus.SealingStatus {
	client := e.clientHandle()
	if client == nil {
		return consensus.NotReady
	}
	latest, ok := client.BlockNumber(consensus.LatestBlock())
	if !ok {
		return consensus.NotReady
	}
	next := latest + 1

	e.mu.Lock()
	defer e.mu.Unlock()
	for blockNum := range e.sealingSessions {
		if blockNum < next {
			delete(e.sealingSessions, blockNum)
			delete(e.randomNumbers, blockNum)
		}
	}
	if session := e.sealingSessions[next]; session != nil && session.signature() != nil {
		return consensus.Ready
	}
	return consensus.NotReady
}

// OnCloseBlock implements consensus.Engine. Closing a block advances key
// generation and invokes the block reward contract with the epoch-end
// flag; a failed reward call aborts the block. When no reward contract is
// configured, neither happens: key generation is not advanced.
func (e *HoneyBadgerBFT) OnCloseBlock(block *types.Block, syscall consensus.SystemCall) error {
	e.checkForEpochChange()
	if e.config.BlockRewardContractAddress == nil {
		return nil
	}
	isEpochEnd := e.doKeygen()
	log.Trace("Calling block reward contract", "number", block.NumberU64(), "isEpochEnd", isEpochEnd,
		"address", *e.config.BlockRewardContractAddress)
	contract := contracts.NewBlockRewardContract(*e.config.BlockRewardContractAddress)
	if _, err := contract.Reward(syscall, isEpochEnd); err != nil {
		return err
	}
	return nil
}

// GenerateEngineTransactions implements consensus.Engine. The engine
// itself injects no transactions, but block production requires the
// agreed randomness value of the block to be present.
func (e *HoneyBadgerBFT) GenerateEngineTransactions(block *types.Block) ([]*types.Transaction, error) {
	e.checkForEpochChange()
	e.mu.Lock()
	_, ok := e.randomNumbers[block.NumberU64()]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", errNoRandomness, block.NumberU64())
	}
	return nil, nil
}

// OnTransactionsImported implements consensus.Engine: a grown transaction
// queue may trigger a new block.
func (e *HoneyBadgerBFT) OnTransactionsImported() {
	e.checkForEpochChange()
	client := e.clientHandle()
	if client == nil {
		return
	}
	if e.transactionQueueAndTimeThresholdsReached(client) {
		e.startHbbftEpoch(client)
	}
}

// HandleMessage implements consensus.Engine, routing a peer message to
// the agreement instance or a sealing session.
func (e *HoneyBadgerBFT) HandleMessage(payload []byte, sender honeybadger.NodeID) error {
	e.checkForEpochChange()
	wire, err := decodeWireMessage(payload)
	if err != nil {
		return err
	}
	switch wire.Kind {
	case kindHoneyBadger:
		msg, err := decodeHoneyBadgerPayload(wire.Payload)
		if err != nil {
			return err
		}
		return e.processHbMessage(wire.Index, msg, sender)
	default:
		msg, err := decodeSealingPayload(wire.Payload)
		if err != nil {
			return err
		}
		return e.processSealingMessage(msg, sender, wire.Index)
	}
}

// RegisterClient implements consensus.Engine.
func (e *HoneyBadgerBFT) RegisterClient(client consensus.EngineClient) {
	e.handleLock.Lock()
	e.client = client
	e.handleLock.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.updateHoneybadger(client, e.signerHandle(), consensus.LatestBlock(), true) {
		log.Error("Honey badger initialization on client registration failed")
	}
}

// SetSigner implements consensus.Engine. The signer may be replaced at
// runtime.
func (e *HoneyBadgerBFT) SetSigner(signer consensus.Signer) {
	e.handleLock.Lock()
	e.signer = signer
	e.handleLock.Unlock()

	client := e.clientHandle()
	if client == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.updateHoneybadger(client, signer, consensus.LatestBlock(), true) {
		log.Info("Honey badger instance not created yet, client possibly not set")
	}
}

// Sign implements consensus.Engine.
func (e *HoneyBadgerBFT) Sign(hash common.Hash) ([]byte, error) {
	signer := e.signerHandle()
	if signer == nil {
		return nil, consensus.ErrRequiresSigner
	}
	return signer.Sign(hash)
}

// ForkChoice implements consensus.Engine. Honest parties never fork; the
// choice degenerates to total difficulty.
func (e *HoneyBadgerBFT) ForkChoice(newHead, current *consensus.ExtendedHeader) consensus.ForkChoice {
	return consensus.TotalDifficultyForkChoice(newHead, current)
}

// Close implements consensus.Engine, stopping the timer task.
func (e *HoneyBadgerBFT) Close() error {
	e.closeOnce.Do(func() { close(e.exitCh) })
	return nil
}

// ── message processing ───────────────────────────────────────────────────────

func (e *HoneyBadgerBFT) processHbMessage(seq uint64, msg honeybadger.Msg, sender honeybadger.NodeID) error {
	client := e.clientHandle()
	if client == nil {
		return consensus.ErrRequiresClient
	}
	log.Trace("Received honey badger message", "seq", seq, "epoch", msg.Epoch, "sender", sender)

	var eff effects
	e.mu.Lock()
	step, netInfo := e.state.processMessage(client, e.signerHandle(), sender, msg)
	if step != nil {
		e.processStep(client, *step, netInfo, &eff)
		e.joinHbbftEpoch(client, &eff)
	}
	e.mu.Unlock()

	eff.apply(client)
	return nil
}

func (e *HoneyBadgerBFT) processSealingMessage(msg *sealingMessage, sender honeybadger.NodeID, blockNum uint64) error {
	client := e.clientHandle()
	if client == nil {
		return consensus.ErrRequiresClient
	}
	if latest, ok := client.BlockNumber(consensus.LatestBlock()); ok && latest >= blockNum {
		// Message is obsolete.
		return nil
	}

	var eff effects
	e.mu.Lock()
	netInfo := e.state.networkInfoFor(client, e.signerHandle(), blockNum)
	if netInfo == nil {
		e.mu.Unlock()
		log.Error("Sealing message without matching network info", "number", blockNum)
		return consensus.ErrUnexpectedMessage
	}
	senderIdx, ok := netInfo.Index(sender)
	if !ok {
		e.mu.Unlock()
		return consensus.ErrUnexpectedMessage
	}
	log.Trace("Received seal signature share", "number", blockNum, "sender", sender)
	session := e.sealingSession(blockNum, netInfo)
	if err := session.handleMessage(senderIdx, msg); err != nil {
		log.Error("Error on seal share", "number", blockNum, "err", err)
	}
	if session.signature() != nil {
		eff.updateSealing = true
	}
	e.mu.Unlock()

	eff.apply(client)
	return nil
}

func (e *HoneyBadgerBFT) sealingSession(blockNum uint64, netInfo *honeybadger.NetworkInfo) *sealing {
	session := e.sealingSessions[blockNum]
	if session == nil {
		session = newSealing(netInfo)
		e.sealingSessions[blockNum] = session
	}
	return session
}

// processStep dispatches a step's outbound messages, logs its faults and
// processes its output. Requires e.mu held.
func (e *HoneyBadgerBFT) processStep(client consensus.EngineClient, step honeybadger.Step, netInfo *honeybadger.NetworkInfo, eff *effects) {
	for _, m := range step.Messages {
		e.messageCounter++
		payload, err := encodeHoneyBadgerMessage(e.messageCounter, m.Message)
		if err != nil {
			log.Error("Serialization of consensus message failed", "err", err)
			continue
		}
		for _, target := range m.Target.Recipients(netInfo.AllIDs(), netInfo.OurID()) {
			log.Trace("Dispatching consensus message", "seq", e.messageCounter, "to", target)
			client.SendConsensusMessage(payload, target)
		}
	}
	for _, fault := range step.Faults {
		log.Warn("Faulty consensus behavior observed", "sender", fault.Sender, "reason", fault.Reason)
	}
	e.processOutput(client, step.Output, netInfo, eff)
}

// processOutput turns a decided batch into a pending block and the local
// seal signature share. Requires e.mu held.
func (e *HoneyBadgerBFT) processOutput(client consensus.EngineClient, output []honeybadger.Batch, netInfo *honeybadger.NetworkInfo, eff *effects) {
	if len(output) == 0 {
		return
	}
	if len(output) > 1 {
		// Multiple outputs per step are unexpected; keep this loud until
		// proven otherwise.
		log.Error("UNHANDLED EPOCH OUTPUTS", "count", len(output))
	}
	batch := output[0]
	log.Trace("Batch received, creating new block", "epoch", batch.Epoch)

	var (
		txs        []*types.Transaction
		seen       = make(map[common.Hash]struct{})
		timestamps []uint64
		random     = new(big.Int)
	)
	for _, sender := range batch.SortedSenders() {
		contribution, err := ContributionFromBytes(batch.Contributions[sender])
		if err != nil {
			log.Error("Undecodable contribution in batch", "sender", sender, "err", err)
			continue
		}
		timestamps = append(timestamps, contribution.Timestamp)

		if len(contribution.RandomData) == randomBytesPerEpoch {
			random.Xor(random, new(big.Int).SetBytes(contribution.RandomData[:32]))
		} else {
			log.Error("Contribution with malformed random data", "sender", sender, "len", len(contribution.RandomData))
		}

		for _, raw := range contribution.Transactions {
			tx := new(types.Transaction)
			if err := tx.UnmarshalBinary(raw); err != nil {
				log.Error("Undecodable transaction in contribution", "sender", sender, "err", err)
				continue
			}
			if _, dup := seen[tx.Hash()]; dup {
				continue
			}
			seen[tx.Hash()] = struct{}{}
			txs = append(txs, tx)
		}
	}
	if len(timestamps) == 0 {
		log.Error("Batch without timestamps", "epoch", batch.Epoch)
		return
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	timestamp := timestamps[len(timestamps)/2]

	e.randomNumbers[batch.Epoch] = random

	header := client.CreatePendingBlockAt(txs, timestamp, batch.Epoch)
	if header == nil {
		log.Error("Could not create pending block", "epoch", batch.Epoch)
		return
	}
	blockNum := header.Number.Uint64()
	hash := SealHash(header)
	log.Trace("Sending seal signature share", "hash", hash, "number", blockNum)

	session := e.sealingSession(blockNum, netInfo)
	share, err := session.sign(hash)
	if err != nil {
		log.Error("Error creating seal signature share", "number", blockNum, "err", err)
		return
	}
	payload, err := encodeSealingMessage(blockNum, share)
	if err != nil {
		log.Error("Serialization of seal share failed", "err", err)
		return
	}
	ourID := netInfo.OurID()
	for _, target := range netInfo.AllIDs() {
		if target == ourID {
			continue
		}
		client.SendConsensusMessage(payload, target)
	}
	if session.signature() != nil {
		eff.updateSealing = true
	}
}

// joinHbbftEpoch contributes to the current epoch once more than f
// proposals were received. Requires e.mu held.
func (e *HoneyBadgerBFT) joinHbbftEpoch(client consensus.EngineClient, eff *effects) {
	if e.isSyncing(client) {
		log.Trace("Not joining hbbft epoch while syncing")
		return
	}
	step, netInfo := e.state.contributeIfThresholdReached(client, e.signerHandle())
	if step != nil {
		e.processStep(client, *step, netInfo, eff)
	}
}

// startHbbftEpoch proposes the local contribution for a new block.
func (e *HoneyBadgerBFT) startHbbftEpoch(client consensus.EngineClient) {
	if e.isSyncing(client) {
		return
	}
	var eff effects
	e.mu.Lock()
	step, netInfo := e.state.trySendContribution(client, e.signerHandle())
	if step != nil {
		e.processStep(client, *step, netInfo, &eff)
	}
	e.mu.Unlock()
	eff.apply(client)
}

func (e *HoneyBadgerBFT) transactionQueueAndTimeThresholdsReached(client consensus.EngineClient) bool {
	header := client.BlockHeader(consensus.LatestBlock())
	if header == nil {
		return false
	}
	targetMinTimestamp := header.Time + e.config.MinimumBlockTime
	queueLength := len(client.QueuedTransactions())
	return (e.config.MinimumBlockTime == 0 || targetMinTimestamp <= unixNowSecs()) &&
		queueLength >= e.config.TransactionQueueSizeTrigger
}

func (e *HoneyBadgerBFT) checkForEpochChange() {
	client := e.clientHandle()
	if client == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.updateHoneybadger(client, e.signerHandle(), consensus.LatestBlock(), false) {
		log.Error("Updating honey badger instance failed")
	}
}

// ── key generation and availability ──────────────────────────────────────────

// doKeygen reports whether closing the current block ends the epoch: the
// pending validator set is non-empty and its key generation is complete.
// As a side effect, a pending validator publishes its outstanding Parts
// and Acks.
func (e *HoneyBadgerBFT) doKeygen() bool {
	client := e.clientHandle()
	if client == nil {
		return false
	}
	pending, err := contracts.GetPendingValidators(client)
	if err != nil || len(pending) == 0 {
		return false
	}

	signer := e.signerHandle()
	skg, _, err := contracts.InitializeSyncKeyGen(client, signer, consensus.LatestBlock(), contracts.PendingValidators)
	if err == nil && skg.IsReady() {
		return true
	}

	if signer == nil {
		return false
	}
	isPending, err := contracts.IsPendingValidator(client, signer.Address())
	if err != nil || !isPending {
		return false
	}
	e.mu.Lock()
	err = e.keygenSender.sendKeygenTransactions(client, signer)
	e.mu.Unlock()
	if err != nil {
		log.Error("Error sending keygen transactions", "err", err)
	}
	return false
}

// doAvailabilityHandling announces this validator's availability exactly
// once per process lifetime.
func (e *HoneyBadgerBFT) doAvailabilityHandling() error {
	e.mu.Lock()
	announced := e.announced
	e.mu.Unlock()
	if announced {
		return nil
	}
	signer := e.signerHandle()
	if signer == nil {
		return nil
	}
	client := e.clientHandle()
	if client == nil || e.isSyncing(client) {
		return nil
	}
	address := signer.Address()

	stakingAddress, err := contracts.StakingByMiningAddress(client, address)
	if err != nil {
		return fmt.Errorf("hbbft: resolving staking address of %s: %w", address.Hex(), err)
	}
	if stakingAddress == (common.Address{}) {
		return nil
	}
	availableSince, err := contracts.GetValidatorAvailableSince(client, address)
	if err != nil {
		return fmt.Errorf("hbbft: querying availability of %s: %w", address.Hex(), err)
	}
	if availableSince.Sign() != 0 {
		return nil
	}
	fullClient := client.FullClient()
	if fullClient == nil {
		return contracts.ErrNotFullClient
	}
	if err := contracts.SendTxAnnounceAvailability(fullClient, address); err != nil {
		return fmt.Errorf("hbbft: announcing availability: %w", err)
	}
	e.mu.Lock()
	e.announced = true
	e.mu.Unlock()
	return nil
}

// ── timer loop ───────────────────────────────────────────────────────────────

// transitionLoop is the single recurring liveness task, re-armed after
// each tick with an interval derived from the minimum block time.
func (e *HoneyBadgerBFT) transitionLoop() {
	timer := time.NewTimer(defaultTimerDuration)
	defer timer.Stop()
	for {
		select {
		case <-e.exitCh:
			return
		case <-timer.C:
			timer.Reset(e.onTimer())
		}
	}
}

// onTimer performs one liveness tick and returns the next timer duration.
func (e *HoneyBadgerBFT) onTimer() time.Duration {
	client := e.clientHandle()
	if client != nil {
		// The block may be complete but not have been ready to seal.
		client.UpdateSealing(false)
	}

	e.replayCachedMessages()

	if err := e.doAvailabilityHandling(); err != nil {
		log.Error("Error during availability handling", "err", err)
	}

	if client == nil {
		return defaultTimerDuration
	}
	duration := e.minBlockTimeRemaining(client)
	if duration == 0 {
		// Minimum block time has passed; we are ready to trigger blocks.
		e.startHbbftEpochIfNextPhase(client)
		e.OnTransactionsImported()
		if e.maxBlockTimeRemaining(client) == 0 {
			e.startHbbftEpoch(client)
		}
		duration = defaultTimerDuration
	}
	if duration < time.Millisecond {
		duration = time.Millisecond
	}
	if limit := time.Duration(e.config.MinimumBlockTime) * time.Second; limit > 0 && duration > limit {
		duration = limit
	}
	return duration
}

// blockTimeUntil returns the time remaining until offset seconds after
// the latest block, zero when already passed.
func (e *HoneyBadgerBFT) blockTimeUntil(client consensus.EngineClient, offset uint64) time.Duration {
	header := client.BlockHeader(consensus.LatestBlock())
	if header == nil {
		log.Error("Latest block header could not be obtained")
		return defaultTimerDuration
	}
	nextBlockTime := (header.Time + offset) * 1000
	now := unixNowMillis()
	if now >= nextBlockTime {
		return 0
	}
	return time.Duration(nextBlockTime-now) * time.Millisecond
}

func (e *HoneyBadgerBFT) minBlockTimeRemaining(client consensus.EngineClient) time.Duration {
	return e.blockTimeUntil(client, e.config.MinimumBlockTime)
}

func (e *HoneyBadgerBFT) maxBlockTimeRemaining(client consensus.EngineClient) time.Duration {
	return e.blockTimeUntil(client, e.config.MaximumBlockTime)
}

// startHbbftEpochIfNextPhase triggers block creation while in the keygen
// phase, so that Parts and Acks keep flowing into the key history.
func (e *HoneyBadgerBFT) startHbbftEpochIfNextPhase(client consensus.EngineClient) {
	transitionTime, err := contracts.StartTimeOfNextPhaseTransition(client)
	if err != nil {
		return
	}
	if transitionTime < unixNowSecs() {
		e.startHbbftEpoch(client)
	}
}

// replayCachedMessages periodically delivers messages cached for epochs
// the node has entered since.
func (e *HoneyBadgerBFT) replayCachedMessages() {
	client := e.clientHandle()
	if client == nil {
		return
	}
	var eff effects
	e.mu.Lock()
	steps, netInfo := e.state.replayCachedMessages(client)
	processed := false
	for _, step := range steps {
		log.Trace("Processing replayed message step")
		processed = true
		e.processStep(client, step, netInfo, &eff)
	}
	if processed {
		e.joinHbbftEpoch(client, &eff)
	}
	e.mu.Unlock()
	eff.apply(client)
}

func (eff *effects) apply(client consensus.EngineClient) {
	if eff.updateSealing {
		client.UpdateSealing(false)
	}
}

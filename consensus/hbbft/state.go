package hbbft

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/contracts"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
	"github.com/dmdcoin/diamond-go/crypto/threshold"
)

// historicalKeySets bounds the cache of public key sets reconstructed for
// cross-epoch seal verification.
const historicalKeySets = 16

type queuedMessage struct {
	sender honeybadger.NodeID
	msg    honeybadger.Msg
}

// hbbftState holds the consensus state bound to the current POSDAO epoch:
// the network view, the agreement instance, the threshold master key and
// a cache of messages addressed to epochs this node has not entered yet.
// The engine serializes all access.
type hbbftState struct {
	networkInfo        *honeybadger.NetworkInfo
	honeyBadger        *honeybadger.HoneyBadger
	publicMasterKey    *threshold.PublicKey
	currentPosdaoEpoch uint64

	futureMessages map[uint64][]queuedMessage
	historicalKeys *lru.ARCCache // epoch start block -> *threshold.PublicKeySet
}

func newHbbftState() *hbbftState {
	historical, _ := lru.NewARC(historicalKeySets)
	return &hbbftState{
		futureMessages: make(map[uint64][]queuedMessage),
		historicalKeys: historical,
	}
}

// updateHoneybadger reads the POSDAO epoch at the given block and, when it
// changed (or force is set), rebuilds the threshold key material and the
// agreement instance from the key history. Returns false when the state
// could not be brought up to date.
func (s *hbbftState) updateHoneybadger(client consensus.EngineClient, signer consensus.Signer, block consensus.BlockID, force bool) bool {
	targetEpoch, err := contracts.GetPosdaoEpoch(client, block)
	if err != nil {
		log.Debug("Reading POSDAO epoch failed", "block", block, "err", err)
		return false
	}
	if !force && s.currentPosdaoEpoch == targetEpoch {
		return true
	}

	epochStart, err := contracts.GetPosdaoEpochStart(client, block)
	if err != nil {
		log.Debug("Reading POSDAO epoch start failed", "block", block, "err", err)
		return false
	}
	skg, vmap, err := contracts.InitializeSyncKeyGen(client, signer, consensus.AtBlock(epochStart), contracts.CurrentValidators)
	if err != nil {
		log.Debug("Reconstructing key generation from key history failed", "epochStart", epochStart, "err", err)
		return false
	}
	if !skg.IsReady() {
		log.Error("Key history incomplete for an installed epoch", "epoch", targetEpoch, "epochStart", epochStart)
		return false
	}
	pks, sks, err := skg.Generate()
	if err != nil {
		log.Error("Generating threshold key material failed", "epoch", targetEpoch, "err", err)
		return false
	}
	s.publicMasterKey = pks.PublicKey()
	// The previous instance belongs to an epoch we may no longer be in.
	s.networkInfo = nil
	s.honeyBadger = nil
	s.currentPosdaoEpoch = targetEpoch
	log.Trace("Switched hbbft state to new POSDAO epoch", "epoch", targetEpoch)

	if sks == nil {
		log.Trace("Not part of the validator set, running as regular node")
		return true
	}
	ourID := honeybadger.NodeIDFromPubkey(signer.Public())
	networkInfo := honeybadger.NewNetworkInfo(ourID, sks, pks, vmap.NodeIDs())
	s.networkInfo = networkInfo
	s.honeyBadger = honeybadger.New(networkInfo)
	log.Trace("Honey Badger instance initialized, running as validator node")
	return true
}

// skipToCurrentEpoch synchronizes the state to the latest block and aligns
// the agreement instance's epoch with the block it will produce next.
// Returns false when there is no instance (not a validator).
func (s *hbbftState) skipToCurrentEpoch(client consensus.EngineClient, signer consensus.Signer) bool {
	latest, ok := client.BlockNumber(consensus.LatestBlock())
	if !ok {
		return false
	}
	// Update before use so the instance matches the current epoch.
	s.updateHoneybadger(client, signer, consensus.AtBlock(latest), false)
	if s.honeyBadger == nil {
		return false
	}
	next := latest + 1
	if next != s.honeyBadger.Epoch() {
		log.Trace("Skipping honey badger forward", "to", next, "was", s.honeyBadger.Epoch())
	}
	s.honeyBadger.SkipToEpoch(next)
	return true
}

// processMessage feeds a peer agreement message into the instance.
// Messages for future epochs are cached for replay; the returned step is
// nil when nothing was processed.
func (s *hbbftState) processMessage(client consensus.EngineClient, signer consensus.Signer, sender honeybadger.NodeID, msg honeybadger.Msg) (*honeybadger.Step, *honeybadger.NetworkInfo) {
	if !s.skipToCurrentEpoch(client, signer) {
		return nil, nil
	}
	hb := s.honeyBadger
	if msg.Epoch > hb.Epoch() {
		log.Trace("Caching message from future epoch", "msgEpoch", msg.Epoch, "hbEpoch", hb.Epoch())
		s.futureMessages[msg.Epoch] = append(s.futureMessages[msg.Epoch], queuedMessage{sender: sender, msg: msg})
		return nil, nil
	}
	step, err := hb.HandleMessage(sender, msg)
	if err != nil {
		log.Error("Error handling honey badger message", "sender", sender, "err", err)
		return nil, nil
	}
	return &step, s.networkInfo
}

// trySendContribution proposes the local contribution for the next block
// unless one was proposed already or the instance is about to be rotated.
func (s *hbbftState) trySendContribution(client consensus.EngineClient, signer consensus.Signer) (*honeybadger.Step, *honeybadger.NetworkInfo) {
	if !s.skipToCurrentEpoch(client, signer) {
		return nil, nil
	}
	hb := s.honeyBadger
	if hb.HasInput() {
		return nil, nil
	}
	// If the parent of the block we would contribute to is not in our
	// epoch we would write into an instance about to be destroyed.
	parentEpoch, err := contracts.GetPosdaoEpoch(client, consensus.AtBlock(hb.Epoch()-1))
	if err != nil || parentEpoch != s.currentPosdaoEpoch {
		log.Trace("Epoch mismatch at contribution time", "state", s.currentPosdaoEpoch, "parent", parentEpoch, "err", err)
		return nil, nil
	}
	contribution, err := NewContribution(client.QueuedTransactions())
	if err != nil {
		log.Error("Building contribution failed", "err", err)
		return nil, nil
	}
	payload, err := contribution.Bytes()
	if err != nil {
		log.Error("Encoding contribution failed", "err", err)
		return nil, nil
	}
	log.Trace("Proposing contribution", "epoch", hb.Epoch(), "txs", len(contribution.Transactions))
	step, err := hb.Propose(payload)
	if err != nil {
		log.Error("Error proposing contribution", "err", err)
		return nil, nil
	}
	return &step, s.networkInfo
}

// contributeIfThresholdReached proposes once more than f proposals exist:
// at that point at least one honest node wants a block, so the local node
// must participate to make progress.
func (s *hbbftState) contributeIfThresholdReached(client consensus.EngineClient, signer consensus.Signer) (*honeybadger.Step, *honeybadger.NetworkInfo) {
	hb := s.honeyBadger
	if hb == nil || s.networkInfo == nil {
		return nil, nil
	}
	if hb.ReceivedProposals() > s.networkInfo.NumFaulty() {
		return s.trySendContribution(client, signer)
	}
	return nil, nil
}

// replayCachedMessages drains the future-message cache for the current
// epoch once its parent block is imported and the state caught up, and
// discards everything cached for earlier epochs.
func (s *hbbftState) replayCachedMessages(client consensus.EngineClient) ([]honeybadger.Step, *honeybadger.NetworkInfo) {
	hb := s.honeyBadger
	if hb == nil || hb.Epoch() == 0 {
		return nil, nil
	}
	// The instance may already be ahead of the imported chain; wait until
	// its parent block is available and the state was rotated.
	parent := hb.Epoch() - 1
	epoch, err := contracts.GetPosdaoEpoch(client, consensus.AtBlock(parent))
	if err != nil {
		log.Trace("Parent block of current epoch not queryable yet", "parent", parent, "err", err)
		return nil, nil
	}
	if epoch != s.currentPosdaoEpoch {
		log.Trace("Parent block imported but hbbft state not updated yet", "parent", parent)
		return nil, nil
	}
	// Entries below the current epoch can never be delivered any more.
	for epoch := range s.futureMessages {
		if epoch < hb.Epoch() {
			delete(s.futureMessages, epoch)
		}
	}
	messages := s.futureMessages[hb.Epoch()]
	if len(messages) == 0 {
		return nil, nil
	}

	var steps []honeybadger.Step
	for _, m := range messages {
		log.Trace("Replaying cached consensus message", "sender", m.sender, "epoch", m.msg.Epoch)
		step, err := hb.HandleMessage(m.sender, m.msg)
		if err != nil {
			log.Error("Error handling replayed message", "err", err)
			continue
		}
		steps = append(steps, step)
	}

	// Drop the replayed epoch and everything below it.
	var drop []uint64
	for epoch := range s.futureMessages {
		if epoch <= hb.Epoch() {
			drop = append(drop, epoch)
		}
	}
	sort.Slice(drop, func(i, j int) bool { return drop[i] < drop[j] })
	for _, epoch := range drop {
		delete(s.futureMessages, epoch)
	}
	return steps, s.networkInfo
}

// verifySeal checks a threshold signature over the bare hash of header.
// When the header's parent is in the current epoch the installed master
// key verifies directly; otherwise the historical public key set is
// reconstructed from the key history, making verification independent of
// local liveness history.
func (s *hbbftState) verifySeal(client consensus.EngineClient, signer consensus.Signer, sig *threshold.Signature, bareHash common.Hash, headerNumber uint64) bool {
	s.skipToCurrentEpoch(client, signer)

	parentNumber := headerNumber - 1
	targetEpoch, err := contracts.GetPosdaoEpoch(client, consensus.AtBlock(parentNumber))
	if err != nil {
		log.Error("Reading POSDAO epoch for seal verification failed", "block", parentNumber, "err", err)
		return false
	}
	if s.currentPosdaoEpoch == targetEpoch {
		if s.publicMasterKey == nil {
			log.Error("Public master key not available for seal verification")
			return false
		}
		return s.publicMasterKey.Verify(sig, bareHash[:])
	}

	log.Trace("Seal of foreign epoch, reconstructing historical key", "epoch", targetEpoch)
	epochStart, err := contracts.GetPosdaoEpochStart(client, consensus.AtBlock(parentNumber))
	if err != nil {
		log.Error("Querying epoch start block failed", "err", err)
		return false
	}
	if cached, ok := s.historicalKeys.Get(epochStart); ok {
		return cached.(*threshold.PublicKeySet).PublicKey().Verify(sig, bareHash[:])
	}
	skg, _, err := contracts.InitializeSyncKeyGen(client, nil, consensus.AtBlock(epochStart), contracts.CurrentValidators)
	if err != nil {
		log.Error("Reconstructing historical key generation failed", "err", err)
		return false
	}
	if !skg.IsReady() {
		log.Error("Historical key generation unexpectedly incomplete", "epochStart", epochStart)
		return false
	}
	pks, _, err := skg.Generate()
	if err != nil {
		log.Error("Generating historical public key set failed", "err", err)
		return false
	}
	s.historicalKeys.Add(epochStart, pks)
	return pks.PublicKey().Verify(sig, bareHash[:])
}

// networkInfoFor returns the current network view if blockNr belongs to
// the current epoch.
func (s *hbbftState) networkInfoFor(client consensus.EngineClient, signer consensus.Signer, blockNr uint64) *honeybadger.NetworkInfo {
	s.skipToCurrentEpoch(client, signer)
	epoch, err := contracts.GetPosdaoEpoch(client, consensus.AtBlock(blockNr-1))
	if err != nil || epoch != s.currentPosdaoEpoch {
		log.Error("Network info requested for foreign epoch", "current", s.currentPosdaoEpoch, "requested", epoch, "err", err)
		return nil
	}
	return s.networkInfo
}

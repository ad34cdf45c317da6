package hbbft

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/contracts"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
	"github.com/dmdcoin/diamond-go/crypto/synckeygen"
	"github.com/dmdcoin/diamond-go/params"
)

// epochInfo records a POSDAO epoch installed at a start block.
type epochInfo struct {
	epoch      uint64
	startBlock uint64
}

// validatorSetInfo records the validator set active from a block on.
type validatorSetInfo struct {
	fromBlock  uint64
	validators []common.Address
}

// mockChain emulates the chain database and the on-chain state of the
// system contracts. One instance is shared by all clients of a test
// network.
type mockChain struct {
	headers     []*types.Header
	txsByNumber map[uint64]types.Transactions

	epochs              []epochInfo
	validatorSets       []validatorSetInfo
	pendingValidators   []common.Address
	pubkeys             map[common.Address][]byte
	parts               map[common.Address][]byte
	acks                map[common.Address][][]byte
	stakingByMining     map[common.Address]common.Address
	availableSince      map[common.Address]*big.Int
	phaseTransitionTime uint64
}

func newMockChain() *mockChain {
	genesis := &types.Header{
		Number:     new(big.Int),
		Difficulty: big.NewInt(1),
		GasLimit:   100_000_000,
		Extra:      make([]byte, extraVanity),
	}
	return &mockChain{
		headers:         []*types.Header{genesis},
		txsByNumber:     make(map[uint64]types.Transactions),
		epochs:          []epochInfo{{epoch: 0, startBlock: 0}},
		pubkeys:         make(map[common.Address][]byte),
		parts:           make(map[common.Address][]byte),
		acks:            make(map[common.Address][][]byte),
		stakingByMining: make(map[common.Address]common.Address),
		availableSince:  make(map[common.Address]*big.Int),
	}
}

func (c *mockChain) latest() *types.Header { return c.headers[len(c.headers)-1] }

func (c *mockChain) epochAt(block uint64) uint64 {
	epoch := c.epochs[0].epoch
	for _, e := range c.epochs {
		if e.startBlock <= block {
			epoch = e.epoch
		}
	}
	return epoch
}

func (c *mockChain) epochStartAt(block uint64) uint64 {
	start := c.epochs[0].startBlock
	for _, e := range c.epochs {
		if e.startBlock <= block {
			start = e.startBlock
		}
	}
	return start
}

// beginEpoch installs a new epoch and validator set starting at the next
// block.
func (c *mockChain) beginEpoch(epoch uint64, validators []common.Address) {
	next := c.latest().Number.Uint64() + 1
	c.epochs = append(c.epochs, epochInfo{epoch: epoch, startBlock: next})
	c.validatorSets = append(c.validatorSets, validatorSetInfo{fromBlock: next, validators: validators})
}

// setValidators installs the validator set active from genesis.
func (c *mockChain) setValidators(validators []common.Address) {
	c.validatorSets = []validatorSetInfo{{fromBlock: 0, validators: validators}}
}

func (c *mockChain) validatorsAt(block uint64) []common.Address {
	var out []common.Address
	for _, set := range c.validatorSets {
		if set.fromBlock <= block {
			out = set.validators
		}
	}
	return out
}

// registerValidator records a validator's consensus public key.
func (c *mockChain) registerValidator(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c.pubkeys[addr] = crypto.FromECDSAPub(&key.PublicKey)[1:]
	return addr
}

// appendEmptyBlocks extends the chain with sealless filler headers.
func (c *mockChain) appendEmptyBlocks(n int) {
	for i := 0; i < n; i++ {
		parent := c.latest()
		c.headers = append(c.headers, &types.Header{
			ParentHash: parent.Hash(),
			Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
			Difficulty: big.NewInt(1),
			GasLimit:   parent.GasLimit,
			Time:       parent.Time + 1,
			Extra:      make([]byte, extraVanity),
		})
	}
}

// seedKeyHistory runs the key generation protocol for the given keys
// off-chain and persists the resulting Parts and Acks, as the validators
// would have done on-chain.
func seedKeyHistory(t *testing.T, chain *mockChain, keys []*ecdsa.PrivateKey) {
	t.Helper()
	sortKeysByAddress(keys)
	pubs := make([]*ecdsa.PublicKey, len(keys))
	for i, key := range keys {
		pubs[i] = &key.PublicKey
	}
	faulty := (len(keys) - 1) / 3
	nodes := make([]*synckeygen.SyncKeyGen, len(keys))
	parts := make([]*synckeygen.Part, len(keys))
	for i, key := range keys {
		skg, part, err := synckeygen.New(pubs[i], consensus.NewKeyPairSigner(key), pubs, faulty)
		if err != nil {
			t.Fatalf("creating keygen context %d: %v", i, err)
		}
		nodes[i] = skg
		parts[i] = part
	}
	for dealer, part := range parts {
		raw, err := part.Bytes()
		if err != nil {
			t.Fatalf("serializing part %d: %v", dealer, err)
		}
		chain.parts[crypto.PubkeyToAddress(keys[dealer].PublicKey)] = raw
	}
	for acker, node := range nodes {
		ackerAddr := crypto.PubkeyToAddress(keys[acker].PublicKey)
		for dealer, part := range parts {
			ack, err := node.HandlePart(dealer, part)
			if err != nil {
				t.Fatalf("node %d handling part %d: %v", acker, dealer, err)
			}
			raw, err := ack.Bytes()
			if err != nil {
				t.Fatalf("serializing ack: %v", err)
			}
			chain.acks[ackerAddr] = append(chain.acks[ackerAddr], raw)
		}
	}
}

func sortKeysByAddress(keys []*ecdsa.PrivateKey) {
	sort.Slice(keys, func(i, j int) bool {
		a := crypto.PubkeyToAddress(keys[i].PublicKey)
		b := crypto.PubkeyToAddress(keys[j].PublicKey)
		return bytes.Compare(a[:], b[:]) < 0
	})
}

// mockNetwork routes consensus messages between test engines.
type mockNetwork struct {
	engines map[honeybadger.NodeID]*HoneyBadgerBFT
	queue   []networkEnvelope
}

type networkEnvelope struct {
	from    honeybadger.NodeID
	to      honeybadger.NodeID
	payload []byte
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{engines: make(map[honeybadger.NodeID]*HoneyBadgerBFT)}
}

func (n *mockNetwork) register(id honeybadger.NodeID, engine *HoneyBadgerBFT) {
	n.engines[id] = engine
}

func (n *mockNetwork) enqueue(from, to honeybadger.NodeID, payload []byte) {
	n.queue = append(n.queue, networkEnvelope{from: from, to: to, payload: payload})
}

// deliverAll pumps queued messages until the network is quiet.
func (n *mockNetwork) deliverAll(t *testing.T) {
	t.Helper()
	for len(n.queue) > 0 {
		env := n.queue[0]
		n.queue = n.queue[1:]
		engine, ok := n.engines[env.to]
		if !ok {
			t.Fatalf("message addressed to unknown node %s", env.to)
		}
		if err := engine.HandleMessage(env.payload, env.from); err != nil {
			t.Fatalf("delivering message to %s: %v", env.to, err)
		}
	}
}

// pendingBlock is the block a client assembled but not yet imported.
type pendingBlock struct {
	header *types.Header
	txs    types.Transactions
}

// mockClient implements consensus.EngineClient and consensus.FullClient
// over a shared mockChain.
type mockClient struct {
	chain   *mockChain
	nodeID  honeybadger.NodeID
	network *mockNetwork

	queued  []*types.Transaction
	pending *pendingBlock

	sent             []consensus.TransactionRequest
	nonces           map[common.Address]uint64
	syncing          bool
	notFull          bool
	updateSealingCnt int
}

func newMockClient(chain *mockChain, nodeID honeybadger.NodeID) *mockClient {
	return &mockClient{
		chain:  chain,
		nodeID: nodeID,
		nonces: make(map[common.Address]uint64),
	}
}

func (m *mockClient) resolve(id consensus.BlockID) (uint64, bool) {
	latest := m.chain.latest().Number.Uint64()
	if id.Latest {
		return latest, true
	}
	if id.Number > latest {
		return 0, false
	}
	return id.Number, true
}

func (m *mockClient) BlockNumber(id consensus.BlockID) (uint64, bool) {
	return m.resolve(id)
}

func (m *mockClient) BlockHeader(id consensus.BlockID) *types.Header {
	number, ok := m.resolve(id)
	if !ok {
		return nil
	}
	return m.chain.headers[number]
}

func (m *mockClient) QueuedTransactions() []*types.Transaction {
	return m.queued
}

func (m *mockClient) CreatePendingBlockAt(txs []*types.Transaction, timestamp uint64, epoch uint64) *types.Header {
	parent := m.chain.latest()
	if epoch != parent.Number.Uint64()+1 {
		return nil
	}
	// Deterministic transaction digest so every node assembles an
	// identical header from the same batch.
	var txData []byte
	for _, tx := range txs {
		hash := tx.Hash()
		txData = append(txData, hash[:]...)
	}
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		Difficulty: big.NewInt(1),
		GasLimit:   parent.GasLimit,
		Time:       timestamp,
		TxHash:     crypto.Keccak256Hash(txData),
		Extra:      make([]byte, extraVanity),
	}
	m.pending = &pendingBlock{header: header, txs: txs}
	return types.CopyHeader(header)
}

func (m *mockClient) UpdateSealing(_ bool) { m.updateSealingCnt++ }

func (m *mockClient) SendConsensusMessage(payload []byte, target honeybadger.NodeID) {
	if m.network != nil {
		m.network.enqueue(m.nodeID, target, payload)
	}
}

func (m *mockClient) FullClient() consensus.FullClient {
	if m.notFull {
		return nil
	}
	return m
}

func (m *mockClient) Nonce(addr common.Address, _ consensus.BlockID) (uint64, bool) {
	return m.nonces[addr], true
}

func (m *mockClient) NextNonce(addr common.Address) uint64 {
	return m.nonces[addr]
}

func (m *mockClient) TransactSilently(req consensus.TransactionRequest) error {
	m.sent = append(m.sent, req)
	return nil
}

func (m *mockClient) IsMajorSyncing() bool { return m.syncing }

// importPending finalizes the client's pending block with the given
// encoded seal and appends it to the shared chain.
func (m *mockClient) importPending(t *testing.T, seal []byte) *types.Header {
	t.Helper()
	if m.pending == nil {
		t.Fatal("no pending block to import")
	}
	header := types.CopyHeader(m.pending.header)
	header.Extra = append(header.Extra[:extraVanity], seal...)
	m.chain.headers = append(m.chain.headers, header)
	m.chain.txsByNumber[header.Number.Uint64()] = m.pending.txs
	m.pending = nil
	m.queued = nil
	return header
}

// CallContract dispatches read calls against the emulated contract state.
func (m *mockClient) CallContract(id consensus.BlockID, addr common.Address, data []byte) ([]byte, error) {
	blockNum, ok := m.resolve(id)
	if !ok {
		return nil, fmt.Errorf("mock: block %v not imported", id)
	}
	if len(data) < 4 {
		return nil, errors.New("mock: calldata too short")
	}
	switch addr {
	case params.StakingContractAddress:
		return m.callStaking(blockNum, data)
	case params.ValidatorSetContractAddress:
		return m.callValidatorSet(blockNum, data)
	case params.KeyHistoryContractAddress:
		return m.callKeyHistory(data)
	default:
		return nil, fmt.Errorf("mock: no contract at %s", addr.Hex())
	}
}

func (m *mockClient) callStaking(blockNum uint64, data []byte) ([]byte, error) {
	method, err := contracts.StakingABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "stakingEpoch":
		return method.Outputs.Pack(new(big.Int).SetUint64(m.chain.epochAt(blockNum)))
	case "stakingEpochStartBlock":
		return method.Outputs.Pack(new(big.Int).SetUint64(m.chain.epochStartAt(blockNum)))
	case "startTimeOfNextPhaseTransition":
		return method.Outputs.Pack(new(big.Int).SetUint64(m.chain.phaseTransitionTime))
	default:
		return nil, fmt.Errorf("mock: staking method %s not emulated", method.Name)
	}
}

func (m *mockClient) callValidatorSet(blockNum uint64, data []byte) ([]byte, error) {
	method, err := contracts.ValidatorSetABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getValidators":
		return method.Outputs.Pack(m.chain.validatorsAt(blockNum))
	case "getPendingValidators":
		return method.Outputs.Pack(m.chain.pendingValidators)
	case "getPublicKey":
		return method.Outputs.Pack(m.chain.pubkeys[args[0].(common.Address)])
	case "isPendingValidator":
		target := args[0].(common.Address)
		for _, addr := range m.chain.pendingValidators {
			if addr == target {
				return method.Outputs.Pack(true)
			}
		}
		return method.Outputs.Pack(false)
	case "stakingByMiningAddress":
		return method.Outputs.Pack(m.chain.stakingByMining[args[0].(common.Address)])
	case "miningByStakingAddress":
		for mining, staking := range m.chain.stakingByMining {
			if staking == args[0].(common.Address) {
				return method.Outputs.Pack(mining)
			}
		}
		return method.Outputs.Pack(common.Address{})
	case "validatorAvailableSince":
		since := m.chain.availableSince[args[0].(common.Address)]
		if since == nil {
			since = new(big.Int)
		}
		return method.Outputs.Pack(since)
	default:
		return nil, fmt.Errorf("mock: validator set method %s not emulated", method.Name)
	}
}

func (m *mockClient) callKeyHistory(data []byte) ([]byte, error) {
	method, err := contracts.KeyHistoryABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "parts":
		return method.Outputs.Pack(m.chain.parts[args[0].(common.Address)])
	case "getAcksLength":
		return method.Outputs.Pack(big.NewInt(int64(len(m.chain.acks[args[0].(common.Address)]))))
	case "acks":
		addr := args[0].(common.Address)
		idx := args[1].(*big.Int).Uint64()
		list := m.chain.acks[addr]
		if idx >= uint64(len(list)) {
			return nil, fmt.Errorf("mock: ack index %d out of range", idx)
		}
		return method.Outputs.Pack(list[idx])
	default:
		return nil, fmt.Errorf("mock: key history method %s not emulated", method.Name)
	}
}

// applyKeygenTransactions decodes recorded writePart/writeAcks submissions
// and applies them to the chain state, as block execution would.
func (m *mockClient) applyKeygenTransactions(t *testing.T, sender common.Address) {
	t.Helper()
	for _, req := range m.sent {
		if req.To != params.KeyHistoryContractAddress {
			continue
		}
		method, err := contracts.KeyHistoryABI.MethodById(req.Data[:4])
		if err != nil {
			t.Fatalf("decoding keygen transaction: %v", err)
		}
		args, err := method.Inputs.Unpack(req.Data[4:])
		if err != nil {
			t.Fatalf("unpacking %s: %v", method.Name, err)
		}
		switch method.Name {
		case "writePart":
			m.chain.parts[sender] = args[1].([]byte)
		case "writeAcks":
			m.chain.acks[sender] = args[1].([][]byte)
		}
	}
	m.sent = nil
}

// newTestValidatorNode wires an engine, client and signer for one
// validator over the shared chain.
func newTestValidatorNode(t *testing.T, chain *mockChain, network *mockNetwork, key *ecdsa.PrivateKey, config *params.HbbftConfig) (*HoneyBadgerBFT, *mockClient) {
	t.Helper()
	nodeID := honeybadger.NodeIDFromPubkey(&key.PublicKey)
	client := newMockClient(chain, nodeID)
	client.network = network
	engine, err := New(config)
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	engine.RegisterClient(client)
	engine.SetSigner(consensus.NewKeyPairSigner(key))
	if network != nil {
		network.register(nodeID, engine)
	}
	return engine, client
}

func testConfig() *params.HbbftConfig {
	return &params.HbbftConfig{
		MinimumBlockTime:            0,
		MaximumBlockTime:            600,
		TransactionQueueSizeTrigger: 1,
		IsUnitTest:                  true,
	}
}

// newFundedTransferTx builds a signed legacy transaction.
func newFundedTransferTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address) *types.Transaction {
	t.Helper()
	tx := types.NewTransaction(nonce, to, new(big.Int), 100_000, big.NewInt(10_000_000_000), nil)
	signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
	if err != nil {
		t.Fatalf("signing transaction: %v", err)
	}
	return signed
}

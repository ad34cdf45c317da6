// Package consensus defines the interfaces between the Honey Badger BFT
// engine and the surrounding chain: the client the engine drives, the
// signer capability set, and the engine surface the chain consumes.
package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
)

// Package-level sentinel errors shared by engine implementations.
var (
	ErrRequiresClient    = errors.New("consensus: operation requires a registered client")
	ErrRequiresSigner    = errors.New("consensus: operation requires a signer")
	ErrUnexpectedMessage = errors.New("consensus: message for unknown block or epoch")
	ErrMalformedMessage  = errors.New("consensus: message does not decode")
	ErrInvalidSeal       = errors.New("consensus: invalid seal")
)

// BlockID addresses a block for pinned reads: either the latest imported
// block or a concrete height.
type BlockID struct {
	Number uint64
	Latest bool
}

// LatestBlock addresses the latest imported block.
func LatestBlock() BlockID { return BlockID{Latest: true} }

// AtBlock addresses the block at the given height.
func AtBlock(number uint64) BlockID { return BlockID{Number: number} }

func (id BlockID) String() string {
	if id.Latest {
		return "latest"
	}
	return fmt.Sprintf("#%d", id.Number)
}

// TransactionRequest describes a transaction the engine submits on its own
// behalf. A nil Nonce means the client picks the next local nonce; a nil
// GasPrice means the client's default price.
type TransactionRequest struct {
	To       common.Address
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
	Nonce    *uint64
}

// FullClient is the transaction-submission surface, available only on
// full (non-light) clients.
type FullClient interface {
	// Nonce returns the account nonce at the given block.
	Nonce(addr common.Address, id BlockID) (uint64, bool)
	// NextNonce returns the next local nonce, queued transactions included.
	NextNonce(addr common.Address) uint64
	// TransactSilently submits a transaction without waiting for inclusion.
	TransactSilently(req TransactionRequest) error
	// IsMajorSyncing reports whether the chain is importing a long range.
	IsMajorSyncing() bool
}

// EngineClient is the chain surface the engine consumes. All reads are
// synchronous in-process calls.
type EngineClient interface {
	BlockNumber(id BlockID) (uint64, bool)
	BlockHeader(id BlockID) *types.Header
	QueuedTransactions() []*types.Transaction
	// CreatePendingBlockAt assembles a pending block from the given
	// transactions and returns its header, nil on failure.
	CreatePendingBlockAt(txs []*types.Transaction, timestamp uint64, epoch uint64) *types.Header
	// UpdateSealing triggers a new seal attempt on the miner.
	UpdateSealing(force bool)
	// SendConsensusMessage delivers an engine message to one peer,
	// best-effort.
	SendConsensusMessage(payload []byte, target honeybadger.NodeID)
	// CallContract executes a read-only contract call pinned to a block.
	CallContract(id BlockID, contract common.Address, data []byte) ([]byte, error)
	// FullClient returns the transaction-submission surface, nil when the
	// client is not a full client.
	FullClient() FullClient
}

// SystemCall executes a contract call from the system address inside the
// block being closed.
type SystemCall func(contract common.Address, data []byte) ([]byte, error)

// SealingStatus reports whether the engine holds a seal for the next block.
type SealingStatus int

const (
	NotReady SealingStatus = iota
	Ready
)

// ForkChoice selects between two chain heads.
type ForkChoice int

const (
	ForkChoiceNew ForkChoice = iota
	ForkChoiceCurrent
)

// ExtendedHeader pairs a header with its chain's total difficulty.
type ExtendedHeader struct {
	Header          *types.Header
	TotalDifficulty *big.Int
}

// TotalDifficultyForkChoice picks the head with the higher total
// difficulty, preferring the current head on a tie.
func TotalDifficultyForkChoice(newHead, current *ExtendedHeader) ForkChoice {
	if newHead.TotalDifficulty.Cmp(current.TotalDifficulty) > 0 {
		return ForkChoiceNew
	}
	return ForkChoiceCurrent
}

// Engine is the block-engine surface exposed to the surrounding chain.
type Engine interface {
	VerifyLocalSeal(header *types.Header) error
	VerifyBlockBasic(header *types.Header) error
	VerifyBlockUnordered(header *types.Header) error
	VerifyBlockFamily(header, parent *types.Header) error
	VerifyBlockExternal(header *types.Header) error

	// GenerateSeal returns the encoded seal for the block, nil when no
	// seal is available yet.
	GenerateSeal(block *types.Block, parent *types.Header) []byte
	SealFields() int
	SealingState() SealingStatus

	OnCloseBlock(block *types.Block, syscall SystemCall) error
	OnTransactionsImported()
	GenerateEngineTransactions(block *types.Block) ([]*types.Transaction, error)

	HandleMessage(payload []byte, sender honeybadger.NodeID) error

	RegisterClient(client EngineClient)
	SetSigner(signer Signer)
	Sign(hash common.Hash) ([]byte, error)

	ForkChoice(newHead, current *ExtendedHeader) ForkChoice
	Close() error
}

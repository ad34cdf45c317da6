package hbbft

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/dmdcoin/diamond-go/consensus"
	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
)

// Wire kinds of the consensus message union.
const (
	kindHoneyBadger uint8 = iota
	kindSealing
)

// wireMessage is the self-describing envelope of all consensus messages.
// For agreement messages Index is the per-engine sequence counter; for
// sealing messages it is the block number the share belongs to.
type wireMessage struct {
	Kind    uint8
	Index   uint64
	Payload []byte
}

// sealingMessage carries one threshold signature share over a block's
// bare header hash.
type sealingMessage struct {
	Share []byte
}

func encodeHoneyBadgerMessage(seq uint64, msg honeybadger.Msg) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(&msg)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&wireMessage{Kind: kindHoneyBadger, Index: seq, Payload: payload})
}

func encodeSealingMessage(blockNum uint64, msg *sealingMessage) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&wireMessage{Kind: kindSealing, Index: blockNum, Payload: payload})
}

// decodeWireMessage parses a peer message envelope. Anything that does
// not decode is malformed and must be rejected.
func decodeWireMessage(b []byte) (*wireMessage, error) {
	msg := new(wireMessage)
	if err := rlp.DecodeBytes(b, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", consensus.ErrMalformedMessage, err)
	}
	if msg.Kind != kindHoneyBadger && msg.Kind != kindSealing {
		return nil, fmt.Errorf("%w: unknown kind %d", consensus.ErrMalformedMessage, msg.Kind)
	}
	return msg, nil
}

func decodeHoneyBadgerPayload(payload []byte) (honeybadger.Msg, error) {
	var msg honeybadger.Msg
	if err := rlp.DecodeBytes(payload, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", consensus.ErrMalformedMessage, err)
	}
	return msg, nil
}

func decodeSealingPayload(payload []byte) (*sealingMessage, error) {
	msg := new(sealingMessage)
	if err := rlp.DecodeBytes(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", consensus.ErrMalformedMessage, err)
	}
	return msg, nil
}

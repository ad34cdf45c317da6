package hbbft

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dmdcoin/diamond-go/consensus/hbbft/honeybadger"
	"github.com/dmdcoin/diamond-go/crypto/threshold"
)

var (
	errSealingNotValidator = errors.New("hbbft: cannot sign seal share without key share")
	errInvalidSealShare    = errors.New("hbbft: invalid seal signature share")
)

// sealing is the threshold signing session of one block number. Shares
// arriving before the local node assembled the block (and thus knows the
// bare header hash) are parked and verified once the hash is known. The
// session is complete once f+1 valid shares combined into the full
// signature; completion is terminal.
type sealing struct {
	netInfo *honeybadger.NetworkInfo

	hash    common.Hash
	hasHash bool

	shares  map[int]*threshold.Signature // verified shares by validator index
	pending map[int][]byte               // raw shares awaiting the hash
	sig     *threshold.Signature
}

func newSealing(netInfo *honeybadger.NetworkInfo) *sealing {
	return &sealing{
		netInfo: netInfo,
		shares:  make(map[int]*threshold.Signature),
		pending: make(map[int][]byte),
	}
}

// sign fixes the signed hash, emits the local share and returns it for
// broadcast.
func (s *sealing) sign(hash common.Hash) (*sealingMessage, error) {
	idx, ok := s.netInfo.OurIndex()
	sks := s.netInfo.SecretKeyShare()
	if !ok || sks == nil {
		return nil, errSealingNotValidator
	}
	s.hash = hash
	s.hasHash = true

	share := sks.Sign(hash[:])
	s.shares[idx] = share
	s.flushPending()
	s.tryCombine()
	return &sealingMessage{Share: share.Bytes()}, nil
}

// handleMessage ingests a peer's share. Shares for completed sessions are
// ignored.
func (s *sealing) handleMessage(senderIdx int, msg *sealingMessage) error {
	if s.sig != nil {
		return nil
	}
	if _, ok := s.netInfo.NodeAt(senderIdx); !ok {
		return fmt.Errorf("%w: sender index %d out of range", errInvalidSealShare, senderIdx)
	}
	if !s.hasHash {
		if _, ok := s.pending[senderIdx]; !ok {
			s.pending[senderIdx] = append([]byte(nil), msg.Share...)
		}
		return nil
	}
	if err := s.addShare(senderIdx, msg.Share); err != nil {
		return err
	}
	s.tryCombine()
	return nil
}

func (s *sealing) addShare(idx int, raw []byte) error {
	if _, ok := s.shares[idx]; ok {
		return nil
	}
	share, err := threshold.SignatureFromBytes(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidSealShare, err)
	}
	if !s.netInfo.PublicKeySet().VerifyShare(idx, share, s.hash[:]) {
		return fmt.Errorf("%w: share of validator %d does not verify", errInvalidSealShare, idx)
	}
	s.shares[idx] = share
	return nil
}

func (s *sealing) flushPending() {
	for idx, raw := range s.pending {
		if err := s.addShare(idx, raw); err != nil {
			log.Warn("Discarding parked seal share", "validator", idx, "err", err)
		}
	}
	s.pending = make(map[int][]byte)
}

func (s *sealing) tryCombine() {
	if s.sig != nil || !s.hasHash {
		return
	}
	pks := s.netInfo.PublicKeySet()
	if len(s.shares) < pks.Threshold()+1 {
		return
	}
	sig, err := threshold.CombineSignatures(pks.Threshold(), s.shares)
	if err != nil {
		log.Error("Combining seal signature shares failed", "err", err)
		return
	}
	if !pks.PublicKey().Verify(sig, s.hash[:]) {
		log.Error("Combined threshold signature does not verify", "hash", s.hash)
		return
	}
	s.sig = sig
}

// signature returns the combined threshold signature, nil while the
// session is ongoing.
func (s *sealing) signature() *threshold.Signature { return s.sig }

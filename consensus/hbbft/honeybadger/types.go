package honeybadger

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownSender   = errors.New("honeybadger: sender not in validator set")
	ErrFutureEpoch     = errors.New("honeybadger: message from future epoch")
	ErrAlreadyProposed = errors.New("honeybadger: contribution already proposed for this epoch")
	ErrNotValidator    = errors.New("honeybadger: local node is not a validator")
)

// NodeID identifies a consensus participant by its 64-byte uncompressed
// secp256k1 public key. NodeIDs are totally ordered by their byte
// representation.
type NodeID [64]byte

// NodeIDFromPubkey derives the NodeID of an ECDSA public key.
func NodeIDFromPubkey(pub *ecdsa.PublicKey) NodeID {
	var id NodeID
	copy(id[:], crypto.FromECDSAPub(pub)[1:])
	return id
}

// NodeIDFromBytes converts a 64-byte slice into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return id, fmt.Errorf("honeybadger: node id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw public key bytes.
func (id NodeID) Bytes() []byte { return id[:] }

// String returns a short hex form for logging.
func (id NodeID) String() string { return hex.EncodeToString(id[:6]) }

// Less orders NodeIDs by byte representation.
func (id NodeID) Less(other NodeID) bool { return bytes.Compare(id[:], other[:]) < 0 }

// SortNodeIDs sorts ids in place in ascending byte order and returns them.
func SortNodeIDs(ids []NodeID) []NodeID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// MsgKind discriminates the agreement messages of one epoch.
type MsgKind uint8

const (
	// MsgProposal carries the sender's opaque contribution for the epoch.
	MsgProposal MsgKind = iota
	// MsgCommit carries the sender's commitment to an output subset,
	// identified by the sorted validator indexes of its members.
	MsgCommit
)

// Msg is a single agreement message. Proposal messages carry Payload;
// commit messages carry Members.
type Msg struct {
	Epoch   uint64
	Kind    MsgKind
	Payload []byte
	Members []uint64
}

// TargetedMessage pairs a message with its routing target.
type TargetedMessage struct {
	Target  Target
	Message Msg
}

// Target describes the recipients of an outbound message, either an
// explicit node set or everyone except an exclusion set.
type Target struct {
	nodes  mapset.Set // non-nil: exactly these nodes
	except mapset.Set // all-except semantics when nodes is nil
}

// TargetNodes addresses exactly the given nodes.
func TargetNodes(ids ...NodeID) Target {
	s := mapset.NewSet()
	for _, id := range ids {
		s.Add(id)
	}
	return Target{nodes: s}
}

// TargetAllExcept addresses every known node not in the given set.
func TargetAllExcept(ids ...NodeID) Target {
	s := mapset.NewSet()
	for _, id := range ids {
		s.Add(id)
	}
	return Target{except: s}
}

// Recipients resolves the target against the full id set, never including
// self. The result preserves the order of all.
func (t Target) Recipients(all []NodeID, self NodeID) []NodeID {
	var out []NodeID
	for _, id := range all {
		if id == self {
			continue
		}
		if t.nodes != nil {
			if t.nodes.Contains(id) {
				out = append(out, id)
			}
			continue
		}
		if t.except == nil || !t.except.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Fault records protocol-violating behavior of a peer for upstream
// reporting.
type Fault struct {
	Sender NodeID
	Reason string
}

// Batch is the agreed output of one epoch: the contributions of the
// decided subset, keyed by contributor.
type Batch struct {
	Epoch         uint64
	Contributions map[NodeID][]byte
}

// SortedSenders returns the contributors in ascending NodeID order, for
// deterministic iteration.
func (b *Batch) SortedSenders() []NodeID {
	ids := make([]NodeID, 0, len(b.Contributions))
	for id := range b.Contributions {
		ids = append(ids, id)
	}
	return SortNodeIDs(ids)
}

// Step is the result of feeding one event into the instance: messages to
// dispatch, at most one decided batch, and observed faults.
type Step struct {
	Messages []TargetedMessage
	Output   []Batch
	Faults   []Fault
}

func (s *Step) merge(other Step) {
	s.Messages = append(s.Messages, other.Messages...)
	s.Output = append(s.Output, other.Output...)
	s.Faults = append(s.Faults, other.Faults...)
}

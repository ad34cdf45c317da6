package honeybadger

import (
	"github.com/dmdcoin/diamond-go/crypto/threshold"
)

// NetworkInfo is the immutable per-epoch view of the consensus network:
// the local node's identity, the ordered validator set and the epoch's
// threshold key material. The validator order is the address-sorted order
// used for key generation; it indexes the threshold key shares.
type NetworkInfo struct {
	ourID      NodeID
	validators []NodeID
	indexes    map[NodeID]int
	pks        *threshold.PublicKeySet
	sks        *threshold.SecretKeyShare
}

// NewNetworkInfo builds the network view for one epoch. sks is nil when
// the local node observes without a key share.
func NewNetworkInfo(ourID NodeID, sks *threshold.SecretKeyShare, pks *threshold.PublicKeySet, validators []NodeID) *NetworkInfo {
	indexes := make(map[NodeID]int, len(validators))
	vals := make([]NodeID, len(validators))
	copy(vals, validators)
	for i, id := range vals {
		indexes[id] = i
	}
	return &NetworkInfo{
		ourID:      ourID,
		validators: vals,
		indexes:    indexes,
		pks:        pks,
		sks:        sks,
	}
}

// OurID returns the local node's id.
func (ni *NetworkInfo) OurID() NodeID { return ni.ourID }

// OurIndex returns the local node's validator index.
func (ni *NetworkInfo) OurIndex() (int, bool) {
	idx, ok := ni.indexes[ni.ourID]
	return idx, ok
}

// AllIDs returns the ordered validator set.
func (ni *NetworkInfo) AllIDs() []NodeID {
	out := make([]NodeID, len(ni.validators))
	copy(out, ni.validators)
	return out
}

// NumNodes returns the validator count N.
func (ni *NetworkInfo) NumNodes() int { return len(ni.validators) }

// NumFaulty returns the tolerated fault bound f = (N-1)/3.
func (ni *NetworkInfo) NumFaulty() int { return (len(ni.validators) - 1) / 3 }

// IsValidator reports whether id is a member of the validator set.
func (ni *NetworkInfo) IsValidator(id NodeID) bool {
	_, ok := ni.indexes[id]
	return ok
}

// Index returns the validator index of id.
func (ni *NetworkInfo) Index(id NodeID) (int, bool) {
	idx, ok := ni.indexes[id]
	return idx, ok
}

// NodeAt returns the validator id at the given index.
func (ni *NetworkInfo) NodeAt(idx int) (NodeID, bool) {
	if idx < 0 || idx >= len(ni.validators) {
		return NodeID{}, false
	}
	return ni.validators[idx], true
}

// PublicKeySet returns the epoch's threshold public key set.
func (ni *NetworkInfo) PublicKeySet() *threshold.PublicKeySet { return ni.pks }

// SecretKeyShare returns the local key share, nil for observers.
func (ni *NetworkInfo) SecretKeyShare() *threshold.SecretKeyShare { return ni.sks }

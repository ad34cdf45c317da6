// Package honeybadger drives one asynchronous agreement epoch per block.
// Every validator proposes an opaque contribution; the instance delivers a
// batch containing the contributions of an agreed subset of at least N-f
// validators, with batch epochs strictly increasing.
//
// Agreement on the subset uses proposal echoes and subset commitments: a
// batch is decided either when proposals from the full validator set are
// held, or when f+1 validators committed to the same subset and all of its
// proposals are held locally. A sender is assumed to propose one payload
// per epoch; conflicting proposals are surfaced as faults and ignored.
package honeybadger

import (
	"fmt"
	"sort"
	"strings"
)

// HoneyBadger is a single node's agreement state, bound to one immutable
// NetworkInfo. Its epoch counter tracks the block number it will decide
// next; deciding an epoch advances the counter automatically.
type HoneyBadger struct {
	netInfo *NetworkInfo

	epoch      uint64
	hasInput   bool
	sentCommit bool
	proposals  map[NodeID][]byte
	commits    map[NodeID]string
}

// New creates an agreement instance for the given network view.
func New(netInfo *NetworkInfo) *HoneyBadger {
	return &HoneyBadger{
		netInfo:   netInfo,
		proposals: make(map[NodeID][]byte),
		commits:   make(map[NodeID]string),
	}
}

// NetworkInfo returns the bound network view.
func (hb *HoneyBadger) NetworkInfo() *NetworkInfo { return hb.netInfo }

// Epoch returns the epoch the instance will decide next.
func (hb *HoneyBadger) Epoch() uint64 { return hb.epoch }

// HasInput reports whether the local contribution for the current epoch
// has been proposed.
func (hb *HoneyBadger) HasInput() bool { return hb.hasInput }

// ReceivedProposals returns the number of distinct proposals held for the
// current epoch, the local one included.
func (hb *HoneyBadger) ReceivedProposals() int { return len(hb.proposals) }

// SkipToEpoch advances the instance to the given epoch, discarding all
// state of earlier epochs. Moving backwards is a no-op.
func (hb *HoneyBadger) SkipToEpoch(epoch uint64) {
	if epoch <= hb.epoch {
		return
	}
	hb.epoch = epoch
	hb.reset()
}

func (hb *HoneyBadger) reset() {
	hb.hasInput = false
	hb.sentCommit = false
	hb.proposals = make(map[NodeID][]byte)
	hb.commits = make(map[NodeID]string)
}

// Propose inputs the local contribution for the current epoch and
// broadcasts it.
func (hb *HoneyBadger) Propose(contribution []byte) (Step, error) {
	var step Step
	if _, ok := hb.netInfo.OurIndex(); !ok {
		return step, ErrNotValidator
	}
	if hb.hasInput {
		return step, ErrAlreadyProposed
	}
	hb.hasInput = true
	hb.proposals[hb.netInfo.OurID()] = append([]byte(nil), contribution...)
	step.Messages = append(step.Messages, TargetedMessage{
		Target:  TargetAllExcept(hb.netInfo.OurID()),
		Message: Msg{Epoch: hb.epoch, Kind: MsgProposal, Payload: append([]byte(nil), contribution...)},
	})
	hb.tryProgress(&step)
	return step, nil
}

// HandleMessage feeds a peer message into the instance. Messages for
// decided epochs are silently dropped; messages for future epochs must be
// buffered by the caller and are rejected here.
func (hb *HoneyBadger) HandleMessage(sender NodeID, msg Msg) (Step, error) {
	var step Step
	if !hb.netInfo.IsValidator(sender) {
		return step, ErrUnknownSender
	}
	if msg.Epoch < hb.epoch {
		return step, nil
	}
	if msg.Epoch > hb.epoch {
		return step, ErrFutureEpoch
	}

	switch msg.Kind {
	case MsgProposal:
		if prev, ok := hb.proposals[sender]; ok {
			if string(prev) != string(msg.Payload) {
				step.Faults = append(step.Faults, Fault{Sender: sender, Reason: "conflicting proposal"})
			}
			return step, nil
		}
		hb.proposals[sender] = append([]byte(nil), msg.Payload...)
	case MsgCommit:
		key, err := hb.commitKey(msg.Members)
		if err != nil {
			step.Faults = append(step.Faults, Fault{Sender: sender, Reason: err.Error()})
			return step, nil
		}
		if prev, ok := hb.commits[sender]; ok {
			if prev != key {
				step.Faults = append(step.Faults, Fault{Sender: sender, Reason: "conflicting commit"})
			}
			return step, nil
		}
		hb.commits[sender] = key
	default:
		step.Faults = append(step.Faults, Fault{Sender: sender, Reason: "unknown message kind"})
		return step, nil
	}

	hb.tryProgress(&step)
	return step, nil
}

// commitKey canonicalizes a commit member list, validating bounds, order
// and the minimum subset size.
func (hb *HoneyBadger) commitKey(members []uint64) (string, error) {
	n := hb.netInfo.NumNodes()
	if len(members) < n-hb.netInfo.NumFaulty() {
		return "", fmt.Errorf("commit subset of %d below threshold", len(members))
	}
	var sb strings.Builder
	for i, m := range members {
		if m >= uint64(n) {
			return "", fmt.Errorf("commit member index %d out of range", m)
		}
		if i > 0 && members[i-1] >= m {
			return "", fmt.Errorf("commit member list not strictly ascending")
		}
		fmt.Fprintf(&sb, "%d,", m)
	}
	return sb.String(), nil
}

// tryProgress emits a commit once enough proposals are held and decides
// the epoch when agreement is reached.
func (hb *HoneyBadger) tryProgress(step *Step) {
	n := hb.netInfo.NumNodes()
	f := hb.netInfo.NumFaulty()

	// Unanimity: every validator's proposal is present.
	if len(hb.proposals) == n {
		hb.decide(step, hb.heldMembers())
		return
	}

	if len(hb.proposals) >= n-f && !hb.sentCommit {
		members := hb.heldMembers()
		key, err := hb.commitKey(members)
		if err == nil {
			hb.sentCommit = true
			hb.commits[hb.netInfo.OurID()] = key
			step.Messages = append(step.Messages, TargetedMessage{
				Target:  TargetAllExcept(hb.netInfo.OurID()),
				Message: Msg{Epoch: hb.epoch, Kind: MsgCommit, Members: members},
			})
		}
	}

	// Quorum: f+1 identical commits whose members are all held locally.
	counts := make(map[string]int)
	for _, key := range hb.commits {
		counts[key]++
	}
	for key, count := range counts {
		if count < f+1 {
			continue
		}
		members, ok := hb.membersIfHeld(key)
		if !ok {
			continue
		}
		hb.decide(step, members)
		return
	}
}

// heldMembers returns the sorted validator indexes of currently held
// proposals.
func (hb *HoneyBadger) heldMembers() []uint64 {
	members := make([]uint64, 0, len(hb.proposals))
	for id := range hb.proposals {
		idx, _ := hb.netInfo.Index(id)
		members = append(members, uint64(idx))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// membersIfHeld parses a canonical commit key and reports whether every
// member's proposal is held locally.
func (hb *HoneyBadger) membersIfHeld(key string) ([]uint64, bool) {
	parts := strings.Split(strings.TrimSuffix(key, ","), ",")
	members := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		var m uint64
		fmt.Sscanf(p, "%d", &m)
		id, ok := hb.netInfo.NodeAt(int(m))
		if !ok {
			return nil, false
		}
		if _, held := hb.proposals[id]; !held {
			return nil, false
		}
		members = append(members, m)
	}
	return members, true
}

// decide outputs the batch for the current epoch and advances to the next.
func (hb *HoneyBadger) decide(step *Step, members []uint64) {
	contributions := make(map[NodeID][]byte, len(members))
	for _, m := range members {
		id, _ := hb.netInfo.NodeAt(int(m))
		contributions[id] = hb.proposals[id]
	}
	step.Output = append(step.Output, Batch{Epoch: hb.epoch, Contributions: contributions})
	hb.epoch++
	hb.reset()
}

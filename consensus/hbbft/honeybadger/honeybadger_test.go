package honeybadger

import (
	"errors"
	"fmt"
	"testing"
)

func testNodeID(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

// newTestNetwork creates n instances sharing one validator set, without
// threshold key material (not needed for agreement).
func newTestNetwork(n int) []*HoneyBadger {
	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = testNodeID(byte(i + 1))
	}
	SortNodeIDs(ids)
	nodes := make([]*HoneyBadger, n)
	for i := range nodes {
		nodes[i] = New(NewNetworkInfo(ids[i], nil, nil, ids))
	}
	return nodes
}

// deliverAll drains all step messages into the other instances until the
// network is quiet, collecting every output batch per node.
func deliverAll(t *testing.T, nodes []*HoneyBadger, initial []Step) map[int][]Batch {
	t.Helper()
	outputs := make(map[int][]Batch)
	type envelope struct {
		from NodeID
		to   NodeID
		msg  Msg
	}
	var queue []envelope
	push := func(from NodeID, step Step) {
		all := nodes[0].NetworkInfo().AllIDs()
		for _, m := range step.Messages {
			for _, to := range m.Target.Recipients(all, from) {
				queue = append(queue, envelope{from: from, to: to, msg: m.Message})
			}
		}
	}
	byID := make(map[NodeID]int)
	for i, node := range nodes {
		byID[node.NetworkInfo().OurID()] = i
	}
	for i, step := range initial {
		outputs[i] = append(outputs[i], step.Output...)
		push(nodes[i].NetworkInfo().OurID(), step)
	}
	for len(queue) > 0 {
		env := queue[0]
		queue = queue[1:]
		receiver := byID[env.to]
		step, err := nodes[receiver].HandleMessage(env.from, env.msg)
		if err != nil {
			t.Fatalf("node %d handling message from %s: %v", receiver, env.from, err)
		}
		outputs[receiver] = append(outputs[receiver], step.Output...)
		push(env.to, step)
	}
	return outputs
}

func TestSingleNodeImmediateOutput(t *testing.T) {
	nodes := newTestNetwork(1)
	step, err := nodes[0].Propose([]byte("solo contribution"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(step.Output) != 1 {
		t.Fatalf("expected immediate output, got %d batches", len(step.Output))
	}
	batch := step.Output[0]
	if batch.Epoch != 0 {
		t.Fatalf("unexpected epoch: have %d want 0", batch.Epoch)
	}
	if len(batch.Contributions) != 1 {
		t.Fatalf("unexpected contribution count: %d", len(batch.Contributions))
	}
	if string(batch.Contributions[nodes[0].NetworkInfo().OurID()]) != "solo contribution" {
		t.Fatal("contribution does not round-trip through the batch")
	}
	if nodes[0].Epoch() != 1 {
		t.Fatalf("epoch did not advance: %d", nodes[0].Epoch())
	}
}

func TestFourNodesAgreeOnBatch(t *testing.T) {
	nodes := newTestNetwork(4)
	steps := make([]Step, len(nodes))
	for i, node := range nodes {
		step, err := node.Propose([]byte(fmt.Sprintf("contribution-%d", i)))
		if err != nil {
			t.Fatalf("node %d propose: %v", i, err)
		}
		steps[i] = step
	}
	outputs := deliverAll(t, nodes, steps)

	var reference *Batch
	for i := range nodes {
		if len(outputs[i]) != 1 {
			t.Fatalf("node %d: expected one batch, got %d", i, len(outputs[i]))
		}
		batch := outputs[i][0]
		if len(batch.Contributions) < 3 { // N-f = 3
			t.Fatalf("node %d: batch below N-f contributions: %d", i, len(batch.Contributions))
		}
		if reference == nil {
			reference = &batch
			continue
		}
		if len(batch.Contributions) != len(reference.Contributions) {
			t.Fatalf("node %d: batch size differs", i)
		}
		for id, c := range reference.Contributions {
			if string(batch.Contributions[id]) != string(c) {
				t.Fatalf("node %d: contribution of %s differs", i, id)
			}
		}
	}
}

func TestEpochsStrictlyIncreasing(t *testing.T) {
	nodes := newTestNetwork(1)
	var epochs []uint64
	for i := 0; i < 3; i++ {
		step, err := nodes[0].Propose([]byte{byte(i)})
		if err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
		for _, batch := range step.Output {
			epochs = append(epochs, batch.Epoch)
		}
	}
	if len(epochs) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(epochs))
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i] <= epochs[i-1] {
			t.Fatalf("batch epochs not strictly increasing: %v", epochs)
		}
	}
}

func TestFutureEpochRejected(t *testing.T) {
	nodes := newTestNetwork(2)
	sender := nodes[1].NetworkInfo().OurID()
	_, err := nodes[0].HandleMessage(sender, Msg{Epoch: 5, Kind: MsgProposal, Payload: []byte("x")})
	if !errors.Is(err, ErrFutureEpoch) {
		t.Fatalf("expected ErrFutureEpoch, got %v", err)
	}
}

func TestStaleMessageIgnored(t *testing.T) {
	nodes := newTestNetwork(2)
	nodes[0].SkipToEpoch(7)
	sender := nodes[1].NetworkInfo().OurID()
	step, err := nodes[0].HandleMessage(sender, Msg{Epoch: 3, Kind: MsgProposal, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("stale message must not error: %v", err)
	}
	if len(step.Messages) != 0 || len(step.Output) != 0 {
		t.Fatal("stale message must produce an empty step")
	}
	if nodes[0].ReceivedProposals() != 0 {
		t.Fatal("stale proposal must not be stored")
	}
}

func TestUnknownSenderRejected(t *testing.T) {
	nodes := newTestNetwork(2)
	_, err := nodes[0].HandleMessage(testNodeID(0xEE), Msg{Epoch: 0, Kind: MsgProposal})
	if !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}

func TestConflictingProposalIsFault(t *testing.T) {
	nodes := newTestNetwork(3)
	sender := nodes[1].NetworkInfo().OurID()
	if _, err := nodes[0].HandleMessage(sender, Msg{Epoch: 0, Kind: MsgProposal, Payload: []byte("a")}); err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	step, err := nodes[0].HandleMessage(sender, Msg{Epoch: 0, Kind: MsgProposal, Payload: []byte("b")})
	if err != nil {
		t.Fatalf("conflicting proposal must not error: %v", err)
	}
	if len(step.Faults) != 1 || step.Faults[0].Sender != sender {
		t.Fatalf("expected one fault from %s, got %+v", sender, step.Faults)
	}
}

func TestDoubleProposeRejected(t *testing.T) {
	nodes := newTestNetwork(2)
	if _, err := nodes[0].Propose([]byte("a")); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := nodes[0].Propose([]byte("b")); !errors.Is(err, ErrAlreadyProposed) {
		t.Fatalf("expected ErrAlreadyProposed, got %v", err)
	}
}

func TestSkipToEpochClearsInput(t *testing.T) {
	nodes := newTestNetwork(2)
	if _, err := nodes[0].Propose([]byte("a")); err != nil {
		t.Fatalf("propose: %v", err)
	}
	nodes[0].SkipToEpoch(3)
	if nodes[0].HasInput() {
		t.Fatal("input flag must reset on epoch skip")
	}
	if nodes[0].ReceivedProposals() != 0 {
		t.Fatal("proposals must reset on epoch skip")
	}
}

func TestTargetRecipients(t *testing.T) {
	a, b, c := testNodeID(1), testNodeID(2), testNodeID(3)
	all := []NodeID{a, b, c}

	got := TargetNodes(b, c).Recipients(all, a)
	if len(got) != 2 || got[0] != b || got[1] != c {
		t.Fatalf("TargetNodes: got %v", got)
	}
	// Self is excluded even when addressed explicitly.
	got = TargetNodes(a, b).Recipients(all, a)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("TargetNodes incl. self: got %v", got)
	}
	got = TargetAllExcept(c).Recipients(all, a)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("TargetAllExcept: got %v", got)
	}
}

package crdt

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/amaydixit11/meshd/internal/core"
)

const iterations = 50

func newRNG(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	t.Logf("seed: %d", seed)
	return rand.New(rand.NewSource(seed))
}

// randomStates draws from a shared id space so replicas overlap, with
// continuous last_seen values so ties do not occur
func randomStates(rng *rand.Rand) map[string]core.NodeState {
	out := map[string]core.NodeState{}
	for i, n := 0, 1+rng.Intn(8); i < n; i++ {
		id := fmt.Sprintf("node-%d", rng.Intn(12))
		out[id] = core.NodeState{
			NodeID:   id,
			Status:   core.StatusOnline,
			LastSeen: rng.Float64() * 1e9,
			Version:  int64(rng.Intn(1000)),
		}
	}
	return out
}

// chatPool builds a pool of messages replicas sample from, so two
// replicas holding the same id hold the same message
func chatPool(rng *rand.Rand, size int) []core.ChatMessage {
	pool := make([]core.ChatMessage, size)
	for i := range pool {
		pool[i] = core.ChatMessage{
			ID:        fmt.Sprintf("msg-%03d", i),
			NodeID:    fmt.Sprintf("node-%d", rng.Intn(5)),
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: rng.Float64() * 1e9,
		}
	}
	return pool
}

func sampleChat(rng *rand.Rand, pool []core.ChatMessage) []core.ChatMessage {
	var out []core.ChatMessage
	for _, m := range pool {
		if rng.Intn(2) == 0 {
			out = append(out, m)
		}
	}
	return out
}

// randomSnippets draws versions of a shared id space with distinct
// updated_at values
func randomSnippets(rng *rand.Rand) []core.Snippet {
	var out []core.Snippet
	seen := map[string]bool{}
	for i, n := 0, 1+rng.Intn(8); i < n; i++ {
		id := fmt.Sprintf("snip-%d", rng.Intn(10))
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, core.Snippet{
			ID:       id,
			Category: core.CategoryNote,
			Title:    fmt.Sprintf("title %d", i),
			Fields: []core.SnippetField{
				{Key: "note", Value: fmt.Sprintf("value %d", i)},
			},
			CreatedAt: float64(100 + rng.Intn(50)),
			UpdatedAt: rng.Float64() * 1e9,
			Deleted:   rng.Intn(5) == 0,
		})
	}
	return out
}

func snippetsByID(snips []core.Snippet) map[string]core.Snippet {
	out := make(map[string]core.Snippet, len(snips))
	for _, s := range snips {
		out[s.ID] = s
	}
	return out
}

func randomNodes(rng *rand.Rand) map[string]core.NodeRecord {
	statuses := []core.TrustStatus{
		core.TrustPending, core.TrustTrusted,
		core.TrustWaitingApproval, core.TrustKicked,
	}
	out := map[string]core.NodeRecord{}
	for i, n := 0, 1+rng.Intn(8); i < n; i++ {
		id := fmt.Sprintf("node-%d", rng.Intn(12))
		rec := core.NodeRecord{
			NodeID:       id,
			Name:         id,
			Mode:         core.ModeFull,
			RegisteredAt: rng.Float64() * 1e9,
			TrustStatus:  statuses[rng.Intn(len(statuses))],
		}
		if rec.TrustStatus == core.TrustKicked {
			rec.KickedAt = rng.Float64() * 1e9
		}
		out[id] = rec
	}
	return out
}

func TestMergeStatesCommutative(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		a, b := randomStates(rng), randomStates(rng)
		ab, _ := MergeStates(a, b)
		ba, _ := MergeStates(b, a)
		if !reflect.DeepEqual(ab, ba) {
			t.Fatalf("iteration %d: A+B != B+A\nA+B: %v\nB+A: %v", i, ab, ba)
		}
	}
}

func TestMergeStatesAssociative(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		a, b, c := randomStates(rng), randomStates(rng), randomStates(rng)
		ab, _ := MergeStates(a, b)
		abc1, _ := MergeStates(ab, c)
		bc, _ := MergeStates(b, c)
		abc2, _ := MergeStates(a, bc)
		if !reflect.DeepEqual(abc1, abc2) {
			t.Fatalf("iteration %d: (A+B)+C != A+(B+C)", i)
		}
	}
}

func TestMergeStatesIdempotent(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		a := randomStates(rng)
		aa, changed := MergeStates(a, a)
		if changed {
			t.Fatalf("iteration %d: A+A reported a change", i)
		}
		if !reflect.DeepEqual(aa, a) {
			t.Fatalf("iteration %d: A+A != A", i)
		}
	}
}

func TestMergeChatCommutative(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		pool := chatPool(rng, 20)
		a, b := sampleChat(rng, pool), sampleChat(rng, pool)
		ab, _ := MergeChat(a, b, 0)
		ba, _ := MergeChat(b, a, 0)
		if !reflect.DeepEqual(ab, ba) {
			t.Fatalf("iteration %d: A+B != B+A", i)
		}
	}
}

func TestMergeChatIdempotent(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		pool := chatPool(rng, 20)
		a := sampleChat(rng, pool)
		aa, added := MergeChat(a, a, 0)
		if len(added) != 0 {
			t.Fatalf("iteration %d: A+A reported %d new messages", i, len(added))
		}
		if len(aa) != len(a) {
			t.Fatalf("iteration %d: A+A has %d messages, want %d", i, len(aa), len(a))
		}
	}
}

func TestMergeChatCapKeepsNewest(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		pool := chatPool(rng, 30)
		a, b := sampleChat(rng, pool), sampleChat(rng, pool)
		merged, _ := MergeChat(a, b, 10)
		if len(merged) > 10 {
			t.Fatalf("iteration %d: cap exceeded, %d messages", i, len(merged))
		}
		for j := 1; j < len(merged); j++ {
			if merged[j].Timestamp < merged[j-1].Timestamp {
				t.Fatalf("iteration %d: merged chat out of order", i)
			}
		}
	}
}

func TestMergeSnippetsCommutative(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		a, b := randomSnippets(rng), randomSnippets(rng)
		ab, _ := MergeSnippets(a, b)
		ba, _ := MergeSnippets(b, a)
		if !reflect.DeepEqual(ab, ba) {
			t.Fatalf("iteration %d: A+B != B+A\nA+B: %v\nB+A: %v", i, ab, ba)
		}
	}
}

func TestMergeSnippetsIdempotent(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		a := randomSnippets(rng)
		aa, changed := MergeSnippets(a, a)
		if changed {
			t.Fatalf("iteration %d: A+A reported a change", i)
		}
		if !reflect.DeepEqual(snippetsByID(aa), snippetsByID(a)) {
			t.Fatalf("iteration %d: A+A != A", i)
		}
	}
}

func TestMergeNodesIdempotent(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		a := randomNodes(rng)
		aa, changed := MergeNodes(a, a, "self")
		if changed {
			t.Fatalf("iteration %d: A+A reported a change", i)
		}
		if !reflect.DeepEqual(aa, a) {
			t.Fatalf("iteration %d: A+A != A", i)
		}
	}
}

// A kick is absorbing: whatever order replicas exchange deltas in, a
// key that was ever kicked ends kicked everywhere.
func TestMergeNodesKickDominatesAnyOrder(t *testing.T) {
	rng := newRNG(t)
	for i := 0; i < iterations; i++ {
		replicas := []map[string]core.NodeRecord{
			randomNodes(rng), randomNodes(rng), randomNodes(rng),
		}
		kicked := map[string]bool{}
		for _, r := range replicas {
			for id, rec := range r {
				if rec.TrustStatus == core.TrustKicked {
					kicked[id] = true
				}
			}
		}

		acc := replicas[rng.Intn(3)]
		for _, j := range rng.Perm(3) {
			acc, _ = MergeNodes(acc, replicas[j], "self")
		}
		for id := range kicked {
			if rec, ok := acc[id]; ok && rec.TrustStatus != core.TrustKicked {
				t.Fatalf("iteration %d: %s escaped the kick, status %s", i, id, rec.TrustStatus)
			}
		}
	}
}

// Approval propagation converges: a replica holding pending and one
// holding trusted agree on trusted no matter who merges into whom.
func TestMergeNodesTrustConverges(t *testing.T) {
	pending := map[string]core.NodeRecord{
		"n1": {NodeID: "n1", TrustStatus: core.TrustPending, RegisteredAt: 200},
	}
	trusted := map[string]core.NodeRecord{
		"n1": {NodeID: "n1", TrustStatus: core.TrustTrusted, RegisteredAt: 100},
	}

	ab, _ := MergeNodes(pending, trusted, "self")
	ba, _ := MergeNodes(trusted, pending, "self")
	if ab["n1"].TrustStatus != core.TrustTrusted {
		t.Fatalf("pending+trusted: got %s", ab["n1"].TrustStatus)
	}
	if ba["n1"].TrustStatus != core.TrustTrusted {
		t.Fatalf("trusted+pending: got %s", ba["n1"].TrustStatus)
	}
}

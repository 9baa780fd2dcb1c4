package auditchain_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/auditchain"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

var ctx = context.Background()

func appendN(t *testing.T, l *auditchain.MemoryLog, n int) []*auditchain.Entry {
	t.Helper()
	var out []*auditchain.Entry
	for i := 0; i < n; i++ {
		e, err := l.Append(ctx, auditchain.Event{
			TenantID: "tenant_a",
			Subject:  "stl_1",
			Action:   "escrow.hold",
			Actor:    "settlement-service",
			Data:     map[string]any{"seq": i},
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewMemoryLog_genesisEntry(t *testing.T) {
	l := auditchain.NewMemoryLog()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}
	e, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Action != "genesis" || e.Hash != auditchain.GenesisHash {
		t.Errorf("genesis: got %+v", e)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
	if root, _ := l.Root(ctx); root != auditchain.GenesisHash {
		t.Errorf("Root() on genesis-only: got %q, want GenesisHash", root)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := auditchain.NewMemoryLog()
	es := appendN(t, l, 2)

	if es[1].PrevHash != es[0].Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", es[1].PrevHash, es[0].Hash)
	}
	if es[0].PrevHash != auditchain.GenesisHash {
		t.Errorf("first entry should chain to genesis, got %q", es[0].PrevHash)
	}
	want, _ := canonical.HashHex(map[string]any{"seq": 0})
	if es[0].DataHash != want {
		t.Errorf("DataHash: got %q, want %q", es[0].DataHash, want)
	}
	if root, _ := l.Root(ctx); root != es[1].Hash {
		t.Errorf("Root(): got %q, want %q", root, es[1].Hash)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestAppend_requiresAction(t *testing.T) {
	l := auditchain.NewMemoryLog()
	if _, err := l.Append(ctx, auditchain.Event{TenantID: "tenant_a"}); err == nil {
		t.Error("expected error for missing action")
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	l := auditchain.NewMemoryLog()
	appendN(t, l, 3)
	l.Tamper(2, func(e *auditchain.Entry) { e.Actor = "mallory" })
	if err := l.Verify(ctx); err == nil {
		t.Error("Verify() passed on a tampered chain")
	}
}

func TestGet_outOfRange(t *testing.T) {
	l := auditchain.NewMemoryLog()
	if _, err := l.Get(ctx, 5); !errors.Is(err, auditchain.ErrOutOfRange) {
		t.Errorf("got %v, want ErrOutOfRange", err)
	}
}

func TestCheckpoint_provesEveryEntry(t *testing.T) {
	l := auditchain.NewMemoryLog()
	es := appendN(t, l, 5)

	b, err := auditchain.Checkpoint(ctx, l, "tenant_a", 1, 6, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.LeafCount != 5 {
		t.Fatalf("LeafCount = %d, want 5", b.LeafCount)
	}
	if err := artifact.ValidateBatchCommitment(b); err != nil {
		t.Fatalf("ValidateBatchCommitment: %v", err)
	}
	for i, e := range es {
		p, err := auditchain.EntryProof(b, 1, e.Index)
		if err != nil {
			t.Fatal(err)
		}
		if !artifact.VerifyBatchInclusion(e.Hash, p, b.MerkleRoot) {
			t.Errorf("entry %d not proven included", i)
		}
	}
	if _, err := auditchain.Checkpoint(ctx, l, "tenant_a", 3, 3, nil); err == nil {
		t.Error("expected error for empty range")
	}
}

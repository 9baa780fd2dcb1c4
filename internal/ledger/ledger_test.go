package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/ledger"
)

func p(account string, amount int64) ledger.Posting {
	return ledger.Posting{Account: account, AmountCents: amount}
}

func entry(id string, postings ...ledger.Posting) ledger.JournalEntry {
	return ledger.JournalEntry{
		EntryID:   id,
		TenantID:  "tenant_a",
		Memo:      "test",
		Postings:  postings,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestJournalEntry_Validate(t *testing.T) {
	cases := []struct {
		name    string
		e       ledger.JournalEntry
		wantErr bool
	}{
		{"balanced", entry("e1", p("a", -5), p("b", 5)), false},
		{"three legs", entry("e1", p("a", -5), p("b", 3), p("c", 2)), false},
		{"unbalanced", entry("e1", p("a", -5), p("b", 4)), true},
		{"single posting", entry("e1", p("a", 0)), true},
		{"zero posting", entry("e1", p("a", 0), p("b", 0)), true},
		{"missing account", entry("e1", p("", -1), p("b", 1)), true},
		{"missing id", entry("", p("a", -1), p("b", 1)), true},
	}
	for _, tc := range cases {
		err := tc.e.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: got err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
	if err := entry("e1", p("a", -5), p("b", 4)).Validate(); !errors.Is(err, ledger.ErrUnbalanced) {
		t.Errorf("got %v, want ErrUnbalanced", err)
	}
}

func TestMemoryStore_applyMovesBalances(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()

	err := s.WithinTx(ctx, []string{"a", "b"}, func(tx ledger.Tx) error {
		return tx.Apply(ctx, entry("e1", p("acct:a", -700), p("acct:b", 700)))
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	a, _ := s.Balance(ctx, "acct:a")
	b, _ := s.Balance(ctx, "acct:b")
	if a != -700 || b != 700 {
		t.Errorf("got a=%d b=%d, want -700/700", a, b)
	}

	all, _ := s.Balances(ctx, "acct:")
	var sum int64
	for _, v := range all {
		sum += v
	}
	if sum != 0 {
		t.Errorf("sum of balances = %d, want 0", sum)
	}
}

func TestMemoryStore_rollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, nil, func(tx ledger.Tx) error {
		if err := tx.Apply(ctx, entry("e1", p("x", -1), p("y", 1))); err != nil {
			return err
		}
		if err := tx.PutOperation(ctx, ledger.OperationRecord{TenantID: "tenant_a", OperationID: "op1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	if b, _ := s.Balance(ctx, "y"); b != 0 {
		t.Errorf("balance after rollback = %d, want 0", b)
	}
	entries, _ := s.Entries(ctx, "tenant_a")
	if len(entries) != 0 {
		t.Errorf("entries after rollback = %d, want 0", len(entries))
	}
	_ = s.WithinTx(ctx, nil, func(tx ledger.Tx) error {
		rec, err := tx.GetOperation(ctx, "tenant_a", "op1")
		if err != nil || rec != nil {
			t.Errorf("operation after rollback = %+v, %v", rec, err)
		}
		return nil
	})
}

func TestMemoryStore_txSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	_ = s.WithinTx(ctx, nil, func(tx ledger.Tx) error {
		if err := tx.Apply(ctx, entry("e1", p("x", -3), p("y", 3))); err != nil {
			t.Fatal(err)
		}
		if b, _ := tx.Balance(ctx, "y"); b != 3 {
			t.Errorf("staged balance = %d, want 3", b)
		}
		if err := tx.PutOperation(ctx, ledger.OperationRecord{TenantID: "t", OperationID: "op"}); err != nil {
			t.Fatal(err)
		}
		if rec, _ := tx.GetOperation(ctx, "t", "op"); rec == nil {
			t.Error("staged operation not visible")
		}
		return nil
	})
}

func TestMemoryStore_duplicates(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	e := entry("e1", p("x", -1), p("y", 1))

	if err := s.WithinTx(ctx, nil, func(tx ledger.Tx) error { return tx.Apply(ctx, e) }); err != nil {
		t.Fatal(err)
	}
	err := s.WithinTx(ctx, nil, func(tx ledger.Tx) error { return tx.Apply(ctx, e) })
	if !errors.Is(err, ledger.ErrDuplicateEntry) {
		t.Errorf("got %v, want ErrDuplicateEntry", err)
	}

	rec := ledger.OperationRecord{TenantID: "t", OperationID: "op"}
	if err := s.WithinTx(ctx, nil, func(tx ledger.Tx) error { return tx.PutOperation(ctx, rec) }); err != nil {
		t.Fatal(err)
	}
	err = s.WithinTx(ctx, nil, func(tx ledger.Tx) error { return tx.PutOperation(ctx, rec) })
	if !errors.Is(err, ledger.ErrDuplicateOperation) {
		t.Errorf("got %v, want ErrDuplicateOperation", err)
	}
}

func TestMemoryStore_entriesFilteredByTenant(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	other := entry("e2", p("x", -1), p("y", 1))
	other.TenantID = "tenant_b"
	_ = s.WithinTx(ctx, nil, func(tx ledger.Tx) error {
		if err := tx.Apply(ctx, entry("e1", p("x", -1), p("y", 1))); err != nil {
			return err
		}
		return tx.Apply(ctx, other)
	})
	got, _ := s.Entries(ctx, "tenant_a")
	if len(got) != 1 || got[0].EntryID != "e1" {
		t.Errorf("got %+v, want only e1", got)
	}
}

package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/escrow"
	"github.com/jmerrifield20/nexus-settlement/internal/ledger"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

const tenant = "tenant_a"

func newService(t *testing.T) (*escrow.Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	return escrow.NewService(store, zap.NewNop()), store
}

func op(id string, typ escrow.OperationType, payer, payee string, amount int64) escrow.Operation {
	return escrow.Operation{
		TenantID:      tenant,
		OperationID:   id,
		Type:          typ,
		PayerWalletID: payer,
		PayeeWalletID: payee,
		AmountCents:   amount,
		Currency:      "USD",
	}
}

func mustApply(t *testing.T, svc *escrow.Service, o escrow.Operation) *escrow.Result {
	t.Helper()
	res, err := svc.Apply(context.Background(), o)
	if err != nil {
		t.Fatalf("Apply %s: %v", o.OperationID, err)
	}
	return res
}

func balance(t *testing.T, svc *escrow.Service, wallet string) *escrow.WalletBalance {
	t.Helper()
	b, err := svc.WalletBalance(context.Background(), tenant, wallet, "USD")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestApply_holdReleaseForfeit(t *testing.T) {
	svc, _ := newService(t)
	mustApply(t, svc, op("op_credit", escrow.OpCredit, "payer", "", 10000))
	mustApply(t, svc, op("op_hold", escrow.OpHold, "payer", "", 10000))

	b := balance(t, svc, "payer")
	if b.AvailableCents != 0 || b.EscrowLockedCents != 10000 {
		t.Fatalf("after hold: got %+v", b)
	}

	mustApply(t, svc, op("op_release", escrow.OpRelease, "payer", "payee", 7500))
	mustApply(t, svc, op("op_forfeit", escrow.OpForfeit, "payer", "", 2500))

	b = balance(t, svc, "payer")
	if b.AvailableCents != 2500 || b.EscrowLockedCents != 0 {
		t.Errorf("payer after settle: got %+v, want 2500/0", b)
	}
	if p := balance(t, svc, "payee"); p.AvailableCents != 7500 {
		t.Errorf("payee available = %d, want 7500", p.AvailableCents)
	}
}

func TestApply_conservesTotalBalance(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	ops := []escrow.Operation{
		op("c1", escrow.OpCredit, "w1", "", 5000),
		op("c2", escrow.OpCredit, "w2", "", 3000),
		op("h1", escrow.OpHold, "w1", "", 4000),
		op("h2", escrow.OpHold, "w2", "", 3000),
		op("r1", escrow.OpRelease, "w1", "w2", 1500),
		op("f1", escrow.OpForfeit, "w1", "", 2500),
		op("r2", escrow.OpRelease, "w2", "w1", 3000),
	}
	for _, o := range ops {
		mustApply(t, svc, o)
		all, err := svc.TenantBalances(ctx, tenant)
		if err != nil {
			t.Fatal(err)
		}
		var sum int64
		for _, v := range all {
			sum += v
		}
		if sum != 0 {
			t.Fatalf("after %s: balances sum to %d, want 0", o.OperationID, sum)
		}
	}
}

func TestApply_replayIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	mustApply(t, svc, op("c1", escrow.OpCredit, "payer", "", 1000))

	first := mustApply(t, svc, op("h1", escrow.OpHold, "payer", "", 600))
	again := op("h1", escrow.OpHold, "payer", "", 600)
	again.Memo = "retry"
	second := mustApply(t, svc, again)

	if !first.Applied || second.Applied {
		t.Errorf("applied flags: first=%v second=%v, want true/false", first.Applied, second.Applied)
	}
	if first.EntryID != second.EntryID || first.RequestHash != second.RequestHash {
		t.Errorf("replay returned a different result: %+v vs %+v", first, second)
	}
	if b := balance(t, svc, "payer"); b.EscrowLockedCents != 600 {
		t.Errorf("escrow after replay = %d, want 600", b.EscrowLockedCents)
	}
	entries, _ := store.Entries(context.Background(), tenant)
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
}

func TestApply_conflictingReplay(t *testing.T) {
	svc, _ := newService(t)
	mustApply(t, svc, op("c1", escrow.OpCredit, "payer", "", 1000))
	mustApply(t, svc, op("h1", escrow.OpHold, "payer", "", 600))

	_, err := svc.Apply(context.Background(), op("h1", escrow.OpHold, "payer", "", 700))
	if !bizerr.Is(err, bizerr.EscrowOperationConflict) {
		t.Errorf("got %v, want %s", err, bizerr.EscrowOperationConflict)
	}
}

func TestApply_insufficientFunds(t *testing.T) {
	svc, _ := newService(t)
	mustApply(t, svc, op("c1", escrow.OpCredit, "payer", "", 100))

	_, err := svc.Apply(context.Background(), op("h1", escrow.OpHold, "payer", "", 101))
	if !bizerr.Is(err, bizerr.InsufficientWalletAvailable) {
		t.Errorf("hold: got %v, want %s", err, bizerr.InsufficientWalletAvailable)
	}

	mustApply(t, svc, op("h2", escrow.OpHold, "payer", "", 50))
	_, err = svc.Apply(context.Background(), op("r1", escrow.OpRelease, "payer", "payee", 51))
	if !bizerr.Is(err, bizerr.InsufficientEscrowLocked) {
		t.Errorf("release: got %v, want %s", err, bizerr.InsufficientEscrowLocked)
	}
	_, err = svc.Apply(context.Background(), op("f1", escrow.OpForfeit, "payer", "", 51))
	if !bizerr.Is(err, bizerr.InsufficientEscrowLocked) {
		t.Errorf("forfeit: got %v, want %s", err, bizerr.InsufficientEscrowLocked)
	}

	// A rejected operation id is not burned.
	if res := mustApply(t, svc, op("h1", escrow.OpHold, "payer", "", 50)); !res.Applied {
		t.Error("retry after insufficient funds was not applied")
	}
}

func TestApply_rejectsInvalidOperations(t *testing.T) {
	svc, _ := newService(t)
	cases := []escrow.Operation{
		op("bad id!", escrow.OpHold, "payer", "", 1),
		op("o1", "transfer", "payer", "", 1),
		op("o1", escrow.OpHold, "payer", "", 0),
		op("o1", escrow.OpRelease, "payer", "", 1),
		op("o1", escrow.OpHold, "payer", "payee", 1),
	}
	for _, o := range cases {
		if _, err := svc.Apply(context.Background(), o); !errors.Is(err, validate.ErrInvalidInput) {
			t.Errorf("%+v: got %v, want ErrInvalidInput", o, err)
		}
	}
}

func TestApply_concurrentHoldsNeverOverdraw(t *testing.T) {
	svc, _ := newService(t)
	mustApply(t, svc, op("c1", escrow.OpCredit, "payer", "", 1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Apply(context.Background(), op(fmt.Sprintf("h%d", i), escrow.OpHold, "payer", "", 100))
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			} else if !bizerr.Is(err, bizerr.InsufficientWalletAvailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if applied != 10 {
		t.Errorf("applied holds = %d, want 10", applied)
	}
	b := balance(t, svc, "payer")
	if b.AvailableCents != 0 || b.EscrowLockedCents != 1000 {
		t.Errorf("got %+v, want 0/1000", b)
	}
}

func TestRequestHash_ignoresMemo(t *testing.T) {
	a := op("o1", escrow.OpHold, "payer", "", 100)
	b := a
	b.Memo = "note"
	ha, _ := escrow.RequestHash(a)
	hb, _ := escrow.RequestHash(b)
	if ha != hb {
		t.Errorf("memo changed request hash: %s vs %s", ha, hb)
	}
	b.AmountCents = 101
	if hc, _ := escrow.RequestHash(b); hc == ha {
		t.Error("amount did not change request hash")
	}
}

func TestApply_colonIDsStayInTheirTenant(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	victim := escrow.Operation{
		TenantID: "acme:eu", OperationID: "c1", Type: escrow.OpCredit,
		PayerWalletID: "w1", AmountCents: 5000, Currency: "USD",
	}
	mustApply(t, svc, victim)

	// Same joined text, different tenant and wallet split.
	_, err := svc.Apply(ctx, escrow.Operation{
		TenantID: "acme", OperationID: "h1", Type: escrow.OpHold,
		PayerWalletID: "eu:w1", AmountCents: 5000, Currency: "USD",
	})
	if !bizerr.Is(err, bizerr.InsufficientWalletAvailable) {
		t.Fatalf("cross-tenant hold: got %v, want %s", err, bizerr.InsufficientWalletAvailable)
	}

	b, err := svc.WalletBalance(ctx, "acme:eu", "w1", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if b.AvailableCents != 5000 || b.EscrowLockedCents != 0 {
		t.Errorf("victim balance: got %+v, want 5000/0", b)
	}

	all, err := svc.TenantBalances(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("TenantBalances(acme): got %v, want none", all)
	}
	if escrow.AvailableAccount("acme", "eu:w1", "USD") == escrow.AvailableAccount("acme:eu", "w1", "USD") {
		t.Error("account keys collide")
	}
}

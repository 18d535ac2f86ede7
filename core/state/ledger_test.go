package state

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
)

func addr(b byte) common.Address {
	var a common.Address
	a[len(a)-1] = b
	return a
}

type kvRecord struct {
	Name  string
	Count uint64
}

func TestLedgerTransferAndAllowance(t *testing.T) {
	l := NewLedger()
	token, alice, bob, spender := addr(1), addr(2), addr(3), addr(4)

	if err := l.Mint(token, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(token, alice, bob, big.NewInt(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf(token, bob); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected bob balance 30, got %s", got)
	}
	if err := l.Transfer(token, bob, alice, big.NewInt(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := l.TransferFrom(token, spender, alice, bob, big.NewInt(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := l.Approve(token, alice, spender, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(token, spender, alice, bob, big.NewInt(20)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance(token, alice, spender); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected remaining allowance 30, got %s", got)
	}
	if got := l.TotalSupply(token); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected supply 100, got %s", got)
	}
	if err := l.Burn(token, bob, big.NewInt(50)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.TotalSupply(token); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected supply 50 after burn, got %s", got)
	}
}

func TestLedgerRejectsNegativeAmounts(t *testing.T) {
	l := NewLedger()
	if err := l.Mint(addr(1), addr(2), big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := l.Mint(addr(1), addr(2), huge); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestLedgerRevertRestoresEverything(t *testing.T) {
	l := NewLedger()
	token, alice, bob := addr(1), addr(2), addr(3)
	if err := l.Mint(token, alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.KVPut([]byte("k"), kvRecord{Name: "before", Count: 1}); err != nil {
		t.Fatalf("kv put: %v", err)
	}

	snap := l.Snapshot()
	if err := l.Transfer(token, alice, bob, big.NewInt(4)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Mint(token, bob, big.NewInt(7)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(token, alice, bob, big.NewInt(3)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.KVPut([]byte("k"), kvRecord{Name: "after", Count: 2}); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	if err := l.KVPut([]byte("fresh"), kvRecord{Name: "new"}); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	l.Emit(events.WhitelistUpdated{Vault: alice, Kind: "user", Account: bob, Added: true})

	if err := l.RevertToSnapshot(snap); err != nil {
		t.Fatalf("revert: %v", err)
	}

	if got := l.BalanceOf(token, alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected alice balance 10, got %s", got)
	}
	if got := l.BalanceOf(token, bob); got.Sign() != 0 {
		t.Fatalf("expected bob balance 0, got %s", got)
	}
	if got := l.TotalSupply(token); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected supply 10, got %s", got)
	}
	if got := l.Allowance(token, alice, bob); got.Sign() != 0 {
		t.Fatalf("expected allowance cleared, got %s", got)
	}
	var rec kvRecord
	ok, err := l.KVGet([]byte("k"), &rec)
	if err != nil || !ok || rec.Name != "before" || rec.Count != 1 {
		t.Fatalf("expected original kv record, got %+v ok=%v err=%v", rec, ok, err)
	}
	if ok, _ := l.KVGet([]byte("fresh"), nil); ok {
		t.Fatalf("expected fresh key removed on revert")
	}
	if n := len(l.Events()); n != 0 {
		t.Fatalf("expected events discarded, got %d", n)
	}
	if err := l.RevertToSnapshot(snap); !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot on reuse, got %v", err)
	}
}

func TestLedgerExecuteNestedUnits(t *testing.T) {
	l := NewLedger()
	token, alice, bob := addr(1), addr(2), addr(3)
	if err := l.Mint(token, alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	boom := errors.New("boom")

	err := l.Execute(context.Background(), func(ctx context.Context) error {
		if err := l.Transfer(token, alice, bob, big.NewInt(2)); err != nil {
			return err
		}
		if !l.InUnit(ctx) {
			t.Fatalf("expected context to be marked as inside a unit")
		}
		inner := l.Execute(ctx, func(context.Context) error {
			if err := l.Transfer(token, alice, bob, big.NewInt(5)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(inner, boom) {
			t.Fatalf("expected inner error, got %v", inner)
		}
		if got := l.BalanceOf(token, bob); got.Cmp(big.NewInt(2)) != 0 {
			t.Fatalf("expected inner unit reverted to 2, got %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer unit: %v", err)
	}
	if got := l.BalanceOf(token, bob); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected committed balance 2, got %s", got)
	}

	err = l.Execute(context.Background(), func(context.Context) error {
		if err := l.Transfer(token, alice, bob, big.NewInt(8)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := l.BalanceOf(token, alice); got.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("expected alice balance 8 after revert, got %s", got)
	}
}

func TestSubscribersOnlySeeCommittedEvents(t *testing.T) {
	l := NewLedger()
	vault, user := addr(1), addr(2)
	events1, cancel := l.Subscribe(4)
	defer cancel()

	_ = l.Execute(context.Background(), func(context.Context) error {
		l.Emit(events.WhitelistUpdated{Vault: vault, Kind: "user", Account: user, Added: true})
		return errors.New("revert")
	})
	select {
	case evt := <-events1:
		t.Fatalf("reverted event delivered: %+v", evt)
	default:
	}

	err := l.Execute(context.Background(), func(context.Context) error {
		l.Emit(events.WhitelistUpdated{Vault: vault, Kind: "user", Account: user, Added: true})
		select {
		case <-events1:
			t.Fatalf("event delivered before the unit committed")
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case evt := <-events1:
		if evt.Type != events.TypeWhitelistUpdated {
			t.Fatalf("unexpected event %s", evt.Type)
		}
	default:
		t.Fatalf("committed event not delivered")
	}

	cancel()
	if _, open := <-events1; open {
		t.Fatalf("expected channel closed after cancel")
	}
	l.Emit(events.WhitelistUpdated{Vault: vault, Kind: "user", Account: user})
}

func TestLedgerWritesOutsideSnapshotsAreNotJournaled(t *testing.T) {
	l := NewLedger()
	token, alice, bob := addr(1), addr(2), addr(3)
	for range 100 {
		if err := l.Mint(token, alice, big.NewInt(1)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	if err := l.Approve(token, alice, bob, big.NewInt(5)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.KVPut([]byte("k"), kvRecord{Name: "base"}); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	if err := l.KVDelete([]byte("k")); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	if n := len(l.journal); n != 0 {
		t.Fatalf("expected empty journal outside snapshots, got %d entries", n)
	}

	snap := l.Snapshot()
	if err := l.Transfer(token, alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(l.journal) == 0 {
		t.Fatalf("expected writes journaled while a snapshot is open")
	}
	if err := l.RevertToSnapshot(snap); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got := l.BalanceOf(token, alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected alice balance 100, got %s", got)
	}
	if got := l.Allowance(token, alice, bob); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected allowance 5, got %s", got)
	}
	if n := len(l.journal); n != 0 {
		t.Fatalf("expected journal drained after revert, got %d entries", n)
	}
}

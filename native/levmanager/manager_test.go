package levmanager

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/state"
	"levlend/storage"
)

type stubEngine struct {
	addr       common.Address
	collateral common.Address
}

func (s stubEngine) Address() common.Address    { return s.addr }
func (s stubEngine) Collateral() common.Address { return s.collateral }

var (
	admin    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	intruder = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	lpToken  = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	steth    = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	engineA  = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	engineB  = common.HexToAddress("0x0000000000000000000000000000000000000e02")
)

func TestSetOverwritesAndRemoveClears(t *testing.T) {
	ledger := state.NewLedger()
	mgr := New(ledger, admin)
	mgr.SetEmitter(ledger)

	if _, ok, err := mgr.GetLevSwapper(lpToken); err != nil || ok {
		t.Fatalf("expected empty registry, ok=%v err=%v", ok, err)
	}
	if err := mgr.SetLevSwapper(admin, lpToken, engineA); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := mgr.SetLevSwapper(admin, lpToken, engineB); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := mgr.GetLevSwapper(lpToken)
	if err != nil || !ok || got != engineB {
		t.Fatalf("expected engine B, got %s ok=%v err=%v", got.Hex(), ok, err)
	}
	if err := mgr.SetLevSwapper(admin, steth, engineA); err != nil {
		t.Fatalf("set second collateral: %v", err)
	}
	entries, err := mgr.ListLevSwappers()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Collateral != lpToken || entries[1].Collateral != steth {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := mgr.RemoveLevSwapper(admin, lpToken); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mgr.RemoveLevSwapper(admin, lpToken); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, ok, _ := mgr.GetLevSwapper(lpToken); ok {
		t.Fatalf("collateral still registered after removal")
	}
	if entries, _ := mgr.ListLevSwappers(); len(entries) != 1 {
		t.Fatalf("expected one entry left, got %+v", entries)
	}
	updates := 0
	for _, evt := range ledger.Events() {
		if evt.Type == "levmanager.updated" {
			updates++
		}
	}
	if updates != 4 {
		t.Fatalf("expected 4 registry events, got %d", updates)
	}
}

func TestOnlyAdminWrites(t *testing.T) {
	mgr := New(storage.NewKVStore(storage.NewMemDB(), "lev/"), admin)
	if err := mgr.SetLevSwapper(intruder, lpToken, engineA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized set, got %v", err)
	}
	if err := mgr.SetLevSwapper(admin, lpToken, engineA); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := mgr.RemoveLevSwapper(intruder, lpToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized remove, got %v", err)
	}
	if err := mgr.SetLevSwapper(admin, common.Address{}, engineA); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestResolveReturnsAttachedEngine(t *testing.T) {
	mgr := New(storage.NewKVStore(storage.NewMemDB(), "lev/"), admin)
	if _, err := mgr.Resolve(lpToken); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
	if err := mgr.SetLevSwapper(admin, lpToken, engineA); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := mgr.Resolve(lpToken); !errors.Is(err, ErrEngineNotLoaded) {
		t.Fatalf("expected engine not loaded, got %v", err)
	}
	mgr.Attach(stubEngine{addr: engineA, collateral: lpToken})
	engine, err := mgr.Resolve(lpToken)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if engine.Address() != engineA {
		t.Fatalf("resolved wrong engine %s", engine.Address().Hex())
	}

	mgr.Attach(stubEngine{addr: engineB, collateral: steth})
	if err := mgr.SetLevSwapper(admin, lpToken, engineB); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := mgr.Resolve(lpToken); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected mismatched engine rejection, got %v", err)
	}
}

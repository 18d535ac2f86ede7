package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"levlend/native/leverage"
	"levlend/native/router"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a0004")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000a0005")
	lp    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(MemoryDSN())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	j.SetClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
	return j
}

func enterRow(user common.Address, err error) *Operation {
	res := &leverage.EnterResult{
		OperationID:  uuid.NewString(),
		FlashAmount:  big.NewInt(2_000_000),
		Premium:      big.NewInt(1_800),
		Deposited:    big.NewInt(2_990_000),
		Borrowed:     big.NewInt(2_001_800),
		HealthFactor: big.NewInt(1_380_000_000_000_000_000),
	}
	call := EnterCall{User: user, Collateral: lp, BorrowAsset: usdc, Principal: big.NewInt(1_000_000), LeverageBps: 30_000}
	if err != nil {
		return FromEnter(call, nil, err)
	}
	return FromEnter(call, res, nil)
}

func TestRecordAndGet(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	op := enterRow(alice, nil)
	wantID := op.ID
	if wantID == uuid.Nil {
		t.Fatalf("engine operation id not kept")
	}
	if err := j.Record(ctx, op); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := j.Get(ctx, wantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != OutcomeCommitted || got.DebtMoved != "2001800" || got.LeverageBps != 30_000 {
		t.Fatalf("unexpected row %+v", got)
	}
	if !Verify(got) {
		t.Fatalf("digest does not verify after reload")
	}
	got.DebtMoved = "1"
	if Verify(got) {
		t.Fatalf("expected edited row to fail verification")
	}

	if _, err := j.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordRejectsMalformedRows(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Record(context.Background(), &Operation{Kind: "swap", Outcome: OutcomeCommitted}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected invalid kind error, got %v", err)
	}
	if err := j.Record(context.Background(), &Operation{Kind: KindExit}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected invalid outcome error, got %v", err)
	}
	if _, err := Open(" "); !errors.Is(err, ErrDSNRequired) {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestRevertedRowsCarryErrorKind(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	slip := fmt.Errorf("swap: %w", router.ErrSlippageExceeded)
	op := FromExit(ExitCall{User: bob, Collateral: lp, BorrowAsset: usdc, Repay: big.NewInt(5), Withdraw: big.NewInt(7)}, nil, slip)
	if err := j.Record(ctx, op); err != nil {
		t.Fatalf("record: %v", err)
	}
	rows, err := j.List(ctx, Filter{Outcome: OutcomeReverted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one reverted row, got %d", len(rows))
	}
	row := rows[0]
	if row.ErrorKind != string(leverage.KindSlippage) || row.FlashAmount != "5" || row.Principal != "7" || row.Kind != KindExit {
		t.Fatalf("unexpected reverted row %+v", row)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for _, op := range []*Operation{
		enterRow(alice, nil),
		enterRow(bob, nil),
		enterRow(alice, leverage.ErrNotWhitelisted),
	} {
		if err := j.Record(ctx, op); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	rows, err := j.List(ctx, Filter{User: alice})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows for alice, got %d", len(rows))
	}
	if !rows[0].CreatedAt.After(rows[1].CreatedAt) {
		t.Fatalf("expected newest first: %v then %v", rows[0].CreatedAt, rows[1].CreatedAt)
	}
	if rows[0].ErrorKind != string(leverage.KindAdmission) {
		t.Fatalf("expected newest row to be the rejected entry, got %+v", rows[0])
	}

	limited, err := j.List(ctx, Filter{Kind: KindEnter, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestExportParquet(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for _, user := range []common.Address{alice, bob} {
		if err := j.Record(ctx, enterRow(user, nil)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "exports", "operations.parquet")
	n, err := j.ExportParquet(ctx, path, Filter{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows exported, got %d", n)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	magic := []byte("PAR1")
	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatalf("export is not a parquet file")
	}
}

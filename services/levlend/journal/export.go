package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID              string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind            string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome         string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	User            string `parquet:"name=user, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral      string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	BorrowAsset     string `parquet:"name=borrow_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	LeverageBps     int64  `parquet:"name=leverage_bps, type=INT64"`
	RouteIndex      int32  `parquet:"name=route_index, type=INT32"`
	Principal       string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	FlashAmount     string `parquet:"name=flash_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Premium         string `parquet:"name=premium, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralMoved string `parquet:"name=collateral_moved, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtMoved       string `parquet:"name=debt_moved, type=BYTE_ARRAY, convertedtype=UTF8"`
	HealthFactor    string `parquet:"name=health_factor, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorKind       string `parquet:"name=error_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest          string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the operations matching f to a Snappy-compressed
// Parquet file at path and returns the number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string, f Filter) (int, error) {
	ops, err := j.List(ctx, f)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("journal: export dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range ops {
		op := &ops[i]
		row := &parquetRow{
			ID:              op.ID.String(),
			Kind:            op.Kind,
			Outcome:         op.Outcome,
			User:            op.User,
			Collateral:      op.Collateral,
			BorrowAsset:     op.BorrowAsset,
			LeverageBps:     int64(op.LeverageBps),
			RouteIndex:      int32(op.RouteIndex),
			Principal:       op.Principal,
			FlashAmount:     op.FlashAmount,
			Premium:         op.Premium,
			CollateralMoved: op.CollateralMoved,
			DebtMoved:       op.DebtMoved,
			HealthFactor:    op.HealthFactor,
			ErrorKind:       op.ErrorKind,
			Digest:          op.Digest,
			CreatedAt:       op.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("journal: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("journal: close parquet file: %w", err)
	}
	return len(ops), nil
}

// Package journal keeps an append-only record of every leverage call the
// service executed, successful or reverted, in a SQLite database.
package journal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

// Kinds of journaled operations.
const (
	KindEnter = "enter"
	KindExit  = "exit"
)

// Outcomes of a journaled operation.
const (
	OutcomeCommitted = "committed"
	OutcomeReverted  = "reverted"
)

const defaultListLimit = 100

var (
	ErrNotFound     = errors.New("journal: operation not found")
	ErrDSNRequired  = errors.New("journal: dsn required")
	ErrInvalidEntry = errors.New("journal: invalid operation")
)

// Operation is one journaled engine call. Amounts are decimal strings of
// base units so no precision is lost in SQLite.
type Operation struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind        string    `gorm:"size:8;index"`
	Outcome     string    `gorm:"size:16;index"`
	User        string    `gorm:"size:42;index"`
	Collateral  string    `gorm:"size:42;index"`
	BorrowAsset string    `gorm:"size:42"`
	LeverageBps uint64
	RouteIndex  int
	// Principal is the collateral principal of an entry or the requested
	// withdrawal of an exit. FlashAmount is the borrow asset flash loan.
	Principal   string `gorm:"size:80"`
	FlashAmount string `gorm:"size:80"`
	Premium     string `gorm:"size:80"`
	// CollateralMoved is the collateral deposited on entry or withdrawn on
	// exit. DebtMoved is the debt opened or repaid.
	CollateralMoved string `gorm:"size:80"`
	DebtMoved       string `gorm:"size:80"`
	HealthFactor    string `gorm:"size:80"`
	ErrorKind       string `gorm:"size:16"`
	Error           string `gorm:"type:text"`
	Digest          string `gorm:"size:64"`
	CreatedAt       time.Time
}

// Journal persists operations through gorm.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the SQLite database at dsn and migrates the schema.
func Open(dsn string) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.AutoMigrate(&Operation{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// FileDSN returns the DSN of an on-disk journal at path.
func FileDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// MemoryDSN returns the DSN of a private in-memory journal.
func MemoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

// SetClock overrides the timestamp source.
func (j *Journal) SetClock(now func() time.Time) {
	if now != nil {
		j.now = now
	}
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stamps op with an id, a timestamp and its digest, then stores it.
// An engine operation id that parses as a UUID is kept as the primary key.
func (j *Journal) Record(ctx context.Context, op *Operation) error {
	if op == nil || (op.Kind != KindEnter && op.Kind != KindExit) {
		return ErrInvalidEntry
	}
	if op.Outcome != OutcomeCommitted && op.Outcome != OutcomeReverted {
		return fmt.Errorf("%w: outcome %q", ErrInvalidEntry, op.Outcome)
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = j.now()
	}
	op.CreatedAt = op.CreatedAt.UTC().Truncate(time.Microsecond)
	op.Digest = Digest(op)
	if err := j.db.WithContext(ctx).Create(op).Error; err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Get loads a single operation.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (*Operation, error) {
	var op Operation
	err := j.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get: %w", err)
	}
	return &op, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	User       common.Address
	Collateral common.Address
	Kind       string
	Outcome    string
	Since      time.Time
	Limit      int
}

// List returns matching operations, newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Operation, error) {
	q := j.db.WithContext(ctx).Model(&Operation{})
	if f.User != (common.Address{}) {
		q = q.Where("user = ?", f.User.Hex())
	}
	if f.Collateral != (common.Address{}) {
		q = q.Where("collateral = ?", f.Collateral.Hex())
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Operation
	if err := q.Order("created_at DESC").Order("id").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Digest is the hex BLAKE3 hash of every field of op except the digest
// itself. Verify recomputes it to detect rows edited outside the service.
func Digest(op *Operation) string {
	fields := []string{
		op.ID.String(),
		op.Kind,
		op.Outcome,
		op.User,
		op.Collateral,
		op.BorrowAsset,
		fmt.Sprint(op.LeverageBps),
		fmt.Sprint(op.RouteIndex),
		op.Principal,
		op.FlashAmount,
		op.Premium,
		op.CollateralMoved,
		op.DebtMoved,
		op.HealthFactor,
		op.ErrorKind,
		op.Error,
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := blake3.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored digest still matches op.
func Verify(op *Operation) bool {
	return op != nil && op.Digest == Digest(op)
}

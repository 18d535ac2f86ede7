package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"levlend/core/events"
)

var (
	ErrUnauthorized     = errors.New("oracle: caller is not the admin")
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	ErrInvalidPrice     = errors.New("oracle: price must be positive")
	ErrStalePrice       = errors.New("oracle: price is stale")
	ErrPriceDeviation   = errors.New("oracle: price deviation exceeds limit")
	ErrUnknownSigner    = errors.New("oracle: signer not authorised")
)

type priceRecord struct {
	price   *big.Int
	updated time.Time
	source  string
}

// Oracle serves 1e18-scaled asset prices. Prices are written either by the
// admin directly or by authorised signers through signed updates.
type Oracle struct {
	mu              sync.RWMutex
	admin           common.Address
	prices          map[common.Address]priceRecord
	signers         map[common.Address]struct{}
	maxAge          time.Duration
	maxDeviationBps uint64
	now             func() time.Time
	emitter         events.Emitter
}

// New constructs an oracle administered by admin.
func New(admin common.Address) *Oracle {
	return &Oracle{
		admin:   admin,
		prices:  make(map[common.Address]priceRecord),
		signers: make(map[common.Address]struct{}),
		now:     time.Now,
		emitter: events.NoopEmitter{},
	}
}

// SetClock overrides the time source used for freshness checks.
func (o *Oracle) SetClock(now func() time.Time) {
	if o == nil || now == nil {
		return
	}
	o.now = now
}

func (o *Oracle) SetEmitter(emitter events.Emitter) {
	if o == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	o.emitter = emitter
}

// SetMaxAge bounds how old a signed price may be. Zero disables the check.
func (o *Oracle) SetMaxAge(maxAge time.Duration) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.maxAge = maxAge
	o.mu.Unlock()
}

// SetMaxDeviationBps bounds how far a signed update may move the last price.
// Zero disables the check. Admin writes are never deviation checked.
func (o *Oracle) SetMaxDeviationBps(bps uint64) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.maxDeviationBps = bps
	o.mu.Unlock()
}

// SetAssetPrice records price for asset. Only the admin may call it.
func (o *Oracle) SetAssetPrice(caller, asset common.Address, price *big.Int) error {
	if caller != o.admin {
		return ErrUnauthorized
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	now := o.now()
	o.prices[asset] = priceRecord{price: new(big.Int).Set(price), updated: now, source: "admin"}
	o.mu.Unlock()
	o.emitter.Emit(events.OraclePrice{Asset: asset, Price: price, Source: "admin", Timestamp: now.Unix()})
	return nil
}

// GetAssetPrice returns the last accepted price for asset.
func (o *Oracle) GetAssetPrice(asset common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	record, ok := o.prices[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset.Hex())
	}
	return new(big.Int).Set(record.price), nil
}

// AuthorizeSigner adds or removes a price signer.
func (o *Oracle) AuthorizeSigner(caller, signer common.Address, allowed bool) error {
	if caller != o.admin {
		return ErrUnauthorized
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if allowed {
		o.signers[signer] = struct{}{}
	} else {
		delete(o.signers, signer)
	}
	return nil
}

// SubmitPriceUpdate verifies a signed update and records it.
func (o *Oracle) SubmitPriceUpdate(update *PriceUpdate) error {
	if update == nil {
		return fmt.Errorf("oracle: update required")
	}
	signer, err := update.Signer()
	if err != nil {
		return err
	}
	o.mu.Lock()
	if _, ok := o.signers[signer]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Hex())
	}
	now := o.now()
	if o.maxAge > 0 && now.Sub(update.Timestamp) > o.maxAge {
		o.mu.Unlock()
		return fmt.Errorf("%w: issued %s", ErrStalePrice, update.Timestamp.UTC().Format(time.RFC3339))
	}
	if prev, ok := o.prices[update.Asset]; ok {
		if !update.Timestamp.After(prev.updated) {
			o.mu.Unlock()
			return fmt.Errorf("%w: not newer than current price", ErrStalePrice)
		}
		if o.maxDeviationBps > 0 && deviationBps(prev.price, update.Price) > o.maxDeviationBps {
			o.mu.Unlock()
			return ErrPriceDeviation
		}
	}
	o.prices[update.Asset] = priceRecord{price: new(big.Int).Set(update.Price), updated: update.Timestamp, source: signer.Hex()}
	o.mu.Unlock()
	o.emitter.Emit(events.OraclePrice{Asset: update.Asset, Price: update.Price, Source: signer.Hex(), Timestamp: update.Timestamp.Unix()})
	return nil
}

func deviationBps(prev, next *big.Int) uint64 {
	if prev == nil || prev.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(next, prev)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, prev)
	if !diff.IsUint64() {
		return ^uint64(0)
	}
	return diff.Uint64()
}

// ParsePrice converts a decimal string such as "1.0025" into a 1e18-scaled
// integer. Prices with more than 18 fractional digits are rejected.
func ParsePrice(value string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("oracle: invalid price %q: %w", value, err)
	}
	if !d.IsPositive() {
		return nil, ErrInvalidPrice
	}
	scaled := d.Shift(18)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("oracle: price %q has more than 18 decimals", value)
	}
	return scaled.BigInt(), nil
}

// FormatPrice renders a 1e18-scaled price as a decimal string.
func FormatPrice(price *big.Int) string {
	if price == nil {
		return "0"
	}
	return decimal.NewFromBigInt(price, -18).String()
}

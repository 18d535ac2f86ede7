package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/types"
)

const (
	// TypeWhitelistUpdated is emitted whenever a vault allow-list changes.
	TypeWhitelistUpdated = "whitelist.updated"
	// TypeLevSwapperUpdated is emitted when the collateral to engine mapping changes.
	TypeLevSwapperUpdated = "levmanager.updated"
	// TypeOraclePrice is emitted when an asset price is accepted.
	TypeOraclePrice = "oracle.price"
)

// WhitelistUpdated records a single allow-list membership change. Kind is
// either "caller" or "user".
type WhitelistUpdated struct {
	Vault   common.Address
	Kind    string
	Account common.Address
	Added   bool
}

func (WhitelistUpdated) EventType() string { return TypeWhitelistUpdated }

func (e WhitelistUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeWhitelistUpdated,
		Attributes: map[string]string{
			"vault":   accountString(e.Vault),
			"kind":    normalizeLabel(e.Kind),
			"account": accountString(e.Account),
			"added":   strconv.FormatBool(e.Added),
		},
	}
}

// LevSwapperUpdated records a registry write. A zero Engine means removal.
type LevSwapperUpdated struct {
	Collateral common.Address
	Engine     common.Address
	Previous   common.Address
}

func (LevSwapperUpdated) EventType() string { return TypeLevSwapperUpdated }

func (e LevSwapperUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeLevSwapperUpdated,
		Attributes: map[string]string{
			"collateral": assetString(e.Collateral),
			"engine":     accountString(e.Engine),
			"previous":   accountString(e.Previous),
		},
	}
}

// OraclePrice records an accepted price. Source is "admin" or the signer.
type OraclePrice struct {
	Asset     common.Address
	Price     *big.Int
	Source    string
	Timestamp int64
}

func (OraclePrice) EventType() string { return TypeOraclePrice }

func (e OraclePrice) Event() *types.Event {
	return &types.Event{
		Type: TypeOraclePrice,
		Attributes: map[string]string{
			"asset":     assetString(e.Asset),
			"price":     amountString(e.Price),
			"source":    normalizeLabel(e.Source),
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/types"
)

const (
	TypeVaultDeposit  = "vault.deposit"
	TypeVaultWithdraw = "vault.withdraw"
)

// VaultAction records collateral routed through a vault into the pool.
type VaultAction struct {
	Action      string
	Vault       common.Address
	Asset       common.Address
	Caller      common.Address
	User        common.Address
	Recipient   common.Address
	Amount      *big.Int
	SlippageBps uint64
}

func (e VaultAction) EventType() string { return e.Action }

func (e VaultAction) Event() *types.Event {
	attrs := map[string]string{
		"vault":  accountString(e.Vault),
		"asset":  assetString(e.Asset),
		"caller": accountString(e.Caller),
		"user":   accountString(e.User),
		"amount": amountString(e.Amount),
	}
	if e.Action == TypeVaultWithdraw {
		attrs["recipient"] = accountString(e.Recipient)
		attrs["slippageBps"] = strconv.FormatUint(e.SlippageBps, 10)
	}
	return &types.Event{Type: e.Action, Attributes: attrs}
}

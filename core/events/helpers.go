package events

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"levlend/crypto"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func accountString(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return crypto.MustEncodeAddress(crypto.LevPrefix, addr)
}

func assetString(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return crypto.MustEncodeAddress(crypto.AssetPrefix, addr)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(trimmed)
}

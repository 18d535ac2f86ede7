package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"levlend/core/types"
)

// journalEntry is a single undoable ledger mutation. Callers hold l.mu.
type journalEntry interface {
	revert(l *Ledger)
}

type (
	balanceChange struct {
		key     holding
		prev    *uint256.Int
		existed bool
	}
	supplyChange struct {
		token   common.Address
		prev    *uint256.Int
		existed bool
	}
	allowanceChange struct {
		key     grant
		prev    *uint256.Int
		existed bool
	}
	kvChange struct {
		key     string
		prev    []byte
		existed bool
	}
	eventAppend struct {
		event *types.Event
	}
)

func (c balanceChange) revert(l *Ledger) {
	if !c.existed {
		delete(l.balances, c.key)
		return
	}
	l.balances[c.key] = c.prev
}

func (c supplyChange) revert(l *Ledger) {
	if !c.existed {
		delete(l.supply, c.token)
		return
	}
	l.supply[c.token] = c.prev
}

func (c allowanceChange) revert(l *Ledger) {
	if !c.existed {
		delete(l.allowances, c.key)
		return
	}
	l.allowances[c.key] = c.prev
}

func (c kvChange) revert(l *Ledger) {
	if !c.existed {
		delete(l.kv, c.key)
		return
	}
	l.kv[c.key] = c.prev
}

func (eventAppend) revert(l *Ledger) {
	if n := len(l.events); n > 0 {
		l.events = l.events[:n-1]
	}
}

package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"levlend/core/events"
	"levlend/core/types"
	"levlend/observability"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInvalidAmount         = errors.New("ledger: amount must not be negative")
	ErrAmountOverflow        = errors.New("ledger: amount overflows 256 bits")
	ErrInvalidSnapshot       = errors.New("ledger: unknown snapshot")
)

type holding struct {
	token common.Address
	owner common.Address
}

type grant struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is the in-process unit of work shared by every protocol component.
// It holds token balances, allowances, the generic RLP key-value space and the
// event log. Every write is journaled so a failed call can be rolled back to
// the snapshot taken at its start.
type Ledger struct {
	mu sync.Mutex

	balances   map[holding]*uint256.Int
	supply     map[common.Address]*uint256.Int
	allowances map[grant]*uint256.Int
	kv         map[string][]byte
	events     []*types.Event

	subscribers []chan *types.Event

	journal   []journalEntry
	revisions []revision
	nextRevID int

	txMu sync.Mutex
}

type revision struct {
	id           int
	journalIndex int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[holding]*uint256.Int),
		supply:     make(map[common.Address]*uint256.Int),
		allowances: make(map[grant]*uint256.Int),
		kv:         make(map[string][]byte),
	}
}

func toU256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return value, nil
}

func cloneU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}

// BalanceOf returns the token balance held by owner.
func (l *Ledger) BalanceOf(token, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[holding{token, owner}]; ok {
		return bal.ToBig()
	}
	return big.NewInt(0)
}

// TotalSupply returns the minted supply of token.
func (l *Ledger) TotalSupply(token common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.supply[token]; ok {
		return s.ToBig()
	}
	return big.NewInt(0)
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[grant{token, owner, spender}]; ok {
		return a.ToBig()
	}
	return big.NewInt(0)
}

func (l *Ledger) balance(h holding) *uint256.Int {
	if bal, ok := l.balances[h]; ok {
		return bal
	}
	return new(uint256.Int)
}

// record journals an undo entry. Writes made while no snapshot is open can
// never be reverted, so they are not kept. Callers hold l.mu.
func (l *Ledger) record(entry journalEntry) {
	if len(l.revisions) > 0 {
		l.journal = append(l.journal, entry)
	}
}

func (l *Ledger) setBalance(h holding, value *uint256.Int) {
	prev, existed := l.balances[h]
	l.record(balanceChange{key: h, prev: cloneU256(prev), existed: existed})
	if value.IsZero() {
		delete(l.balances, h)
		return
	}
	l.balances[h] = value
}

func (l *Ledger) setSupply(token common.Address, value *uint256.Int) {
	prev, existed := l.supply[token]
	l.record(supplyChange{token: token, prev: cloneU256(prev), existed: existed})
	if value.IsZero() {
		delete(l.supply, token)
		return
	}
	l.supply[token] = value
}

func (l *Ledger) setAllowance(g grant, value *uint256.Int) {
	prev, existed := l.allowances[g]
	l.record(allowanceChange{key: g, prev: cloneU256(prev), existed: existed})
	if value.IsZero() {
		delete(l.allowances, g)
		return
	}
	l.allowances[g] = value
}

// Mint credits amount of token to owner and grows the supply.
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	value, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply := new(uint256.Int)
	if s, ok := l.supply[token]; ok {
		supply.Set(s)
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, value)
	if overflow {
		return ErrAmountOverflow
	}
	h := holding{token, to}
	newBal, overflow := new(uint256.Int).AddOverflow(l.balance(h), value)
	if overflow {
		return ErrAmountOverflow
	}
	l.setSupply(token, newSupply)
	l.setBalance(h, newBal)
	return nil
}

// Burn debits amount of token from owner and shrinks the supply.
func (l *Ledger) Burn(token, from common.Address, amount *big.Int) error {
	value, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := holding{token, from}
	bal := l.balance(h)
	if bal.Lt(value) {
		return fmt.Errorf("%w: burn %s of %s", ErrInsufficientBalance, amount, token.Hex())
	}
	supply := new(uint256.Int)
	if s, ok := l.supply[token]; ok {
		supply.Set(s)
	}
	l.setBalance(h, new(uint256.Int).Sub(bal, value))
	l.setSupply(token, new(uint256.Int).Sub(supply, value))
	return nil
}

// Transfer moves amount of token from one owner to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	value, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(token, from, to, value)
}

func (l *Ledger) transferLocked(token, from, to common.Address, value *uint256.Int) error {
	if value.IsZero() || from == to {
		if l.balance(holding{token, from}).Lt(value) {
			return fmt.Errorf("%w: %s holds less than %s", ErrInsufficientBalance, from.Hex(), value.Dec())
		}
		return nil
	}
	src := holding{token, from}
	dst := holding{token, to}
	srcBal := l.balance(src)
	if srcBal.Lt(value) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), srcBal.Dec(), token.Hex(), value.Dec())
	}
	dstBal, overflow := new(uint256.Int).AddOverflow(l.balance(dst), value)
	if overflow {
		return ErrAmountOverflow
	}
	l.setBalance(src, new(uint256.Int).Sub(srcBal, value))
	l.setBalance(dst, dstBal)
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	value, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(grant{token, owner, spender}, value)
	return nil
}

// TransferFrom moves amount from owner to recipient, consuming spender's
// allowance. An owner moving its own funds needs no allowance.
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	value, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if spender != from {
		g := grant{token, from, spender}
		allowed := new(uint256.Int)
		if a, ok := l.allowances[g]; ok {
			allowed.Set(a)
		}
		if allowed.Lt(value) {
			return fmt.Errorf("%w: %s may move %s of %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), token.Hex(), value.Dec())
		}
		if err := l.transferLocked(token, from, to, value); err != nil {
			return err
		}
		l.setAllowance(g, new(uint256.Int).Sub(allowed, value))
		return nil
	}
	return l.transferLocked(token, from, to, value)
}

// KVGet decodes the value stored under key into out.
func (l *Ledger) KVGet(key []byte, out interface{}) (bool, error) {
	l.mu.Lock()
	encoded, ok := l.kv[string(key)]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVPut RLP encodes value under key.
func (l *Ledger) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := string(key)
	prev, existed := l.kv[k]
	l.record(kvChange{key: k, prev: prev, existed: existed})
	l.kv[k] = encoded
	return nil
}

// KVDelete removes key. Deleting an absent key is a no-op.
func (l *Ledger) KVDelete(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := string(key)
	prev, existed := l.kv[k]
	if !existed {
		return nil
	}
	l.record(kvChange{key: k, prev: prev, existed: true})
	delete(l.kv, k)
	return nil
}

// Emit records evt in the event log. Events emitted inside a reverted call are
// discarded together with the rest of its state and only committed events are
// counted in the event metrics.
func (l *Ledger) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, rendered)
	if len(l.revisions) == 0 {
		l.commit(rendered)
		return
	}
	l.journal = append(l.journal, eventAppend{event: rendered})
}

// commit publishes an event that can no longer be reverted. Callers hold l.mu.
func (l *Ledger) commit(evt *types.Event) {
	observability.Events().RecordEvent(evt.Type)
	for _, sub := range l.subscribers {
		select {
		case sub <- evt.Clone():
		default:
			observability.Events().RecordDropped(evt.Type)
		}
	}
}

// Subscribe delivers every committed event to the returned channel. Events
// are dropped for a subscriber whose buffer is full. The cancel function
// closes the channel.
func (l *Ledger) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.Event, buffer)
	l.mu.Lock()
	l.subscribers = append(l.subscribers, ch)
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, sub := range l.subscribers {
				if sub == ch {
					l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// Events returns a copy of the recorded events.
func (l *Ledger) Events() []*types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.Event, len(l.events))
	for i, evt := range l.events {
		out[i] = evt.Clone()
	}
	return out
}

// Snapshot returns an identifier for the current state.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextRevID
	l.nextRevID++
	l.revisions = append(l.revisions, revision{id: id, journalIndex: len(l.journal)})
	return id
}

// RevertToSnapshot undoes every change made after the snapshot was taken.
func (l *Ledger) RevertToSnapshot(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := -1
	for i := len(l.revisions) - 1; i >= 0; i-- {
		if l.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSnapshot, id)
	}
	target := l.revisions[idx].journalIndex
	for i := len(l.journal) - 1; i >= target; i-- {
		l.journal[i].revert(l)
	}
	l.journal = l.journal[:target]
	l.revisions = l.revisions[:idx]
	return nil
}

// discardSnapshot drops the snapshot and everything taken after it while
// keeping the changes.
func (l *Ledger) discardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.revisions) - 1; i >= 0; i-- {
		if l.revisions[i].id == id {
			l.revisions = l.revisions[:i]
			break
		}
	}
	if len(l.revisions) == 0 {
		for _, entry := range l.journal {
			if appended, ok := entry.(eventAppend); ok {
				l.commit(appended.event)
			}
		}
		l.journal = l.journal[:0]
	}
}

type unitKey struct{ l *Ledger }

// Execute runs fn as one atomic unit of work. Units started from a context
// that is already inside a unit on this ledger nest: they snapshot and revert
// on their own but share the outer unit's lock. Outermost units are
// serialized across goroutines.
func (l *Ledger) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(unitKey{l}) == nil {
		l.txMu.Lock()
		defer l.txMu.Unlock()
		ctx = context.WithValue(ctx, unitKey{l}, true)
	}
	snap := l.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			_ = l.RevertToSnapshot(snap)
			panic(r)
		}
		if err != nil {
			if revertErr := l.RevertToSnapshot(snap); revertErr != nil {
				err = errors.Join(err, revertErr)
			}
			return
		}
		l.discardSnapshot(snap)
	}()
	return fn(ctx)
}

// InUnit reports whether ctx was derived inside Execute on this ledger.
func (l *Ledger) InUnit(ctx context.Context) bool {
	return ctx != nil && ctx.Value(unitKey{l}) != nil
}

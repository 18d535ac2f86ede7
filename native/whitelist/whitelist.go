// Package whitelist gates vault access by calling contract and by end user.
// Each vault carries two independent sets; an empty set admits everyone.
package whitelist

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
)

var (
	ErrUnauthorized   = errors.New("whitelist: caller is not the admin")
	ErrInvalidAccount = errors.New("whitelist: zero address")
	errNotInitialised = errors.New("whitelist: not initialised")
)

// Kind names one of the two per-vault sets.
type Kind string

const (
	KindCaller Kind = "caller"
	KindUser   Kind = "user"
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

type setCount struct {
	Count uint64
}

// Whitelist persists the per-vault sets through the supplied state accessor.
type Whitelist struct {
	state   registryState
	admin   common.Address
	emitter events.Emitter
}

// New constructs a whitelist administered by admin.
func New(state registryState, admin common.Address) *Whitelist {
	return &Whitelist{state: state, admin: admin, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used for membership changes.
func (w *Whitelist) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		w.emitter = events.NoopEmitter{}
		return
	}
	w.emitter = emitter
}

// Admin returns the account allowed to mutate the sets.
func (w *Whitelist) Admin() common.Address { return w.admin }

// TransferAdmin hands administration to next.
func (w *Whitelist) TransferAdmin(caller, next common.Address) error {
	if err := w.authorize(caller); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return ErrInvalidAccount
	}
	w.admin = next
	return nil
}

func memberKey(vault common.Address, kind Kind, account common.Address) []byte {
	return []byte(fmt.Sprintf("whitelist/%s/%s/member/%s", vault.Hex(), kind, account.Hex()))
}

func countKey(vault common.Address, kind Kind) []byte {
	return []byte(fmt.Sprintf("whitelist/%s/%s/count", vault.Hex(), kind))
}

func (w *Whitelist) authorize(caller common.Address) error {
	if w == nil || w.state == nil {
		return errNotInitialised
	}
	if caller != w.admin {
		return ErrUnauthorized
	}
	return nil
}

func (w *Whitelist) count(vault common.Address, kind Kind) (uint64, error) {
	if w == nil || w.state == nil {
		return 0, errNotInitialised
	}
	var stored setCount
	if _, err := w.state.KVGet(countKey(vault, kind), &stored); err != nil {
		return 0, err
	}
	return stored.Count, nil
}

func (w *Whitelist) contains(vault common.Address, kind Kind, account common.Address) (bool, error) {
	var marker bool
	ok, err := w.state.KVGet(memberKey(vault, kind, account), &marker)
	if err != nil {
		return false, err
	}
	return ok && marker, nil
}

func (w *Whitelist) allowed(vault common.Address, kind Kind, account common.Address) (bool, error) {
	n, err := w.count(vault, kind)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return w.contains(vault, kind, account)
}

// IsCallerAllowed reports whether caller may act on vault. An empty caller set
// admits every caller.
func (w *Whitelist) IsCallerAllowed(vault, caller common.Address) (bool, error) {
	return w.allowed(vault, KindCaller, caller)
}

// IsUserAllowed reports whether user may act on vault. An empty user set
// admits every user.
func (w *Whitelist) IsUserAllowed(vault, user common.Address) (bool, error) {
	return w.allowed(vault, KindUser, user)
}

// CallerCount returns the size of the caller set of vault.
func (w *Whitelist) CallerCount(vault common.Address) (uint64, error) {
	return w.count(vault, KindCaller)
}

// UserCount returns the size of the user set of vault.
func (w *Whitelist) UserCount(vault common.Address) (uint64, error) {
	return w.count(vault, KindUser)
}

func (w *Whitelist) update(caller, vault common.Address, kind Kind, accounts []common.Address, add bool) error {
	if err := w.authorize(caller); err != nil {
		return err
	}
	for _, account := range accounts {
		if account == (common.Address{}) {
			return ErrInvalidAccount
		}
	}
	n, err := w.count(vault, kind)
	if err != nil {
		return err
	}
	changed := false
	for _, account := range accounts {
		present, err := w.contains(vault, kind, account)
		if err != nil {
			return err
		}
		if present == add {
			continue
		}
		if add {
			if err := w.state.KVPut(memberKey(vault, kind, account), true); err != nil {
				return err
			}
			n++
		} else {
			if err := w.state.KVDelete(memberKey(vault, kind, account)); err != nil {
				return err
			}
			n--
		}
		changed = true
		w.emitter.Emit(events.WhitelistUpdated{Vault: vault, Kind: string(kind), Account: account, Added: add})
	}
	if !changed {
		return nil
	}
	if n == 0 {
		return w.state.KVDelete(countKey(vault, kind))
	}
	return w.state.KVPut(countKey(vault, kind), setCount{Count: n})
}

// AddCallerContract admits contract as a caller of vault. Adding an existing
// member is a no-op.
func (w *Whitelist) AddCallerContract(caller, vault, contract common.Address) error {
	return w.update(caller, vault, KindCaller, []common.Address{contract}, true)
}

// RemoveCallerContract drops contract from the caller set of vault.
func (w *Whitelist) RemoveCallerContract(caller, vault, contract common.Address) error {
	return w.update(caller, vault, KindCaller, []common.Address{contract}, false)
}

func (w *Whitelist) AddCallerContracts(caller, vault common.Address, contracts []common.Address) error {
	return w.update(caller, vault, KindCaller, contracts, true)
}

func (w *Whitelist) RemoveCallerContracts(caller, vault common.Address, contracts []common.Address) error {
	return w.update(caller, vault, KindCaller, contracts, false)
}

// AddUser admits user to vault. Adding an existing member is a no-op.
func (w *Whitelist) AddUser(caller, vault, user common.Address) error {
	return w.update(caller, vault, KindUser, []common.Address{user}, true)
}

// RemoveUser drops user from the user set of vault.
func (w *Whitelist) RemoveUser(caller, vault, user common.Address) error {
	return w.update(caller, vault, KindUser, []common.Address{user}, false)
}

func (w *Whitelist) AddUsers(caller, vault common.Address, users []common.Address) error {
	return w.update(caller, vault, KindUser, users, true)
}

func (w *Whitelist) RemoveUsers(caller, vault common.Address, users []common.Address) error {
	return w.update(caller, vault, KindUser, users, false)
}

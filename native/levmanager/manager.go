// Package levmanager maps each collateral asset to the leverage engine that
// serves it.
package levmanager

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
)

var (
	ErrUnauthorized    = errors.New("levmanager: caller is not the admin")
	ErrInvalidAddress  = errors.New("levmanager: zero address")
	ErrNotRegistered   = errors.New("levmanager: no engine for collateral")
	ErrEngineNotLoaded = errors.New("levmanager: engine instance not attached")
	errNotInitialised  = errors.New("levmanager: not initialised")
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Engine is the live engine surface the manager dispatches to.
type Engine interface {
	Address() common.Address
	Collateral() common.Address
}

// Entry is one collateral to engine mapping.
type Entry struct {
	Collateral common.Address
	Engine     common.Address
}

type collateralIndex struct {
	Collaterals []common.Address
}

// Manager persists the collateral to engine mapping and keeps the engine
// instances attached in this process.
type Manager struct {
	state   registryState
	admin   common.Address
	emitter events.Emitter

	mu      sync.RWMutex
	engines map[common.Address]Engine
}

func New(state registryState, admin common.Address) *Manager {
	return &Manager{
		state:   state,
		admin:   admin,
		emitter: events.NoopEmitter{},
		engines: make(map[common.Address]Engine),
	}
}

// SetEmitter configures the event emitter used for registry writes.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// Attach makes engine resolvable by its address. Registration still goes
// through SetLevSwapper.
func (m *Manager) Attach(engine Engine) {
	if engine == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[engine.Address()] = engine
}

var indexKey = []byte("levmanager/index")

func entryKey(collateral common.Address) []byte {
	return []byte(fmt.Sprintf("levmanager/collateral/%s", collateral.Hex()))
}

func (m *Manager) ready() error {
	if m == nil || m.state == nil {
		return errNotInitialised
	}
	return nil
}

// GetLevSwapper returns the engine registered for collateral.
func (m *Manager) GetLevSwapper(collateral common.Address) (common.Address, bool, error) {
	if err := m.ready(); err != nil {
		return common.Address{}, false, err
	}
	var engine common.Address
	ok, err := m.state.KVGet(entryKey(collateral), &engine)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	return engine, true, nil
}

// SetLevSwapper registers engine for collateral, replacing any previous
// engine.
func (m *Manager) SetLevSwapper(caller, collateral, engine common.Address) error {
	if err := m.ready(); err != nil {
		return err
	}
	if caller != m.admin {
		return ErrUnauthorized
	}
	if collateral == (common.Address{}) || engine == (common.Address{}) {
		return ErrInvalidAddress
	}
	previous, existed, err := m.GetLevSwapper(collateral)
	if err != nil {
		return err
	}
	if existed && previous == engine {
		return nil
	}
	if err := m.state.KVPut(entryKey(collateral), engine); err != nil {
		return err
	}
	if !existed {
		if err := m.updateIndex(collateral, true); err != nil {
			return err
		}
	}
	m.emitter.Emit(events.LevSwapperUpdated{Collateral: collateral, Engine: engine, Previous: previous})
	return nil
}

// RemoveLevSwapper clears the engine registered for collateral. Removing an
// unregistered collateral is a no-op.
func (m *Manager) RemoveLevSwapper(caller, collateral common.Address) error {
	if err := m.ready(); err != nil {
		return err
	}
	if caller != m.admin {
		return ErrUnauthorized
	}
	previous, existed, err := m.GetLevSwapper(collateral)
	if err != nil || !existed {
		return err
	}
	if err := m.state.KVDelete(entryKey(collateral)); err != nil {
		return err
	}
	if err := m.updateIndex(collateral, false); err != nil {
		return err
	}
	m.emitter.Emit(events.LevSwapperUpdated{Collateral: collateral, Previous: previous})
	return nil
}

func (m *Manager) updateIndex(collateral common.Address, add bool) error {
	var index collateralIndex
	if _, err := m.state.KVGet(indexKey, &index); err != nil {
		return err
	}
	kept := index.Collaterals[:0]
	for _, c := range index.Collaterals {
		if c != collateral {
			kept = append(kept, c)
		}
	}
	if add {
		kept = append(kept, collateral)
	}
	sort.Slice(kept, func(i, j int) bool { return bytes.Compare(kept[i][:], kept[j][:]) < 0 })
	if len(kept) == 0 {
		return m.state.KVDelete(indexKey)
	}
	return m.state.KVPut(indexKey, collateralIndex{Collaterals: kept})
}

// ListLevSwappers returns every registration ordered by collateral address.
func (m *Manager) ListLevSwappers() ([]Entry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	var index collateralIndex
	if _, err := m.state.KVGet(indexKey, &index); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(index.Collaterals))
	for _, collateral := range index.Collaterals {
		engine, ok, err := m.GetLevSwapper(collateral)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Entry{Collateral: collateral, Engine: engine})
		}
	}
	return out, nil
}

// Resolve returns the attached engine registered for collateral.
func (m *Manager) Resolve(collateral common.Address) (Engine, error) {
	addr, ok, err := m.GetLevSwapper(collateral)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, collateral.Hex())
	}
	m.mu.RLock()
	engine, loaded := m.engines[addr]
	m.mu.RUnlock()
	if !loaded {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotLoaded, addr.Hex())
	}
	if engine.Collateral() != collateral {
		return nil, fmt.Errorf("%w: engine %s serves %s", ErrNotRegistered, addr.Hex(), engine.Collateral().Hex())
	}
	return engine, nil
}

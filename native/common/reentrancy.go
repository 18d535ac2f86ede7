package common

import (
	"errors"
	"sync/atomic"
)

var ErrReentrantCall = errors.New("reentrant call rejected")

// CallGuard admits a single call at a time. A guard may be shared by several
// engines so that none of them can be entered while another is mid-call.
type CallGuard struct {
	entered atomic.Bool
}

// Enter claims the guard. It fails with ErrReentrantCall while another call
// holds it. Every successful Enter must be paired with Exit.
func (g *CallGuard) Enter() error {
	if g == nil {
		return nil
	}
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// Exit releases the guard.
func (g *CallGuard) Exit() {
	if g == nil {
		return
	}
	g.entered.Store(false)
}

// Active reports whether a call currently holds the guard.
func (g *CallGuard) Active() bool {
	return g != nil && g.entered.Load()
}

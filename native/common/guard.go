package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module's entry points are halted.
type PauseView interface {
	IsPaused(module string) bool
}

// StaticPauses is a fixed switchboard, handy for configuration-driven wiring.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool { return s[module] }

// Guard rejects the call when the module is paused. A nil view never pauses.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the operator-controlled pause switches for native
// modules. A nil view means nothing is paused.
type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

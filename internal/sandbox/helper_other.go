//go:build !linux

package sandbox

import "errors"

// The helper is only spawned on Linux; these stubs keep other platforms
// compiling.

func applyRestrictions(*helperSpec) error {
	return errors.New("filesystem isolation is only supported on linux")
}

func execInterpreter(*helperSpec) error {
	return errors.New("filesystem isolation is only supported on linux")
}

//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
)

// applyRestrictions installs the Landlock ruleset on the current process.
// Use RODirs/RWDirs for directories and ROFiles/RWFiles for regular files,
// because Landlock rejects directory access rights on regular files.
func applyRestrictions(spec *helperSpec) error {
	rules := make([]landlock.Rule, 0, len(spec.ReadOnlyPaths)+len(spec.ReadWritePaths))

	for _, path := range spec.ReadOnlyPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			rules = append(rules, landlock.ROFiles(path))
		} else {
			rules = append(rules, landlock.RODirs(path))
		}
	}
	for _, path := range spec.ReadWritePaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			rules = append(rules, landlock.RWFiles(path))
		} else {
			rules = append(rules, landlock.RWDirs(path))
		}
	}

	// Restrict (not RestrictPaths) so V6's network handling stays active:
	// with no net rules granted, all TCP bind and connect is denied.
	if spec.BestEffort {
		return landlock.V6.BestEffort().Restrict(rules...)
	}
	return landlock.V6.Restrict(rules...)
}

func execInterpreter(spec *helperSpec) error {
	binary, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return fmt.Errorf("interpreter %q not found: %w", spec.Argv[0], err)
	}
	if spec.Dir != "" {
		if err := os.Chdir(spec.Dir); err != nil {
			return err
		}
	}
	return syscall.Exec(binary, spec.Argv, os.Environ())
}

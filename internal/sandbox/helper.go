package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	helperEnvVar = "FEHLERSUCHE_SANDBOX_HELPER"
	specEnvVar   = "FEHLERSUCHE_SANDBOX_SPEC"

	// restrictFailedExit signals the parent that the ruleset could not be
	// applied, so it can rerun the snippet without isolation.
	restrictFailedExit = 125
)

// helperSpec is passed from the executor to its re-exec'd helper child via the
// environment. The helper applies the filesystem ruleset to itself and then
// replaces itself with the interpreter.
type helperSpec struct {
	Argv           []string `json:"argv"`
	Dir            string   `json:"dir"`
	BestEffort     bool     `json:"best_effort"`
	ReadOnlyPaths  []string `json:"read_only_paths"`
	ReadWritePaths []string `json:"read_write_paths"`
}

// MaybeRunHelper checks whether this process was spawned as a sandbox helper
// and, if so, runs the helper and exits. Call this first thing in main.
func MaybeRunHelper() {
	if os.Getenv(helperEnvVar) != "1" {
		return
	}

	raw := os.Getenv(specEnvVar)
	var spec helperSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil || len(spec.Argv) == 0 {
		fmt.Fprintf(os.Stderr, "invalid sandbox helper spec: %v\n", err)
		os.Exit(restrictFailedExit)
	}

	os.Unsetenv(helperEnvVar)
	os.Unsetenv(specEnvVar)

	if err := applyRestrictions(&spec); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox restriction failed: %v\n", err)
		os.Exit(restrictFailedExit)
	}

	if err := execInterpreter(&spec); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox exec failed: %v\n", err)
		os.Exit(126)
	}
}

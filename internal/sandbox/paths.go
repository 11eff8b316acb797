package sandbox

import (
	"os"
	"path/filepath"
)

// defaultReadOnlyPaths returns system directories interpreters need to load
// binaries, libraries and configuration from. Only existing paths are
// returned.
func defaultReadOnlyPaths() []string {
	homeDir, _ := os.UserHomeDir()

	candidates := []string{
		"/usr",
		"/bin",
		"/lib",
		"/lib64",
		"/sbin",
		"/etc",
		"/usr/local/bin",
		"/usr/local/lib",
		"/run/current-system/sw", // NixOS
		"/nix/store",
		"/proc/self",
	}
	if homeDir != "" {
		// Interpreter version managers and user installs.
		candidates = append(candidates,
			homeDir,
			filepath.Join(homeDir, ".local", "bin"),
		)
	}

	return existingPaths(candidates)
}

// defaultReadWritePaths returns scratch locations and interpreter caches that
// need write access even for read-only investigations.
func defaultReadWritePaths() []string {
	homeDir, _ := os.UserHomeDir()

	candidates := []string{
		"/dev/null",
		"/dev/zero",
		"/dev/random",
		"/dev/urandom",
		"/dev/stdin",
		"/dev/stdout",
		"/dev/stderr",
		"/tmp",
		"/var/tmp",
		os.TempDir(),
	}
	if homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".cache", "pip"),
			filepath.Join(homeDir, ".npm"),
			filepath.Join(homeDir, ".cache", "node-gyp"),
		)
	}
	for _, envVar := range []string{"VIRTUAL_ENV", "NPM_CONFIG_CACHE", "PIP_CACHE_DIR"} {
		if val := os.Getenv(envVar); val != "" {
			candidates = append(candidates, val)
		}
	}

	return existingPaths(candidates)
}

func existingPaths(candidates []string) []string {
	seen := make(map[string]bool, len(candidates))
	paths := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if p == "" {
			continue
		}
		abs := filepath.Clean(p)
		if seen[abs] {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		seen[abs] = true
		paths = append(paths, abs)
	}
	return paths
}

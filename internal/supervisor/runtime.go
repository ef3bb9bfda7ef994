package supervisor

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"automation/internal/apperrors"
)

// Interpreter executables probed for each runtime name, in order.
var runtimeCandidates = map[string][]string{
	"python": {"python3", "python"},
	"node":   {"node"},
	"bash":   {"bash"},
}

// RuntimeLocator maps runtime names to interpreter paths resolved once at
// startup. It is the only part of the supervisor that probes the host.
type RuntimeLocator struct {
	paths map[string]string
}

// LookPathFunc matches exec.LookPath.
type LookPathFunc func(file string) (string, error)

// ResolveRuntimes probes the host for each runtime name. Explicit overrides
// (name -> path) win over probing. Unresolvable runtimes are logged and
// reported later by Lookup, so a missing interpreter fails the jobs that need
// it rather than the whole service.
func ResolveRuntimes(names []string, overrides map[string]string, lookPath LookPathFunc) *RuntimeLocator {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	l := &RuntimeLocator{paths: make(map[string]string)}

	for _, name := range names {
		if override := overrides[name]; override != "" {
			if path, err := lookPath(override); err == nil {
				l.paths[name] = path
				continue
			}
			slog.Warn("Configured runtime not executable", "runtime", name, "path", override)
			continue
		}

		candidates := runtimeCandidates[name]
		if len(candidates) == 0 {
			candidates = []string{name}
		}
		for _, candidate := range candidates {
			if path, err := lookPath(candidate); err == nil {
				l.paths[name] = path
				break
			}
		}
		if _, ok := l.paths[name]; !ok {
			slog.Warn("Runtime not found on host", "runtime", name, "tried", candidates)
		}
	}
	return l
}

// StaticRuntimes returns a locator with fixed paths.
func StaticRuntimes(paths map[string]string) *RuntimeLocator {
	l := &RuntimeLocator{paths: make(map[string]string, len(paths))}
	for name, path := range paths {
		l.paths[name] = path
	}
	return l
}

// Lookup returns the interpreter path for a runtime name.
func (l *RuntimeLocator) Lookup(name string) (string, error) {
	if path, ok := l.paths[name]; ok {
		return path, nil
	}
	return "", apperrors.RuntimeNotFound(name, remedy(name))
}

// Missing returns the runtime names among want that did not resolve.
func (l *RuntimeLocator) Missing(want []string) []string {
	var missing []string
	for _, name := range want {
		if _, ok := l.paths[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func remedy(name string) string {
	env := "RUNTIME_" + strings.ToUpper(name)
	if candidates := runtimeCandidates[name]; len(candidates) > 0 {
		return fmt.Sprintf("install %s or set %s to the interpreter path", candidates[0], env)
	}
	return fmt.Sprintf("install %s or set %s to the interpreter path", name, env)
}

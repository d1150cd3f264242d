package bootstrap

import (
	"strings"
)

// PackageManager is the JavaScript package manager used to install and run
// the application.
type PackageManager string

const (
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
	NPM  PackageManager = "npm"
)

// Lock files in precedence order.
var lockFiles = []struct {
	name string
	pm   PackageManager
}{
	{"pnpm-lock.yaml", PNPM},
	{"yarn.lock", Yarn},
}

// DetectPackageManager picks the manager from a directory listing. A pnpm
// lock file wins over a yarn lock file; anything else falls back to npm.
func DetectPackageManager(files []string) PackageManager {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[strings.TrimSpace(f)] = true
	}
	for _, lf := range lockFiles {
		if present[lf.name] {
			return lf.pm
		}
	}
	return NPM
}

// EnsureCommand installs the manager globally when it is missing. npm ships
// with node so it never needs installing.
func (pm PackageManager) EnsureCommand() string {
	if pm == NPM {
		return ""
	}
	return ensureGlobal(string(pm))
}

// InstallCommand installs the project's dependencies.
func (pm PackageManager) InstallCommand() string {
	return string(pm) + " install"
}

func ensureGlobal(bin string) string {
	return "command -v " + bin + " >/dev/null 2>&1 || npm install -g " + bin
}

// probeCommand lists whichever lock files exist, one per line.
func probeCommand() string {
	names := make([]string, 0, len(lockFiles)+1)
	for _, lf := range lockFiles {
		names = append(names, lf.name)
	}
	names = append(names, "package-lock.json")
	return "ls -1 " + strings.Join(names, " ") + " 2>/dev/null; true"
}

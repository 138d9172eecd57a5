// Package procname resolves the command names of a process tree. The server
// uses it to classify what is running inside a terminal session (e.g. which
// shell the pty leader spawned).
package procname

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// maxDepth bounds the tree walk so a pathological or cyclic parent/child
// relationship cannot recurse forever.
const maxDepth = 10

// ResolveTree returns the command names of pid and its descendants, parents
// before children, path prefixes stripped. Returns nil for non-positive or
// unknown pids.
func ResolveTree(pid int) []string {
	if pid <= 0 {
		return nil
	}
	var names []string
	walk(pid, 0, &names)
	return names
}

func walk(pid, depth int, names *[]string) {
	if depth >= maxDepth {
		return
	}
	name := commandName(pid)
	if name == "" {
		return
	}
	*names = append(*names, name)
	for _, child := range childPIDs(pid) {
		walk(child, depth+1, names)
	}
}

// commandName resolves a pid to its executable name via ps. Empty string if
// the process is gone.
func commandName(pid int) string {
	out, err := exec.Command("ps", "-o", "comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(string(out))
	// login shells report as "-bash" etc.
	name = strings.TrimPrefix(name, "-")
	return filepath.Base(name)
}

// childPIDs lists direct children of pid. pgrep exits 1 when there are none.
func childPIDs(pid int) []int {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, n)
	}
	return pids
}

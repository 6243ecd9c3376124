// Package git shells out to the git binary for lightweight repository
// introspection. Cove uses it to decorate a session's tracked working
// directory (OSC 7) with branch and dirty state.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Root returns the repository root containing dir, or "" if dir is not
// inside a git repository.
func Root(dir string) string {
	out, err := run(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	return out
}

// Branch returns the current branch name, or a short commit hash when the
// repository is in detached-HEAD state.
func Branch(dir string) (string, error) {
	out, err := run(dir, "symbolic-ref", "--short", "HEAD")
	if err == nil {
		return out, nil
	}
	// Detached HEAD.
	out, err = run(dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return out, nil
}

// DirtyCount returns the number of changed paths reported by git status.
func DirtyCount(dir string) (int, error) {
	out, err := run(dir, "status", "--porcelain")
	if err != nil {
		return 0, fmt.Errorf("git status: %w", err)
	}
	if out == "" {
		return 0, nil
	}
	return len(strings.Split(out, "\n")), nil
}

func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Package gitutil shells out to the git CLI to resolve repository state
// for the auto-link engine, following internal/git/auto.go's own exec.Command
// approach rather than a binding like go-git or git2go. Those bindings do
// appear elsewhere (the original Rust implementation opens the repository
// directly via git2::Repository::discover, and go-git/git2go show up in a
// number of other retrieved repos' go.mod files), but the module this package
// was adapted from already commits to calling the binary, so this package
// does the same.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Commit is the subset of commit metadata the link engine needs.
type Commit struct {
	SHA       string
	Branch    string
	Message   string
	Author    string
	Timestamp time.Time
	Files     []string
}

// RepoRoot returns the absolute working-tree root containing path, or an
// error if path is not inside a git repository.
func RepoRoot(path string) (string, error) {
	out, err := run(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the branch HEAD points at in the repo containing
// path. Detached HEAD returns "HEAD".
func CurrentBranch(path string) (string, error) {
	out, err := run(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitInfo resolves metadata and changed files for one commit, identified
// by ref (a SHA, "HEAD", branch name, etc).
func CommitInfo(repoPath, ref string) (Commit, error) {
	format := "%H|%an|%at|%s"
	out, err := run(repoPath, "show", "-s", "--format="+format, ref)
	if err != nil {
		return Commit{}, fmt.Errorf("resolve commit %s: %w", ref, err)
	}
	fields := strings.SplitN(strings.TrimSpace(out), "|", 4)
	if len(fields) < 4 {
		return Commit{}, fmt.Errorf("unexpected git show output for %s: %q", ref, out)
	}
	unixSeconds, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("parse commit timestamp: %w", err)
	}

	branch, err := branchContaining(repoPath, fields[0])
	if err != nil {
		branch = ""
	}

	files, err := CommitFiles(repoPath, fields[0])
	if err != nil {
		return Commit{}, err
	}

	return Commit{
		SHA:       fields[0],
		Branch:    branch,
		Author:    fields[1],
		Timestamp: time.Unix(unixSeconds, 0).UTC(),
		Message:   fields[3],
		Files:     files,
	}, nil
}

// CommitFiles returns the paths touched by a commit, relative to the repo
// root.
func CommitFiles(repoPath, sha string) ([]string, error) {
	out, err := run(repoPath, "diff-tree", "--root", "--no-commit-id", "--name-only", "-r", sha)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", sha, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// branchContaining returns the first local branch that contains sha, or
// the empty string if none does (a detached or stale ref).
func branchContaining(repoPath, sha string) (string, error) {
	out, err := run(repoPath, "branch", "--contains", sha, "--format=%(refname:short)")
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil
	}
	return lines[0], nil
}

func run(dir, name string, args ...string) (string, error) {
	fullArgs := append([]string{name}, args...)
	cmd := exec.Command("git", fullArgs...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(append([]string{name}, args...), " "), msg)
	}
	return stdout.String(), nil
}

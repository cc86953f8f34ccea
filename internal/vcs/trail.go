// Package vcs is the version trail: a thin wrapper over a git subprocess
// scoped to the workspace root, giving applied changes durability and a
// rollback path. History is append-only; a revert creates a new commit.
package vcs

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes one git command in dir and returns its stdout. The
// indirection exists so tests can fake the subprocess.
type Runner func(dir string, args ...string) (string, error)

func defaultRunner(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}

var (
	ErrNothingToCommit = errors.New("nothing to commit")
	ErrRevertConflict  = errors.New("revert conflict")
)

// Entry is one commit as reported by the log, newest first.
type Entry struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

// CommitResult is the aggregate trail outcome reported back over the
// wire after an apply batch.
type CommitResult struct {
	OK        bool   `json:"ok"`
	Hash      string `json:"hash,omitempty"`
	NoChanges bool   `json:"no_changes,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Trail struct {
	dir    string
	run    Runner
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Trail {
	return NewWithRunner(dir, nil, logger)
}

func NewWithRunner(dir string, run Runner, logger *slog.Logger) *Trail {
	if run == nil {
		run = defaultRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{dir: dir, run: run, logger: logger.With("component", "vcs")}
}

// EnsureRepo initializes a repository at the workspace root if one is
// not already rooted there, and makes sure a commit identity exists so
// commits never fail on a fresh machine. Idempotent.
func (t *Trail) EnsureRepo() error {
	gitDir, err := t.run(t.dir, "rev-parse", "--git-dir")
	if err != nil || strings.TrimSpace(gitDir) != ".git" {
		if _, err := t.run(t.dir, "init"); err != nil {
			return fmt.Errorf("git init: %s", gitMessage(err))
		}
		t.logger.Info("vcs.repo_initialized", "dir", t.dir)
	}
	if email, err := t.run(t.dir, "config", "user.email"); err != nil || strings.TrimSpace(email) == "" {
		if _, err := t.run(t.dir, "config", "user.email", "draftsman@localhost"); err != nil {
			return fmt.Errorf("git config: %s", gitMessage(err))
		}
		if _, err := t.run(t.dir, "config", "user.name", "draftsman"); err != nil {
			return fmt.Errorf("git config: %s", gitMessage(err))
		}
	}
	return nil
}

// Commit stages exactly the given paths (everything when paths is empty)
// and commits, returning the new hash. A commit with nothing staged
// fails with ErrNothingToCommit — recoverable, not fatal to the caller.
func (t *Trail) Commit(paths []string, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		message = "draftsman changes"
	}
	if len(paths) == 0 {
		if _, err := t.run(t.dir, "add", "-A"); err != nil {
			return "", fmt.Errorf("git add: %s", gitMessage(err))
		}
	}
	for _, path := range paths {
		if _, err := t.run(t.dir, "add", "--", path); err != nil {
			// A deleted path that was never tracked matches nothing;
			// there is no history to record for it.
			if strings.Contains(gitMessage(err), "did not match") {
				continue
			}
			return "", fmt.Errorf("git add: %s", gitMessage(err))
		}
	}
	if _, err := t.run(t.dir, "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNothingToCommit
	}
	if _, err := t.run(t.dir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %s", gitMessage(err))
	}
	hash, err := t.run(t.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %s", gitMessage(err))
	}
	hash = strings.TrimSpace(hash)
	t.logger.Info("vcs.committed", "hash", hash, "paths", len(paths))
	return hash, nil
}

// Log returns the most recent limit entries, newest first. An empty
// repository yields an empty list.
func (t *Trail) Log(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := t.run(t.dir, "log", "-n", strconv.Itoa(limit),
		"--pretty=format:%H%x09%an%x09%ad%x09%s", "--date=iso")
	if err != nil {
		// No commits yet is not an error worth surfacing.
		if strings.Contains(gitMessage(err), "does not have any commits") {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("git log: %s", gitMessage(err))
	}
	entries := []Entry{}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		entries = append(entries, Entry{Hash: parts[0], Author: parts[1], Date: parts[2], Subject: parts[3]})
	}
	return entries, nil
}

// Revert creates a new commit undoing the named one. When git cannot
// auto-resolve (the target lines changed again since), the in-progress
// revert is aborted and ErrRevertConflict is returned.
func (t *Trail) Revert(hash string) error {
	if _, err := t.run(t.dir, "revert", "--no-edit", hash); err != nil {
		_, _ = t.run(t.dir, "revert", "--abort")
		return fmt.Errorf("%w: %s", ErrRevertConflict, gitMessage(err))
	}
	t.logger.Info("vcs.reverted", "hash", hash)
	return nil
}

// gitMessage pulls stderr out of an exec failure so errors surface as
// the text git printed rather than "exit status 1".
func gitMessage(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return err.Error()
}

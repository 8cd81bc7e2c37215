// Package vcs drives the external version-control binary through the
// narrow subprocess command interface described in spec.md §6. The
// core never implements its own VCS data structures; every mutating
// operation is a single subprocess invocation whose exit code and
// stderr are the only signal surfaced to callers.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/nerr"
)

// VCS is the narrow capability the rest of the system depends on.
// Every method maps to exactly one of the subprocess commands listed
// in spec.md §6.
type VCS interface {
	CurrentBranch(ctx context.Context) (string, error)
	HeadCommit(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	Checkout(ctx context.Context, name string, create bool, base string) error
	DeleteBranch(ctx context.Context, name string) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	Merge(ctx context.Context, branch, message string) error
	ResetHard(ctx context.Context, ref string) error
	Clean(ctx context.Context) error
	MergeTree(ctx context.Context, target, source string) (string, error)
	BundleCreate(ctx context.Context, file string) error
	BundleVerify(ctx context.Context, file string) error
	DiffNames(ctx context.Context, a, b string) ([]string, error)
	StatusPorcelain(ctx context.Context) (string, error)
}

// Git is the subprocess-backed VCS implementation.
type Git struct {
	Bin        string // default "git"
	Dir        string
	RunTimeout time.Duration // default 60s
}

// New constructs a Git driver rooted at dir.
func New(dir string) *Git {
	return &Git{Bin: "git", Dir: dir, RunTimeout: 60 * time.Second}
}

// run invokes the VCS binary with args in Dir. A non-zero exit is
// surfaced as an Operational error carrying the subprocess's stderr;
// context deadline/cancellation surfaces as Transient so the scheduler
// may retry once per spec.md §7.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.RunTimeout)
	defer cancel()

	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", nerr.New(nerr.KindTransient, "vcs."+args[0], ctx.Err())
	}
	if err != nil {
		return "", nerr.New(nerr.KindOperational, "vcs."+args[0], fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	if name, ok := g.currentBranchFast(); ok {
		return name, nil
	}
	return g.run(ctx, "branch", "--show-current")
}

func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	if hash, ok := g.headCommitFast(); ok {
		return hash, nil
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// currentBranchFast reads HEAD in-process via go-git, skipping a
// subprocess spawn on the common case. Returns ok=false on anything
// that isn't a clean "on a branch" HEAD (detached, unborn, not a
// repo), leaving the subprocess path to produce the real error.
func (g *Git) currentBranchFast() (string, bool) {
	repo, err := git.PlainOpen(g.Dir)
	if err != nil {
		return "", false
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return "", false
	}
	return head.Name().Short(), true
}

func (g *Git) headCommitFast() (string, bool) {
	repo, err := git.PlainOpen(g.Dir)
	if err != nil {
		return "", false
	}
	head, err := repo.Head()
	if err != nil {
		return "", false
	}
	return head.Hash().String(), true
}

func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "rev-parse", ref)
}

func (g *Git) Checkout(ctx context.Context, name string, create bool, base string) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, name)
	if base != "" {
		args = append(args, base)
	}
	_, err := g.run(ctx, args...)
	return err
}

func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "-D", name)
	return err
}

func (g *Git) Add(ctx context.Context, paths ...string) error {
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, paths...)
	}
	_, err := g.run(ctx, args...)
	return err
}

func (g *Git) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "-m", message)
	return err
}

func (g *Git) Merge(ctx context.Context, branch, message string) error {
	_, err := g.run(ctx, "merge", "--no-ff", branch, "-m", message)
	return err
}

func (g *Git) ResetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

func (g *Git) Clean(ctx context.Context) error {
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

func (g *Git) MergeTree(ctx context.Context, target, source string) (string, error) {
	return g.run(ctx, "merge-tree", target, source)
}

func (g *Git) BundleCreate(ctx context.Context, file string) error {
	_, err := g.run(ctx, "bundle", "create", file, "--all")
	return err
}

func (g *Git) BundleVerify(ctx context.Context, file string) error {
	_, err := g.run(ctx, "bundle", "verify", file)
	return err
}

func (g *Git) DiffNames(ctx context.Context, a, b string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", a, b)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *Git) StatusPorcelain(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain")
}

var _ VCS = (*Git)(nil)

// Package git reports the branch and revision of the agent's own source checkout and runs the commands
// the updater needs against it.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Runner executes an external program and returns its trimmed stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs programs with os/exec. Stderr is folded into the returned error.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("%v %v: %w (stderr: %v)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Version identifies the checked out source. Both fields are empty when unknown.
type Version struct {
	Branch   string
	Revision string
}

// Repository is a git working tree at a fixed directory. Every command gets "-C dir" prepended.
type Repository struct {
	dir    string
	runner Runner
}

func NewRepository(dir string, runner Runner) *Repository {
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Repository{dir: dir, runner: runner}
}

func (r *Repository) Dir() string {
	return r.dir
}

// IsRepository reports whether dir has git metadata.
func (r *Repository) IsRepository() bool {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	return err == nil
}

// Run executes a git subcommand in the repository.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, "git", append([]string{"-C", r.dir}, args...)...)
}

// Current returns the checked out branch and short revision. Any failure yields an empty Version, never
// a partial one.
func (r *Repository) Current(ctx context.Context) Version {
	if !r.IsRepository() {
		return Version{}
	}

	branch, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		log.Debugf("Could not read branch: %v", err)
		return Version{}
	}

	revision, err := r.Run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		log.Debugf("Could not read revision: %v", err)
		return Version{}
	}

	if branch == "" || revision == "" {
		return Version{}
	}

	return Version{Branch: branch, Revision: revision}
}

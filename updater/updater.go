package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/victorjacobs/kiosk-mqtt/errcode"
	"github.com/victorjacobs/kiosk-mqtt/git"
)

const systemctl = "/bin/systemctl"

// Updater fast-forwards the agent's checkout on the allowed branch and restarts its service.
type Updater struct {
	repo          *git.Repository
	runner        git.Runner
	allowedBranch string
	serviceName   string
	timeout       time.Duration
	inFlight      *semaphore.Weighted
}

func New(repo *git.Repository, runner git.Runner, allowedBranch, serviceName string, timeout time.Duration) (*Updater, error) {
	if repo == nil {
		return nil, errors.New("updater requires a repository")
	}
	if allowedBranch == "" {
		return nil, errors.New("updater requires an allowed branch")
	}
	if serviceName == "" {
		return nil, errors.New("updater requires a service name")
	}
	if runner == nil {
		runner = git.ExecRunner{}
	}

	return &Updater{
		repo:          repo,
		runner:        runner,
		allowedBranch: allowedBranch,
		serviceName:   serviceName,
		timeout:       timeout,
		inFlight:      semaphore.NewWeighted(1),
	}, nil
}

// Update pulls the allowed branch (fast-forward only) and restarts the service. Only one update runs at
// a time; concurrent calls fail with UpdateInProgress.
func (u *Updater) Update(ctx context.Context) error {
	if !u.inFlight.TryAcquire(1) {
		return errcode.New(errcode.UpdateInProgress, "update", "another update is still running")
	}
	defer u.inFlight.Release(1)

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	if !u.repo.IsRepository() {
		return errcode.New(errcode.NotARepository, "update", fmt.Sprintf("%v is not a git repo", u.repo.Dir()))
	}

	if branch := u.repo.Current(ctx).Branch; branch != u.allowedBranch {
		return errcode.New(errcode.BranchNotAllowed, "update",
			fmt.Sprintf("refusing pull: current branch '%v' != allowed '%v'", branch, u.allowedBranch))
	}

	log.Printf("Pulling %v in %v", u.allowedBranch, u.repo.Dir())

	if _, err := u.repo.Run(ctx, "fetch", "origin", u.allowedBranch); err != nil {
		return u.failed(ctx, "git fetch", err)
	}

	if out, err := u.repo.Run(ctx, "pull", "--ff-only", "origin", u.allowedBranch); err != nil {
		return u.failed(ctx, "git pull", err)
	} else if out != "" {
		log.Printf("git pull: %v", out)
	}

	log.Printf("Restarting %v", u.serviceName)

	if _, err := u.runner.Run(ctx, "sudo", systemctl, "restart", u.serviceName); err != nil {
		return u.failed(ctx, "restart "+u.serviceName, err)
	}

	return nil
}

func (u *Updater) failed(ctx context.Context, step string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.Wrap(errcode.UpdateFailed, "update", fmt.Sprintf("%v timed out after %v", step, u.timeout), err)
	}

	return errcode.Wrap(errcode.UpdateFailed, "update", step, err)
}

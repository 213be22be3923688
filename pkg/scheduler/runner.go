package scheduler

import (
	"context"
	"fmt"

	"github.com/hanuri/parkpass/pkg/browser"
	"github.com/hanuri/parkpass/pkg/logging"
	"github.com/hanuri/parkpass/pkg/portal"
)

// BrowserRunner executes jobs against the live portal: one browser
// session checked out per job, always released before the next job,
// and a runtime restart whenever the browser process reports itself
// closed mid-operation.
type BrowserRunner struct {
	runtime   *browser.Runtime
	store     *portal.SessionStore
	applier   *portal.Applier
	estimator *portal.Estimator
	creds     portal.Credentials
	log       *logging.Logger
}

// NewBrowserRunner wires the production job runner.
func NewBrowserRunner(
	runtime *browser.Runtime,
	store *portal.SessionStore,
	applier *portal.Applier,
	estimator *portal.Estimator,
	creds portal.Credentials,
) *BrowserRunner {
	log, _ := logging.NewLogger("runner")
	return &BrowserRunner{
		runtime:   runtime,
		store:     store,
		applier:   applier,
		estimator: estimator,
		creds:     creds,
		log:       log,
	}
}

// Run checks out a session, executes the job-kind-appropriate
// algorithm, and releases the session. A dead browser process is
// relaunched before the next job; the current job is reported as an
// error, never silently retried.
func (r *BrowserRunner) Run(ctx context.Context, job *Job) portal.Result {
	sess, err := r.runtime.NewSession(ctx, r.store.Path())
	if err != nil {
		r.maybeRestart(ctx, err)
		return portal.Result{
			Code:    portal.CodeError,
			Message: fmt.Sprintf("failed to open browser session: %v", err),
			Err:     err,
		}
	}
	defer r.runtime.Dispose(sess)

	pg := portal.NewPage(sess, r.creds)

	var res portal.Result
	switch job.Kind {
	case CheckFeeOnly:
		est := r.estimator.Estimate(ctx, pg, job.VehicleID, job.EntryTime)
		if est.Success {
			res = portal.Result{Code: portal.CodeSuccess, Message: est.Message}
		} else {
			res = portal.Result{Code: portal.CodeError, Message: est.Message}
		}
	default:
		res = r.applier.Apply(ctx, pg, job.VehicleID)
	}

	r.maybeRestart(ctx, res.Err)
	return res
}

func (r *BrowserRunner) maybeRestart(ctx context.Context, err error) {
	if !browser.IsClosed(err) {
		return
	}
	r.log.Warnf("browser process reported closed, restarting runtime: %v", err)
	if rerr := r.runtime.Restart(ctx); rerr != nil {
		r.log.Errorf("runtime restart failed: %v", rerr)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/scheduler"
)

// awaitTimeout bounds how long a command waits for its outcome. Sign-in and
// pull run longer and pass their own.
const awaitTimeout = 2 * time.Minute

const pollInterval = 100 * time.Millisecond

// newClient returns a daemon client whose owner is unique to this process,
// so concurrent invocations never drain each other's outcomes.
func newClient() *controlplane.Client {
	hostname, _ := os.Hostname()
	return controlplane.NewClient(apiAddr, fmt.Sprintf("cli@%s/%d", hostname, os.Getpid()))
}

// run submits an operation and waits for its outcome. A failed or cancelled
// outcome is returned as an error.
func run(kind scheduler.Kind, payload any, out any) error {
	return runFor(awaitTimeout, kind, payload, out)
}

func runFor(timeout time.Duration, kind scheduler.Kind, payload any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c := newClient()
	h, err := c.Submit(ctx, kind, payload)
	if err != nil {
		return err
	}
	return await(ctx, c, h, out)
}

func await(ctx context.Context, c *controlplane.Client, h scheduler.Handle, out any) error {
	o, err := scheduler.NewPoller(pollInterval, c.Drain).Await(ctx, h.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Leave nothing running that nobody waits for.
			_, _ = c.Cancel(context.Background(), h.ID)
			return fmt.Errorf("operation %d did not finish in time, cancelled", h.ID)
		}
		return err
	}
	if err := outcomeErr(o); err != nil {
		return err
	}
	if out != nil {
		return controlplane.DecodeData(o, out)
	}
	return nil
}

// outcomeErr converts a failed or cancelled outcome to an error.
func outcomeErr(o scheduler.Outcome) error {
	switch o.Status {
	case scheduler.StatusFailed:
		if o.Error == nil {
			return errs.E(errs.KindInternal, string(o.Kind), "operation failed", nil)
		}
		return errs.E(o.Error.Kind, string(o.Kind), o.Error.Message, nil)
	case scheduler.StatusCancelled:
		return errs.E(errs.KindCancelled, string(o.Kind), fmt.Sprintf("operation cancelled (%s)", o.Reason), nil)
	}
	return nil
}

// errMessage renders err for the terminal.
func errMessage(err error) string {
	switch errs.KindOf(err) {
	case errs.KindNetworkTransient:
		return fmt.Sprintf("cannot reach the myme daemon at %s (start it with: myme daemon)", apiAddr)
	case errs.KindUnauthorized:
		return errs.Message(err) + " (sign in with: myme auth login <provider>)"
	}
	return errs.Message(err)
}

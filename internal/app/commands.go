package app

import (
	"context"
	"time"

	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
)

// BackgroundOwner owns the operations submitted by background sync.
const BackgroundOwner = "scheduler"

// Submit enqueues op and returns immediately.
func (r *Registry) Submit(op scheduler.Operation) (scheduler.Handle, error) {
	return r.scheduler.Submit(op)
}

// Drain returns the outcomes published for owner since the last call. It
// never blocks.
func (r *Registry) Drain(owner string) []scheduler.Outcome {
	return r.scheduler.Drain(owner)
}

// Cancel requests cancellation of a queued or running operation.
func (r *Registry) Cancel(id uint64) bool {
	return r.scheduler.Cancel(id)
}

// Changed is signalled whenever an outcome is published.
func (r *Registry) Changed() <-chan struct{} {
	return r.scheduler.Changed()
}

// CheckAuth returns the cached session of provider without any I/O.
func (r *Registry) CheckAuth(provider string) models.AuthSession {
	return r.auth.Check(provider)
}

// Authenticate submits the sign-in flow of provider as an operation of owner.
func (r *Registry) Authenticate(owner, provider string) (scheduler.Handle, error) {
	op, err := scheduler.NewOperation(scheduler.KindAuthenticate, owner, controlplane.AuthenticatePayload{Provider: provider})
	if err != nil {
		return scheduler.Handle{}, err
	}
	return r.scheduler.Submit(op)
}

// SignOut clears provider's session.
func (r *Registry) SignOut(provider string) models.AuthSession {
	return r.auth.SignOut(provider)
}

// Stats reports worker pool statistics.
func (r *Registry) Stats() map[string]interface{} {
	return r.scheduler.Stats()
}

var _ controlplane.Bridge = (*Registry)(nil)

// StartBackgroundSync submits a sync operation for every project each
// interval, under BackgroundOwner, and drains their outcomes into the log.
// A non-positive interval disables it.
func (r *Registry) StartBackgroundSync(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.bgMu.Lock()
	defer r.bgMu.Unlock()
	if r.bgCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.bgCancel = cancel
	r.bgDone = make(chan struct{})

	go func() {
		defer close(r.bgDone)

		poller := scheduler.NewPoller(r.cfg.PollInterval(), scheduler.LocalDrain(r.scheduler, BackgroundOwner))
		polled := make(chan struct{})
		go func() {
			defer close(polled)
			poller.Run(ctx, r.logOutcomes)
		}()
		defer func() { <-polled }()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.syncAll(ctx)
			}
		}
	}()
	r.logger.Info().Dur("interval", interval).Msg("background sync started")
}

// StopBackgroundSync stops the background sync loop, if running.
func (r *Registry) StopBackgroundSync() {
	r.bgMu.Lock()
	cancel, done := r.bgCancel, r.bgDone
	r.bgCancel, r.bgDone = nil, nil
	r.bgMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Registry) syncAll(ctx context.Context) {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("background sync: list projects")
		}
		return
	}
	for _, p := range projects {
		if len(p.LinkedRepoIDs) == 0 {
			continue
		}
		op, err := scheduler.NewOperation(scheduler.KindSync, BackgroundOwner, controlplane.SyncPayload{ProjectID: p.ID})
		if err != nil {
			continue
		}
		if _, err := r.scheduler.Submit(op); err != nil {
			r.logger.Debug().Err(err).Str("project_id", p.ID).Msg("background sync not submitted")
			return
		}
	}
}

func (r *Registry) logOutcomes(batch []scheduler.Outcome) {
	for _, out := range batch {
		ev := r.logger.Info()
		if out.Status != scheduler.StatusSucceeded {
			ev = r.logger.Warn()
		}
		ev = ev.Uint64("op_id", out.OperationID).Str("kind", string(out.Kind)).Str("status", string(out.Status))
		if out.Error != nil {
			ev = ev.Str("error_kind", string(out.Error.Kind)).Str("error", out.Error.Message)
		}
		ev.Msg("background operation finished")
	}
}

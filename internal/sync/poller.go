package sync

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	pollInitialInterval = 8 * time.Second
	pollMinInterval     = 2 * time.Second
	pollMaxInterval     = 30 * time.Second
	pollBackoffFactor   = 1.5

	// applyConcurrency bounds one window of concurrent remote-change
	// applications.
	applyConcurrency = 10
)

// ChangePoller drives the incremental change feed. The interval resets to
// the floor whenever a change was applied and backs off multiplicatively
// toward the ceiling while the feed is quiet. While the initial sync is
// running the poller only sleeps.
type ChangePoller struct {
	ctrl  *Controller
	clock clockwork.Clock

	initial time.Duration
	floor   time.Duration
	ceil    time.Duration
	factor  float64
}

// NewChangePoller creates a poller bound to the controller.
func NewChangePoller(ctrl *Controller, clock clockwork.Clock) *ChangePoller {
	return &ChangePoller{
		ctrl:    ctrl,
		clock:   clock,
		initial: pollInitialInterval,
		floor:   pollMinInterval,
		ceil:    pollMaxInterval,
		factor:  pollBackoffFactor,
	}
}

// Run polls until the context is cancelled or the engine closes. Errors
// other than cancellation terminate the loop after being reported; the
// poller does not retry a failing feed indefinitely.
func (p *ChangePoller) Run(ctx context.Context) error {
	interval := p.initial

	for {
		if !p.ctrl.IsSynced() {
			if !p.sleep(ctx, p.initial) {
				return nil
			}
			continue
		}

		applied, err := p.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.ctrl.reportError(err)
			return err
		}

		if applied {
			interval = p.floor
		} else {
			interval = time.Duration(float64(interval) * p.factor)
			if interval > p.ceil {
				interval = p.ceil
			}
		}

		if !p.sleep(ctx, interval) {
			return nil
		}
	}
}

// pollOnce drains every page of the change feed, stages the batch, applies
// it in bounded windows and commits the advanced token.
func (p *ChangePoller) pollOnce(ctx context.Context) (bool, error) {
	token := p.ctrl.Token()
	if token == "" {
		return false, nil
	}

	var all []Change
	newStart := ""
	pageToken := ""
	for {
		changes, nextPage, start, err := p.ctrl.client.ChangesSince(ctx, token, pageToken)
		if err != nil {
			return false, err
		}
		all = append(all, changes...)
		if start != "" {
			newStart = start
		}
		if nextPage == "" {
			break
		}
		pageToken = nextPage
	}

	if len(all) == 0 {
		// Nothing to apply; still adopt a moved start token.
		if newStart != "" && newStart != token {
			return false, p.ctrl.CommitToken(newStart)
		}
		return false, nil
	}

	if err := p.ctrl.StagePending(all); err != nil {
		return false, err
	}

	applied, err := p.ctrl.ApplyPending(ctx)
	if err != nil {
		return applied, err
	}

	if newStart == "" {
		newStart = token
	}
	return applied, p.ctrl.CommitToken(newStart)
}

// sleep waits for d, returning false when the poller should stop.
func (p *ChangePoller) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-p.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-p.ctrl.closed:
		return false
	}
}

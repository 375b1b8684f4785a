package vr

import (
	"context"
	"time"
)

// tickInterval is how often onTick runs. It must be fine enough to resolve
// every configured timeout to a fraction of itself: an eighth of the
// tightest timeout, but never less than 5ms.
func (r *Replica) tickInterval() time.Duration {
	d := r.cfg.PrimaryKeepaliveTimeout
	if r.cfg.ViewChangeTimeout < d {
		d = r.cfg.ViewChangeTimeout
	}
	d /= 8
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}

// timerLoop drives the three timeouts spec §4.5.3 describes: the primary's
// keepalive broadcast, a backup's detection of a dead primary, and a
// view-change round's retry-with-backoff. It only ever touches Replica
// state via submit, so it never races the event loop.
func (r *Replica) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(r.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopc:
			return
		case <-ticker.C:
			r.submit(r.onTick)
		}
	}
}

func (r *Replica) onTick() {
	if r.stopped {
		return
	}
	now := time.Now()

	switch {
	case r.curView.IsPrimary():
		// Resend at least every primary_keepalive_timeout/2, whether or not
		// there is new data, so backups never mistake a quiet primary for a
		// dead one. Each backup gets its own catch-up commit from its own
		// ackno (the same resend sendCommitLogTo does after a view change)
		// rather than a uniform empty heartbeat, so a backup that fell
		// behind during a quiet period closes the gap from this tick alone.
		if now.Sub(r.lastCommitSent) >= r.cfg.PrimaryKeepaliveTimeout/2 {
			for _, member := range r.curView.Members {
				if member.ReplicaUid == r.uid {
					continue
				}
				r.sendCommitLogTo(member.ReplicaUid)
			}
			r.lastCommitSent = now
		}
	case r.curView.IsMember() && !r.inViewChange():
		if now.Sub(r.lastCommitRecv) >= r.cfg.PrimaryKeepaliveTimeout {
			r.startViewChangeRound(now)
		}
	}

	if r.inViewChange() {
		if r.viewChangeDeadline.IsZero() {
			r.viewChangeDeadline = now.Add(r.viewChangeBackoff())
		} else if now.After(r.viewChangeDeadline) {
			// nconfirmed never exceeded f() within this round's deadline;
			// back off and retry with a fresh view number.
			r.log.Printf("vr: %v, retrying view change for view %v", ErrNoQuorum, r.nextView.ViewNumber)
			r.startViewChangeRound(now)
		}
	} else {
		r.viewChangeDeadline = time.Time{}
	}
}

// startViewChangeRound bumps next_view and (re)announces it, used both when
// a backup first suspects its primary and when a round's own timeout fires
// without reaching a quorum.
func (r *Replica) startViewChangeRound(now time.Time) {
	r.nextView.Advance()
	r.beginViewChange()
	r.viewChangeDeadline = now.Add(r.viewChangeBackoff())
}

// viewChangeBackoff implements view_change_timeout * (1 + U(0, 0.125)),
// spreading retries so a synchronized round of replicas does not collide on
// every retry.
func (r *Replica) viewChangeBackoff() time.Duration {
	jitter := 1 + r.rng.Float64()*0.125
	return time.Duration(float64(r.cfg.ViewChangeTimeout) * jitter)
}

package sync

import (
	"context"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/store"
)

// Tracker decides when a linked account is due for a sync attempt and
// records attempt outcomes with exponential backoff on failure. Backoff
// protects provider rate limits and avoids hot-looping on a persistently
// broken connection while still recovering once the cause is fixed.
type Tracker struct {
	accounts store.LinkedAccountRepository
	base     time.Duration
	cap      time.Duration
	now      func() time.Time
}

func NewTracker(accounts store.LinkedAccountRepository, base, cap time.Duration) *Tracker {
	return &Tracker{accounts: accounts, base: base, cap: cap, now: time.Now}
}

// CanAttempt reports whether the account is eligible for a sync attempt.
// It never mutates state and is safe to call repeatedly.
func (t *Tracker) CanAttempt(acc *store.LinkedAccount) bool {
	return !t.now().Before(acc.NextAttemptAt)
}

// RecordSuccess resets the failure count and makes the account immediately
// eligible again.
func (t *Tracker) RecordSuccess(ctx context.Context, acc *store.LinkedAccount) error {
	now := t.now()
	patch := store.HealthPatch{
		ConsecutiveFailures: 0,
		NextAttemptAt:       now,
		LastSuccessAt:       &now,
		LastError:           nil,
	}
	if err := t.accounts.UpdateHealth(ctx, acc.ID, patch); err != nil {
		return err
	}
	acc.ConsecutiveFailures = patch.ConsecutiveFailures
	acc.NextAttemptAt = patch.NextAttemptAt
	acc.LastSuccessAt = patch.LastSuccessAt
	acc.LastError = nil
	return nil
}

// RecordFailure increments the failure count, pushes the next eligible
// attempt out by the backoff for the new count, and stores the failure
// message on the account for visibility.
func (t *Tracker) RecordFailure(ctx context.Context, acc *store.LinkedAccount, message string) error {
	failures := acc.ConsecutiveFailures + 1
	patch := store.HealthPatch{
		ConsecutiveFailures: failures,
		NextAttemptAt:       t.now().Add(t.Backoff(failures)),
		LastError:           &message,
	}
	if err := t.accounts.UpdateHealth(ctx, acc.ID, patch); err != nil {
		return err
	}
	acc.ConsecutiveFailures = patch.ConsecutiveFailures
	acc.NextAttemptAt = patch.NextAttemptAt
	acc.LastError = patch.LastError
	return nil
}

// Backoff returns min(base * 2^(n-1), cap) for n consecutive failures.
// It is monotonically non-decreasing in n.
func (t *Tracker) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := t.base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= t.cap || d < 0 {
			return t.cap
		}
	}
	if d > t.cap {
		return t.cap
	}
	return d
}

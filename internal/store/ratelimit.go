package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned when an action is attempted inside its
// throttle window.
var ErrRateLimited = errors.New("store: rate limited")

// AllowAction records one attempt of a throttled action and reports whether
// it may proceed. The decision is a single conditional upsert so two
// concurrent attempts can never both win on a stale timestamp: the row is
// claimed only if its last_action_at is older than the window cutoff.
//
// Callers must fail closed: any error, including transport failures, means
// the action is denied.
func (s *Store) AllowAction(ctx context.Context, userID, actionType string, window time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_rate_limits (user_id, action_type, last_action_at, action_count)
		 VALUES ($1, $2, now(), 1)
		 ON CONFLICT (user_id, action_type) DO UPDATE
		 SET last_action_at = now(),
		     action_count   = user_rate_limits.action_count + 1
		 WHERE user_rate_limits.last_action_at <= now() - make_interval(secs => $3)`,
		userID, actionType, window.Seconds())
	if err != nil {
		return fmt.Errorf("rate limit %s/%s: %w", userID, actionType, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRateLimited
	}
	return nil
}

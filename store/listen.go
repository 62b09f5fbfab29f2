package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Listen dedicates one pooled connection to the given notification
// channels and invokes handle for every payload until ctx is cancelled or
// the connection is lost. The caller owns reconnection; notifications
// raised while disconnected are gone, which is why gap recovery goes
// through the backfill path instead.
func (s *Store) Listen(ctx context.Context, channels []string, handle func(channel, payload string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}
	s.logger.Info().Strs("channels", channels).Msg("listening for change notifications")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("notification wait failed: %w", err)
		}
		handle(notification.Channel, notification.Payload)
	}
}

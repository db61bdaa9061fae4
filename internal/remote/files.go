package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fileBackoff is the retry policy for file channel acquisition. It is kept
// separate from the single retry of command operations.
func (m *Manager) fileBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.FileBackoff
	b.Multiplier = m.opts.FileBackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.FileAttempts-1)), ctx)
}

// FileChannel returns the cached file-transfer channel of the user's current
// connection, opening or reopening it as needed. Channel setup is retried
// with exponential backoff; credential problems are not.
func (m *Manager) FileChannel(ctx context.Context, user string) (FileClient, *Conn, error) {
	var (
		fc   FileClient
		conn *Conn
	)
	op := func() error {
		c, err := m.Acquire(ctx, user, AcquireOptions{})
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		f, err := c.fileClient()
		if err != nil {
			if c.Ping() != nil {
				m.Invalidate(c)
			}
			return err
		}
		fc, conn = f, c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.log.Debug().Err(err).Str("user", user).Dur("wait", wait).Msg("file channel unavailable, retrying")
	}

	if err := backoff.RetryNotify(op, m.fileBackoff(ctx), notify); err != nil {
		return nil, nil, err
	}
	return fc, conn, nil
}

// Files runs op on the user's file-transfer channel and translates channel
// level failures into ErrNotFound, ErrPermissionDenied or ErrFailure.
func (m *Manager) Files(ctx context.Context, user string, op func(FileClient) error) error {
	fc, conn, err := m.FileChannel(ctx, user)
	if err != nil {
		return err
	}
	err = op(fc)
	conn.touch()
	if err != nil && IsTransport(err) {
		conn.dropFiles()
		return err
	}
	return translateFileError(err)
}

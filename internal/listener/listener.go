package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"ppc-rules-engine/internal/engine"
	"ppc-rules-engine/internal/storage"
)

// debounce window for bursts of notifications
const debounce = 200 * time.Millisecond

type Rebuilder interface {
	BuildSnapshot(ctx context.Context, src engine.Source) error
}

// ListenAndRefresh rebuilds the engine snapshot whenever the store signals a
// change. It reconnects with exponential backoff until ctx is cancelled.
func ListenAndRefresh(ctx context.Context, st *storage.Store, eng Rebuilder, channel string, baseBackoff time.Duration) {
	if channel == "" {
		channel = st.ListenChannel()
	}
	b := newBackOff(baseBackoff)

	for ctx.Err() == nil {
		err := listen(ctx, st, eng, channel, b.Reset)
		if ctx.Err() != nil {
			break
		}
		wait := b.NextBackOff()
		log.Error().Err(err).Str("channel", channel).Dur("retry_in", wait).Msg("listener disconnected")
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	log.Info().Msg("listener stopped")
}

func listen(ctx context.Context, st *storage.Store, eng Rebuilder, channel string, connected func()) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for listen: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	connected()
	log.Info().Str("channel", channel).Msg("listening for DB changes")

	// changes may have landed while we were disconnected
	rebuild(ctx, st, eng)

	d := debouncer{window: debounce}
	for {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if at, ok := d.due(); ok {
			waitCtx, cancel = context.WithDeadline(ctx, at)
		}
		ntf, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				if d.flush(time.Now()) {
					log.Info().Str("channel", channel).Msg("db change settled; refreshing snapshot")
					rebuild(ctx, st, eng)
				}
				continue
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if !d.notify(time.Now()) {
			continue
		}
		log.Info().Str("channel", ntf.Channel).Str("payload", ntf.Payload).Msg("db change; refreshing snapshot")
		rebuild(ctx, st, eng)
	}
}

func rebuild(ctx context.Context, st *storage.Store, eng Rebuilder) {
	if err := eng.BuildSnapshot(ctx, st); err != nil {
		log.Error().Err(err).Msg("refresh snapshot error")
	}
}

// debouncer refreshes on the first notification of a burst and once more
// after the window closes if anything arrived during it.
type debouncer struct {
	window  time.Duration
	last    time.Time
	pending bool
}

// notify reports whether to refresh now. Otherwise the change is held until
// flush.
func (d *debouncer) notify(now time.Time) bool {
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		d.pending = true
		return false
	}
	d.last = now
	d.pending = false
	return true
}

// due returns when a held change should be flushed.
func (d *debouncer) due() (time.Time, bool) {
	if !d.pending {
		return time.Time{}, false
	}
	return d.last.Add(d.window), true
}

// flush reports whether a held change is ready to refresh.
func (d *debouncer) flush(now time.Time) bool {
	at, ok := d.due()
	if !ok || now.Before(at) {
		return false
	}
	d.last = now
	d.pending = false
	return true
}

func newBackOff(base time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = 12 * base
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()
	return b
}

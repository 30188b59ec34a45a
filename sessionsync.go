// Package sessionsync keeps a session record shared by a client and an admin
// in sync. Both sides write sparse patches to a Store and reconcile their local
// views from a Feed of committed mutations.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/grpclog"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotLoaded    = errors.New("session not loaded")
	ErrWriteUnknown = errors.New("write outcome unknown")
	errFeedDropped  = errors.New("feed subscription dropped")
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultNotifyTimeout    = 10 * time.Second
	defaultResubscribeDelay = time.Second
)

// watchLoop runs watchOnce until ctx ends, waiting delay between attempts.
// The feed is only a latency optimisation so every attempt starts by re-fetching.
func watchLoop(ctx context.Context, logger grpclog.LoggerV2, name string, delay time.Duration, watchOnce func(context.Context) error) error {
	for {
		err := watchOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Warningf("%s: feed interrupted, resubscribing in %v: %v", name, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

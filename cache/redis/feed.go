package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gidyon/sessionsync"
	"github.com/go-redis/redis/v8"
)

const eventBuffer = 64

// Subscribe listens for changes of one session, or of all sessions when id is sessionsync.AllSessions.
// It returns once the subscription is confirmed by redis.
func (rc *Store) Subscribe(ctx context.Context, id string) (sessionsync.Subscription, error) {
	channel := rc.tableChannel()
	if id != sessionsync.AllSessions {
		channel = rc.sessionChannel(id)
	}

	ps := rc.cc.Subscribe(ctx, channel)

	// Wait for confirmation so that no event committed after return is missed
	_, err := ps.Receive(ctx)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		ps:     ps,
		events: make(chan *sessionsync.Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.run(ctx, ps.Channel())

	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan *sessionsync.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *subscription) Events() <-chan *sessionsync.Event {
	return s.events
}

// Close ends the subscription and waits for the delivery goroutine
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}

func (s *subscription) run(ctx context.Context, msgs <-chan *redis.Message) {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			ev := &sessionsync.Event{}
			if err := json.Unmarshal([]byte(msg.Payload), ev); err != nil {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case s.events <- ev:
			}
		}
	}
}

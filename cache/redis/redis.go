// Package redis stores sessions in redis hashes and publishes their changes over redis pub/sub
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gidyon/sessionsync"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	maxCodeAttempts = 10
	maxTxAttempts   = 20
)

// Options contains data for the redis store
type Options struct {
	AppName string
	Client  *redis.Client
	// Now is the clock used for timestamps
	Now func() time.Time
}

// Store implements sessionsync.Store and sessionsync.Feed
type Store struct {
	cc      *redis.Client
	appName string
	now     func() time.Time
}

var (
	_ sessionsync.Store = (*Store)(nil)
	_ sessionsync.Feed  = (*Store)(nil)
)

// NewStore creates a session store using redis
func NewStore(opt *Options) (*Store, error) {
	switch {
	case opt == nil:
		return nil, errors.New("missing options")
	case opt.AppName == "":
		return nil, errors.New("missing app name")
	case opt.Client == nil:
		return nil, errors.New("missing redis client")
	}

	now := opt.Now
	if now == nil {
		now = time.Now
	}

	return &Store{cc: opt.Client, appName: opt.AppName, now: now}, nil
}

func (rc *Store) sessionKey(id string) string {
	return fmt.Sprintf("%s:sessions:%s", rc.appName, id)
}

func (rc *Store) statusKey(status sessionsync.Status) string {
	return fmt.Sprintf("%s:sessions:status:%s", rc.appName, status)
}

func (rc *Store) codesKey() string {
	return fmt.Sprintf("%s:sessions:codes", rc.appName)
}

func (rc *Store) tableChannel() string {
	return fmt.Sprintf("%s:sessions:feed", rc.appName)
}

func (rc *Store) sessionChannel(id string) string {
	return fmt.Sprintf("%s:sessions:feed:%s", rc.appName, id)
}

func (rc *Store) stamp() time.Time {
	return rc.now().UTC()
}

// reserveCode adds a fresh session code to the codes set
func (rc *Store) reserveCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := sessionsync.NewSessionCode()
		if err != nil {
			return "", err
		}
		added, err := rc.cc.SAdd(ctx, rc.codesKey(), code).Result()
		if err != nil {
			return "", fmt.Errorf("failed to reserve session code: %w", err)
		}
		if added == 1 {
			return code, nil
		}
	}
	return "", errors.New("failed to find a free session code")
}

func (rc *Store) publish(ctx context.Context, pipe redis.Pipeliner, ev *sessionsync.Event) error {
	bs, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe.Publish(ctx, rc.sessionChannel(ev.SessionID), bs)
	pipe.Publish(ctx, rc.tableChannel(), bs)
	return nil
}

func toValues(fields map[string]string) []interface{} {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return values
}

// Create stores a new active session on step 1
func (rc *Store) Create(ctx context.Context, in *sessionsync.Session) (*sessionsync.Session, error) {
	code, err := rc.reserveCode(ctx)
	if err != nil {
		return nil, err
	}

	s := in.Clone()
	if s == nil {
		s = &sessionsync.Session{}
	}
	now := rc.stamp()
	s.ID = uuid.New().String()
	s.SessionCode = code
	s.CurrentStep = sessionsync.StepIntake
	s.Status = sessionsync.StatusActive
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Revision = 1

	if err = s.Validate(); err != nil {
		return nil, err
	}

	_, err = rc.cc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rc.sessionKey(s.ID), toValues(s.Fields())...)
		pipe.SAdd(ctx, rc.statusKey(s.Status), s.ID)
		return rc.publish(ctx, pipe, &sessionsync.Event{Kind: sessionsync.EventCreated, SessionID: s.ID, Session: s})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return s, nil
}

// Get returns a session by id
func (rc *Store) Get(ctx context.Context, id string) (*sessionsync.Session, error) {
	return rc.get(ctx, rc.cc, id)
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

func (rc *Store) get(ctx context.Context, c hashGetter, id string) (*sessionsync.Session, error) {
	fields, err := c.HGetAll(ctx, rc.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", sessionsync.ErrNotFound, id)
	}
	return sessionsync.SessionFromFields(fields)
}

// Update applies a sparse patch under WATCH so the row, its indexes and the
// published event are committed together
func (rc *Store) Update(ctx context.Context, id string, p *sessionsync.Patch) (*sessionsync.Session, error) {
	if p == nil {
		p = sessionsync.NewPatch()
	}

	var (
		key     = rc.sessionKey(id)
		updated *sessionsync.Session
	)

	txf := func(tx *redis.Tx) error {
		cur, err := rc.get(ctx, tx, id)
		if err != nil {
			return err
		}

		if rev := p.ExpectedRevision(); rev != 0 && rev != cur.Revision {
			return fmt.Errorf("%w: session %s is at revision %d, expected %d", sessionsync.ErrRevisionConflict, id, cur.Revision, rev)
		}

		next, err := p.Apply(cur)
		if err != nil {
			return err
		}
		next.UpdatedAt = rc.stamp()
		next.Revision = cur.Revision + 1

		if err = next.Validate(); err != nil {
			return err
		}

		sets := p.Sets()
		sets[sessionsync.FieldUpdatedAt] = sessionsync.FormatTime(next.UpdatedAt)
		sets[sessionsync.FieldRevision] = strconv.FormatInt(next.Revision, 10)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toValues(sets)...)
			if clears := p.Clears(); len(clears) > 0 {
				pipe.HDel(ctx, key, clears...)
			}
			if cur.Status != next.Status {
				pipe.SRem(ctx, rc.statusKey(cur.Status), id)
				pipe.SAdd(ctx, rc.statusKey(next.Status), id)
			}
			return rc.publish(ctx, pipe, &sessionsync.Event{Kind: sessionsync.EventUpdated, SessionID: id, Session: next})
		})
		if err != nil {
			return err
		}

		updated = next
		return nil
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := rc.cc.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed to update session %s: too much contention", id)
}

// BulkUpdate updates each session on its own. Sessions that were updated are
// returned even when others fail.
func (rc *Store) BulkUpdate(ctx context.Context, ids []string, p *sessionsync.Patch) ([]*sessionsync.Session, error) {
	var (
		out  = make([]*sessionsync.Session, 0, len(ids))
		errs = &sessionsync.BulkError{}
	)

	for _, id := range ids {
		s, err := rc.Update(ctx, id, p)
		if err != nil {
			errs.Add(id, err)
			continue
		}
		out = append(out, s)
	}

	return out, errs.ErrOrNil()
}

// List returns sessions with the given status ordered by updated_at descending, then id
func (rc *Store) List(ctx context.Context, status sessionsync.Status) ([]*sessionsync.Session, error) {
	ids, err := rc.cc.SMembers(ctx, rc.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}
	if len(ids) == 0 {
		return []*sessionsync.Session{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = rc.cc.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, rc.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*sessionsync.Session, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		s, err := sessionsync.SessionFromFields(fields)
		if err != nil {
			return nil, err
		}
		// Index may lag behind a concurrent status change
		if s.Status != status {
			continue
		}
		out = append(out, s)
	}

	sessionsync.SortSessions(out)

	return out, nil
}

// Delete removes a session, its indexes and its code
func (rc *Store) Delete(ctx context.Context, id string) error {
	key := rc.sessionKey(id)

	txf := func(tx *redis.Tx) error {
		cur, err := rc.get(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, rc.statusKey(cur.Status), id)
			pipe.SRem(ctx, rc.codesKey(), cur.SessionCode)
			return rc.publish(ctx, pipe, &sessionsync.Event{Kind: sessionsync.EventDeleted, SessionID: id})
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := rc.cc.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return err
		}
	}

	return fmt.Errorf("failed to delete session %s: too much contention", id)
}

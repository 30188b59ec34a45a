package sessionsync_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gidyon/sessionsync"
	rediscache "github.com/gidyon/sessionsync/cache/redis"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/grpclog"
)

var testLogger = grpclog.NewLoggerV2(io.Discard, io.Discard, io.Discard)

func setupStore(t *testing.T) *rediscache.Store {
	t.Helper()

	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { rdb.Close() })

	st, err := rediscache.NewStore(&rediscache.Options{AppName: "test", Client: rdb})
	require.NoError(t, err)

	return st
}

func fixedDefaults(amount float64) sessionsync.DefaultsProvider {
	return sessionsync.DefaultsFunc(func(context.Context) (*sessionsync.Defaults, error) {
		return &sessionsync.Defaults{
			Amount:            amount,
			Origin:            "North hub",
			Destination:       "South hub",
			EstimatedDelivery: "Tomorrow",
			Weight:            "0.5 kg",
			TrackingPrefix:    "NH",
		}, nil
	})
}

func newClient(t *testing.T, st sessionsync.Store, feed sessionsync.Feed, keeper sessionsync.IDKeeper) *sessionsync.Client {
	t.Helper()

	c, err := sessionsync.NewClient(&sessionsync.ClientOptions{
		Store:      st,
		Feed:       feed,
		IDKeeper:   keeper,
		Defaults:   fixedDefaults(2.99),
		IPDetector: sessionsync.StaticIP("203.0.113.7"),
		Logger:     testLogger,
	})
	require.NoError(t, err)

	return c
}

func newAdmin(t *testing.T, st sessionsync.Store, feed sessionsync.Feed, notifier sessionsync.Notifier) *sessionsync.Admin {
	t.Helper()

	a, err := sessionsync.NewAdmin(&sessionsync.AdminOptions{
		Store:    st,
		Feed:     feed,
		Notifier: notifier,
		Logger:   testLogger,
	})
	require.NoError(t, err)

	return a
}

// recordingNotifier records notices and fails when err is set
type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return n.err
}

func (n *recordingNotifier) Texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

// failingStore fails every update
type failingStore struct {
	sessionsync.Store
}

func (s *failingStore) Update(context.Context, string, *sessionsync.Patch) (*sessionsync.Session, error) {
	return nil, errors.New("connection reset")
}

// blockingStore holds updates until their context ends
type blockingStore struct {
	sessionsync.Store
}

func (s *blockingStore) Update(ctx context.Context, _ string, _ *sessionsync.Patch) (*sessionsync.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// racingStore lets another writer update the row right after it is read
type racingStore struct {
	sessionsync.Store
	once sync.Once
}

func (s *racingStore) Get(ctx context.Context, id string) (*sessionsync.Session, error) {
	cur, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		_, err = s.Store.Update(ctx, id, sessionsync.NewPatch().SetVerificationCode("4321"))
	})
	return cur, err
}

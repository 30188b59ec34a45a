package sessionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc/grpclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultRetryInterval = 30 * time.Second
	defaultFailedDir     = "failed-session-events"
	defaultBatchSize     = 1000
)

// AuditOptions contains data required for the session audit log
type AuditOptions struct {
	SQLDB         *gorm.DB
	Logger        grpclog.LoggerV2
	TableName     string
	BatchSize     int
	FlushInterval time.Duration
	// RetryInterval is how often batches spilled to FailedDir are retried
	RetryInterval time.Duration
	FailedDir     string
}

// AuditLog appends every session mutation to a sql table in batches
type AuditLog struct {
	opt    *AuditOptions
	events chan *SessionEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuditLog migrates the events table and returns an audit log. Call Start before recording.
func NewAuditLog(opt *AuditOptions) (*AuditLog, error) {
	switch {
	case opt == nil:
		return nil, errors.New("missing options")
	case opt.SQLDB == nil:
		return nil, errors.New("missing sql db")
	case opt.Logger == nil:
		return nil, errors.New("missing logger")
	default:
		if opt.BatchSize <= 0 {
			opt.BatchSize = defaultBatchSize
		}
		if opt.FlushInterval == 0 {
			opt.FlushInterval = defaultFlushInterval
		}
		if opt.RetryInterval == 0 {
			opt.RetryInterval = defaultRetryInterval
		}
		if opt.FailedDir == "" {
			opt.FailedDir = defaultFailedDir
		}
	}

	if opt.TableName != "" {
		sessionEventsTable = opt.TableName
	} else {
		sessionEventsTable = os.Getenv("SESSION_EVENTS_TABLE")
	}

	if !opt.SQLDB.Migrator().HasTable(&SessionEvent{}) {
		err := opt.SQLDB.AutoMigrate(&SessionEvent{})
		if err != nil {
			return nil, fmt.Errorf("failed to auto migrate %s table: %w", (&SessionEvent{}).TableName(), err)
		}
	}

	return &AuditLog{
		opt:    opt,
		events: make(chan *SessionEvent, opt.BatchSize),
	}, nil
}

// Start runs the insert workers until ctx ends or Close is called
func (l *AuditLog) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(2)
	go l.saveEventsWorker(l.ctx)
	go l.saveFailedEventsWorker(l.ctx)
}

// Close stops the workers after flushing what was recorded
func (l *AuditLog) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Record queues an event for insertion
func (l *AuditLog) Record(ctx context.Context, ev *Event) {
	if ev == nil || l.ctx == nil {
		return
	}

	select {
	case <-ctx.Done():
	case <-l.ctx.Done():
	case l.events <- newSessionEvent(ev, time.Now().UTC()):
	}
}

// Run records the table feed until ctx ends
func (l *AuditLog) Run(ctx context.Context, feed Feed) error {
	l.Start(ctx)
	defer l.Close()

	return watchLoop(ctx, l.opt.Logger, "AUDIT", defaultResubscribeDelay, func(ctx context.Context) error {
		sub, err := feed.Subscribe(ctx, AllSessions)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		defer sub.Close()

		for ev := range sub.Events() {
			l.Record(ctx, ev)
		}

		return errFeedDropped
	})
}

func (l *AuditLog) insert(events []*SessionEvent) error {
	return l.opt.SQLDB.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(events, len(events)+1).Error
	})
}

// spill saves a failed batch as json for the retry worker
func (l *AuditLog) spill(events []*SessionEvent) error {
	err := os.MkdirAll(l.opt.FailedDir, 0755)
	if err != nil {
		return err
	}

	fileName := filepath.Join(l.opt.FailedDir, fmt.Sprintf("bulk-%d.json", time.Now().UnixNano()))

	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(events)
}

func (l *AuditLog) saveEventsWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opt.FlushInterval)
	defer ticker.Stop()

	batch := make([]*SessionEvent, 0, l.opt.BatchSize)

	flush := func(from string) {
		n := len(batch)
		if n == 0 {
			return
		}
		defer func() {
			batch = make([]*SessionEvent, 0, l.opt.BatchSize)
		}()

		err := l.insert(batch)
		if err == nil {
			l.opt.Logger.Infof("INSERT SESSION EVENTS: bulk inserted %d events from %s", n, from)
			return
		}

		l.opt.Logger.Errorf("INSERT SESSION EVENTS FAILED (SAVING EVENTS IN FILE ...): %v", err)
		if err := l.spill(batch); err != nil {
			l.opt.Logger.Errorf("INSERT SESSION EVENTS: failed to save batch in file: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-l.events:
					batch = append(batch, ev)
				default:
					flush("shutdown")
					return
				}
			}

		case <-ticker.C:
			flush("ticker")

		case ev := <-l.events:
			batch = append(batch, ev)
			if len(batch) >= l.opt.BatchSize {
				flush("channel")
				ticker.Reset(l.opt.FlushInterval)
			}
		}
	}
}

func (l *AuditLog) saveFailedEventsWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opt.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.retryFailed()
		}
	}
}

// retryFailed inserts the batches saved in the failed directory and removes their files
func (l *AuditLog) retryFailed() {
	entries, err := os.ReadDir(l.opt.FailedDir)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return
	default:
		l.opt.Logger.Warningf("SAVE FAILED EVENTS WORKER: failed to read directory: %v", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		fileName := filepath.Join(l.opt.FailedDir, entry.Name())

		buf, err := os.ReadFile(fileName)
		if err != nil {
			l.opt.Logger.Warningf("SAVE FAILED EVENTS WORKER: failed to read file contents: %v", err)
			continue
		}

		events := make([]*SessionEvent, 0, l.opt.BatchSize)
		err = json.Unmarshal(buf, &events)
		if err != nil {
			l.opt.Logger.Warningf("SAVE FAILED EVENTS WORKER: failed to unmarshal file contents: %v", err)
			continue
		}

		if len(events) > 0 {
			err = l.opt.SQLDB.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(events, l.opt.BatchSize).Error
			if err != nil {
				l.opt.Logger.Warningf("SAVE FAILED EVENTS WORKER: failed to save file batch: %v", err)
				continue
			}
		}

		err = os.Remove(fileName)
		if err != nil {
			l.opt.Logger.Warningf("SAVE FAILED EVENTS WORKER: failed to remove file: %v", err)
			continue
		}

		l.opt.Logger.Infof("SAVE FAILED EVENTS WORKER: saved contents of file: %s", fileName)
	}
}

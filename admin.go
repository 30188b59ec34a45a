package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/grpclog"
)

// AdminOptions contains data required for an admin controller
type AdminOptions struct {
	Store Store
	Feed  Feed
	// Notifier is optional. Its failures are logged and never block a write.
	Notifier         Notifier
	Logger           grpclog.LoggerV2
	NotifyTimeout    time.Duration
	ResubscribeDelay time.Duration
}

// Admin lists live sessions and mutates them on behalf of an operator.
// Callers are assumed to be authorized already.
type Admin struct {
	opt    *AdminOptions
	mu     sync.RWMutex
	cache  map[string]*Session
	loaded bool
	wg     sync.WaitGroup
}

// NewAdmin returns an admin controller
func NewAdmin(opt *AdminOptions) (*Admin, error) {
	switch {
	case opt == nil:
		return nil, errors.New("missing options")
	case opt.Store == nil:
		return nil, errors.New("missing store")
	case opt.Feed == nil:
		return nil, errors.New("missing feed")
	case opt.Logger == nil:
		return nil, errors.New("missing logger")
	default:
		if opt.NotifyTimeout == 0 {
			opt.NotifyTimeout = defaultNotifyTimeout
		}
		if opt.ResubscribeDelay == 0 {
			opt.ResubscribeDelay = defaultResubscribeDelay
		}
	}

	return &Admin{
		opt:   opt,
		cache: map[string]*Session{},
	}, nil
}

// ListActive returns the active sessions, most recently updated first
func (a *Admin) ListActive(ctx context.Context) ([]*Session, error) {
	a.mu.RLock()
	loaded := a.loaded
	a.mu.RUnlock()

	if !loaded {
		if err := a.reload(ctx); err != nil {
			return nil, err
		}
	}

	return a.snapshot(func(*Session) bool { return true }), nil
}

// Search filters the listed sessions by code, name, ip or phone number
func (a *Admin) Search(query string) []*Session {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return a.snapshot(func(*Session) bool { return true })
	}

	return a.snapshot(func(s *Session) bool {
		for _, v := range []string{s.SessionCode, s.ClientName, s.ClientIP, s.PhoneNumber} {
			if strings.Contains(strings.ToLower(v), q) {
				return true
			}
		}
		return false
	})
}

func (a *Admin) snapshot(keep func(*Session) bool) []*Session {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*Session, 0, len(a.cache))
	for _, s := range a.cache {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	SortSessions(out)

	return out
}

func (a *Admin) reload(ctx context.Context) error {
	sessions, err := a.opt.Store.List(ctx, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	cache := make(map[string]*Session, len(sessions))
	for _, s := range sessions {
		cache[s.ID] = s.Clone()
	}

	a.mu.Lock()
	a.cache = cache
	a.loaded = true
	a.mu.Unlock()

	return nil
}

// observe patches the cache with a committed session
func (a *Admin) observe(s *Session) {
	if s == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.cache[s.ID]
	switch {
	case ok && s.Revision < cur.Revision:
	case s.Status != StatusActive:
		delete(a.cache, s.ID)
	default:
		a.cache[s.ID] = s.Clone()
	}
}

func (a *Admin) forget(id string) {
	a.mu.Lock()
	delete(a.cache, id)
	a.mu.Unlock()
}

// Reconcile applies an event of the table feed to the list
func (a *Admin) Reconcile(ev *Event) {
	if ev == nil {
		return
	}
	switch ev.Kind {
	case EventDeleted:
		a.forget(ev.SessionID)
	case EventCreated, EventUpdated:
		a.observe(ev.Session)
	}
}

// Watch follows the table feed until ctx ends
func (a *Admin) Watch(ctx context.Context) error {
	return watchLoop(ctx, a.opt.Logger, "ADMIN", a.opt.ResubscribeDelay, func(ctx context.Context) error {
		sub, err := a.opt.Feed.Subscribe(ctx, AllSessions)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		defer sub.Close()

		err = a.reload(ctx)
		if err != nil {
			return err
		}

		for ev := range sub.Events() {
			a.Reconcile(ev)
		}

		return errFeedDropped
	})
}

// TransitionOption changes the patch of an admin transition
type TransitionOption func(*Patch)

// WithMessage pushes a message to the client along with the transition
func WithMessage(text string, mt MessageType) TransitionOption {
	return func(p *Patch) {
		p.SetMessage(text, mt)
	}
}

// Transition moves a session to state to. The write is rejected with
// ErrRevisionConflict if the session changed after it was read.
func (a *Admin) Transition(ctx context.Context, id string, to State, opts ...TransitionOption) (*Session, error) {
	cur, err := a.opt.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.forget(id)
		}
		return nil, err
	}

	from, err := StateOf(cur)
	if err != nil {
		return nil, err
	}

	p, err := Plan(from, to, ActorAdmin)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ExpectRevision(cur.Revision)

	s, err := a.opt.Store.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}

	a.observe(s)

	if to == StateTerminal {
		a.notify(fmt.Sprintf("session %s confirmed (%s)", s.SessionCode, s.ApprovalType))
	}

	return s, nil
}

// BulkTransition transitions every session independently. Failures are reported in a *BulkError.
func (a *Admin) BulkTransition(ctx context.Context, ids []string, to State, opts ...TransitionOption) ([]*Session, error) {
	var (
		out  = make([]*Session, 0, len(ids))
		errs = &BulkError{}
	)

	for _, id := range ids {
		s, err := a.Transition(ctx, id, to, opts...)
		if err != nil {
			errs.Add(id, err)
			continue
		}
		out = append(out, s)
	}

	return out, errs.ErrOrNil()
}

// SendMessage pushes a message to the client
func (a *Admin) SendMessage(ctx context.Context, id, text string, mt MessageType) (*Session, error) {
	switch {
	case strings.TrimSpace(text) == "":
		return nil, validationErr("empty message text")
	case !mt.Valid():
		return nil, validationErr("unknown message type %q", mt)
	}
	return a.update(ctx, id, NewPatch().SetMessage(text, mt))
}

// ClearMessage removes the message of a session
func (a *Admin) ClearMessage(ctx context.Context, id string) (*Session, error) {
	return a.update(ctx, id, NewPatch().ClearMessage())
}

// RegenerateVerificationCode writes a new code and notifies about it in the background
func (a *Admin) RegenerateVerificationCode(ctx context.Context, id string) (string, error) {
	code, err := NewVerificationCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}

	s, err := a.update(ctx, id, NewPatch().SetVerificationCode(code))
	if err != nil {
		return "", err
	}

	a.notify(fmt.Sprintf("session %s: verification code regenerated", s.SessionCode))

	return code, nil
}

// ParcelFields are the display fields an admin may edit. Nil fields are left unchanged.
type ParcelFields struct {
	Amount            *float64
	Origin            *string
	Destination       *string
	EstimatedDelivery *string
	Weight            *string
	ParcelTracking    *string
}

func (f *ParcelFields) patch() *Patch {
	p := NewPatch()
	if f.Amount != nil {
		p.SetAmount(*f.Amount)
	}
	if f.Origin != nil {
		p.SetOrigin(*f.Origin)
	}
	if f.Destination != nil {
		p.SetDestination(*f.Destination)
	}
	if f.EstimatedDelivery != nil {
		p.SetEstimatedDelivery(*f.EstimatedDelivery)
	}
	if f.Weight != nil {
		p.SetWeight(*f.Weight)
	}
	if f.ParcelTracking != nil {
		p.SetParcelTracking(*f.ParcelTracking)
	}
	return p
}

// EditParcelFields overwrites display fields
func (a *Admin) EditParcelFields(ctx context.Context, id string, fields *ParcelFields) (*Session, error) {
	if fields == nil {
		return nil, validationErr("missing fields")
	}
	if fields.Amount != nil && *fields.Amount < 0 {
		return nil, validationErr("negative amount")
	}
	p := fields.patch()
	if p.IsEmpty() {
		return nil, validationErr("no fields to edit")
	}
	return a.update(ctx, id, p)
}

// Deactivate marks sessions completed, dropping them from the active list
func (a *Admin) Deactivate(ctx context.Context, ids []string) ([]*Session, error) {
	sessions, err := a.opt.Store.BulkUpdate(ctx, ids, NewPatch().SetStatus(StatusCompleted))
	for _, s := range sessions {
		a.observe(s)
	}
	return sessions, err
}

// Delete removes a session for good. It is a cleanup operation outside the normal flow.
func (a *Admin) Delete(ctx context.Context, id string) error {
	err := a.opt.Store.Delete(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	a.forget(id)
	return err
}

func (a *Admin) update(ctx context.Context, id string, p *Patch) (*Session, error) {
	s, err := a.opt.Store.Update(ctx, id, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.forget(id)
		}
		return nil, err
	}
	a.observe(s)
	return s, nil
}

// notify sends text in the background
func (a *Admin) notify(text string) {
	if a.opt.Notifier == nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.opt.NotifyTimeout)
		defer cancel()

		if err := a.opt.Notifier.Notify(ctx, text); err != nil {
			a.opt.Logger.Warningf("NOTIFY FAILED: %v", err)
		}
	}()
}

// Wait blocks until background notifications are done
func (a *Admin) Wait() {
	a.wg.Wait()
}

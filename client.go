package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/grpclog"
)

// ClientOptions contains data required for a client controller
type ClientOptions struct {
	Store      Store
	Feed       Feed
	IDKeeper   IDKeeper
	Defaults   DefaultsProvider
	IPDetector IPDetector
	Logger     grpclog.LoggerV2
	// WriteTimeout bounds every write. A write that times out is treated as unknown state.
	WriteTimeout     time.Duration
	ResubscribeDelay time.Duration
	// OnChange is called with a copy of the view after every change
	OnChange func(*Session)
}

// Client owns the client side view of one session
type Client struct {
	opt     *ClientOptions
	mu      sync.Mutex
	view    *Session
	pending int
}

// NewClient returns a client controller
func NewClient(opt *ClientOptions) (*Client, error) {
	switch {
	case opt == nil:
		return nil, errors.New("missing options")
	case opt.Store == nil:
		return nil, errors.New("missing store")
	case opt.Feed == nil:
		return nil, errors.New("missing feed")
	case opt.IDKeeper == nil:
		return nil, errors.New("missing id keeper")
	case opt.Logger == nil:
		return nil, errors.New("missing logger")
	default:
		if opt.WriteTimeout == 0 {
			opt.WriteTimeout = defaultWriteTimeout
		}
		if opt.ResubscribeDelay == 0 {
			opt.ResubscribeDelay = defaultResubscribeDelay
		}
	}

	return &Client{opt: opt}, nil
}

// Load adopts the locally stored session, or creates one when there is none or it no longer exists
func (c *Client) Load(ctx context.Context) (*Session, error) {
	id, err := c.opt.IDKeeper.LoadID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session id: %w", err)
	}

	if id != "" {
		s, err := c.opt.Store.Get(ctx, id)
		switch {
		case err == nil:
			c.replace(s)
			return s.Clone(), nil
		case errors.Is(err, ErrNotFound):
			c.opt.Logger.Infof("stored session %s no longer exists, creating a new one", id)
		default:
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
	}

	s, err := c.create(ctx)
	if err != nil {
		return nil, err
	}

	err = c.opt.IDKeeper.SaveID(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to save session id: %w", err)
	}

	c.replace(s)

	return s.Clone(), nil
}

func (c *Client) create(ctx context.Context) (*Session, error) {
	defaults := FallbackDefaults
	if c.opt.Defaults != nil {
		d, err := c.opt.Defaults.GetDefaults(ctx)
		switch {
		case err != nil:
			c.opt.Logger.Warningf("failed to get session defaults, using fallback: %v", err)
		case d != nil:
			defaults = *d
		}
	}

	var ip string
	if c.opt.IPDetector != nil {
		v, err := c.opt.IPDetector.DetectClientIP(ctx)
		if err != nil {
			c.opt.Logger.Warningf("failed to detect client ip: %v", err)
		} else {
			ip = v
		}
	}

	tracking, err := NewTrackingNumber(defaults.TrackingPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tracking number: %w", err)
	}

	s, err := c.opt.Store.Create(ctx, &Session{
		Amount:            defaults.Amount,
		Origin:            defaults.Origin,
		Destination:       defaults.Destination,
		EstimatedDelivery: defaults.EstimatedDelivery,
		Weight:            defaults.Weight,
		ParcelTracking:    tracking,
		ClientIP:          ip,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	c.opt.Logger.Infof("created session %s (%s)", s.ID, s.SessionCode)

	return s, nil
}

// View returns a copy of the current view, or nil before Load
func (c *Client) View() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Clone()
}

// Pending reports whether a write is in flight
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

// State returns the named state of the current view
func (c *Client) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return 0, ErrNotLoaded
	}
	return StateOf(c.view)
}

// RequestTransition moves the session along one of the client edges.
// The view changes immediately and is rolled back if the write fails.
func (c *Client) RequestTransition(ctx context.Context, to State) error {
	c.mu.Lock()
	if c.view == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	from, err := StateOf(c.view)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	p, err := Plan(from, to, ActorClient)
	if err != nil {
		return err
	}

	return c.mutate(ctx, p)
}

// SubmitVerificationCode stores the code entered by the client. The step does not change.
func (c *Client) SubmitVerificationCode(ctx context.Context, code string) error {
	if !ValidVerificationCode(code) {
		return validationErr("verification code must be 4 to 8 digits")
	}
	return c.mutate(ctx, NewPatch().SetVerificationCode(code))
}

// DismissMessage clears the admin message
func (c *Client) DismissMessage(ctx context.Context) error {
	return c.mutate(ctx, NewPatch().ClearMessage())
}

// SetIdentity stores the client supplied name and phone number
func (c *Client) SetIdentity(ctx context.Context, name, phone string) error {
	p := NewPatch()
	if name != "" {
		p.SetClientName(name)
	}
	if phone != "" {
		p.SetPhoneNumber(phone)
	}
	if p.IsEmpty() {
		return validationErr("missing name and phone number")
	}
	return c.mutate(ctx, p)
}

// mutate applies p to the view optimistically and writes it through
func (c *Client) mutate(ctx context.Context, p *Patch) error {
	c.mu.Lock()
	if c.view == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	prev := c.view
	next, err := p.Apply(prev)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err = next.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.view = next
	c.pending++
	c.mu.Unlock()

	c.changed(next)

	updated, err := c.write(ctx, prev.ID, p)

	c.mu.Lock()
	c.pending--
	c.mu.Unlock()

	if err != nil {
		c.rollback(prev, next)
		if errors.Is(err, ErrWriteUnknown) {
			c.refresh(context.WithoutCancel(ctx))
		}
		return err
	}

	c.apply(updated)

	return nil
}

func (c *Client) write(ctx context.Context, id string, p *Patch) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opt.WriteTimeout)
	defer cancel()

	s, err := c.opt.Store.Update(ctx, id, p)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", ErrWriteUnknown, err)
	default:
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
}

// rollback restores prev unless the view moved on since the optimistic change
func (c *Client) rollback(prev, optimistic *Session) {
	c.mu.Lock()
	if c.view != optimistic {
		c.mu.Unlock()
		return
	}
	c.view = prev
	c.mu.Unlock()

	c.changed(prev)
}

// refresh re-reads the session after an unknown write outcome or a feed drop
func (c *Client) refresh(ctx context.Context) {
	c.mu.Lock()
	if c.view == nil {
		c.mu.Unlock()
		return
	}
	id := c.view.ID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opt.WriteTimeout)
	defer cancel()

	s, err := c.opt.Store.Get(ctx, id)
	if err != nil {
		c.opt.Logger.Warningf("failed to refresh session %s: %v", id, err)
		return
	}

	c.apply(s)
}

// apply adopts s as the authoritative view unless it is older than the view
func (c *Client) apply(s *Session) {
	if s == nil {
		return
	}

	c.mu.Lock()
	if c.view == nil || c.view.ID != s.ID || s.Revision < c.view.Revision {
		c.mu.Unlock()
		return
	}
	c.view = s.Clone()
	view := c.view
	c.mu.Unlock()

	c.changed(view)
}

func (c *Client) replace(s *Session) {
	c.mu.Lock()
	c.view = s.Clone()
	view := c.view
	c.mu.Unlock()

	c.changed(view)
}

func (c *Client) changed(s *Session) {
	if c.opt.OnChange != nil {
		c.opt.OnChange(s.Clone())
	}
}

// Reconcile applies an event of the session feed to the view
func (c *Client) Reconcile(ev *Event) {
	if ev == nil {
		return
	}
	switch ev.Kind {
	case EventDeleted:
		c.opt.Logger.Warningf("session %s was deleted", ev.SessionID)
	case EventCreated, EventUpdated:
		c.apply(ev.Session)
	}
}

// Watch follows the session feed until ctx ends. Load must be called first.
func (c *Client) Watch(ctx context.Context) error {
	c.mu.Lock()
	if c.view == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	id := c.view.ID
	c.mu.Unlock()

	return watchLoop(ctx, c.opt.Logger, "CLIENT "+id, c.opt.ResubscribeDelay, func(ctx context.Context) error {
		sub, err := c.opt.Feed.Subscribe(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		defer sub.Close()

		c.refresh(ctx)

		for ev := range sub.Events() {
			c.Reconcile(ev)
		}

		return errFeedDropped
	})
}

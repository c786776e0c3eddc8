package auth

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// RefreshSchedule is how often the session expiry is checked.
	RefreshSchedule = "@every 10m"

	// RefreshWindow is how close to expiry a token gets refreshed.
	RefreshWindow = 30 * time.Minute
)

// Refresher keeps a session fresh in the background.
type Refresher struct {
	client *Client
	store  *Store
	logger zerolog.Logger
	now    func() time.Time

	cron *cron.Cron

	mu        sync.Mutex
	session   *Session
	onRefresh func(*Session)
}

// NewRefresher creates a refresher for sess. onRefresh, if set, is called with
// every new session after it has been saved.
func NewRefresher(logger zerolog.Logger, client *Client, store *Store, sess *Session, onRefresh func(*Session)) *Refresher {
	return &Refresher{
		client:    client,
		store:     store,
		logger:    logger.With().Str("component", "auth-refresher").Logger(),
		now:       time.Now,
		session:   sess,
		onRefresh: onRefresh,
	}
}

// Session returns the current session.
func (r *Refresher) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Start schedules the periodic check.
func (r *Refresher) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(RefreshSchedule, func() {
		if _, err := r.RefreshIfNeeded(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Session refresh failed")
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Debug().Str("schedule", RefreshSchedule).Msg("Session refresher started")
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (r *Refresher) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RefreshIfNeeded refreshes the session when it expires within RefreshWindow.
// It reports whether a refresh happened.
func (r *Refresher) RefreshIfNeeded(ctx context.Context) (bool, error) {
	sess, err := r.refresh(ctx)
	if err != nil || sess == nil {
		return false, err
	}

	if r.onRefresh != nil {
		r.onRefresh(sess)
	}
	return true, nil
}

func (r *Refresher) refresh(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.session.ExpiresWithin(r.now(), RefreshWindow) {
		return nil, nil
	}

	sess, err := r.client.Refresh(ctx, r.session)
	if err != nil {
		return nil, err
	}
	if err := r.store.Save(sess); err != nil {
		return nil, err
	}
	r.session = sess
	r.logger.Info().Time("expires_at", sess.ExpiresAt).Msg("Session refreshed")
	return sess, nil
}

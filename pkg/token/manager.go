package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/lkarlslund/gravitygate/pkg/account"
	"github.com/lkarlslund/gravitygate/pkg/oauth"
)

var ErrRefresh = errors.New("token refresh failed")

// Refresher performs the OAuth refresh grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (oauth.Token, error)
}

// Manager keeps pool access tokens fresh. Concurrent refreshes of the
// same credential collapse into one upstream call via singleflight; the
// key is the credential ID so different accounts refresh in parallel.
type Manager struct {
	pool     *account.Pool
	oauth    Refresher
	margin   time.Duration
	interval time.Duration
	force    chan struct{}
	sf       singleflight.Group
}

type Options struct {
	Margin   time.Duration
	Interval time.Duration
}

func NewManager(pool *account.Pool, refresher Refresher, opts Options) *Manager {
	if opts.Margin <= 0 {
		opts.Margin = 5 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 4 * time.Minute
	}
	return &Manager{
		pool:     pool,
		oauth:    refresher,
		margin:   opts.Margin,
		interval: opts.Interval,
		force:    make(chan struct{}, 1),
	}
}

func (m *Manager) valid(c account.Credential) bool {
	return c.AccessToken != "" && !c.ExpiresAt.IsZero() && time.Until(c.ExpiresAt) > m.margin
}

// EnsureFresh returns the credential with an access token valid for at
// least the refresh margin. Inside the margin it touches nothing.
func (m *Manager) EnsureFresh(ctx context.Context, id string) (account.Credential, error) {
	c, ok := m.pool.Get(id)
	if !ok {
		return account.Credential{}, account.ErrNotFound
	}
	if m.valid(c) {
		return c, nil
	}
	_, err, _ := m.sf.Do(id, func() (any, error) {
		cur, ok := m.pool.Get(id)
		if !ok {
			return nil, account.ErrNotFound
		}
		if m.valid(cur) {
			return nil, nil
		}
		tok, err := m.oauth.Refresh(ctx, cur.RefreshToken)
		if err != nil {
			if herr := m.pool.SetHealth(id, account.HealthRefreshFailed); herr != nil {
				log.Warn("mark refresh failure", "account", id, "error", herr)
			}
			return nil, fmt.Errorf("%w for %s: %v", ErrRefresh, cur.Label(), err)
		}
		if err := m.pool.UpdateToken(id, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
			return nil, err
		}
		log.Debug("access token refreshed", "account", cur.Label(), "expires", tok.ExpiresAt)
		return nil, nil
	})
	if err != nil {
		return account.Credential{}, err
	}
	c, ok = m.pool.Get(id)
	if !ok {
		return account.Credential{}, account.ErrNotFound
	}
	return c, nil
}

// Trigger asks the background loop for an immediate sweep.
func (m *Manager) Trigger() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}

// Run proactively refreshes tokens approaching expiry until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		m.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-m.force:
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	for _, id := range m.pool.IDs() {
		c, ok := m.pool.Get(id)
		if !ok || c.Health != account.HealthGood || m.valid(c) {
			continue
		}
		if _, err := m.EnsureFresh(ctx, id); err != nil {
			log.Warn("background token refresh failed", "account", c.Label(), "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/lkarlslund/gravitygate/pkg/account"
	"github.com/lkarlslund/gravitygate/pkg/cache"
	"github.com/lkarlslund/gravitygate/pkg/router"
	"github.com/lkarlslund/gravitygate/pkg/upstream"
)

// Backend is the slice of the upstream client the tracker needs.
type Backend interface {
	FetchAvailableModels(ctx context.Context, caller upstream.Caller) (map[string]upstream.ModelQuota, error)
	LoadAccountInfo(ctx context.Context, caller upstream.Caller) (upstream.AccountInfo, error)
}

// TokenSource hands out credentials with a live access token.
type TokenSource interface {
	EnsureFresh(ctx context.Context, id string) (account.Credential, error)
}

type Tracker struct {
	pool           *account.Pool
	backend        Backend
	tokens         TokenSource
	interval       time.Duration
	refreshTimeout time.Duration
	cachePath      string
	matrixTTL      time.Duration
	matrix         *cache.TTLMap[string, []AccountQuota]
	force          chan struct{}
}

type Options struct {
	Interval       time.Duration
	RefreshTimeout time.Duration
	CachePath      string
	MatrixTTL      time.Duration
}

func NewTracker(pool *account.Pool, backend Backend, tokens TokenSource, opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.MatrixTTL <= 0 {
		opts.MatrixTTL = 30 * time.Second
	}
	t := &Tracker{
		pool:           pool,
		backend:        backend,
		tokens:         tokens,
		interval:       opts.Interval,
		refreshTimeout: opts.RefreshTimeout,
		cachePath:      opts.CachePath,
		matrixTTL:      opts.MatrixTTL,
		matrix:         cache.NewTTLMap[string, []AccountQuota](),
		force:          make(chan struct{}, 1),
	}
	t.loadCachedQuotas()
	return t
}

type quotaCacheFile struct {
	Accounts map[string]map[router.Group]account.QuotaSnapshot `json:"accounts"`
}

// loadCachedQuotas gives the pool selection data from the previous run
// before the first upstream probe completes.
func (t *Tracker) loadCachedQuotas() {
	if t.cachePath == "" {
		return
	}
	var f quotaCacheFile
	if err := cache.LoadJSON(t.cachePath, &f); err != nil {
		if err != cache.ErrNotFound {
			log.Warn("load quota cache", "path", t.cachePath, "error", err)
		}
		return
	}
	for id, groups := range f.Accounts {
		for g, q := range groups {
			t.pool.RestoreQuota(id, g, q)
		}
	}
}

func (t *Tracker) saveCachedQuotas() {
	if t.cachePath == "" {
		return
	}
	f := quotaCacheFile{Accounts: map[string]map[router.Group]account.QuotaSnapshot{}}
	for _, c := range t.pool.All() {
		if len(c.Quota) == 0 {
			continue
		}
		groups := make(map[router.Group]account.QuotaSnapshot, len(c.Quota))
		for g, q := range c.Quota {
			groups[g] = q
		}
		f.Accounts[c.ID] = groups
	}
	if err := cache.SaveJSON(t.cachePath, f); err != nil {
		log.Warn("save quota cache", "path", t.cachePath, "error", err)
	}
}

// Refresh pulls current quota fractions for one account and caches them
// per group. Missing project or tier metadata is backfilled on the way.
func (t *Tracker) Refresh(ctx context.Context, id string) error {
	cred, err := t.tokens.EnsureFresh(ctx, id)
	if err != nil {
		return err
	}
	caller := upstream.Caller{AccessToken: cred.AccessToken, ProjectID: cred.ProjectID}
	if cred.ProjectID == "" || cred.Tier == "" {
		if info, err := t.backend.LoadAccountInfo(ctx, caller); err != nil {
			log.Debug("account info lookup failed", "account", cred.Label(), "error", err)
		} else {
			if err := t.pool.UpdateMetadata(id, "", info.ProjectID, info.Tier); err != nil {
				log.Warn("store account metadata", "account", cred.Label(), "error", err)
			}
			if info.ProjectID != "" {
				caller.ProjectID = info.ProjectID
			}
		}
	}
	quotas, err := t.backend.FetchAvailableModels(ctx, caller)
	if err != nil {
		return fmt.Errorf("fetch quotas for %s: %w", cred.Label(), err)
	}
	for _, g := range router.Groups() {
		q, ok := quotas[g.Representative()]
		if !ok {
			continue
		}
		t.pool.UpdateQuota(id, g, q.RemainingFraction, q.ResetTime)
	}
	return nil
}

// refreshOne bounds a single account probe so one hung upstream call
// cannot pin a sweep slot for the generation client's long timeout.
func (t *Tracker) refreshOne(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(ctx, t.refreshTimeout)
	defer cancel()
	return t.Refresh(rctx, id)
}

// RefreshAll refreshes every account, a few at a time. Individual
// failures are logged and do not stop the sweep.
func (t *Tracker) RefreshAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range t.pool.IDs() {
		id := id
		g.Go(func() error {
			if err := t.refreshOne(ctx, id); err != nil {
				log.Warn("quota refresh failed", "account", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	t.saveCachedQuotas()
}

// Cell is one account/group entry in the quota matrix.
type Cell struct {
	Fraction  float64    `json:"fraction"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// AccountQuota is one row of the matrix.
type AccountQuota struct {
	ID     string                `json:"id"`
	Email  string                `json:"email,omitempty"`
	Tier   string                `json:"tier,omitempty"`
	Groups map[router.Group]Cell `json:"groups"`
}

// Matrix refreshes all accounts and reports the per-group view. Accounts
// that fail to refresh still appear, with the error noted on their cells.
// Results are cached briefly so a polling dashboard does not turn every
// page load into a full upstream sweep.
func (t *Tracker) Matrix(ctx context.Context) []AccountQuota {
	if rows, ok := t.matrix.GetFresh("matrix", time.Now()); ok {
		return rows
	}
	var mu sync.Mutex
	errs := make(map[string]string)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range t.pool.IDs() {
		id := id
		g.Go(func() error {
			if err := t.refreshOne(gctx, id); err != nil {
				mu.Lock()
				errs[id] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []AccountQuota
	for _, c := range t.pool.All() {
		row := AccountQuota{ID: c.ID, Email: c.Email, Tier: c.Tier, Groups: map[router.Group]Cell{}}
		for _, grp := range router.Groups() {
			cell := Cell{Fraction: -1}
			if q, ok := c.Quota[grp]; ok {
				cell.Fraction = q.Fraction
				if !q.ResetAt.IsZero() {
					ra := q.ResetAt
					cell.ResetAt = &ra
				}
				if !q.CheckedAt.IsZero() {
					ca := q.CheckedAt
					cell.CheckedAt = &ca
				}
			}
			if msg, ok := errs[c.ID]; ok {
				cell.Error = msg
			}
			row.Groups[grp] = cell
		}
		out = append(out, row)
	}
	t.saveCachedQuotas()
	t.matrix.SetWithTTL("matrix", out, time.Now(), t.matrixTTL)
	return out
}

// Best returns the account with the highest average cached fraction.
func (t *Tracker) Best() (account.Credential, bool) {
	var best account.Credential
	bestAvg := -1.0
	for _, c := range t.pool.All() {
		if c.Health != account.HealthGood {
			continue
		}
		if avg := c.AverageFraction(); avg > bestAvg {
			bestAvg = avg
			best = c
		}
	}
	return best, bestAvg >= 0
}

// MarkExhausted zeroes the cached fraction after an upstream quota
// rejection so the next selection passes the account over until the
// tracker sees fresh numbers.
func (t *Tracker) MarkExhausted(id string, group router.Group) {
	t.pool.UpdateQuota(id, group, 0, time.Time{})
}

func (t *Tracker) Trigger() {
	select {
	case t.force <- struct{}{}:
	default:
	}
}

// Run keeps quota caches warm until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		t.RefreshAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-t.force:
		}
	}
}

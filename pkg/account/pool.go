package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/gravitygate/pkg/router"
	"github.com/lkarlslund/gravitygate/pkg/store"
)

type Health string

const (
	HealthGood          Health = "healthy"
	HealthRefreshFailed Health = "refresh-failed"
	HealthDisabled      Health = "disabled"
)

var (
	ErrNoAccounts = errors.New("no usable account in pool")
	ErrNotFound   = errors.New("account not found")
)

// QuotaSnapshot is the cached remaining-quota view for one group.
type QuotaSnapshot struct {
	Fraction  float64   `json:"fraction"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Credential is one upstream account with its runtime state. The pool
// hands out copies; all mutation goes through pool methods so changes
// reach the credential store.
type Credential struct {
	ID           string
	Email        string
	Name         string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProjectID    string
	Tier         string
	Health       Health
	Quota        map[router.Group]QuotaSnapshot
}

func (c *Credential) Label() string {
	if c.Email != "" {
		return c.Email
	}
	return c.ID
}

// AverageFraction is the mean of all known quota fractions, -1 when none
// are cached. Used by the best-account ops endpoint.
func (c *Credential) AverageFraction() float64 {
	if len(c.Quota) == 0 {
		return -1
	}
	var sum float64
	for _, q := range c.Quota {
		sum += q.Fraction
	}
	return sum / float64(len(c.Quota))
}

type Pool struct {
	mu          sync.RWMutex
	store       store.CredentialStore
	byID        map[string]*Credential
	staleAfter  time.Duration
	minFraction float64
}

type Options struct {
	StaleAfter  time.Duration
	MinFraction float64
}

func NewPool(st store.CredentialStore, opts Options) *Pool {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.MinFraction <= 0 {
		opts.MinFraction = 0.05
	}
	return &Pool{
		store:       st,
		byID:        map[string]*Credential{},
		staleAfter:  opts.StaleAfter,
		minFraction: opts.MinFraction,
	}
}

// Reload replaces the pool contents from the credential store. Runtime
// state (quota cache, health) carries over for accounts that survive.
func (p *Pool) Reload() (int, error) {
	recs, err := p.store.Load()
	if err != nil {
		return 0, fmt.Errorf("load credentials: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*Credential, len(recs))
	for _, r := range recs {
		c := credentialFromRecord(r)
		if prev, ok := p.byID[c.ID]; ok {
			c.Quota = prev.Quota
			if prev.Health == HealthRefreshFailed && c.Health == HealthGood {
				c.Health = prev.Health
			}
		}
		next[c.ID] = c
	}
	p.byID = next
	log.Info("account pool reloaded", "accounts", len(next))
	return len(next), nil
}

func credentialFromRecord(r store.CredentialRecord) *Credential {
	c := &Credential{
		ID:           r.ID,
		Email:        r.Email,
		Name:         r.Name,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ProjectID:    r.ProjectID,
		Tier:         r.Tier,
		Health:       HealthGood,
		Quota:        map[router.Group]QuotaSnapshot{},
	}
	if r.Disabled {
		c.Health = HealthDisabled
	}
	if ts := strings.TrimSpace(r.TokenExpiresAt); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			c.ExpiresAt = t
		}
	}
	return c
}

func recordFromCredential(c *Credential) store.CredentialRecord {
	r := store.CredentialRecord{
		ID:           c.ID,
		Email:        c.Email,
		Name:         c.Name,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ProjectID:    c.ProjectID,
		Tier:         c.Tier,
		Disabled:     c.Health == HealthDisabled,
	}
	if !c.ExpiresAt.IsZero() {
		r.TokenExpiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return r
}

// Select picks the credential with the most remaining quota for the group.
// Fresh fractions at or below the minimum are skipped as exhausted; stale
// or unknown fractions rank below every fresh one instead of being
// excluded, so an account with outdated numbers still gets a chance once
// the fresh ones run out. Ties break on earliest token expiry, then ID.
func (p *Pool) Select(group router.Group, exclude map[string]struct{}) (Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	type candidate struct {
		cred     *Credential
		fraction float64
		fresh    bool
	}
	var cands []candidate
	for id, c := range p.byID {
		if _, skip := exclude[id]; skip {
			continue
		}
		if c.Health != HealthGood {
			continue
		}
		q, known := c.Quota[group]
		fresh := known && now.Sub(q.CheckedAt) <= p.staleAfter
		if fresh && q.Fraction <= p.minFraction {
			continue
		}
		fraction := -1.0
		if known {
			fraction = q.Fraction
		}
		cands = append(cands, candidate{cred: c, fraction: fraction, fresh: fresh})
	}
	if len(cands) == 0 {
		return Credential{}, ErrNoAccounts
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.fresh != b.fresh {
			return a.fresh
		}
		if a.fraction != b.fraction {
			return a.fraction > b.fraction
		}
		ae, be := a.cred.ExpiresAt, b.cred.ExpiresAt
		if !ae.Equal(be) {
			if ae.IsZero() {
				return false
			}
			if be.IsZero() {
				return true
			}
			return ae.Before(be)
		}
		return a.cred.ID < b.cred.ID
	})
	return cloneCredential(cands[0].cred), nil
}

func (p *Pool) Get(id string) (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byID[id]
	if !ok {
		return Credential{}, false
	}
	return cloneCredential(c), true
}

func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byID))
	for id := range p.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) All() []Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Credential, 0, len(p.byID))
	for _, c := range p.byID {
		out = append(out, cloneCredential(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) Add(c Credential) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.RefreshToken) == "" {
		return errors.New("credential needs id and refresh token")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Health == "" {
		c.Health = HealthGood
	}
	if c.Quota == nil {
		c.Quota = map[router.Group]QuotaSnapshot{}
	}
	cp := cloneCredential(&c)
	p.byID[c.ID] = &cp
	return p.persistLocked()
}

func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return ErrNotFound
	}
	delete(p.byID, id)
	return p.persistLocked()
}

// UpdateToken stores a refreshed access token. An empty refresh token
// keeps the existing one; Google omits it on most refresh responses.
func (p *Pool) UpdateToken(id, accessToken, refreshToken string, expiresAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.AccessToken = accessToken
	if strings.TrimSpace(refreshToken) != "" {
		c.RefreshToken = refreshToken
	}
	c.ExpiresAt = expiresAt
	c.Health = HealthGood
	return p.persistLocked()
}

func (p *Pool) SetHealth(id string, h Health) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Health = h
	return p.persistLocked()
}

// UpdateQuota refreshes the cached fraction for one group. Runtime only,
// not persisted.
func (p *Pool) UpdateQuota(id string, group router.Group, fraction float64, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return
	}
	c.Quota[group] = QuotaSnapshot{Fraction: fraction, ResetAt: resetAt, CheckedAt: time.Now()}
}

// RestoreQuota reinstates a cached snapshot with its original CheckedAt,
// so data loaded from disk still ages out as stale.
func (p *Pool) RestoreQuota(id string, group router.Group, q QuotaSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return
	}
	if cur, exists := c.Quota[group]; exists && cur.CheckedAt.After(q.CheckedAt) {
		return
	}
	c.Quota[group] = q
}

func (p *Pool) UpdateMetadata(id, email, projectID, tier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return ErrNotFound
	}
	if email != "" {
		c.Email = email
	}
	if projectID != "" {
		c.ProjectID = projectID
	}
	if tier != "" {
		c.Tier = tier
	}
	return p.persistLocked()
}

func (p *Pool) persistLocked() error {
	recs := make([]store.CredentialRecord, 0, len(p.byID))
	for _, c := range p.byID {
		recs = append(recs, recordFromCredential(c))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	if err := p.store.Save(recs); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

func cloneCredential(c *Credential) Credential {
	cp := *c
	cp.Quota = make(map[router.Group]QuotaSnapshot, len(c.Quota))
	for g, q := range c.Quota {
		cp.Quota[g] = q
	}
	return cp
}

// Package flags resolves per-(app, tenant) feature flags consulted by the
// reconciliation engine. The provider owns a short-TTL cache; callers receive
// the provider as an explicit dependency, never a process-global lookup.
package flags

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Flags are the tenant-scoped knobs the orchestration core consults.
type Flags struct {
	AppID             string `json:"app_id"`
	TenantID          string `json:"tenant_id"`
	PersistExtraction bool   `json:"persist_extraction"`
	MedicationCatalog string `json:"medication_catalog"`
	StrictValueMatch  bool   `json:"strict_value_match"`
}

// Defaults returns the flag values used when a tenant has no stored row.
func Defaults(appID, tenantID string) Flags {
	return Flags{
		AppID:             appID,
		TenantID:          tenantID,
		PersistExtraction: true,
		MedicationCatalog: "medispan",
		StrictValueMatch:  true,
	}
}

// Repository loads flag rows from durable storage.
type Repository interface {
	Get(ctx context.Context, appID, tenantID string) (*Flags, error)
	Upsert(ctx context.Context, f *Flags) error
}

// Provider caches repository lookups with a TTL.
type Provider struct {
	repo Repository
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	flags   Flags
	expires time.Time
}

func NewProvider(repo Repository, ttl time.Duration) *Provider {
	return &Provider{
		repo:  repo,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

func cacheKey(appID, tenantID string) string {
	return appID + "/" + tenantID
}

// Get returns the flags for (app, tenant), falling back to defaults when no
// row exists. Cached values are served until their TTL lapses.
func (p *Provider) Get(ctx context.Context, appID, tenantID string) (Flags, error) {
	key := cacheKey(appID, tenantID)

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.now().Before(entry.expires) {
		p.mu.Unlock()
		return entry.flags, nil
	}
	p.mu.Unlock()

	stored, err := p.repo.Get(ctx, appID, tenantID)
	if err != nil {
		return Flags{}, fmt.Errorf("load flags for %s/%s: %w", appID, tenantID, err)
	}

	flags := Defaults(appID, tenantID)
	if stored != nil {
		flags = *stored
	}

	p.mu.Lock()
	p.cache[key] = cacheEntry{flags: flags, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()

	return flags, nil
}

// Invalidate drops the cached entry for (app, tenant).
func (p *Provider) Invalidate(appID, tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, cacheKey(appID, tenantID))
}

// MemoryRepository is a map-backed Repository. Test double.
type MemoryRepository struct {
	mu    sync.Mutex
	rows  map[string]Flags
	fails error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Flags)}
}

func (r *MemoryRepository) Get(_ context.Context, appID, tenantID string) (*Flags, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails != nil {
		return nil, r.fails
	}
	if f, ok := r.rows[cacheKey(appID, tenantID)]; ok {
		out := f
		return &out, nil
	}
	return nil, nil
}

func (r *MemoryRepository) Upsert(_ context.Context, f *Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[cacheKey(f.AppID, f.TenantID)] = *f
	return nil
}

// FailWith makes subsequent Gets return err.
func (r *MemoryRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = err
}

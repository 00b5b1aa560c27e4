package compare

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"studio/internal/domain"
)

// Registry keeps open batches addressable between requests. The least
// recently used batch is closed when the registry is full, and batches older
// than the ttl are closed on access.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(size int, ttl time.Duration) (*Registry, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.NewWithEvict(size, func(_ interface{}, value interface{}) {
		if b, ok := value.(*Batch); ok {
			b.Close()
			b.release()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Registry{cache: cache, ttl: ttl, now: time.Now}, nil
}

func (r *Registry) Put(b *Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(b.ID(), b)
}

// Get returns an open or closed batch owned by owner.
func (r *Registry) Get(owner domain.Owner, id string) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	b := v.(*Batch)
	if b.Owner() != owner {
		return nil, domain.ErrNotFound
	}
	if r.ttl > 0 && r.now().Sub(b.CreatedAt()) > r.ttl {
		r.cache.Remove(id)
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// Remove closes and forgets a batch.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(id)
}

func (r *Registry) Len() int {
	return r.cache.Len()
}

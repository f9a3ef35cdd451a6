package governor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	valkeylib "github.com/valkey-io/valkey-go"
)

// DedupStore remembers handled event identifiers for a bounded time.
// Admit must be atomic: of two concurrent calls with the same key, at most
// one reports true.
type DedupStore interface {
	Admit(ctx context.Context, key string) (bool, error)
}

// DefaultDedupSize bounds the in-memory cache when no size is configured
const DefaultDedupSize = 1024

// MemoryDedup is a per-process TTL cache of handled identifiers
type MemoryDedup struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, bool]
}

// NewMemoryDedup keeps up to size identifiers for ttl each. Once full, the
// least recently admitted id is dropped even if its ttl has not run out.
func NewMemoryDedup(size int, ttl time.Duration) *MemoryDedup {
	if size <= 0 {
		size = DefaultDedupSize
	}
	return &MemoryDedup{cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (d *MemoryDedup) Admit(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(key) {
		return false, nil
	}
	d.cache.Add(key, true)
	return true, nil
}

// Len reports the number of live entries
func (d *MemoryDedup) Len() int {
	return d.cache.Len()
}

// ValkeyDedup shares handled identifiers through Valkey so restarts and
// replicas of the same account do not re-admit an event.
type ValkeyDedup struct {
	client valkeylib.Client
	prefix string
	ttl    time.Duration
}

// NewValkeyDedup stores keys under prefix with the given ttl
func NewValkeyDedup(client valkeylib.Client, prefix string, ttl time.Duration) *ValkeyDedup {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return &ValkeyDedup{client: client, prefix: prefix + "dedup:", ttl: ttl}
}

func (d *ValkeyDedup) Admit(ctx context.Context, key string) (bool, error) {
	cmd := d.client.B().Set().
		Key(d.prefix + key).
		Value("1").
		Nx().
		ExSeconds(int64(d.ttl / time.Second)).
		Build()
	resp := d.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		if valkeylib.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("dedup set %s: %w", key, err)
	}
	status, err := resp.ToString()
	if err != nil {
		return false, nil
	}
	return status == "OK", nil
}

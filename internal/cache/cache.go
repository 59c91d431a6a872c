// Package cache provides the process-wide keyed TTL cache shared by the
// analytics engine and the realtime tracker.
//
// Entries carry a class tag with a fixed TTL per class. Expiry is enforced at
// read time: a stale entry is never served, regardless of janitor timing. A
// background janitor evicts expired entries so the map does not grow without
// bound.
package cache

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Class tags a cached value with its TTL family.
type Class string

// Cache classes with fixed TTLs.
const (
	ClassFunnelConfig      Class = "funnel_config"      // 5m
	ClassFunnelList        Class = "funnel_list"        // 2m
	ClassConversionMetrics Class = "conversion_metrics" // 15m
	ClassDailyMetrics      Class = "daily_metrics"      // 1h
	ClassLiveMetrics       Class = "live_metrics"       // 30s, ceiling
	ClassUserState         Class = "user_state"         // 1m
	ClassCohortAnalysis    Class = "cohort_analysis"    // 1h
	ClassPathAnalysis      Class = "path_analysis"      // 30m
	ClassExportData        Class = "export_data"        // 5m
)

// classTTLs is the fixed TTL table. Callers use TTL(class) so response
// cache_duration_seconds fields stay accurate.
var classTTLs = map[Class]time.Duration{
	ClassFunnelConfig:      5 * time.Minute,
	ClassFunnelList:        2 * time.Minute,
	ClassConversionMetrics: 15 * time.Minute,
	ClassDailyMetrics:      time.Hour,
	ClassLiveMetrics:       30 * time.Second,
	ClassUserState:         time.Minute,
	ClassCohortAnalysis:    time.Hour,
	ClassPathAnalysis:      30 * time.Minute,
	ClassExportData:        5 * time.Minute,
}

const janitorInterval = time.Minute

// TTL returns the fixed TTL for a class. Unknown classes get the live-metrics
// ceiling so a typo can never pin stale data.
func TTL(class Class) time.Duration {
	if ttl, ok := classTTLs[class]; ok {
		return ttl
	}

	return classTTLs[ClassLiveMetrics]
}

type (
	// Cache is a thread-safe keyed TTL store. All access is serialized with a
	// reader-writer lock; values are stored as-is and callers must not mutate
	// what they get back.
	Cache struct {
		mu      sync.RWMutex
		entries map[string]entry
		logger  *slog.Logger

		janitorStop chan struct{}
		janitorDone chan struct{}
		closeOnce   sync.Once
	}

	entry struct {
		value     any
		class     Class
		expiresAt time.Time
	}
)

// New creates a cache and starts its janitor goroutine. Call Close to stop it.
func New(logger *slog.Logger) *Cache {
	c := &Cache{
		entries:     make(map[string]entry),
		logger:      logger,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	go c.janitor()

	return c
}

// Close stops the janitor goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.janitorStop)
		<-c.janitorDone
	})
}

// Get returns the raw value for key, with ok=false on miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		// Expired entries must never be served; evict eagerly.
		c.Delete(key)

		return nil, false
	}

	return e.value, true
}

// Set stores value under key with an explicit TTL and class tag. A nil value
// with ttl <= 0 acts as a deletion sentinel.
func (c *Cache) Set(key string, value any, class Class, ttl time.Duration) {
	if value == nil && ttl <= 0 {
		c.Delete(key)

		return
	}

	if ttl <= 0 {
		ttl = TTL(class)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, class: class, expiresAt: time.Now().Add(ttl)}
}

// SetClass stores value under key using the class's fixed TTL.
func (c *Cache) SetClass(key string, value any, class Class) {
	c.Set(key, value, class, TTL(class))
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// DeletePrefix removes every key with the given prefix and returns the count.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int

	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// Len returns the number of live entries, counting not-yet-evicted expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Get retrieves a typed value from the cache. The second return is false on
// miss, expiry, or type mismatch. Type mismatches indicate a key collision
// between categories and are treated as a miss rather than a panic.
func Get[T any](c *Cache, key string) (T, bool) {
	var zero T

	raw, ok := c.Get(key)
	if !ok {
		return zero, false
	}

	value, ok := raw.(T)
	if !ok {
		return zero, false
	}

	return value, true
}

// KeyFor builds a deterministic cache key from a category and params:
// "category:k1=v1:k2=v2" with keys sorted.
func KeyFor(category string, params map[string]string) string {
	if len(params) == 0 {
		return category
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	b.WriteString(category)

	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	return b.String()
}

// ScopedKey builds a cache key whose prefix is the canonical
// (funnel, tenant, workspace) triple so targeted invalidation can match on
// prefix regardless of the request-specific params that follow.
func ScopedKey(category string, funnelID, tenantID, workspaceID int64, params map[string]string) string {
	base := category +
		":funnelId=" + strconv.FormatInt(funnelID, 10) +
		":tenantId=" + strconv.FormatInt(tenantID, 10) +
		":workspaceId=" + strconv.FormatInt(workspaceID, 10)

	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	b.WriteString(base)

	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	return b.String()
}

// InvalidateFunnel removes the funnel's config, conversion, and live entries
// plus the workspace funnel-list entries. Called on publish, archive, update,
// and significant realtime progressions.
func (c *Cache) InvalidateFunnel(funnelID, tenantID, workspaceID int64) {
	var removed int

	for _, category := range []string{"funnel:config", "funnel:conversion", "funnel:live"} {
		removed += c.DeletePrefix(ScopedKey(category, funnelID, tenantID, workspaceID, nil))
	}

	removed += c.DeletePrefix(KeyFor("funnel:list", map[string]string{
		"tenantId":    strconv.FormatInt(tenantID, 10),
		"workspaceId": strconv.FormatInt(workspaceID, 10),
	}))

	if c.logger != nil && removed > 0 {
		c.logger.Debug("Invalidated funnel cache entries",
			slog.Int64("funnel_id", funnelID),
			slog.Int64("tenant_id", tenantID),
			slog.Int64("workspace_id", workspaceID),
			slog.Int("removed", removed),
		)
	}
}

// janitor evicts expired entries on a fixed interval.
func (c *Cache) janitor() {
	defer close(c.janitorDone)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.janitorStop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

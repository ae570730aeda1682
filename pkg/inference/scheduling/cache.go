package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/inference"
	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/metrics"
	"github.com/weft-ai/weft/pkg/store"
)

const (
	// defaultCapacity is the number of cache slots used when the
	// configuration does not specify one.
	defaultCapacity = 4
	// defaultAcquireTimeout bounds how long Acquire waits for a free
	// slot when the configuration does not specify a timeout.
	defaultAcquireTimeout = 30 * time.Second
)

// Handle is a reference to a resident model. Handles are shared: the
// same Handle is returned to every acquirer of a model, and generation
// access is serialized through genLock. A Handle is valid until
// released back to the cache.
type Handle struct {
	// name is the cache key the model was acquired under.
	name string
	// filename is the base name of the backing weight file.
	filename string
	// model is the loaded engine instance.
	model inference.Model
	// size is the weight file size in bytes.
	size int64
	// genLock serializes generation calls against model. The engine is
	// not reentrant on a single instance.
	genLock *semaphore.Weighted
}

// Name returns the cache key the handle was acquired under.
func (h *Handle) Name() string {
	return h.name
}

// ContextSize returns the context window of the loaded model.
func (h *Handle) ContextSize() int {
	return h.model.ContextSize()
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Capacity is the maximum number of resident models. Values <= 0
	// use the default of 4.
	Capacity int
	// AcquireTimeout bounds how long Acquire waits for a slot before
	// failing with ErrCacheExhausted. Values <= 0 use the default of
	// 30 seconds.
	AcquireTimeout time.Duration
	// IdleTimeout evicts unreferenced models that have not been used
	// for this long. 0 disables idle eviction: unreferenced models
	// stay warm until capacity pressure evicts them.
	IdleTimeout time.Duration
	// VerifyOnLoad re-hashes weight files against their registry
	// checksum before every load.
	VerifyOnLoad bool
	// Model is the engine configuration applied to loads.
	Model inference.ModelConfig
}

// Cache is a bounded pool of loaded models. Loads are deduplicated by
// construction: the engine load happens while holding the cache guard,
// so concurrent acquirers of the same name block until the first load
// registers its entry and then take the hit path.
type Cache struct {
	// log is the associated logger.
	log logging.Logger
	// engine loads weight files.
	engine inference.Engine
	// store resolves model names to weight files.
	store *store.Store
	// acquireTimeout bounds Acquire.
	acquireTimeout time.Duration
	// idleTimeout is the idle eviction threshold, 0 when disabled.
	idleTimeout time.Duration
	// verifyOnLoad enables checksum re-verification before loads.
	verifyOnLoad bool
	// modelConfig is the engine configuration for loads.
	modelConfig inference.ModelConfig
	// idleCheck is used to signal the run loop when timestamps have
	// updated.
	idleCheck chan struct{}
	// guard is a semaphore controlling access to all subsequent
	// fields. It is buffered (with size 1) and contains a single
	// element that must be held in order to operate on those fields.
	// We use a channel (instead of a sync.Mutex) to enable polling.
	guard chan struct{}
	// open indicates that loads are accepted. It is true from
	// construction until shutdown starts draining the cache.
	open bool
	// waiters is the set of signal channels associated with blocked
	// acquirers. We use a set of signaling channels (instead of a
	// sync.Cond) to enable polling. Each signaling channel should be
	// buffered (with size 1).
	waiters map[chan<- struct{}]bool
	// entries maps cache keys to their slot index.
	entries map[string]int
	// slots maps slot indices to handles. A slot is free if its handle
	// is nil.
	slots []*Handle
	// references maps slot indices to reference counts.
	references []uint
	// timestamps maps slot indices to last usage times, stamped on
	// both acquire and release.
	timestamps []time.Time
}

// NewCache creates a model cache backed by the given engine and store.
func NewCache(log logging.Logger, engine inference.Engine, modelStore *store.Store, cfg CacheConfig) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	c := &Cache{
		log:            log,
		engine:         engine,
		store:          modelStore,
		acquireTimeout: acquireTimeout,
		idleTimeout:    cfg.IdleTimeout,
		verifyOnLoad:   cfg.VerifyOnLoad,
		modelConfig:    cfg.Model,
		idleCheck:      make(chan struct{}, 1),
		guard:          make(chan struct{}, 1),
		open:           true,
		waiters:        make(map[chan<- struct{}]bool),
		entries:        make(map[string]int, capacity),
		slots:          make([]*Handle, capacity),
		references:     make([]uint, capacity),
		timestamps:     make([]time.Time, capacity),
	}
	c.guard <- struct{}{}
	return c
}

// lock acquires the guard semaphore. It returns true if the lock was
// acquired and false if ctx is cancelled before acquisition.
func (c *Cache) lock(ctx context.Context) bool {
	select {
	case <-c.guard:
		return true
	case <-ctx.Done():
		return false
	}
}

// unlock releases the guard semaphore.
func (c *Cache) unlock() {
	c.guard <- struct{}{}
}

// broadcast signals all waiters. Callers must hold the cache lock.
func (c *Cache) broadcast() {
	for waiter := range c.waiters {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

// Acquire returns a handle to the named model, loading it if needed.
// Hits only bump the reference count. Misses resolve the weight file
// through the store (failing with ErrModelNotDownloaded when absent)
// and load it through the engine while holding the guard. When the
// cache is full and nothing can be evicted, Acquire waits until a slot
// frees or the acquire timeout elapses, then fails with
// ErrCacheExhausted. Every successful Acquire must be paired with a
// Release.
func (c *Cache) Acquire(ctx context.Context, name string) (*Handle, error) {
	deadline, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()

	if !c.lock(deadline) {
		return nil, acquireFailure(ctx)
	}
	defer c.unlock()

	// Create a polling channel that we can use to detect state changes
	// and ensure that it's deregistered by the time we return.
	poll := make(chan struct{}, 1)
	c.waiters[poll] = true
	defer delete(c.waiters, poll)

	for {
		if !c.open {
			return nil, errCacheClosed
		}

		// Hit: no disk I/O.
		if slot, ok := c.entries[name]; ok {
			c.references[slot]++
			c.timestamps[slot] = time.Now()
			return c.slots[slot], nil
		}

		// At capacity, try to free the least recently used idle entry.
		if len(c.entries) == len(c.slots) {
			c.evictOldest()
		}

		// Find a free slot.
		slot := -1
		if len(c.entries) < len(c.slots) {
			for s, h := range c.slots {
				if h == nil {
					slot = s
					break
				}
			}
		}

		// If we have a slot, load and register. Holding the guard here
		// blocks other acquirers, which is what deduplicates loads:
		// late callers for the same name hit the entry on their next
		// pass.
		if slot >= 0 {
			handle, err := c.load(ctx, name)
			if err != nil {
				return nil, err
			}
			c.entries[name] = slot
			c.slots[slot] = handle
			c.references[slot] = 1
			c.timestamps[slot] = time.Now()
			metrics.CacheResident.Inc()
			return handle, nil
		}

		// Every slot is referenced. Wait for something to change. Note
		// that we always re-lock with context.Background() because we
		// need to ensure we hold the lock by the time we return.
		c.unlock()
		select {
		case <-deadline.Done():
			c.lock(context.Background())
			return nil, acquireFailure(ctx)
		case <-poll:
			c.lock(context.Background())
		}
	}
}

// acquireFailure distinguishes a cancelled caller from an expired
// acquire timeout.
func acquireFailure(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	return ErrCacheExhausted
}

// load resolves and loads a model. The caller must hold the cache
// lock.
func (c *Cache) load(ctx context.Context, name string) (*Handle, error) {
	file, meta, err := c.store.Info(name)
	if err != nil {
		if errors.Is(err, store.ErrModelNotFound) {
			return nil, fmt.Errorf("model %q: %w", name, ErrModelNotDownloaded)
		}
		return nil, err
	}
	if c.verifyOnLoad {
		if err := c.store.Verify(name); err != nil {
			return nil, &LoadError{Model: name, Err: err}
		}
	}

	// Clamp the configured context window to what the weight file
	// supports.
	cfg := c.modelConfig
	if meta.ContextLength > 0 && meta.ContextLength < cfg.ContextSize {
		c.log.Debugf("Clamping context window of %s to %d tokens", file.Name, meta.ContextLength)
		cfg.ContextSize = meta.ContextLength
	}

	c.log.Infof("Loading model %s from %s", name, file.Name)
	model, err := c.engine.Load(ctx, file.Path, cfg)
	if err != nil {
		c.log.Warnf("Unable to load model %s: %v", name, err)
		return nil, &LoadError{Model: name, Err: err}
	}
	return &Handle{
		name:     name,
		filename: file.Name,
		model:    model,
		size:     file.Size,
		genLock:  semaphore.NewWeighted(1),
	}, nil
}

// Release returns a handle to the cache. The entry stays warm
// (resident but unreferenced) until evicted by capacity pressure, idle
// timeout or shutdown. Releasing more times than acquired corrupts the
// cache accounting and panics.
func (c *Cache) Release(handle *Handle) {
	c.lock(context.Background())
	defer c.unlock()

	slot, ok := c.entries[handle.name]
	if !ok || c.slots[slot] != handle {
		c.log.Panicf("Release of model %s, which is not resident", handle.name)
	}
	if c.references[slot] == 0 {
		c.log.Panicf("Reference count underflow for model %s", handle.name)
	}
	c.references[slot]--
	c.timestamps[slot] = time.Now()

	// If the entry is now unreferenced, let the run loop reconsider
	// its idle schedule.
	if c.references[slot] == 0 {
		select {
		case c.idleCheck <- struct{}{}:
		default:
		}
	}
	c.broadcast()
}

// remove closes and forgets one entry. The caller must hold the cache
// lock and the entry must be unreferenced. A failed close means the
// native model memory leaked; it is surfaced loudly rather than
// swallowed.
func (c *Cache) remove(name string, slot int, trigger string) {
	handle := c.slots[slot]
	c.log.Infof("Evicting model %s", name)
	if err := handle.model.Close(); err != nil {
		c.log.Errorf("Model %s leaked: close failed during eviction: %v", name, err)
		metrics.CacheCloseFailuresTotal.Inc()
	}
	c.slots[slot] = nil
	c.timestamps[slot] = time.Time{}
	delete(c.entries, name)
	metrics.CacheResident.Dec()
	metrics.CacheEvictionsTotal.WithLabelValues(trigger).Inc()
}

// evictOldest frees the single unreferenced entry with the oldest
// usage timestamp. The caller must hold the cache lock. It returns
// false when every entry is referenced.
func (c *Cache) evictOldest() bool {
	victim, victimSlot := "", -1
	for name, slot := range c.entries {
		if c.references[slot] != 0 {
			continue
		}
		if victimSlot < 0 || c.timestamps[slot].Before(c.timestamps[victimSlot]) {
			victim, victimSlot = name, slot
		}
	}
	if victimSlot < 0 {
		return false
	}
	c.remove(victim, victimSlot, "capacity")
	return true
}

// evict evicts all unreferenced entries. If idleOnly is true, only
// entries idle past the idle timeout are evicted. The caller must hold
// the cache lock. It returns the number of remaining entries.
func (c *Cache) evict(idleOnly bool) int {
	now := time.Now()
	trigger := "shutdown"
	if idleOnly {
		trigger = "idle"
	}
	for name, slot := range c.entries {
		unused := c.references[slot] == 0
		idle := unused && c.idleTimeout > 0 && now.Sub(c.timestamps[slot]) > c.idleTimeout
		if unused && (!idleOnly || idle) {
			c.remove(name, slot, trigger)
		}
	}
	return len(c.entries)
}

// Unload evicts the named entry if it is resident and unreferenced. It
// returns the number of entries evicted (0 or 1) and ErrModelInUse
// when the entry has active references. The name matches the cache key
// or the backing file name.
func (c *Cache) Unload(name string) (int, error) {
	c.lock(context.Background())
	defer c.unlock()

	for key, slot := range c.entries {
		if !keyMatches(key, c.slots[slot].filename, name) {
			continue
		}
		if c.references[slot] != 0 {
			return 0, fmt.Errorf("model %q: %w", key, ErrModelInUse)
		}
		c.remove(key, slot, "api")
		c.broadcast()
		return 1, nil
	}
	return 0, nil
}

// UnloadAll evicts every unreferenced entry and returns how many were
// evicted.
func (c *Cache) UnloadAll() int {
	c.lock(context.Background())
	defer c.unlock()

	evicted := 0
	for key, slot := range c.entries {
		if c.references[slot] != 0 {
			continue
		}
		c.remove(key, slot, "api")
		evicted++
	}
	if evicted > 0 {
		c.broadcast()
	}
	return evicted
}

// InUse reports whether the named model is resident with active
// references. It is the hook behind the store's deletion guard.
func (c *Cache) InUse(name string) bool {
	c.lock(context.Background())
	defer c.unlock()

	for key, slot := range c.entries {
		if c.references[slot] == 0 {
			continue
		}
		if keyMatches(key, c.slots[slot].filename, name) {
			return true
		}
	}
	return false
}

// keyMatches reports whether a query names the entry with the given
// cache key and file name.
func keyMatches(key, filename, query string) bool {
	return query == key || query == filename || query == strings.TrimSuffix(filename, ".gguf")
}

// Status describes the resident entries, sorted by name.
func (c *Cache) Status() []api.LoadedModel {
	c.lock(context.Background())
	defer c.unlock()

	loaded := make([]api.LoadedModel, 0, len(c.entries))
	for name, slot := range c.entries {
		entry := api.LoadedModel{
			Model:      name,
			SizeBytes:  c.slots[slot].size,
			References: c.references[slot],
			LastUsed:   c.timestamps[slot],
		}
		if c.references[slot] == 0 {
			entry.IdleSeconds = int64(time.Since(c.timestamps[slot]).Seconds())
		}
		loaded = append(loaded, entry)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Model < loaded[j].Model })
	return loaded
}

// stopAndDrainTimer stops and drains a timer without knowing if it was
// running.
func stopAndDrainTimer(timer *time.Timer) {
	timer.Stop()
	select {
	case <-timer.C:
	default:
	}
}

// idleCheckDuration computes the duration until the next idle eviction
// should occur. The caller must hold the cache lock. If no entries are
// unreferenced, then -1 seconds is returned. If any unreferenced
// entries are already expired, then 0 seconds is returned. Otherwise a
// time in the future at which eviction should occur is returned.
func (c *Cache) idleCheckDuration() time.Duration {
	var oldest time.Time
	for _, slot := range c.entries {
		if c.references[slot] == 0 {
			timestamp := c.timestamps[slot]
			if oldest.IsZero() || timestamp.Before(oldest) {
				oldest = timestamp
			}
		}
	}
	if oldest.IsZero() {
		return -1 * time.Second
	}

	// If the remaining duration is negative, check immediately,
	// otherwise wait until 100 milliseconds after the expiration time
	// (to avoid checking right on the boundary).
	if remaining := c.idleTimeout - time.Since(oldest); remaining < 0 {
		return 0
	} else {
		return remaining + 100*time.Millisecond
	}
}

// Run drives idle eviction until ctx is cancelled, then drains the
// cache: loads are disabled, every unreferenced entry is evicted, and
// Run returns once the last referenced entry has been released and
// evicted.
func (c *Cache) Run(ctx context.Context) {
	// Defer disablement of loads and wait for complete eviction.
	defer func() {
		poll := make(chan struct{}, 1)
		poll <- struct{}{} // Trigger an initial polling in case all are unused.
		c.lock(context.Background())
		c.open = false
		c.broadcast()
		c.waiters[poll] = true
		c.unlock()
		for range poll {
			c.lock(context.Background())
			if c.evict(false) == 0 {
				delete(c.waiters, poll)
				c.unlock()
				break
			}
			c.unlock()
		}
		c.log.Info("Model cache drained")
	}()

	// Without an idle timeout there is nothing to do until shutdown.
	if c.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	// Create a timer that we'll use to drive idle eviction. Ensure
	// that it's stopped by the time we exit.
	idleTimer := time.NewTimer(0)
	stopAndDrainTimer(idleTimer)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleTimer.C:
			if c.lock(ctx) {
				c.evict(true)
				if nextCheck := c.idleCheckDuration(); nextCheck >= 0 {
					idleTimer.Reset(nextCheck)
				}
				c.unlock()
			}
		case <-c.idleCheck:
			// Recompute the next idle check time.
			if c.lock(ctx) {
				stopAndDrainTimer(idleTimer)
				if nextCheck := c.idleCheckDuration(); nextCheck >= 0 {
					idleTimer.Reset(nextCheck)
				}
				c.unlock()
			}
		}
	}
}

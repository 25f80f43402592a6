package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xelth-com/foodlens/internal/config"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/metric"
)

const (
	// DefaultMaxBytes is the storage budget when none is configured.
	DefaultMaxBytes int64 = 10 * 1024 * 1024

	// DefaultEvictFraction is the share of timestamped entries removed per eviction pass.
	DefaultEvictFraction = 0.2
)

// timestampFields are probed in order when ranking entries for eviction.
var timestampFields = []string{"cachedAt", "timestamp", "updatedAt", "createdAt"}

// Options configures an Adapter
type Options struct {
	Namespace     string
	MaxBytes      int64
	EvictFraction float64
	Logger        *slog.Logger
	Metrics       *metric.Metrics
}

// Adapter namespaces keys inside a Backend and enforces a byte budget.
// Size is the sum of key and value byte lengths of the namespace's entries. The
// total is computed from the backend once and then kept up to date by every
// write, so one namespace must be owned by a single Adapter.
type Adapter struct {
	backend       Backend
	prefix        string
	maxBytes      int64
	evictFraction float64
	logger        *slog.Logger
	metrics       *metric.Metrics

	// mu serializes read-modify-write cycles (size check + write, eviction)
	// and guards the running total.
	mu    sync.Mutex
	bytes int64
	sized bool
}

// NewAdapter wraps backend
func NewAdapter(backend Backend, opts Options) *Adapter {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.EvictFraction <= 0 || opts.EvictFraction > 1 {
		opts.EvictFraction = DefaultEvictFraction
	}
	prefix := ""
	if opts.Namespace != "" {
		prefix = opts.Namespace + ":"
	}
	return &Adapter{
		backend:       backend,
		prefix:        prefix,
		maxBytes:      opts.MaxBytes,
		evictFraction: opts.EvictFraction,
		logger:        logging.OrDiscard(opts.Logger),
		metrics:       opts.Metrics,
	}
}

// Open selects the backend named in cfg once, at construction.
func Open(cfg config.StorageConfig, logger *slog.Logger, metrics *metric.Metrics) (*Adapter, error) {
	var backend Backend
	switch strings.ToLower(cfg.Backend) {
	case "", "sqlite":
		b, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorage, "open sqlite storage", err)
		}
		backend = b
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, apperrors.Newf(apperrors.KindStorage, "unknown storage backend %q", cfg.Backend)
	}

	return NewAdapter(backend, Options{
		Namespace:     cfg.Namespace,
		MaxBytes:      cfg.MaxBytes,
		EvictFraction: cfg.EvictFraction,
		Logger:        logger,
		Metrics:       metrics,
	}), nil
}

// Close closes the backend
func (a *Adapter) Close() error {
	return a.backend.Close()
}

func (a *Adapter) full(key string) string { return a.prefix + key }

func storageErr(op, key string, err error) error {
	return apperrors.Wrap(apperrors.KindStorage, fmt.Sprintf("%s %s", op, key), err)
}

// Get returns the value stored under key
func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := a.backend.Get(ctx, a.full(key))
	if err != nil {
		return "", false, storageErr("get", key, err)
	}
	return v, ok, nil
}

// Set stores value under key. When the write would exceed the budget an eviction
// pass runs first; if the namespace is still over budget the write fails with
// ErrCapacityExceeded.
func (a *Adapter) Set(ctx context.Context, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set(ctx, key, value)
}

func (a *Adapter) set(ctx context.Context, key, value string) error {
	if err := a.ensureSized(ctx); err != nil {
		return err
	}
	projected, err := a.projectedSize(ctx, key, value)
	if err != nil {
		return err
	}

	if a.maxBytes > 0 && projected > a.maxBytes {
		evicted, err := a.evictOldest(ctx, a.evictFraction)
		if err != nil {
			return err
		}
		a.logger.Warn("storage budget exceeded, evicted oldest entries",
			slog.String("key", key),
			slog.Int("evicted", evicted),
			slog.Int64("projectedBytes", projected),
			slog.Int64("maxBytes", a.maxBytes))

		projected, err = a.projectedSize(ctx, key, value)
		if err != nil {
			return err
		}
		if projected > a.maxBytes {
			return storageErr("set", key, apperrors.ErrCapacityExceeded)
		}
	}

	if err := a.backend.Set(ctx, a.full(key), value); err != nil {
		return storageErr("set", key, err)
	}
	a.bytes = projected
	a.metrics.SetStorageBytes(a.bytes)
	return nil
}

// projectedSize is the namespace size after writing key=value.
func (a *Adapter) projectedSize(ctx context.Context, key, value string) (int64, error) {
	old, exists, err := a.backend.Get(ctx, a.full(key))
	if err != nil {
		return 0, storageErr("get", key, err)
	}
	size := a.bytes
	if exists {
		size -= int64(len(key) + len(old))
	}
	return size + int64(len(key)+len(value)), nil
}

// Remove deletes key
func (a *Adapter) Remove(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.remove(ctx, key)
	a.metrics.SetStorageBytes(a.bytes)
	return err
}

func (a *Adapter) remove(ctx context.Context, key string) error {
	if err := a.ensureSized(ctx); err != nil {
		return err
	}
	old, exists, err := a.backend.Get(ctx, a.full(key))
	if err != nil {
		return storageErr("get", key, err)
	}
	if !exists {
		return nil
	}
	if err := a.backend.Delete(ctx, a.full(key)); err != nil {
		return storageErr("remove", key, err)
	}
	a.bytes -= int64(len(key) + len(old))
	return nil
}

// ListKeys returns the namespace's keys starting with prefix, sorted
func (a *Adapter) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	all, err := a.backend.Keys(ctx)
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if !strings.HasPrefix(k, a.prefix) {
			continue
		}
		logical := strings.TrimPrefix(k, a.prefix)
		if strings.HasPrefix(logical, prefix) {
			keys = append(keys, logical)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MultiGet returns the values of the keys that exist. Missing keys are omitted.
func (a *Adapter) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	var firstErr error
	for _, k := range keys {
		v, ok, err := a.Get(ctx, k)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			out[k] = v
		}
	}
	return out, firstErr
}

// MultiSet writes every entry. It is best-effort: a failure does not roll back
// entries already written, and the first error is returned after all were attempted.
func (a *Adapter) MultiSet(ctx context.Context, entries map[string]string) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := a.set(ctx, k, entries[k]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiRemove deletes every key, best-effort.
func (a *Adapter) MultiRemove(ctx context.Context, keys []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := a.remove(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.metrics.SetStorageBytes(a.bytes)
	return firstErr
}

// Clear removes every key in the namespace
func (a *Adapter) Clear(ctx context.Context) error {
	keys, err := a.ListKeys(ctx, "")
	if err != nil {
		return err
	}
	return a.MultiRemove(ctx, keys)
}

// Size returns the namespace's total key and value bytes
func (a *Adapter) Size(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureSized(ctx); err != nil {
		return 0, err
	}
	return a.bytes, nil
}

// ensureSized seeds the running total from the backend on first use
func (a *Adapter) ensureSized(ctx context.Context) error {
	if a.sized {
		return nil
	}
	total, err := a.scanSize(ctx)
	if err != nil {
		return err
	}
	a.bytes, a.sized = total, true
	a.metrics.SetStorageBytes(total)
	return nil
}

func (a *Adapter) scanSize(ctx context.Context) (int64, error) {
	keys, err := a.ListKeys(ctx, "")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		v, ok, err := a.backend.Get(ctx, a.full(k))
		if err != nil {
			return 0, storageErr("get", k, err)
		}
		if ok {
			total += int64(len(k) + len(v))
		}
	}
	return total, nil
}

// EvictOldest removes the oldest fraction of entries that carry a timestamp.
// Entries whose value has no parseable timestamp are never evicted.
func (a *Adapter) EvictOldest(ctx context.Context, fraction float64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictOldest(ctx, fraction)
}

func (a *Adapter) evictOldest(ctx context.Context, fraction float64) (int, error) {
	if fraction <= 0 {
		return 0, nil
	}
	if fraction > 1 {
		fraction = 1
	}

	if err := a.ensureSized(ctx); err != nil {
		return 0, err
	}
	keys, err := a.ListKeys(ctx, "")
	if err != nil {
		return 0, err
	}

	type candidate struct {
		key  string
		ts   int64
		size int64
	}
	var candidates []candidate
	for _, k := range keys {
		v, ok, err := a.backend.Get(ctx, a.full(k))
		if err != nil || !ok {
			continue
		}
		if ts, ok := entryTimestamp(v); ok {
			candidates = append(candidates, candidate{key: k, ts: ts, size: int64(len(k) + len(v))})
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ts < candidates[j].ts })

	n := int(math.Ceil(float64(len(candidates)) * fraction))
	if n > len(candidates) {
		n = len(candidates)
	}

	removed := 0
	for _, c := range candidates[:n] {
		if err := a.backend.Delete(ctx, a.full(c.key)); err != nil {
			logging.Failure(a.logger, storageErr("evict", c.key, err), "eviction delete failed")
			continue
		}
		removed++
		a.bytes -= c.size
	}
	a.metrics.ObserveEvictions(removed)
	a.metrics.SetStorageBytes(a.bytes)
	return removed, nil
}

// entryTimestamp extracts an epoch-millisecond timestamp from a JSON object value.
func entryTimestamp(value string) (int64, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &obj); err != nil {
		return 0, false
	}
	for _, field := range timestampFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return int64(n), true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UnixMilli(), true
			}
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return ms, true
			}
		}
	}
	return 0, false
}

// GetJSON decodes the value under key into v and reports whether it existed.
func (a *Adapter) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, ok, err := a.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, storageErr("decode", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key
func (a *Adapter) SetJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storageErr("encode", key, err)
	}
	return a.Set(ctx, key, string(data))
}

package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/buildcore/pkg/schema"
)

// ErrNotFound is returned by a Backend when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Backend is the physical storage behind a Cache. Keys are hex digests.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Pruner is implemented by backends that can drop stale entries.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// OutputRecord is the recorded state of one declared output.
type OutputRecord struct {
	Identity string `json:"identity"`
	Path     string `json:"path,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Present  bool   `json:"present"`
}

// Manifest lists the recorded outputs of one execution.
type Manifest []OutputRecord

// CacheEntry maps a fingerprint to the outputs recorded when it was stored.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Outputs     Manifest  `json:"outputs"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProbeResult describes how Probe resolved a fingerprint.
type ProbeResult struct {
	Hit bool
	// Mismatch is set when an entry existed but failed verification.
	Mismatch error
}

// Cache is the fingerprint store. Lookups and stores for the same digest are
// serialized; different digests never contend.
type Cache struct {
	backend Backend
	locks   *keyLocks
	workDir string
	logger  *slog.Logger
	now     func() time.Time
}

// NewCache creates a Cache over backend. Relative output paths are resolved
// against workDir.
func NewCache(backend Backend, workDir string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		locks:   newKeyLocks(),
		workDir: workDir,
		logger:  logger,
		now:     time.Now,
	}
}

// Lookup returns the entry stored for d. Missing, unreadable and corrupt
// entries are all reported as a miss.
func (c *Cache) Lookup(ctx context.Context, d Digest) (*CacheEntry, bool) {
	unlock := c.locks.lock(d.String())
	defer unlock()
	return c.lookup(ctx, d)
}

// Store records m as the outputs for d.
func (c *Cache) Store(ctx context.Context, d Digest, m Manifest) error {
	unlock := c.locks.lock(d.String())
	defer unlock()
	return c.store(ctx, d, m)
}

func (c *Cache) lookup(ctx context.Context, d Digest) (*CacheEntry, bool) {
	key := d.String()
	data, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed, treating as miss",
			slog.String("fingerprint", key), slog.Any("error", err))
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WarnContext(ctx, "corrupt cache entry, treating as miss",
			slog.String("fingerprint", key), slog.Any("error", err))
		return nil, false
	}
	if entry.Fingerprint != key {
		c.logger.WarnContext(ctx, "cache entry recorded under foreign fingerprint, treating as miss",
			slog.String("fingerprint", key), slog.String("recorded", entry.Fingerprint))
		return nil, false
	}
	return &entry, true
}

func (c *Cache) store(ctx context.Context, d Digest, m Manifest) error {
	entry := CacheEntry{Fingerprint: d.String(), Outputs: m, CreatedAt: c.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode cache entry").WithCause(err)
	}
	if err := c.backend.Put(ctx, entry.Fingerprint, data); err != nil {
		return schema.NewError(schema.ErrCodeStore, "write cache entry").WithCause(err)
	}
	return nil
}

// Capture records the current state of outputs.
func (c *Cache) Capture(outputs []schema.OutputDescriptor) (Manifest, error) {
	m := make(Manifest, 0, len(outputs))
	for _, out := range outputs {
		rec := OutputRecord{Identity: out.Identity, Path: out.Path}
		if out.Path != "" {
			digest, present, err := statDigest(resolve(c.workDir, out.Path))
			if err != nil {
				return nil, err
			}
			rec.Digest, rec.Present = digest, present
		}
		m = append(m, rec)
	}
	return m, nil
}

// Verify checks that every recorded output still matches what is on disk.
func (c *Cache) Verify(entry *CacheEntry) error {
	for _, rec := range entry.Outputs {
		if rec.Path == "" {
			continue
		}
		digest, present, err := statDigest(resolve(c.workDir, rec.Path))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeCacheMismatch, "output %s unreadable", rec.Identity).WithCause(err)
		}
		if present != rec.Present || digest != rec.Digest {
			return schema.NewErrorf(schema.ErrCodeCacheMismatch, "output %s changed since it was recorded", rec.Identity).
				WithDetails(map[string]any{"path": rec.Path})
		}
	}
	return nil
}

// Probe resolves d while holding its lock: a verified entry is a hit and run
// is not called; otherwise run executes and the resulting outputs are stored.
// Failing to persist the new entry is logged, not returned.
func (c *Cache) Probe(ctx context.Context, d Digest, outputs []schema.OutputDescriptor, run func(context.Context) error) (ProbeResult, error) {
	unlock := c.locks.lock(d.String())
	defer unlock()

	var res ProbeResult
	if entry, ok := c.lookup(ctx, d); ok {
		err := c.Verify(entry)
		if err == nil {
			res.Hit = true
			return res, nil
		}
		res.Mismatch = err
		c.logger.InfoContext(ctx, "cache entry failed verification",
			slog.String("fingerprint", d.String()), slog.Any("error", err))
	}

	if err := run(ctx); err != nil {
		return res, err
	}

	m, err := c.Capture(outputs)
	if err == nil {
		err = c.store(ctx, d, m)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "failed to record cache entry",
			slog.String("fingerprint", d.String()), slog.Any("error", err))
	}
	return res, nil
}

// Prune removes entries created before cutoff when the backend supports it.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	p, ok := c.backend.(Pruner)
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx, cutoff)
}

// Package filelock provides a cross-process scoped lock over a single file.
//
// A lock on path P is the file "P.lock", created exclusively. The lock file
// records the holder identity and acquisition time so a lock abandoned by a
// crashed process can be recognised once its time-to-live has elapsed and
// reclaimed.
//
// Within one process, a Guard also serialises goroutines contending for the
// same path. Acquisition is re-entrant along a call chain: a context returned
// by With (or NewContext) that already carries a handle for the path gets the
// same handle back with its reference count raised instead of deadlocking.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	// ErrLockTimeout is returned when the lock could not be acquired before
	// the configured timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned when releasing a handle that is no longer held.
	ErrNotHeld = errors.New("lock not held")
)

const lockSuffix = ".lock"

// Config configures a Guard.
type Config struct {
	// Timeout bounds how long Acquire waits (default: 10s).
	Timeout time.Duration

	// TTL is the age after which a lock file is considered abandoned (default: 30s).
	TTL time.Duration

	// PollInterval is the retry interval while the lock is held elsewhere (default: 100ms).
	PollInterval time.Duration

	// Logger receives stale-lock warnings. Defaults to a no-op logger.
	Logger *zap.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// lockInfo is the content of a lock file.
type lockInfo struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// Handle is a held lock. It must be released exactly once per successful
// Acquire.
type Handle struct {
	// Path is the guarded resource, not the lock file.
	Path       string
	Holder     string
	AcquiredAt time.Time
	TTL        time.Duration

	guard    *Guard
	lockPath string
	refs     atomic.Int32
}

// Guard acquires file locks on behalf of one process.
type Guard struct {
	cfg    Config
	holder string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates a Guard with a fresh holder identity.
func New(cfg Config) *Guard {
	cfg.ApplyDefaults()
	return &Guard{
		cfg:    cfg,
		holder: uuid.NewString(),
		logger: cfg.Logger,
		now:    time.Now,
		slots:  make(map[string]chan struct{}),
	}
}

// Holder returns the identity written into lock files by this Guard.
func (g *Guard) Holder() string {
	return g.holder
}

type ctxKey struct{}

type heldSet map[string]*Handle

// NewContext returns a context carrying h, so nested acquisitions of the
// same path through the same Guard re-enter instead of blocking.
func NewContext(ctx context.Context, h *Handle) context.Context {
	prev, _ := ctx.Value(ctxKey{}).(heldSet)
	next := make(heldSet, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[h.Path] = h
	return context.WithValue(ctx, ctxKey{}, next)
}

func heldFrom(ctx context.Context, g *Guard, path string) *Handle {
	held, _ := ctx.Value(ctxKey{}).(heldSet)
	if h, ok := held[path]; ok && h.guard == g && h.refs.Load() > 0 {
		return h
	}
	return nil
}

// Acquire takes the lock on path, waiting up to the configured timeout.
func (g *Guard) Acquire(ctx context.Context, path string) (*Handle, error) {
	if h := heldFrom(ctx, g, path); h != nil {
		h.refs.Add(1)
		return h, nil
	}

	start := g.now()
	deadline := start.Add(g.cfg.Timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	slot := g.slot(path)
	select {
	case slot <- struct{}{}:
	case <-waitCtx.Done():
		return nil, g.waitErr(ctx, path)
	}

	h, err := g.acquireFile(waitCtx, ctx, path)
	if err != nil {
		<-slot
		lockAcquireTotal.WithLabelValues("timeout").Inc()
		return nil, err
	}
	lockWaitSeconds.Observe(g.now().Sub(start).Seconds())
	lockAcquireTotal.WithLabelValues("acquired").Inc()
	return h, nil
}

// With runs fn while holding the lock on path. The lock is released on
// every exit path, including panics. The context passed to fn carries the
// handle so fn may re-acquire path safely.
func (g *Guard) With(ctx context.Context, path string, fn func(ctx context.Context) error) (err error) {
	h, err := g.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(NewContext(ctx, h))
}

func (g *Guard) slot(path string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[path]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[path] = s
	}
	return s
}

func (g *Guard) waitErr(parent context.Context, path string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, g.cfg.Timeout)
}

func (g *Guard) acquireFile(waitCtx, parent context.Context, path string) (*Handle, error) {
	lockPath := path + lockSuffix
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		now := g.now()
		info := lockInfo{
			Holder:     g.holder,
			PID:        os.Getpid(),
			AcquiredAt: now.UTC(),
			TTLSeconds: g.cfg.TTL.Seconds(),
		}
		created, err := createExclusive(lockPath, info)
		if err != nil {
			return nil, err
		}
		if created {
			h := &Handle{
				Path:       path,
				Holder:     g.holder,
				AcquiredAt: now,
				TTL:        g.cfg.TTL,
				guard:      g,
				lockPath:   lockPath,
			}
			h.refs.Store(1)
			return h, nil
		}

		if g.reclaimIfStale(lockPath) {
			continue
		}

		select {
		case <-waitCtx.Done():
			return nil, g.waitErr(parent, path)
		case <-ticker.C:
		}
	}
}

// createExclusive writes info into lockPath only if it does not exist yet.
func createExclusive(lockPath string, info lockInfo) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file %s: %w", lockPath, err)
	}
	data, _ := json.Marshal(info)
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(lockPath)
		return false, fmt.Errorf("write lock file %s: %w", lockPath, errors.Join(werr, cerr))
	}
	return true, nil
}

// reclaimIfStale removes lockPath when it is older than the TTL.
func (g *Guard) reclaimIfStale(lockPath string) bool {
	st, err := os.Stat(lockPath)
	if err != nil {
		// Vanished between attempts; retry immediately.
		return errors.Is(err, os.ErrNotExist)
	}

	age := g.now().Sub(st.ModTime())
	if info, err := readLockInfo(lockPath); err == nil && !info.AcquiredAt.IsZero() {
		age = g.now().Sub(info.AcquiredAt)
	}
	if age <= g.cfg.TTL {
		return false
	}

	// Re-stat so we do not remove a lock that was replaced since the first look.
	if st2, err := os.Stat(lockPath); err != nil || !os.SameFile(st, st2) {
		return err != nil && errors.Is(err, os.ErrNotExist)
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Error("filelock: failed to remove stale lock",
			zap.String("lock", lockPath), zap.Error(err))
		return false
	}
	g.logger.Warn("filelock: reclaimed stale lock",
		zap.String("lock", lockPath),
		zap.Duration("age", age),
		zap.Duration("ttl", g.cfg.TTL))
	staleReclaimTotal.Inc()
	return true
}

func readLockInfo(lockPath string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// Release drops one reference to the lock; the last reference removes the
// lock file. A lock file that was reclaimed and re-taken by another holder
// is left untouched.
func (h *Handle) Release() error {
	n := h.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		h.refs.Store(0)
		return fmt.Errorf("%w: %s", ErrNotHeld, h.Path)
	}

	defer func() { <-h.guard.slot(h.Path) }()

	info, err := readLockInfo(h.lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.guard.logger.Warn("filelock: lock file vanished before release",
				zap.String("lock", h.lockPath))
			return nil
		}
		return fmt.Errorf("read lock file %s: %w", h.lockPath, err)
	}
	if info.Holder != h.Holder {
		h.guard.logger.Warn("filelock: lock was reclaimed by another holder",
			zap.String("lock", h.lockPath),
			zap.String("holder", info.Holder))
		return nil
	}
	if err := os.Remove(h.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", h.lockPath, err)
	}
	return nil
}

// Refs reports the current reference count.
func (h *Handle) Refs() int {
	return int(h.refs.Load())
}

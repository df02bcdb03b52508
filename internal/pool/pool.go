package pool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/8tomat8/whisper-lambda/internal/engine"
	"github.com/8tomat8/whisper-lambda/internal/metrics"
	"github.com/8tomat8/whisper-lambda/internal/models"
)

// ErrClosed is returned by Acquire after Close
var ErrClosed = errors.New("pool is closed")

// Config contains pool configuration
type Config struct {
	ReuseContexts    bool
	MaxConcurrent    int           // sessions across all models, GOMAXPROCS when <= 0
	SessionsPerModel int           // sessions sharing one context, 1 when <= 0
	IdleTimeout      time.Duration // 0 keeps contexts until Close
	CleanupInterval  time.Duration // IdleTimeout/2 when <= 0
	WatchDir         string        // models directory to watch, "" disables
	Session          engine.Options
}

// Stats is a point-in-time view of the pool
type Stats struct {
	ReuseContexts  bool     `json:"reuse_contexts"`
	LoadedModels   []string `json:"loaded_models"`
	LoadedContexts int      `json:"loaded_contexts"`
	ActiveSessions int      `json:"active_sessions"`
	MaxConcurrent  int      `json:"max_concurrent"`
	Loads          uint64   `json:"loads"`
	Evictions      uint64   `json:"evictions"`
	Invalidations  uint64   `json:"invalidations"`
	Watching       bool     `json:"watching"`
}

// entry is one loaded context. refs counts checkouts, including callers still
// waiting on sem.
type entry struct {
	name     models.Name
	path     string
	ctx      engine.Context
	sem      *semaphore.Weighted
	refs     int
	lastUsed time.Time
	stale    bool
}

// Pool manages loaded contexts
type Pool struct {
	loader  engine.Loader
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	global *semaphore.Weighted
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	active        int
	loads         uint64
	evictions     uint64
	invalidations uint64

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a pool and starts its background goroutines
func New(loader engine.Loader, config Config, logger *slog.Logger, m *metrics.Metrics) (*Pool, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.GOMAXPROCS(0)
	}
	if config.SessionsPerModel <= 0 {
		config.SessionsPerModel = 1
	}
	if config.IdleTimeout > 0 && config.CleanupInterval <= 0 {
		config.CleanupInterval = config.IdleTimeout / 2
	}

	p := &Pool{
		loader:  loader,
		config:  config,
		logger:  logger,
		metrics: m,
		global:  semaphore.NewWeighted(int64(config.MaxConcurrent)),
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}

	if config.ReuseContexts && config.WatchDir != "" {
		if err := p.startWatcher(); err != nil {
			return nil, err
		}
	}

	if config.ReuseContexts && config.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.cleanupLoop()
	}

	logger.Info("Context pool created",
		slog.Bool("reuse_contexts", config.ReuseContexts),
		slog.Int("max_concurrent", config.MaxConcurrent),
		slog.Int("sessions_per_model", config.SessionsPerModel),
		slog.Duration("idle_timeout", config.IdleTimeout),
		slog.String("watch_dir", config.WatchDir),
	)

	return p, nil
}

// startWatcher watches WatchDir for model changes. A missing directory is
// not fatal: requests for its models fail at resolution instead.
func (p *Pool) startWatcher() error {
	if _, err := os.Stat(p.config.WatchDir); errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("Models directory does not exist, not watching for changes",
			slog.String("dir", p.config.WatchDir),
		)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create models watcher: %w", err)
	}
	if err := watcher.Add(p.config.WatchDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch models directory %s: %w", p.config.WatchDir, err)
	}
	p.watcher = watcher
	p.wg.Add(1)
	go p.watchLoop()
	return nil
}

// Lease is a checked-out session. Release must be called exactly once.
type Lease struct {
	Session engine.Session

	release func()
	once    sync.Once
}

// Release closes the session and returns its capacity to the pool
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire waits for capacity and returns a session for the model stored at
// path. Waiting is aborted when ctx is done.
func (p *Pool) Acquire(ctx context.Context, name models.Name, path string) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	var (
		lease *Lease
		err   error
	)
	if p.config.ReuseContexts {
		lease, err = p.acquireShared(ctx, name, path)
	} else {
		lease, err = p.acquireOwned(ctx, name, path)
	}
	if err != nil {
		return nil, err
	}

	p.sessionStarted()
	return lease, nil
}

// acquireOwned loads a private context that is closed with the session
func (p *Pool) acquireOwned(ctx context.Context, name models.Name, path string) (*Lease, error) {
	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for capacity: %w", err)
	}

	engineCtx, err := p.load(name, path)
	if err != nil {
		p.global.Release(1)
		return nil, err
	}

	session, err := engineCtx.NewSession(p.config.Session)
	if err != nil {
		p.closeContext(name, engineCtx)
		p.global.Release(1)
		return nil, engine.Wrap(engine.ErrSession, err)
	}

	return &Lease{
		Session: session,
		release: func() {
			p.closeSession(name, session)
			p.closeContext(name, engineCtx)
			p.sessionFinished()
			p.global.Release(1)
		},
	}, nil
}

// acquireShared checks out the model's context and opens a session on it.
// The global slot is taken first so loads are bounded too, but it is handed
// back while waiting behind other sessions of the same model.
func (p *Pool) acquireShared(ctx context.Context, name models.Name, path string) (*Lease, error) {
	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for capacity: %w", err)
	}

	e, err := p.checkout(name, path)
	if err != nil {
		p.global.Release(1)
		return nil, err
	}

	if !e.sem.TryAcquire(1) {
		p.global.Release(1)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			p.checkin(e)
			return nil, fmt.Errorf("waiting for %s session: %w", name, err)
		}
		if err := p.global.Acquire(ctx, 1); err != nil {
			e.sem.Release(1)
			p.checkin(e)
			return nil, fmt.Errorf("waiting for capacity: %w", err)
		}
	}

	session, err := e.ctx.NewSession(p.config.Session)
	if err != nil {
		e.sem.Release(1)
		p.checkin(e)
		p.global.Release(1)
		return nil, engine.Wrap(engine.ErrSession, err)
	}

	return &Lease{
		Session: session,
		release: func() {
			p.closeSession(name, session)
			e.sem.Release(1)
			p.checkin(e)
			p.sessionFinished()
			p.global.Release(1)
		},
	}, nil
}

// checkout returns the entry for path with its reference count raised,
// loading the model if needed. Concurrent loads of one path are collapsed.
func (p *Pool) checkout(name models.Name, path string) (*entry, error) {
	key := filepath.Clean(path)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := p.entries[key]; ok {
			e.refs++
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return e, nil
		}
		p.mu.Unlock()

		_, err, _ := p.group.Do(key, func() (interface{}, error) {
			return nil, p.insert(name, key)
		})
		if err != nil {
			return nil, err
		}
	}
}

func (p *Pool) insert(name models.Name, key string) error {
	p.mu.Lock()
	_, exists := p.entries[key]
	p.mu.Unlock()
	if exists {
		return nil
	}

	engineCtx, err := p.load(name, key)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeContext(name, engineCtx)
		return ErrClosed
	}
	p.entries[key] = &entry{
		name:     name,
		path:     key,
		ctx:      engineCtx,
		sem:      semaphore.NewWeighted(int64(p.config.SessionsPerModel)),
		lastUsed: time.Now(),
	}
	p.metrics.SetLoadedContexts(len(p.entries))
	p.mu.Unlock()
	return nil
}

func (p *Pool) load(name models.Name, path string) (engine.Context, error) {
	start := time.Now()

	engineCtx, err := p.loader.Load(path)
	if err != nil {
		p.logger.Error("Failed to load model",
			slog.String("model", name.String()),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, engine.Wrap(engine.ErrModelLoad, err)
	}

	elapsed := time.Since(start)
	p.mu.Lock()
	p.loads++
	p.mu.Unlock()
	p.metrics.RecordModelLoad(name.String(), elapsed.Seconds())

	p.logger.Info("Model loaded",
		slog.String("model", name.String()),
		slog.String("path", path),
		slog.Duration("load_time", elapsed),
	)
	return engineCtx, nil
}

// checkin drops one reference and closes the context if it was invalidated
// while in use
func (p *Pool) checkin(e *entry) {
	p.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	closeNow := e.stale && e.refs == 0
	p.mu.Unlock()

	if closeNow {
		p.closeContext(e.name, e.ctx)
	}
}

// Warm loads the model so the first request does not pay for it
func (p *Pool) Warm(name models.Name, path string) error {
	if !p.config.ReuseContexts {
		return nil
	}
	e, err := p.checkout(name, path)
	if err != nil {
		return err
	}
	p.checkin(e)
	return nil
}

// Invalidate drops the context loaded from path. A context still in use is
// closed when its last session is released.
func (p *Pool) Invalidate(path string) bool {
	key := filepath.Clean(path)

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, key)
	p.invalidations++
	e.stale = true
	closeNow := e.refs == 0
	p.metrics.SetLoadedContexts(len(p.entries))
	p.mu.Unlock()

	p.logger.Info("Model context invalidated",
		slog.String("model", e.name.String()),
		slog.String("path", key),
		slog.Bool("in_use", !closeNow),
	)

	if closeNow {
		p.closeContext(e.name, e.ctx)
	}
	return true
}

// evictIdle closes contexts unused since before now-IdleTimeout
func (p *Pool) evictIdle(now time.Time) int {
	var expired []*entry

	p.mu.Lock()
	for key, e := range p.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) > p.config.IdleTimeout {
			delete(p.entries, key)
			expired = append(expired, e)
		}
	}
	p.evictions += uint64(len(expired))
	p.metrics.SetLoadedContexts(len(p.entries))
	p.mu.Unlock()

	if len(expired) > 0 {
		p.logger.Info("Evicting idle model contexts",
			slog.Int("expired_count", len(expired)),
		)
	}
	for _, e := range expired {
		p.closeContext(e.name, e.ctx)
	}
	return len(expired)
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.evictIdle(now)
		}
	}
}

func (p *Pool) watchLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, ok := models.NameForFile(event.Name)
			if !ok {
				continue
			}
			p.logger.Debug("Model file changed",
				slog.String("model", name.String()),
				slog.String("op", event.Op.String()),
			)
			p.Invalidate(event.Name)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Models watcher error",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) closeSession(name models.Name, session engine.Session) {
	if err := session.Close(); err != nil {
		p.logger.Warn("Failed to close session",
			slog.String("model", name.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) closeContext(name models.Name, engineCtx engine.Context) {
	if err := engineCtx.Close(); err != nil {
		p.logger.Warn("Failed to close model context",
			slog.String("model", name.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sessionStarted() {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	p.metrics.SessionStarted()
}

func (p *Pool) sessionFinished() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.metrics.SessionFinished()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	loaded := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		loaded = append(loaded, e.name.String())
	}
	sort.Strings(loaded)

	return Stats{
		ReuseContexts:  p.config.ReuseContexts,
		LoadedModels:   loaded,
		LoadedContexts: len(p.entries),
		ActiveSessions: p.active,
		MaxConcurrent:  p.config.MaxConcurrent,
		Loads:          p.loads,
		Evictions:      p.evictions,
		Invalidations:  p.invalidations,
		Watching:       p.watcher != nil,
	}
}

// Close stops background goroutines and closes idle contexts. Contexts with
// sessions still checked out are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var idle []*entry
	for key, e := range p.entries {
		delete(p.entries, key)
		e.stale = true
		if e.refs == 0 {
			idle = append(idle, e)
		}
	}
	p.metrics.SetLoadedContexts(0)
	p.mu.Unlock()

	close(p.stop)

	var errs []error
	if p.watcher != nil {
		if err := p.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close models watcher: %w", err))
		}
	}
	p.wg.Wait()

	for _, e := range idle {
		if err := e.ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s context: %w", e.name, err))
		}
	}

	p.logger.Info("Context pool closed",
		slog.Int("closed_contexts", len(idle)),
	)
	return errors.Join(errs...)
}

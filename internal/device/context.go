package device

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/progcache"
)

// DefaultAlignment is used when a device does not report a base-address
// alignment.
const DefaultAlignment = 128

// Context owns one selected device: its runtime, its command queue, the
// programs loaded on it and the program cache.
type Context struct {
	backend  string
	platform PlatformInfo
	info     DeviceInfo
	score    float64
	identity string
	align    int

	rt    Runtime
	queue Queue
	cache *progcache.Cache

	mu       sync.Mutex
	programs map[string]Program
	loads    singleflight.Group
	closed   bool
}

type options struct {
	score ScoreFunc
	cache *progcache.Cache
}

// Option configures Open.
type Option func(*options)

// WithScore replaces DefaultScore during selection.
func WithScore(fn ScoreFunc) Option {
	return func(o *options) { o.score = fn }
}

// WithCache uses c instead of a cache rooted at Config.CacheDir.
func WithCache(c *progcache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// Open selects a device from b according to cfg and opens a runtime on it
// with the queue capabilities requested by the device constraints.
func Open(b Backend, cfg config.Config, opts ...Option) (*Context, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cand, err := Select(b, cfg.Selection, o.score)
	if err != nil {
		return nil, err
	}

	align := cand.Info.BaseAddrAlign
	if align == 0 {
		align = DefaultAlignment
	}
	if !isPowerOfTwo(align) {
		return nil, fmt.Errorf("%w: device %q reports base address alignment %d",
			deverr.ErrAlignmentViolation, cand.Info.Name, align)
	}

	cache := o.cache
	if cache == nil && !cfg.DisableCache {
		cache, err = progcache.New(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
	}

	rt, err := cand.Device.Open(cfg.Selection.Device.QueueCaps)
	if err != nil {
		return nil, fmt.Errorf("open device %q: %w", cand.Info.Name, err)
	}

	c := &Context{
		backend:  b.Name(),
		platform: cand.PlatformInfo,
		info:     cand.Info,
		score:    cand.Score,
		identity: Identity(cand.PlatformInfo, cand.Info),
		align:    align,
		rt:       rt,
		queue:    rt.Queue(),
		cache:    cache,
		programs: make(map[string]Program),
	}

	logger.For("device").Info("device selected",
		"backend", c.backend,
		"platform", c.platform.Name,
		"device", c.info.Name,
		"vendor", c.info.Vendor,
		"score", c.score,
		"alignment", c.align,
		"queue_caps", cfg.Selection.Device.QueueCaps.String())
	return c, nil
}

func (c *Context) Backend() string        { return c.backend }
func (c *Context) Platform() PlatformInfo { return c.platform }
func (c *Context) Info() DeviceInfo       { return c.info }
func (c *Context) Score() float64         { return c.score }

// Identity keys this device's entries in the program cache.
func (c *Context) Identity() string { return c.identity }

// Alignment is the device base-address alignment in bytes.
func (c *Context) Alignment() int { return c.align }

// Cache returns the program cache, or nil when caching is disabled.
func (c *Context) Cache() *progcache.Cache { return c.cache }

func (c *Context) Queue() Queue { return c.queue }

func (c *Context) CreateBuffer(size int) (Buffer, error) {
	if err := c.checkOpen("create buffer"); err != nil {
		return nil, err
	}
	return c.rt.CreateBuffer(size)
}

func (c *Context) CreateSubBuffer(parent Buffer, offset, size int) (Buffer, error) {
	if err := c.checkOpen("create sub-buffer"); err != nil {
		return nil, err
	}
	return c.rt.CreateSubBuffer(parent, offset, size)
}

func (c *Context) checkOpen(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return deverr.NewDeviceError(op, deverr.CodeInvalidContext)
	}
	return nil
}

// Close drains the queue, releases every loaded program and the runtime.
// Buffers still held by bindings must be released before Close.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	programs := c.programs
	c.programs = nil
	c.mu.Unlock()

	if err := c.queue.Finish(); err != nil {
		logger.For("device").Warn("queue finish on close failed", "error", err)
	}
	for path, p := range programs {
		if err := p.Release(); err != nil {
			logger.For("device").Warn("program release failed", "path", path, "error", err)
		}
	}
	return c.rt.Close()
}

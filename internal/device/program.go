package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

// LoadProgram makes every source file available as a built program.
// Files loaded by an earlier call are skipped. headers are prepended, in
// order, to each source before compilation and count as its dependencies
// for cache validity. The first failure stops the call; build failures
// are *deverr.BuildError carrying the device build log.
func (c *Context) LoadProgram(sources, headers []string, options string) error {
	if err := c.checkOpen("load program"); err != nil {
		return err
	}

	headerPaths := make([]string, len(headers))
	var prelude strings.Builder
	for i, h := range headers {
		abs, err := filepath.Abs(h)
		if err != nil {
			return fmt.Errorf("resolve header %s: %w", h, err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("read header %s: %w", abs, err)
		}
		headerPaths[i] = abs
		prelude.Write(data)
		prelude.WriteByte('\n')
	}

	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("resolve source %s: %w", src, err)
		}
		if _, ok := c.Program(abs); ok {
			continue
		}
		_, err, _ = c.loads.Do(abs, func() (interface{}, error) {
			return nil, c.loadOne(abs, prelude.String(), headerPaths, options)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) loadOne(path, prelude string, headers []string, options string) error {
	log := logger.For("device").With("source", path)
	if _, ok := c.Program(path); ok {
		return nil
	}

	if c.cache != nil {
		binary, ok, err := c.cache.Lookup(c.identity, path, headers)
		if err != nil {
			log.Warn("program cache lookup failed", "error", err)
		}
		if ok {
			prog, err := c.rt.LinkBinary(binary, options)
			if err == nil {
				log.Debug("program loaded from cache")
				return c.addProgram(path, prog)
			}
			log.Warn("cached program rejected, rebuilding", "error", err)
		}
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source %s: %w", path, err)
	}

	start := time.Now()
	prog, err := c.rt.Build(prelude+string(src), options)
	metrics.RecordBuild(time.Since(start), err == nil)
	if err != nil {
		var be *deverr.BuildError
		if errors.As(err, &be) {
			be.Path = path
			log.Error("program build failed", "code", deverr.CodeName(be.Code), "build_log", be.Log)
			return be
		}
		return fmt.Errorf("build %s: %w", path, err)
	}
	log.Debug("program built", "duration", time.Since(start), "kernels", strings.Join(prog.Kernels(), ","))

	if c.cache != nil {
		if binary, err := prog.Binary(); err != nil {
			log.Warn("program binary unavailable, not cached", "error", err)
		} else if err := c.cache.Store(c.identity, path, binary); err != nil {
			log.Warn("program cache write failed", "error", err)
		}
	}
	return c.addProgram(path, prog)
}

func (c *Context) addProgram(path string, prog Program) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		prog.Release()
		return deverr.NewDeviceError("load program", deverr.CodeInvalidContext)
	}
	c.programs[path] = prog
	return nil
}

// Program returns the program loaded from path.
func (c *Context) Program(path string) (Program, bool) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.programs[path]
	return p, ok
}

// Programs lists the source paths of every loaded program.
func (c *Context) Programs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.programs))
	for p := range c.programs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

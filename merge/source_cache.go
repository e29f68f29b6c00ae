package merge

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/ir/semantic"
	"github.com/wudi/pdfcombine/observability"
	"github.com/wudi/pdfcombine/parser"
	"github.com/wudi/pdfcombine/recovery"
	"github.com/wudi/pdfcombine/security"
)

// Source is one parsed source document. Its objects are read-only: pages
// are copied into the output before anything is changed.
type Source struct {
	Path string
	Doc  *semantic.Document
	// Repaired is set when the cross-reference data had to be rebuilt.
	Repaired bool
	// Recovered counts malformed structures tolerated while parsing.
	Recovered int
	// Metadata is the source's document information dictionary.
	Metadata raw.DocumentMetadata
}

// PageCount is the number of pages found in the source.
func (s *Source) PageCount() int { return s.Doc.PageCount() }

// SourceCacheOptions configures how sources are parsed.
type SourceCacheOptions struct {
	// Strict fails a source on the first malformed structure instead of
	// repairing it.
	Strict bool
	Limits security.Limits
	Logger observability.Logger
}

// SourceCache opens each distinct path at most once. Concurrent callers for
// the same path share one parse.
type SourceCache struct {
	opts  SourceCacheOptions
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	src *Source
	err error
}

func NewSourceCache(opts SourceCacheOptions) *SourceCache {
	if opts.Limits == (security.Limits{}) {
		opts.Limits = security.DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	return &SourceCache{opts: opts, entries: make(map[string]cacheEntry)}
}

// Get returns the parsed source at path. Both results and failures are
// remembered; a path is never parsed twice.
func (c *SourceCache) Get(ctx context.Context, path string) (*Source, error) {
	if e, ok := c.lookup(path); ok {
		return e.src, e.err
	}
	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		if e, ok := c.lookup(path); ok {
			return e.src, e.err
		}
		src, err := c.open(ctx, path)
		if ctx.Err() == nil {
			c.mu.Lock()
			c.entries[path] = cacheEntry{src: src, err: err}
			c.mu.Unlock()
		}
		return src, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Source), nil
}

// Len is the number of paths opened so far, including failed ones.
func (c *SourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SourceCache) lookup(path string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	return e, ok
}

func (c *SourceCache) open(ctx context.Context, path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	logger := c.opts.Logger.With(observability.String("source", path))
	var strategy recovery.Strategy
	var lenient *recovery.LenientStrategy
	if c.opts.Strict {
		strategy = recovery.NewStrictStrategy()
	} else {
		lenient = recovery.NewLenientStrategy(logger)
		strategy = lenient
	}

	doc, err := parser.NewDocumentParser(parser.Config{
		Recovery: strategy,
		Limits:   c.opts.Limits,
		Logger:   logger,
	}).Parse(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sd, err := semantic.BuildDocument(doc, semantic.Options{
		MaxDepth: c.opts.Limits.MaxPageTreeDepth,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("page tree of %s: %w", path, err)
	}

	src := &Source{Path: path, Doc: sd, Repaired: doc.Repaired, Metadata: doc.Metadata}
	if lenient != nil {
		src.Recovered = len(lenient.Errors())
	}
	logger.Debug("opened source",
		observability.Int(observability.MetricPageCount, sd.PageCount()),
		observability.Bool("repaired", src.Repaired),
		observability.Int("recovered", src.Recovered),
		observability.String("title", src.Metadata.Title),
		observability.String("producer", src.Metadata.Producer),
	)
	return src, nil
}

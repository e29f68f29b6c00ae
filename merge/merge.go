// Package merge assembles an output PDF from pages of several source
// documents, rotating each page and optionally normalizing its visual width.
package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pdfcombine/config"
	"github.com/wudi/pdfcombine/observability"
)

// Result is the outcome of one request. Its JSON form is the reply sent
// back to the caller.
type Result struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	FailedFiles []string `json:"failedFiles,omitempty"`

	Pages    int     `json:"-"`
	Skipped  []*Skip `json:"-"`
	Canceled bool    `json:"-"`
	Output   string  `json:"-"`
}

// Failure is the reply for a request that could not be completed.
func Failure(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}

// ProgressFunc is called after each item with the number of items handled.
type ProgressFunc func(done, total int)

// Engine runs assembly requests.
type Engine struct {
	cfg      *config.Config
	logger   observability.Logger
	progress ProgressFunc
	now      func() time.Time
}

func NewEngine(cfg *config.Config, logger observability.Logger) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Engine{cfg: cfg, logger: logger, now: time.Now}
}

// OnProgress registers a progress callback.
func (e *Engine) OnProgress(fn ProgressFunc) { e.progress = fn }

// Run executes req. Unusable items are skipped and reported in the result;
// only validation and output failures are returned as errors.
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, &ValidationError{Field: "request", Reason: "missing"}
	}
	if req.Output.Canceled {
		e.logger.Info("request canceled, nothing to do")
		return &Result{Success: true, Canceled: true}, nil
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	cache := NewSourceCache(SourceCacheOptions{
		Strict: e.cfg.Parser.Strict,
		Limits: e.cfg.Parser.Limits,
		Logger: e.logger,
	})
	if e.cfg.Merge.Prefetch > 0 {
		e.prefetch(ctx, cache, req.Items)
	}

	resolver := NewResolver(cache, e.logger)
	transformer := NewTransformer(e.cfg.Merge.Tolerance, e.logger)
	asm := NewAssembler(AssemblerOptions{
		Compression:   e.cfg.Writer.Compression,
		Deterministic: e.cfg.Writer.Deterministic,
		Logger:        e.logger,
		Now:           e.now,
	})

	res := &Result{Output: req.Output.Path}
	for i, ref := range req.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skip := e.runItem(ctx, i, ref, req.ResizeToFit, resolver, transformer, asm); skip != nil {
			skip.Slot = i
			res.Skipped = append(res.Skipped, skip)
			if skip.Reason == SkipImageFailed {
				res.FailedFiles = append(res.FailedFiles, filepath.Base(ref.Path))
			}
			e.logger.Warn("item skipped",
				observability.Int("slot", i),
				observability.String("path", ref.Path),
				observability.Int("index", ref.Index),
				observability.String("reason", string(skip.Reason)),
				observability.Error("error", skip.Err),
			)
		}
		if e.progress != nil {
			e.progress(i+1, len(req.Items))
		}
	}

	res.Pages = asm.PageCount()
	if res.Pages == 0 && !e.cfg.Merge.AllowEmpty {
		return res, ErrEmptyOutput
	}
	if err := asm.SetMetadata(req.Metadata); err != nil {
		return res, err
	}
	if err := asm.Finalize(ctx, req.Output.Path); err != nil {
		return res, err
	}

	res.Success = true
	e.logger.Info("merge complete",
		observability.String("output", req.Output.Path),
		observability.Int(observability.MetricPageCount, res.Pages),
		observability.Int("skipped", len(res.Skipped)),
		observability.Int("sources", cache.Len()),
		observability.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

// runItem adds one item to the output. A panic anywhere in the item is
// turned into a skip so the batch carries on.
func (e *Engine) runItem(ctx context.Context, slot int, ref PageRef, normalize bool,
	resolver *Resolver, transformer *Transformer, asm *Assembler) (skip *Skip) {
	defer func() {
		if p := recover(); p != nil {
			skip = &Skip{Ref: ref, Reason: SkipPanic, Err: fmt.Errorf("%v", p)}
		}
	}()

	if ref.Kind == KindImage {
		page, err := asm.AddImage(ref.Path)
		if err != nil {
			return &Skip{Ref: ref, Reason: SkipImageFailed, Err: err}
		}
		transformer.Apply(page, ref.Rotation, normalize, e.cfg.Merge.ReferenceWidth)
		return nil
	}

	src, skip := resolver.Resolve(ctx, ref)
	if skip != nil {
		return skip
	}
	page, err := asm.AddPage(src)
	if err != nil {
		return &Skip{Ref: ref, Reason: SkipCopyFailed, Err: err}
	}
	out := transformer.Apply(page, ref.Rotation, normalize, e.cfg.Merge.ReferenceWidth)
	e.logger.Debug("page added",
		observability.Int("slot", slot),
		observability.String("path", ref.Path),
		observability.Int("index", ref.Index),
		observability.Int("rotation", out.Rotation),
		observability.Float("scale", out.Scale),
	)
	return nil
}

// prefetch parses the distinct PDF sources of items in parallel. Failures
// are left in the cache and reported as skips by the ordered pass.
func (e *Engine) prefetch(ctx context.Context, cache *SourceCache, items []PageRef) {
	seen := make(map[string]bool)
	var g errgroup.Group
	g.SetLimit(e.cfg.Merge.Prefetch)
	for _, it := range items {
		if it.Kind == KindImage || it.Path == "" || seen[it.Path] {
			continue
		}
		seen[it.Path] = true
		path := it.Path
		g.Go(func() error {
			if _, err := cache.Get(ctx, path); err != nil {
				e.logger.Debug("prefetch failed", observability.String("path", path), observability.Error("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

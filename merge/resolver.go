package merge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/wudi/pdfcombine/ir/semantic"
	"github.com/wudi/pdfcombine/observability"
)

// Resolver maps page references to source pages.
type Resolver struct {
	cache  *SourceCache
	logger observability.Logger
}

func NewResolver(cache *SourceCache, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Resolver{cache: cache, logger: logger}
}

// Resolve returns the source page ref points at, or a Skip explaining why
// there is none. A panic while handling ref is turned into a skip.
func (r *Resolver) Resolve(ctx context.Context, ref PageRef) (page *semantic.Page, skip *Skip) {
	defer func() {
		if p := recover(); p != nil {
			page = nil
			skip = &Skip{Ref: ref, Reason: SkipPanic, Err: fmt.Errorf("%v", p)}
		}
	}()

	if ref.Path == "" {
		return nil, &Skip{Ref: ref, Reason: SkipMissingFile, Err: errors.New("empty path")}
	}
	if _, err := os.Stat(ref.Path); err != nil {
		return nil, &Skip{Ref: ref, Reason: SkipMissingFile, Err: err}
	}
	src, err := r.cache.Get(ctx, ref.Path)
	if err != nil {
		return nil, &Skip{Ref: ref, Reason: SkipOpenFailed, Err: err}
	}
	if ref.Index < 0 || ref.Index >= src.PageCount() {
		return nil, &Skip{
			Ref:    ref,
			Reason: SkipIndexOutOfRange,
			Err:    fmt.Errorf("index %d, source has %d pages", ref.Index, src.PageCount()),
		}
	}
	page = src.Doc.Pages[ref.Index]
	r.logger.Debug("resolved page",
		observability.String("path", ref.Path),
		observability.Int("index", ref.Index),
		observability.Int("source_rotation", page.Rotate),
	)
	return page, nil
}

package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wudi/pdfcombine/builder"
	"github.com/wudi/pdfcombine/ir/semantic"
	"github.com/wudi/pdfcombine/observability"
	"github.com/wudi/pdfcombine/writer"
)

// State is the lifecycle stage of an Assembler.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	Compression   int
	Deterministic bool
	Logger        observability.Logger
	// Now stamps creation dates; defaults to time.Now. Ignored when
	// Deterministic is set.
	Now func() time.Time
}

// Assembler collects output pages in order and writes them once.
type Assembler struct {
	mu     sync.Mutex
	state  State
	b      *builder.Builder
	w      *writer.Writer
	logger observability.Logger
}

func NewAssembler(opts AssemblerOptions) *Assembler {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Deterministic {
		now = nil
	}
	return &Assembler{
		b: builder.New(builder.Options{CompressionLevel: opts.Compression, Now: now}),
		w: writer.New(writer.Config{
			Compression:   opts.Compression,
			Deterministic: opts.Deterministic,
			Logger:        opts.Logger,
		}),
		logger: opts.Logger,
	}
}

// State reports the lifecycle stage.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// PageCount is the number of pages collected so far.
func (a *Assembler) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.PageCount()
}

// AddPage appends an independent copy of src and returns it for
// transformation. The source page is never modified.
func (a *Assembler) AddPage(src *semantic.Page) (*builder.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.collecting(); err != nil {
		return nil, err
	}
	return a.b.AddPage(src)
}

// AddImage appends a page holding the image at path, sized to the image.
func (a *Assembler) AddImage(path string) (*builder.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.collecting(); err != nil {
		return nil, err
	}
	return a.b.AddImageFile(path)
}

// SetMetadata records the document information. Producer is always the
// fixed tag; empty fields are omitted from the output.
func (a *Assembler) SetMetadata(md Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.collecting(); err != nil {
		return err
	}
	return a.b.SetInfo(builder.Info{
		Title:    md.Title,
		Author:   md.Author,
		Subject:  md.Subject,
		Keywords: md.Keywords,
		Creator:  md.Creator,
		Producer: Producer,
	})
}

func (a *Assembler) collecting() error {
	switch a.state {
	case StateIdle:
		a.state = StateCollecting
		return nil
	case StateCollecting:
		return nil
	}
	return ErrAssemblerState
}

// Finalize writes the collected pages to dest. The write is atomic: on
// failure dest is left as it was and a *FinalizeError is returned.
// Finalize may be called once.
func (a *Assembler) Finalize(ctx context.Context, dest string) error {
	a.mu.Lock()
	if a.state != StateIdle && a.state != StateCollecting {
		a.mu.Unlock()
		return ErrAssemblerState
	}
	a.state = StateFinalizing
	a.mu.Unlock()

	err := a.finalize(ctx, dest)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.state = StateFailed
		return &FinalizeError{Destination: dest, Err: err}
	}
	a.state = StateDone
	return nil
}

func (a *Assembler) finalize(ctx context.Context, dest string) error {
	if dest == "" {
		return errors.New("empty output path")
	}
	doc, err := a.b.Build()
	if err != nil {
		return err
	}
	if err := a.w.WriteFile(ctx, doc, dest); err != nil {
		return err
	}
	a.logger.Info("output written",
		observability.String("output", dest),
		observability.Int(observability.MetricPageCount, a.b.PageCount()),
	)
	return nil
}

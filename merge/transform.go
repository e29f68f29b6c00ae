package merge

import (
	"errors"
	"fmt"
	"math"

	"github.com/wudi/pdfcombine/builder"
	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/ir/semantic"
	"github.com/wudi/pdfcombine/observability"
)

// RotationProbe reads the absolute rotation of an output page. Probes are
// tried in order; the first one that succeeds wins.
type RotationProbe func(p *builder.Page) (int, error)

var errRotationUnknown = errors.New("rotation not tracked")

// DirectRotation reads the rotation the builder tracks for the page.
func DirectRotation(p *builder.Page) (int, error) {
	rot, ok := p.Rotation()
	if !ok {
		return 0, errRotationUnknown
	}
	return rot, nil
}

// RawRotation reads the /Rotate entry of the page dictionary, following
// indirect references.
func RawRotation(p *builder.Page) (int, error) {
	v, ok := p.RawAttr("Rotate")
	if !ok {
		return 0, errors.New("page has no /Rotate")
	}
	n, ok := raw.Number(v)
	if !ok {
		return 0, fmt.Errorf("/Rotate is a %s", v.Type())
	}
	return semantic.NormalizeRotation(int(n)), nil
}

// DefaultProbes is the probe order used by NewTransformer.
var DefaultProbes = []RotationProbe{DirectRotation, RawRotation}

// Outcome describes what Apply did to a page.
type Outcome struct {
	// Rotation is the absolute rotation after the increment.
	Rotation    int
	Swapped     bool
	VisualWidth float64
	// Scale is the factor applied; 1 when the page was left alone.
	Scale  float64
	Scaled bool
	// Fallback is set when normalization could not inspect the page and
	// left it unscaled.
	Fallback error
}

// Transformer rotates output pages and normalizes their visual width.
type Transformer struct {
	Tolerance float64
	Probes    []RotationProbe
	logger    observability.Logger
}

func NewTransformer(tolerance float64, logger observability.Logger) *Transformer {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Transformer{Tolerance: tolerance, Probes: DefaultProbes, logger: logger}
}

// Apply adds increment degrees to the page rotation read through the
// probes and, when normalize is set, scales the page so its visual width
// equals referenceWidth. Only the output page is touched. Apply never fails: problems while inspecting the
// page leave it unscaled and are reported in Outcome.Fallback.
func (t *Transformer) Apply(page *builder.Page, increment int, normalize bool, referenceWidth float64) Outcome {
	out := Outcome{Scale: 1}
	cur, err := t.probeRotation(page)
	if err != nil {
		// Unknown rotation reads as unrotated.
		t.logger.Debug("rotation probes failed",
			observability.Int("page", page.Ref.Num),
			observability.Error("error", err),
		)
		cur = 0
	}
	out.Rotation = semantic.NormalizeRotation(cur + increment)
	page.SetRotation(out.Rotation)
	if !normalize {
		return out
	}
	if err := t.normalize(page, referenceWidth, &out); err != nil {
		out.Fallback = err
		out.Scale, out.Scaled = 1, false
		t.logger.Warn("page normalization skipped",
			observability.Int("page", page.Ref.Num),
			observability.Error("error", err),
		)
	}
	return out
}

func (t *Transformer) normalize(page *builder.Page, referenceWidth float64, out *Outcome) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while normalizing: %v", p)
		}
	}()

	out.Swapped = semantic.IsSwapped(out.Rotation)

	mb, err := page.MediaBox()
	if err != nil {
		return err
	}
	pw, ph := mb.Width(), mb.Height()
	out.VisualWidth = pw
	if out.Swapped {
		out.VisualWidth = ph
	}

	if out.VisualWidth <= 0 || math.Abs(out.VisualWidth-referenceWidth) <= t.Tolerance {
		return nil
	}
	scale := referenceWidth / out.VisualWidth
	if err := page.ScaleBy(scale); err != nil {
		return err
	}
	out.Scale, out.Scaled = scale, true
	return nil
}

func (t *Transformer) probeRotation(page *builder.Page) (rot int, err error) {
	defer func() {
		if p := recover(); p != nil {
			rot, err = 0, fmt.Errorf("panic while reading rotation: %v", p)
		}
	}()
	var errs []error
	for _, probe := range t.Probes {
		rot, err := probe(page)
		if err == nil {
			return semantic.NormalizeRotation(rot), nil
		}
		errs = append(errs, err)
	}
	return 0, errors.Join(append(errs, errRotationUnknown)...)
}

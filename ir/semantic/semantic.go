package semantic

import (
	"errors"

	"github.com/wudi/pdfcombine/ir/raw"
)

// ErrNoPages is returned when a document has no usable page tree.
var ErrNoPages = errors.New("document has no page tree")

// Rectangle is a PDF rectangle in default user space units.
type Rectangle struct {
	LLX, LLY, URX, URY float64
}

func (r Rectangle) Width() float64  { return r.URX - r.LLX }
func (r Rectangle) Height() float64 { return r.URY - r.LLY }

// IsZero reports whether the rectangle has no area.
func (r Rectangle) IsZero() bool { return r.Width() == 0 || r.Height() == 0 }

// Scale multiplies every coordinate by s.
func (r Rectangle) Scale(s float64) Rectangle {
	return Rectangle{LLX: r.LLX * s, LLY: r.LLY * s, URX: r.URX * s, URY: r.URY * s}
}

// Array returns the rectangle as a raw four-element array.
func (r Rectangle) Array() *raw.ArrayObj {
	return raw.NewArray(number(r.LLX), number(r.LLY), number(r.URX), number(r.URY))
}

func number(f float64) raw.NumberObj {
	if f == float64(int64(f)) {
		return raw.NumberInt(int64(f))
	}
	return raw.NumberFloat(f)
}

// Page is a leaf of the page tree with inheritable attributes resolved.
type Page struct {
	Index int
	// Ref is the indirect reference of the page dictionary; zero when the
	// page was stored directly inside its parent's Kids array.
	Ref  raw.ObjectRef
	Dict *raw.DictObj
	// MediaBox and CropBox are effective values after inheritance.
	MediaBox Rectangle
	CropBox  Rectangle
	// Rotate is the effective rotation normalized to 0, 90, 180 or 270.
	Rotate int
	// Inherited holds inheritable entries found on ancestors and absent
	// from the page dictionary itself, unresolved.
	Inherited map[string]raw.Object
	// Source is the document the page belongs to.
	Source *raw.Document
}

// Document is a parsed document together with its flattened page list.
type Document struct {
	Raw   *raw.Document
	Pages []*Page
}

func (d *Document) PageCount() int { return len(d.Pages) }

// NormalizeRotation maps any rotation to 0, 90, 180 or 270. Values that are
// not multiples of 90 are treated as 0.
func NormalizeRotation(r int) int {
	if r%90 != 0 {
		return 0
	}
	return ((r % 360) + 360) % 360
}

// IsSwapped reports whether a rotation exchanges the visual width and height.
func IsSwapped(rotation int) bool {
	return (NormalizeRotation(rotation)/90)%2 != 0
}

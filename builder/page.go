package builder

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/ir/semantic"
)

// BoxKeys lists the page boundary boxes in the order they are scaled.
var BoxKeys = []string{"MediaBox", "CropBox", "BleedBox", "TrimBox", "ArtBox"}

// Page is a page in the output document. All mutators act on the output
// copy only.
type Page struct {
	b    *Builder
	Ref  raw.ObjectRef
	Dict *raw.DictObj

	rotation      int
	rotationKnown bool
}

// Rotation returns the rotation tracked by the builder for this page. It
// reports false when /Rotate was changed behind the builder's back.
func (p *Page) Rotation() (int, bool) {
	if !p.rotationKnown {
		return 0, false
	}
	if v, ok := p.Dict.Get("Rotate"); ok {
		n, isNum := raw.Number(p.b.Resolve(v))
		if !isNum || semantic.NormalizeRotation(int(n)) != p.rotation {
			return 0, false
		}
	}
	return p.rotation, true
}

// rawRotation reads /Rotate straight from the page dictionary.
func (p *Page) rawRotation() int {
	v, ok := p.RawAttr("Rotate")
	if !ok {
		return 0
	}
	n, _ := raw.Number(v)
	return semantic.NormalizeRotation(int(n))
}

// SetRotation sets the absolute rotation, normalized to 0/90/180/270.
func (p *Page) SetRotation(deg int) {
	p.rotation = semantic.NormalizeRotation(deg)
	p.rotationKnown = true
	p.Dict.Set("Rotate", raw.NumberInt(int64(p.rotation)))
}

// Rotate adds delta degrees to the current rotation and returns the result.
func (p *Page) Rotate(delta int) int {
	cur, ok := p.Rotation()
	if !ok {
		cur = p.rawRotation()
	}
	p.SetRotation(cur + delta)
	return p.rotation
}

// RawAttr returns the resolved value of a page dictionary entry.
func (p *Page) RawAttr(key string) (raw.Object, bool) {
	v, ok := p.Dict.Get(key)
	if !ok {
		return nil, false
	}
	v = p.b.Resolve(v)
	if _, isNull := v.(raw.NullObj); isNull {
		return nil, false
	}
	return v, true
}

// Box reads one of the boundary boxes.
func (p *Page) Box(key string) (semantic.Rectangle, error) {
	v, ok := p.RawAttr(key)
	if !ok {
		return semantic.Rectangle{}, fmt.Errorf("page has no /%s", key)
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok || arr.Len() != 4 {
		return semantic.Rectangle{}, fmt.Errorf("/%s is not a rectangle", key)
	}
	var vals [4]float64
	for i, it := range arr.Items {
		n, ok := raw.Number(p.b.Resolve(it))
		if !ok {
			return semantic.Rectangle{}, fmt.Errorf("/%s has a non-numeric entry", key)
		}
		vals[i] = n
	}
	return semantic.Rectangle{LLX: vals[0], LLY: vals[1], URX: vals[2], URY: vals[3]}, nil
}

// MediaBox returns the stored, unrotated media box.
func (p *Page) MediaBox() (semantic.Rectangle, error) { return p.Box("MediaBox") }

// Boxes returns every boundary box present on the page.
func (p *Page) Boxes() map[string]semantic.Rectangle {
	out := make(map[string]semantic.Rectangle)
	for _, k := range BoxKeys {
		if r, err := p.Box(k); err == nil {
			out[k] = r
		}
	}
	return out
}

// ScaleBy scales the page uniformly: every boundary box, every annotation
// rectangle and the rendered content. Boxes are replaced rather than edited
// in place because their arrays may be shared with other pages.
func (p *Page) ScaleBy(s float64) error {
	if s <= 0 {
		return errors.New("scale factor must be positive")
	}
	boxes := p.Boxes()
	if _, ok := boxes["MediaBox"]; !ok {
		return errors.New("page has no usable /MediaBox")
	}
	for k, r := range boxes {
		p.Dict.Set(k, r.Scale(s).Array())
	}
	p.scaleAnnotations(s)
	p.wrapContents(s)
	return nil
}

func (p *Page) scaleAnnotations(s float64) {
	annots, ok := p.RawAttr("Annots")
	if !ok {
		return
	}
	arr, ok := annots.(*raw.ArrayObj)
	if !ok {
		return
	}
	for _, it := range arr.Items {
		annot, ok := p.b.Resolve(it).(*raw.DictObj)
		if !ok {
			continue
		}
		rectObj, ok := annot.Get("Rect")
		if !ok {
			continue
		}
		if r, ok := semantic.ParseRectangle(&raw.Document{Objects: p.b.objects}, rectObj); ok {
			annot.Set("Rect", r.Scale(s).Array())
		}
	}
}

// wrapContents brackets the existing content streams with a save/scale and
// a restore so the drawing scales with the boxes.
func (p *Page) wrapContents(s float64) {
	var streams []raw.Object
	if c, ok := p.Dict.Get("Contents"); ok {
		if arr, ok := p.b.Resolve(c).(*raw.ArrayObj); ok {
			streams = append(streams, arr.Items...)
		} else {
			streams = append(streams, c)
		}
	}
	f := strconv.FormatFloat(s, 'f', -1, 64)
	prefix := p.b.add(raw.NewStream(nil, []byte("q\n"+f+" 0 0 "+f+" 0 0 cm\n")))
	suffix := p.b.add(raw.NewStream(nil, []byte("\nQ\n")))

	items := make([]raw.Object, 0, len(streams)+2)
	items = append(items, raw.RefObj{R: prefix})
	items = append(items, streams...)
	items = append(items, raw.RefObj{R: suffix})
	p.Dict.Set("Contents", raw.NewArray(items...))
}

package semantic

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/observability"
)

// InheritableKeys are the page attributes a page may inherit from its
// ancestors in the page tree.
var InheritableKeys = []string{"Resources", "MediaBox", "CropBox", "Rotate"}

const defaultMaxTreeDepth = 64

// Options tunes page tree traversal.
type Options struct {
	MaxDepth int
	Logger   observability.Logger
}

type inheritedPageProps map[string]raw.Object

func (p inheritedPageProps) with(dict *raw.DictObj) inheritedPageProps {
	out := make(inheritedPageProps, len(p)+len(InheritableKeys))
	for k, v := range p {
		out[k] = v
	}
	for _, k := range InheritableKeys {
		if v, ok := dict.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// BuildDocument flattens the page tree of doc into reading order.
func BuildDocument(doc *raw.Document, opts Options) (*Document, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxTreeDepth
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	rootObj, ok := doc.Trailer.Get("Root")
	if !ok {
		return nil, ErrNoPages
	}
	catalog, ok := doc.Resolve(rootObj).(*raw.DictObj)
	if !ok {
		return nil, ErrNoPages
	}
	pagesObj, ok := catalog.Get("Pages")
	if !ok {
		return nil, ErrNoPages
	}
	if _, ok := doc.Resolve(pagesObj).(*raw.DictObj); !ok {
		return nil, ErrNoPages
	}

	w := &treeWalker{doc: doc, opts: opts, visited: make(map[raw.ObjectRef]bool)}
	if err := w.walk(pagesObj, inheritedPageProps{}, 0); err != nil {
		return nil, err
	}
	return &Document{Raw: doc, Pages: w.pages}, nil
}

type treeWalker struct {
	doc     *raw.Document
	opts    Options
	visited map[raw.ObjectRef]bool
	pages   []*Page
}

// walk traverses the page tree depth-first. Broken kids are logged and
// skipped so one damaged branch does not hide the rest of the document.
func (w *treeWalker) walk(obj raw.Object, inherited inheritedPageProps, depth int) error {
	if depth > w.opts.MaxDepth {
		return fmt.Errorf("page tree deeper than %d levels", w.opts.MaxDepth)
	}
	var ref raw.ObjectRef
	if r, ok := obj.(raw.RefObj); ok {
		ref = r.R
		if w.visited[ref] {
			return fmt.Errorf("page tree cycle at object %s", ref)
		}
		w.visited[ref] = true
	}
	dict, ok := w.doc.Resolve(obj).(*raw.DictObj)
	if !ok {
		return errors.New("page tree node is not a dictionary")
	}

	if isPageNode(dict) {
		w.pages = append(w.pages, w.newPage(ref, dict, inherited))
		return nil
	}

	kids, ok := w.doc.Resolve(getOrNull(dict, "Kids")).(*raw.ArrayObj)
	if !ok {
		return errors.New("pages node missing Kids")
	}
	next := inherited.with(dict)
	for i, kid := range kids.Items {
		if err := w.walk(kid, next, depth+1); err != nil {
			w.opts.Logger.Warn("skipping page tree node",
				observability.Int("kid", i),
				observability.Int("depth", depth+1),
				observability.Error("error", err),
			)
		}
	}
	return nil
}

func isPageNode(dict *raw.DictObj) bool {
	if typ, ok := dict.Name("Type"); ok {
		return typ == "Page"
	}
	// Infer from Kids presence
	_, hasKids := dict.Get("Kids")
	return !hasKids
}

func getOrNull(d *raw.DictObj, key string) raw.Object {
	v, ok := d.Get(key)
	if !ok {
		return raw.NullObj{}
	}
	return v
}

func (w *treeWalker) newPage(ref raw.ObjectRef, dict *raw.DictObj, inherited inheritedPageProps) *Page {
	page := &Page{
		Index:     len(w.pages),
		Ref:       ref,
		Dict:      dict,
		Source:    w.doc,
		Inherited: make(map[string]raw.Object),
	}
	for _, k := range InheritableKeys {
		if _, own := dict.Get(k); own {
			continue
		}
		if v, ok := inherited[k]; ok {
			page.Inherited[k] = v
		}
	}

	if mb, ok := w.rect(page.Attr("MediaBox")); ok {
		page.MediaBox = mb
	} else {
		page.MediaBox = Rectangle{0, 0, 612, 792} // Letter default
	}
	if cb, ok := w.rect(page.Attr("CropBox")); ok {
		page.CropBox = cb
	} else {
		page.CropBox = page.MediaBox
	}
	if n, ok := raw.Number(w.doc.Resolve(page.Attr("Rotate"))); ok {
		page.Rotate = NormalizeRotation(int(n))
	}
	return page
}

// Attr returns an entry of the page dictionary, falling back to inherited
// values. Missing entries yield NullObj.
func (p *Page) Attr(key string) raw.Object {
	if v, ok := p.Dict.Get(key); ok {
		return v
	}
	if v, ok := p.Inherited[key]; ok {
		return v
	}
	return raw.NullObj{}
}

func (w *treeWalker) rect(obj raw.Object) (Rectangle, bool) {
	return ParseRectangle(w.doc, obj)
}

// ParseRectangle reads a four-number array, resolving indirect values and
// normalizing corner order.
func ParseRectangle(doc *raw.Document, obj raw.Object) (Rectangle, bool) {
	arr, ok := doc.Resolve(obj).(*raw.ArrayObj)
	if !ok || arr.Len() != 4 {
		return Rectangle{}, false
	}
	var v [4]float64
	for i, it := range arr.Items {
		n, ok := raw.Number(doc.Resolve(it))
		if !ok {
			return Rectangle{}, false
		}
		v[i] = n
	}
	r := Rectangle{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}
	if r.LLX > r.URX {
		r.LLX, r.URX = r.URX, r.LLX
	}
	if r.LLY > r.URY {
		r.LLY, r.URY = r.URY, r.LLY
	}
	return r, true
}

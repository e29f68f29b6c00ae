package builder

import (
	"errors"
	"fmt"
	"time"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/ir/semantic"
)

// ErrFinalized is returned when a builder is used after Build.
var ErrFinalized = errors.New("builder already finalized")

// Options configures a Builder.
type Options struct {
	// CompressionLevel is the flate level used for streams the builder
	// creates itself. Zero (flate.NoCompression) stores them unfiltered,
	// matching the writer's reading of the same value.
	CompressionLevel int
	// Now supplies the creation date written to the info dictionary; nil
	// omits dates.
	Now func() time.Time
}

// Builder owns the object table of an output document. Pages are added by
// copying them from parsed sources; sources themselves are never modified.
type Builder struct {
	opts      Options
	objects   map[raw.ObjectRef]raw.Object
	next      int
	pagesRef  raw.ObjectRef
	pages     []*Page
	copiers   map[*raw.Document]*copier
	info      Info
	version   string
	finalized bool
}

// New returns an empty builder.
func New(opts Options) *Builder {
	b := &Builder{
		opts:    opts,
		objects: make(map[raw.ObjectRef]raw.Object),
		next:    1,
		copiers: make(map[*raw.Document]*copier),
		version: "1.4",
	}
	b.pagesRef = b.alloc()
	return b
}

func (b *Builder) alloc() raw.ObjectRef {
	ref := raw.ObjectRef{Num: b.next}
	b.next++
	return ref
}

func (b *Builder) add(obj raw.Object) raw.ObjectRef {
	ref := b.alloc()
	b.objects[ref] = obj
	return ref
}

// Resolve follows references within the output object table.
func (b *Builder) Resolve(obj raw.Object) raw.Object {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(raw.RefObj)
		if !ok {
			return obj
		}
		next, found := b.objects[ref.R]
		if !found {
			return raw.NullObj{}
		}
		obj = next
	}
	return raw.NullObj{}
}

// Pages returns the output pages in order.
func (b *Builder) Pages() []*Page { return b.pages }

// PageCount is the number of pages added so far.
func (b *Builder) PageCount() int { return len(b.pages) }

// AddPage copies src into the output document and appends it. The page
// dictionary and its annotations are fresh copies on every call; resources
// and content streams are shared between copies of the same source.
func (b *Builder) AddPage(src *semantic.Page) (*Page, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	if src == nil || src.Dict == nil || src.Source == nil {
		return nil, errors.New("page has no source dictionary")
	}
	c, ok := b.copiers[src.Source]
	if !ok {
		c = newCopier(b, src.Source)
		b.copiers[src.Source] = c
	}
	if v := src.Source.Version; v > b.version {
		b.version = v
	}

	pageRef := b.alloc()
	dict, err := c.copyPage(src, pageRef)
	if err != nil {
		delete(b.objects, pageRef)
		return nil, fmt.Errorf("copy page %d: %w", src.Index, err)
	}
	dict.Set("Rotate", raw.NumberInt(int64(src.Rotate)))
	b.objects[pageRef] = dict

	p := &Page{b: b, Ref: pageRef, Dict: dict, rotation: src.Rotate, rotationKnown: true}
	b.pages = append(b.pages, p)
	return p, nil
}

// newPage appends a blank page of the given size.
func (b *Builder) newPage(width, height float64) *Page {
	ref := b.alloc()
	dict := raw.Dict()
	dict.Set("Type", raw.NameLiteral("Page"))
	dict.Set("MediaBox", semantic.Rectangle{URX: width, URY: height}.Array())
	dict.Set("Resources", raw.Dict())
	b.objects[ref] = dict
	p := &Page{b: b, Ref: ref, Dict: dict, rotationKnown: true}
	b.pages = append(b.pages, p)
	return p
}

// SetInfo replaces the document information.
func (b *Builder) SetInfo(info Info) error {
	if b.finalized {
		return ErrFinalized
	}
	b.info = info
	return nil
}

// Build finalizes the builder and returns the output object graph. Build may
// be called once.
func (b *Builder) Build() (*raw.Document, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true

	kids := raw.NewArray()
	for _, p := range b.pages {
		p.Dict.Set("Parent", raw.RefObj{R: b.pagesRef})
		kids.Append(raw.RefObj{R: p.Ref})
	}
	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", kids)
	pages.Set("Count", raw.NumberInt(int64(len(b.pages))))
	b.objects[b.pagesRef] = pages

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.RefObj{R: b.pagesRef})
	catalogRef := b.add(catalog)

	doc := raw.NewDocument()
	doc.Objects = b.objects
	doc.Version = b.version
	doc.Metadata = b.info.metadata()
	doc.Trailer.Set("Root", raw.RefObj{R: catalogRef})
	if infoDict := b.info.dict(b.opts.Now); infoDict.Len() > 0 {
		doc.Trailer.Set("Info", raw.RefObj{R: b.add(infoDict)})
	}
	doc.Trailer.Set("Size", raw.NumberInt(int64(b.next)))
	return doc, nil
}

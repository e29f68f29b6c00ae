package builder

import (
	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/ir/semantic"
)

// copier moves objects from one source document into the builder. Objects
// reached through references are copied once and shared (memo); page and
// annotation dictionaries are copied fresh on every page add.
type copier struct {
	b    *Builder
	src  *raw.Document
	memo map[raw.ObjectRef]raw.ObjectRef
	// pages maps source page refs to their most recent output copy so that
	// annotation /P entries and link targets point into the output.
	pages map[raw.ObjectRef]raw.ObjectRef
}

func newCopier(b *Builder, src *raw.Document) *copier {
	return &copier{
		b:     b,
		src:   src,
		memo:  make(map[raw.ObjectRef]raw.ObjectRef),
		pages: make(map[raw.ObjectRef]raw.ObjectRef),
	}
}

// scope carries per-page reference overrides, used for annotations which
// must not be shared between copies of the same source page.
type scope struct {
	local map[raw.ObjectRef]raw.ObjectRef
}

// copyPage returns a fresh output dictionary for src with inherited
// attributes materialized. out is the reference the page will be stored at.
func (c *copier) copyPage(src *semantic.Page, out raw.ObjectRef) (*raw.DictObj, error) {
	sc := &scope{local: make(map[raw.ObjectRef]raw.ObjectRef)}
	if src.Ref != (raw.ObjectRef{}) {
		sc.local[src.Ref] = out
	}

	annots := c.allocAnnotations(src, sc)

	dict := raw.Dict()
	for _, k := range src.Dict.Keys() {
		switch k {
		case "Parent", "Annots", "B", "StructParents":
			continue
		}
		v, _ := src.Dict.Get(k)
		dict.Set(k, c.copyValue(v, sc))
	}
	for k, v := range src.Inherited {
		dict.Set(k, c.copyValue(v, sc))
	}
	dict.Set("Type", raw.NameLiteral("Page"))
	if _, ok := dict.Get("MediaBox"); !ok {
		dict.Set("MediaBox", src.MediaBox.Array())
	}
	if _, ok := dict.Get("Resources"); !ok {
		dict.Set("Resources", raw.Dict())
	}
	if annots != nil {
		dict.Set("Annots", c.copyAnnotations(annots, sc, out))
	}
	if src.Ref != (raw.ObjectRef{}) {
		c.pages[src.Ref] = out
	}
	return dict, nil
}

// allocAnnotations reserves fresh output numbers for every indirect
// annotation of the page so that cross references between them (Popup,
// Parent of a popup) stay within the copy.
func (c *copier) allocAnnotations(src *semantic.Page, sc *scope) *raw.ArrayObj {
	v, ok := src.Dict.Get("Annots")
	if !ok {
		return nil
	}
	arr, ok := c.src.Resolve(v).(*raw.ArrayObj)
	if !ok {
		return nil
	}
	for _, it := range arr.Items {
		if ref, ok := it.(raw.RefObj); ok {
			if _, seen := sc.local[ref.R]; !seen {
				sc.local[ref.R] = c.b.alloc()
			}
		}
	}
	return arr
}

func (c *copier) copyAnnotations(arr *raw.ArrayObj, sc *scope, page raw.ObjectRef) *raw.ArrayObj {
	out := raw.NewArray()
	for _, it := range arr.Items {
		var annot *raw.DictObj
		var target raw.ObjectRef
		if ref, ok := it.(raw.RefObj); ok {
			annot, _ = c.src.Resolve(ref).(*raw.DictObj)
			target = sc.local[ref.R]
		} else {
			annot, _ = it.(*raw.DictObj)
		}
		if annot == nil {
			continue
		}
		copied := c.copyDict(annot, sc)
		if _, ok := copied.Get("P"); ok {
			copied.Set("P", raw.RefObj{R: page})
		}
		if target == (raw.ObjectRef{}) {
			out.Append(copied)
			continue
		}
		c.b.objects[target] = copied
		out.Append(raw.RefObj{R: target})
	}
	// Popups referenced by annotations of this page but not listed in Annots
	// still got a local number; make sure nothing dangles.
	for srcRef, outRef := range sc.local {
		if _, stored := c.b.objects[outRef]; stored || outRef == page {
			continue
		}
		if obj, ok := c.src.Lookup(srcRef); ok {
			c.b.objects[outRef] = c.copyValue(obj, sc)
		} else {
			c.b.objects[outRef] = raw.NullObj{}
		}
	}
	return out
}

// copyValue deep-copies direct values and maps references into the output.
func (c *copier) copyValue(obj raw.Object, sc *scope) raw.Object {
	switch v := obj.(type) {
	case raw.RefObj:
		return c.copyRef(v.R, sc)
	case *raw.ArrayObj:
		out := &raw.ArrayObj{Items: make([]raw.Object, len(v.Items))}
		for i, it := range v.Items {
			out.Items[i] = c.copyValue(it, sc)
		}
		return out
	case *raw.DictObj:
		return c.copyDict(v, sc)
	case *raw.StreamObj:
		// Stream data is never modified, so the payload is shared.
		return &raw.StreamObj{Dict: c.copyDict(v.Dict, sc), Data: v.Data}
	default:
		return raw.Clone(obj)
	}
}

func (c *copier) copyDict(d *raw.DictObj, sc *scope) *raw.DictObj {
	out := raw.Dict()
	if d == nil {
		return out
	}
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		out.Set(k, c.copyValue(v, sc))
	}
	return out
}

// copyRef maps a source reference to the output. Page tree nodes are never
// pulled in: references to pages already copied point at the copy, others
// become null.
func (c *copier) copyRef(ref raw.ObjectRef, sc *scope) raw.Object {
	if sc != nil {
		if out, ok := sc.local[ref]; ok {
			return raw.RefObj{R: out}
		}
	}
	if out, ok := c.memo[ref]; ok {
		return raw.RefObj{R: out}
	}
	if out, ok := c.pages[ref]; ok {
		return raw.RefObj{R: out}
	}
	target, ok := c.src.Lookup(ref)
	if !ok {
		return raw.NullObj{}
	}
	if d, ok := target.(*raw.DictObj); ok && isPageTreeNode(d) {
		return raw.NullObj{}
	}

	out := c.b.alloc()
	c.memo[ref] = out
	// Shared objects are copied without the page scope so they do not
	// capture annotation numbers of one particular copy.
	c.b.objects[out] = c.copyValue(target, nil)
	return raw.RefObj{R: out}
}

func isPageTreeNode(d *raw.DictObj) bool {
	typ, _ := d.Name("Type")
	switch typ {
	case "Page", "Pages", "Catalog":
		return true
	}
	return false
}

package raw

import (
	"fmt"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// DocumentMetadata contains common PDF info fields.
type DocumentMetadata struct {
	Producer string
	Creator  string
	Title    string
	Author   string
	Subject  string
	Keywords string
}

// Document is the root container for raw PDF objects.
type Document struct {
	Objects   map[ObjectRef]Object
	Trailer   *DictObj
	Version   string // e.g., "1.7"
	Metadata  DocumentMetadata
	Encrypted bool
	// Repaired is set when the xref information had to be rebuilt by scanning.
	Repaired bool
}

// NewDocument returns an empty document with an initialized object table.
func NewDocument() *Document {
	return &Document{Objects: make(map[ObjectRef]Object), Trailer: Dict(), Version: "1.7"}
}

// Lookup returns the object stored under the given object number, ignoring
// the generation when no exact match exists. Broken files frequently carry
// references whose generation does not match the xref entry.
func (d *Document) Lookup(ref ObjectRef) (Object, bool) {
	if obj, ok := d.Objects[ref]; ok {
		return obj, true
	}
	for r, obj := range d.Objects {
		if r.Num == ref.Num {
			return obj, true
		}
	}
	return nil, false
}

// Resolve follows indirect references until a direct object is reached.
// Dangling references resolve to NullObj, as required for PDF readers.
func (d *Document) Resolve(obj Object) Object {
	for depth := 0; depth < maxResolveDepth; depth++ {
		ref, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		next, found := d.Lookup(ref.R)
		if !found {
			return NullObj{}
		}
		obj = next
	}
	return NullObj{}
}

// Refs returns all object references sorted by object number.
func (d *Document) Refs() []ObjectRef {
	out := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Num == out[j].Num {
			return out[i].Gen < out[j].Gen
		}
		return out[i].Num < out[j].Num
	})
	return out
}

// MaxObjectNumber returns the highest object number in use.
func (d *Document) MaxObjectNumber() int {
	n := 0
	for ref := range d.Objects {
		if ref.Num > n {
			n = ref.Num
		}
	}
	return n
}

const maxResolveDepth = 32

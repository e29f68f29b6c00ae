package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wudi/pdfcombine/filters"
	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/recovery"
	"github.com/wudi/pdfcombine/scanner"
	"github.com/wudi/pdfcombine/security"
	"github.com/wudi/pdfcombine/xref"
)

type Cache interface {
	Get(ref raw.ObjectRef) (raw.Object, bool)
	Put(ref raw.ObjectRef, obj raw.Object)
}

type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
	LoadIndirect(ctx context.Context, ref raw.ObjectRef, depth int) (raw.Object, error)
}

type ObjectLoaderBuilder struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	maxDepth  int
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
}

func (b *ObjectLoaderBuilder) WithXRef(table xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = table
	return b
}
func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithCache(c Cache) *ObjectLoaderBuilder { b.cache = c; return b }
func (b *ObjectLoaderBuilder) WithRecovery(s recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = s
	return b
}

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xrefTable required")
	}
	maxDepth := b.maxDepth
	if maxDepth == 0 {
		maxDepth = b.limits.MaxIndirectDepth
		if maxDepth == 0 {
			maxDepth = security.DefaultLimits().MaxIndirectDepth
		}
	}
	return &objectLoader{
		reader:    b.reader,
		xrefTable: b.xrefTable,
		maxDepth:  maxDepth,
		limits:    b.limits,
		cache:     b.cache,
		recovery:  b.recovery,
		pipeline:  filters.NewDefaultPipeline(filters.Limits{MaxDecompressedSize: b.limits.MaxDecompressedSize}),
		objstm:    make(map[int]map[int]raw.Object),
		loading:   make(map[int]bool),
	}, nil
}

type objectLoader struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	maxDepth  int
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
	pipeline  *filters.Pipeline

	mu       sync.Mutex
	objstm   map[int]map[int]raw.Object
	loading  map[int]bool
	repairMu sync.Once
	repaired xref.Table
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	return o.LoadIndirect(ctx, ref, 0)
}

func (o *objectLoader) LoadIndirect(ctx context.Context, ref raw.ObjectRef, depth int) (raw.Object, error) {
	if depth > o.maxDepth {
		return nil, security.Exceeded("indirect depth", int64(depth), int64(o.maxDepth))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.cache != nil {
		if obj, ok := o.cache.Get(ref); ok {
			return obj, nil
		}
	}

	o.mu.Lock()
	if o.loading[ref.Num] {
		o.mu.Unlock()
		return nil, fmt.Errorf("object %d references itself while loading", ref.Num)
	}
	o.loading[ref.Num] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.loading, ref.Num)
		o.mu.Unlock()
	}()

	obj, err := o.loadFrom(ctx, o.xrefTable, ref, depth)
	if err != nil {
		// Offsets in damaged files are often stale; retry against a table
		// rebuilt by scanning when the strategy tolerates it.
		loc := recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "loader"}
		if herr := recovery.Handle(ctx, o.recovery, err, loc); herr != nil {
			return nil, herr
		}
		rt := o.repairedTable(ctx)
		if rt == nil {
			return nil, err
		}
		obj, err = o.loadFrom(ctx, rt, ref, depth)
		if err != nil {
			return nil, err
		}
	}

	if o.cache != nil {
		o.cache.Put(ref, obj)
	}
	return obj, nil
}

func (o *objectLoader) repairedTable(ctx context.Context) xref.Table {
	o.repairMu.Do(func() {
		if o.xrefTable.Type() == "repaired" {
			return
		}
		if t, err := xref.Repair(ctx, o.reader, o.limits); err == nil {
			o.repaired = t
		}
	})
	return o.repaired
}

func (o *objectLoader) loadFrom(ctx context.Context, table xref.Table, ref raw.ObjectRef, depth int) (raw.Object, error) {
	if offset, gen, found := table.Lookup(ref.Num); found {
		return o.loadAtOffset(ctx, ref.Num, offset, gen, depth)
	}
	if osNum, idx, ok := table.ObjStream(ref.Num); ok {
		return o.loadFromObjectStream(ctx, ref, osNum, idx, depth)
	}
	return nil, fmt.Errorf("object %d not found in xref", ref.Num)
}

func (o *objectLoader) newScanner(r io.ReaderAt) scanner.Scanner {
	return scanner.New(r, scanner.Config{
		Recovery:        o.recovery,
		MaxStringLength: o.limits.MaxStringLength,
		MaxStreamLength: o.limits.MaxStreamLength,
	})
}

func (o *objectLoader) loadAtOffset(ctx context.Context, objNum int, offset int64, gen int, depth int) (raw.Object, error) {
	s := o.newScanner(o.reader)
	if err := s.SeekTo(offset); err != nil {
		return nil, err
	}
	or := scanner.NewObjectReader(s, o.recovery)
	or.SetLimits(o.limits.MaxArraySize, o.limits.MaxDictSize)

	var lengthErr error
	ref, obj, err := or.ReadIndirect(func(d *raw.DictObj) int64 {
		n, err := o.resolveStreamLength(ctx, d, depth)
		if err != nil {
			lengthErr = err
			return -1
		}
		return n
	})
	if err != nil {
		return nil, fmt.Errorf("object %d at offset %d: %w", objNum, offset, err)
	}
	if ref.Num != objNum {
		return nil, fmt.Errorf("object header number mismatch: want %d, found %d", objNum, ref.Num)
	}
	if ref.Gen != gen {
		herr := recovery.Handle(ctx, o.recovery, fmt.Errorf("object %d generation mismatch: xref %d, header %d", objNum, gen, ref.Gen),
			recovery.Location{ByteOffset: offset, ObjectNum: objNum, ObjectGen: gen, Component: "loader"})
		if herr != nil {
			return nil, herr
		}
	}
	if lengthErr != nil {
		// The scanner already fell back to searching for endstream.
		if herr := recovery.Handle(ctx, o.recovery, lengthErr, recovery.Location{ObjectNum: objNum, Component: "loader"}); herr != nil {
			return nil, herr
		}
	}
	return obj, nil
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, objStreamNum int, idx int, depth int) (raw.Object, error) {
	o.mu.Lock()
	objs, ok := o.objstm[objStreamNum]
	o.mu.Unlock()
	if ok {
		if obj, found := objs[ref.Num]; found {
			return obj, nil
		}
		return nil, fmt.Errorf("object %d not found in object stream %d", ref.Num, objStreamNum)
	}

	streamObj, err := o.LoadIndirect(ctx, raw.ObjectRef{Num: objStreamNum}, depth+1)
	if err != nil {
		return nil, fmt.Errorf("load object stream %d: %w", objStreamNum, err)
	}
	st, ok := streamObj.(*raw.StreamObj)
	if !ok {
		return nil, errors.New("object stream is not a stream")
	}
	nObj := int(getIntFromDict(st.Dict, "N"))
	first := int(getIntFromDict(st.Dict, "First"))
	data, err := o.pipeline.DecodeStream(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("decode object stream %d: %w", objStreamNum, err)
	}
	if first < 0 || first > len(data) {
		return nil, errors.New("object stream First exceeds length")
	}
	header := data[:first]
	body := data[first:]

	hs := scanner.NewBytes(header, scanner.Config{Recovery: o.recovery})
	var pairs []int64
	for len(pairs)/2 < nObj {
		tok, err := hs.Next()
		if err != nil {
			break
		}
		if tok.Type == scanner.TokenNumber && tok.IsInt {
			pairs = append(pairs, tok.Int)
		}
	}
	if len(pairs)%2 == 1 {
		pairs = pairs[:len(pairs)-1]
	}

	objs = make(map[int]raw.Object, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		objNum, off := int(pairs[i]), pairs[i+1]
		if off < 0 || off > int64(len(body)) {
			continue
		}
		s := o.newScanner(bytes.NewReader(body[off:]))
		or := scanner.NewObjectReader(s, o.recovery)
		or.SetLimits(o.limits.MaxArraySize, o.limits.MaxDictSize)
		obj, err := or.ReadObject()
		if err != nil {
			loc := recovery.Location{ObjectNum: objNum, Component: "objstm"}
			if herr := recovery.Handle(ctx, o.recovery, err, loc); herr != nil {
				return nil, herr
			}
			continue
		}
		// The first definition wins when an object stream repeats a number.
		if _, dup := objs[objNum]; !dup {
			objs[objNum] = obj
		}
	}
	o.mu.Lock()
	o.objstm[objStreamNum] = objs
	o.mu.Unlock()
	if obj, ok := objs[ref.Num]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("object %d not found in object stream %d", ref.Num, objStreamNum)
}

func (o *objectLoader) resolveStreamLength(ctx context.Context, dict *raw.DictObj, depth int) (int64, error) {
	val, ok := dict.Get("Length")
	if !ok {
		return -1, nil
	}
	switch v := val.(type) {
	case raw.NumberObj:
		return v.Int(), nil
	case raw.RefObj:
		obj, err := o.LoadIndirect(ctx, v.R, depth+1)
		if err != nil {
			return -1, err
		}
		if num, ok := obj.(raw.NumberObj); ok {
			return num.Int(), nil
		}
		return -1, fmt.Errorf("length reference %v is not numeric", v.R)
	default:
		return -1, nil
	}
}

func getIntFromDict(d *raw.DictObj, key string) int64 {
	if v, ok := d.Get(key); ok {
		if n, ok := v.(raw.NumberObj); ok {
			return n.Int()
		}
	}
	return 0
}

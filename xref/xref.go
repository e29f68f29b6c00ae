package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/wudi/pdfcombine/filters"
	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/recovery"
	"github.com/wudi/pdfcombine/scanner"
	"github.com/wudi/pdfcombine/security"
)

// Table maps object numbers to their storage location.
type Table interface {
	// Lookup returns the byte offset of an uncompressed object.
	Lookup(objNum int) (offset int64, gen int, found bool)
	// ObjStream reports the containing object stream of a compressed object.
	ObjStream(objNum int) (streamNum int, index int, found bool)
	Objects() []int
	Trailer() *raw.DictObj
	Type() string
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, r io.ReaderAt) (Table, error)
	// Repaired reports whether the last Resolve had to rebuild the table by
	// scanning the file.
	Repaired() bool
}

type ResolverConfig struct {
	MaxXRefDepth int
	Limits       security.Limits
	Recovery     recovery.Strategy
}

// NewResolver returns a resolver for classic tables, cross-reference streams
// and hybrid files. Broken or missing xref data is rebuilt by scanning when
// the recovery strategy allows it.
func NewResolver(cfg ResolverConfig) Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = security.DefaultLimits().MaxXRefDepth
	}
	return &chainResolver{cfg: cfg}
}

type chainResolver struct {
	cfg      ResolverConfig
	repaired bool
}

func (c *chainResolver) Repaired() bool { return c.repaired }

func (c *chainResolver) Resolve(ctx context.Context, r io.ReaderAt) (Table, error) {
	c.repaired = false
	tbl, err := c.resolveChain(ctx, r)
	if err == nil {
		if serr := validateSize(tbl); serr != nil {
			if herr := recovery.Handle(ctx, c.cfg.Recovery, serr, recovery.Location{Component: "xref"}); herr != nil {
				return nil, herr
			}
		}
		return tbl, nil
	}
	if herr := recovery.Handle(ctx, c.cfg.Recovery, err, recovery.Location{Component: "xref"}); herr != nil {
		return nil, herr
	}
	repaired, rerr := Repair(ctx, r, c.cfg.Limits)
	if rerr != nil {
		return nil, fmt.Errorf("%v; %w", err, rerr)
	}
	c.repaired = true
	return repaired, nil
}

func (c *chainResolver) resolveChain(ctx context.Context, r io.ReaderAt) (*table, error) {
	size, err := sizeOf(r)
	if err != nil {
		return nil, err
	}
	start, err := findStartXRef(r, size)
	if err != nil {
		return nil, err
	}

	t := newTable()
	visited := make(map[int64]bool)
	offset := start
	for depth := 0; offset >= 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= c.cfg.MaxXRefDepth {
			return nil, security.Exceeded("xref chain depth", int64(depth+1), int64(c.cfg.MaxXRefDepth))
		}
		// Prev may point at a section already read through XRefStm.
		if visited[offset] {
			break
		}
		visited[offset] = true
		if offset >= size {
			return nil, fmt.Errorf("xref offset out of range: %d", offset)
		}

		trailer, err := c.readSection(ctx, r, offset, t)
		if err != nil {
			return nil, err
		}
		t.mergeTrailer(trailer)

		// Hybrid files carry a stream section next to the classic table.
		if stm, ok := intEntry(trailer, "XRefStm"); ok && !visited[stm] {
			visited[stm] = true
			if _, err := c.readSection(ctx, r, stm, t); err != nil {
				if herr := recovery.Handle(ctx, c.cfg.Recovery, err, recovery.Location{ByteOffset: stm, Component: "xref"}); herr != nil {
					return nil, herr
				}
			}
		}

		prev, ok := intEntry(trailer, "Prev")
		if !ok {
			break
		}
		offset = prev
	}
	if _, ok := t.trailer.Get("Root"); !ok {
		return nil, errors.New("trailer has no Root entry")
	}
	return t, nil
}

// readSection parses the classic table or xref stream starting at offset,
// adding entries not already defined by a newer section.
func (c *chainResolver) readSection(ctx context.Context, r io.ReaderAt, offset int64, t *table) (*raw.DictObj, error) {
	s := scanner.New(r, scanner.Config{
		Recovery:        c.cfg.Recovery,
		MaxStringLength: c.cfg.Limits.MaxStringLength,
		MaxStreamLength: c.cfg.Limits.MaxStreamLength,
	})
	if err := s.SeekTo(offset); err != nil {
		return nil, err
	}
	or := scanner.NewObjectReader(s, c.cfg.Recovery)
	tok, err := or.Next()
	if err != nil {
		return nil, fmt.Errorf("read xref at %d: %w", offset, err)
	}
	if tok.Type == scanner.TokenKeyword && tok.Str == "xref" {
		t.setKind("table")
		return readClassic(or, t)
	}
	if tok.Type == scanner.TokenNumber {
		t.setKind("xref-stream")
		or.Unread(tok)
		return c.readStream(ctx, or, t)
	}
	return nil, fmt.Errorf("no xref section at offset %d", offset)
}

func readClassic(or *scanner.ObjectReader, t *table) (*raw.DictObj, error) {
	for {
		tok, err := or.Next()
		if err != nil {
			return nil, fmt.Errorf("unexpected end of xref section: %w", err)
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			obj, err := or.ReadObject()
			if err != nil {
				return nil, fmt.Errorf("parse trailer: %w", err)
			}
			d, ok := obj.(*raw.DictObj)
			if !ok {
				return nil, errors.New("trailer is not a dictionary")
			}
			return d, nil
		}
		cnt, err := or.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt || cnt.Type != scanner.TokenNumber || !cnt.IsInt {
			return nil, fmt.Errorf("invalid xref subsection header at offset %d", tok.Pos)
		}
		first := int(tok.Int)
		for i := 0; i < int(cnt.Int); i++ {
			off, err1 := or.Next()
			gen, err2 := or.Next()
			kind, err3 := or.Next()
			if err := errors.Join(err1, err2, err3); err != nil {
				return nil, fmt.Errorf("unexpected end of xref section: %w", err)
			}
			if off.Type != scanner.TokenNumber || gen.Type != scanner.TokenNumber || kind.Type != scanner.TokenKeyword {
				return nil, fmt.Errorf("invalid xref entry at offset %d", off.Pos)
			}
			num := first + i
			switch kind.Str {
			case "n":
				t.add(num, entry{offset: off.Int, gen: int(gen.Int)})
			case "f":
				t.free(num)
			default:
				return nil, fmt.Errorf("invalid xref entry type %q", kind.Str)
			}
		}
	}
}

func (c *chainResolver) readStream(ctx context.Context, or *scanner.ObjectReader, t *table) (*raw.DictObj, error) {
	_, obj, err := or.ReadIndirect(func(d *raw.DictObj) int64 {
		if n, ok := intEntry(d, "Length"); ok {
			return n
		}
		return -1
	})
	if err != nil {
		return nil, fmt.Errorf("read xref stream: %w", err)
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, errors.New("xref section is not a stream")
	}
	if typ, _ := st.Dict.Name("Type"); typ != "XRef" {
		return nil, errors.New("xref stream has wrong /Type")
	}
	data, err := filters.NewDefaultPipeline(filters.Limits{MaxDecompressedSize: c.cfg.Limits.MaxDecompressedSize}).DecodeStream(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}

	w, err := intArray(st.Dict, "W")
	if err != nil || len(w) != 3 {
		return nil, errors.New("xref stream has invalid /W")
	}
	for _, v := range w {
		if v < 0 || v > 8 {
			return nil, errors.New("xref stream has invalid /W")
		}
	}
	index, err := intArray(st.Dict, "Index")
	if err != nil || len(index)%2 != 0 {
		size, ok := intEntry(st.Dict, "Size")
		if !ok {
			return nil, errors.New("xref stream has no /Size")
		}
		index = []int64{0, size}
	}

	rowLen := int(w[0] + w[1] + w[2])
	pos := 0
	for i := 0; i < len(index); i += 2 {
		first, count := int(index[i]), int(index[i+1])
		for k := 0; k < count; k++ {
			if pos+rowLen > len(data) {
				return nil, errors.New("xref stream data truncated")
			}
			row := data[pos : pos+rowLen]
			pos += rowLen
			typ := int64(1)
			if w[0] > 0 {
				typ = be(row[:w[0]])
			}
			f2 := be(row[w[0] : w[0]+w[1]])
			f3 := be(row[w[0]+w[1]:])
			num := first + k
			switch typ {
			case 0:
				t.free(num)
			case 1:
				t.add(num, entry{offset: f2, gen: int(f3)})
			case 2:
				t.add(num, entry{inStream: true, streamNum: int(f2), index: int(f3)})
			}
		}
	}
	return st.Dict, nil
}

func be(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

type entry struct {
	offset    int64
	gen       int
	inStream  bool
	streamNum int
	index     int
}

type table struct {
	entries map[int]entry
	freed   map[int]bool
	trailer *raw.DictObj
	kind    string
}

func newTable() *table {
	return &table{entries: make(map[int]entry), freed: make(map[int]bool), trailer: raw.Dict()}
}

// setKind records the type of the newest section only.
func (t *table) setKind(kind string) {
	if t.kind == "" {
		t.kind = kind
	}
}

// add records an entry unless a newer section already defined the object.
func (t *table) add(num int, e entry) {
	if _, ok := t.entries[num]; ok || t.freed[num] {
		return
	}
	t.entries[num] = e
}

func (t *table) free(num int) {
	if _, ok := t.entries[num]; ok {
		return
	}
	t.freed[num] = true
}

// mergeTrailer keeps keys from newer trailers and fills gaps from older ones.
func (t *table) mergeTrailer(d *raw.DictObj) {
	if d == nil {
		return
	}
	for _, k := range d.Keys() {
		switch k {
		case "Prev", "XRefStm", "Type", "W", "Index", "Length", "Filter", "DecodeParms":
			continue
		}
		if _, ok := t.trailer.Get(k); !ok {
			v, _ := d.Get(k)
			t.trailer.Set(k, v)
		}
	}
}

func (t *table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.inStream {
		return 0, 0, false
	}
	return e.offset, e.gen, true
}

func (t *table) ObjStream(objNum int) (int, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || !e.inStream {
		return 0, 0, false
	}
	return e.streamNum, e.index, true
}

func (t *table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (t *table) Trailer() *raw.DictObj { return t.trailer }

func (t *table) Type() string { return t.kind }

// validateSize checks that /Size covers every object number in use.
func validateSize(t *table) error {
	size, ok := intEntry(t.trailer, "Size")
	if !ok {
		return errors.New("trailer has no Size entry")
	}
	for num := range t.entries {
		if int64(num) >= size {
			return fmt.Errorf("object %d exceeds trailer /Size %d", num, size)
		}
	}
	return nil
}

const tailWindow = 4096

func findStartXRef(r io.ReaderAt, size int64) (int64, error) {
	from := size - tailWindow
	if from < 0 {
		from = 0
	}
	tail := make([]byte, size-from)
	if n, err := r.ReadAt(tail, from); err != nil && !(errors.Is(err, io.EOF) && n == len(tail)) {
		return 0, fmt.Errorf("read trailer window: %w", err)
	}
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	rest := bytes.TrimLeft(tail[idx+len("startxref"):], " \t\r\n\f\x00")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	off, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse startxref: %w", err)
	}
	if off <= 0 || off >= size {
		return 0, fmt.Errorf("xref offset out of range: %d", off)
	}
	return off, nil
}

func sizeOf(r io.ReaderAt) (int64, error) {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size(), nil
	case interface{ Stat() (os.FileInfo, error) }:
		fi, err := v.Stat()
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
	return int64(len(readAll(r))), nil
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	for off := int64(0); ; off += chunk {
		tmp := make([]byte, chunk)
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}

func intEntry(d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(raw.NumberObj)
	if !ok {
		return 0, false
	}
	return n.Int(), true
}

func intArray(d *raw.DictObj, key string) ([]int64, error) {
	v, ok := d.Get(key)
	if !ok {
		return nil, fmt.Errorf("missing /%s", key)
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok {
		return nil, fmt.Errorf("/%s is not an array", key)
	}
	out := make([]int64, 0, arr.Len())
	for _, it := range arr.Items {
		n, ok := it.(raw.NumberObj)
		if !ok {
			return nil, fmt.Errorf("/%s has a non-numeric item", key)
		}
		out = append(out, n.Int())
	}
	return out, nil
}

package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/recovery"
)

const defaultMaxNesting = 256

// ObjectReader assembles raw objects from the token stream of a Scanner.
type ObjectReader struct {
	s          Scanner
	buf        []Token
	rec        recovery.Strategy
	loc        recovery.Location
	maxArray   int
	maxDict    int
	maxNesting int
}

// NewObjectReader wraps s. rec decides how malformed constructs are handled;
// nil means strict.
func NewObjectReader(s Scanner, rec recovery.Strategy) *ObjectReader {
	return &ObjectReader{s: s, rec: rec, maxNesting: defaultMaxNesting}
}

// SetLimits bounds container sizes. Zero disables a bound.
func (r *ObjectReader) SetLimits(maxArray, maxDict int) {
	r.maxArray = maxArray
	r.maxDict = maxDict
}

func (r *ObjectReader) Scanner() Scanner { return r.s }

func (r *ObjectReader) Next() (Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.s.Next()
}

func (r *ObjectReader) Unread(tok Token) { r.buf = append(r.buf, tok) }

// Reset drops buffered tokens and repositions the underlying scanner.
func (r *ObjectReader) Reset(offset int64) error {
	r.buf = r.buf[:0]
	r.loc = recovery.Location{}
	return r.s.SeekTo(offset)
}

// ReadObject parses one direct object.
func (r *ObjectReader) ReadObject() (raw.Object, error) {
	return r.readObject(0)
}

// ReadIndirect parses "<num> <gen> obj ... endobj" at the current position.
// lengthOf supplies the stream length for a dictionary followed by a stream
// keyword; it may return a negative value when the length is unknown.
func (r *ObjectReader) ReadIndirect(lengthOf func(*raw.DictObj) int64) (raw.ObjectRef, raw.Object, error) {
	num, err := r.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	gen, err := r.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	kw, err := r.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	if num.Type != TokenNumber || !num.IsInt || gen.Type != TokenNumber || !gen.IsInt || kw.Type != TokenKeyword || kw.Str != "obj" {
		return raw.ObjectRef{}, nil, fmt.Errorf("expected object header at offset %d", num.Pos)
	}
	ref := raw.ObjectRef{Num: int(num.Int), Gen: int(gen.Int)}
	r.loc = recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen}
	if ls, ok := r.s.(interface{ SetRecoveryLocation(recovery.Location) }); ok {
		ls.SetRecoveryLocation(r.loc)
		defer ls.SetRecoveryLocation(recovery.Location{})
	}

	obj, err := r.readObject(0)
	if err != nil {
		return ref, nil, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return ref, obj, nil
	}
	if len(r.buf) > 0 {
		return ref, obj, nil
	}
	n := int64(-1)
	if lengthOf != nil {
		n = lengthOf(dict)
	}
	r.s.SetNextStreamLength(n)
	tok, err := r.Next()
	if err != nil {
		r.s.SetNextStreamLength(-1)
		return ref, obj, nil
	}
	if tok.Type == TokenStream {
		return ref, raw.NewStream(dict, tok.Bytes), nil
	}
	r.s.SetNextStreamLength(-1)
	r.Unread(tok)
	return ref, obj, nil
}

func (r *ObjectReader) readObject(depth int) (raw.Object, error) {
	if depth > r.maxNesting {
		return nil, errors.New("object nesting too deep")
	}
	tok, err := r.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case TokenNumber:
		if tok.IsInt {
			return raw.NumberInt(tok.Int), nil
		}
		return raw.NumberFloat(tok.Float), nil
	case TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case TokenNull:
		return raw.NullObj{}, nil
	case TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	case TokenArray:
		return r.readArray(depth)
	case TokenDict:
		return r.readDict(depth)
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Str, tok.Pos)
}

func (r *ObjectReader) readArray(depth int) (raw.Object, error) {
	arr := &raw.ArrayObj{}
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		if tok.Type == TokenKeyword && (tok.Str == "endobj" || tok.Str == ">>") {
			if herr := r.recover(errors.New("unterminated array"), tok.Pos); herr != nil {
				return nil, herr
			}
			r.Unread(tok)
			return arr, nil
		}
		r.Unread(tok)
		item, err := r.readObject(depth + 1)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
		if r.maxArray > 0 && arr.Len() > r.maxArray {
			return nil, errors.New("array exceeds size limit")
		}
	}
}

func (r *ObjectReader) readDict(depth int) (raw.Object, error) {
	d := raw.Dict()
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenKeyword && tok.Str == ">>" {
			return d, nil
		}
		if tok.Type != TokenName {
			if tok.Type == TokenKeyword && (tok.Str == "endobj" || tok.Str == "stream") {
				if herr := r.recover(errors.New("unexpected "+tok.Str+" in dict (missing >>?)"), tok.Pos); herr != nil {
					return nil, herr
				}
				r.Unread(tok)
				return d, nil
			}
			if herr := r.recover(fmt.Errorf("expected name in dict, got %s", tok.Type), tok.Pos); herr != nil {
				return nil, herr
			}
			continue
		}
		key := tok.Str
		peek, err := r.Next()
		if err != nil {
			return nil, err
		}
		if peek.Type == TokenKeyword && peek.Str == ">>" {
			if herr := r.recover(fmt.Errorf("missing value for /%s", key), peek.Pos); herr != nil {
				return nil, herr
			}
			return d, nil
		}
		r.Unread(peek)
		val, err := r.readObject(depth + 1)
		if err != nil {
			return nil, err
		}
		// A null value is equivalent to an absent entry.
		if _, isNull := val.(raw.NullObj); !isNull {
			d.Set(key, val)
		}
		if r.maxDict > 0 && d.Len() > r.maxDict {
			return nil, errors.New("dictionary exceeds size limit")
		}
	}
}

func (r *ObjectReader) recover(err error, offset int64) error {
	loc := r.loc
	loc.ByteOffset = offset
	loc.Component = "parser"
	return recovery.Handle(context.Background(), r.rec, err, loc)
}

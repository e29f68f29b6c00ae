package xref

import (
	"context"
	"errors"
	"io"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/recovery"
	"github.com/wudi/pdfcombine/scanner"
	"github.com/wudi/pdfcombine/security"
)

// Repair scans the entire file to reconstruct the xref table.
// It looks for "<num> <gen> obj" patterns and "trailer" dictionaries; later
// definitions win, matching incremental update semantics.
func Repair(ctx context.Context, r io.ReaderAt, limits security.Limits) (Table, error) {
	// Repair never fails on malformed tokens; everything is best effort.
	s := scanner.New(r, scanner.Config{MaxStreamLength: limits.MaxStreamLength, Recovery: skipAll{}})
	or := scanner.NewObjectReader(s, skipAll{})
	t := newTable()
	t.kind = "repaired"
	var lastTrailer *raw.DictObj

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := or.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			continue
		}

		switch {
		case tok.Type == scanner.TokenNumber && tok.IsInt:
			tokGen, err := or.Next()
			if err != nil {
				continue
			}
			if tokGen.Type != scanner.TokenNumber || !tokGen.IsInt {
				or.Unread(tokGen)
				continue
			}
			tokObj, err := or.Next()
			if err != nil {
				continue
			}
			if tokObj.Type == scanner.TokenKeyword && tokObj.Str == "obj" {
				t.entries[int(tok.Int)] = entry{offset: tok.Pos, gen: int(tokGen.Int)}
				continue
			}
			// "1 2 0 obj": the second number may start the real header.
			or.Unread(tokObj)
			or.Unread(tokGen)
		case tok.Type == scanner.TokenKeyword && tok.Str == "trailer":
			if obj, err := or.ReadObject(); err == nil {
				if dict, ok := obj.(*raw.DictObj); ok {
					lastTrailer = dict
				}
			}
		}
	}

	if len(t.entries) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}

	if lastTrailer == nil {
		// Construct minimal trailer if missing; the parser locates the catalog.
		lastTrailer = raw.Dict()
	}
	t.mergeTrailer(lastTrailer)
	if _, ok := t.trailer.Get("Size"); !ok {
		t.trailer.Set("Size", raw.NumberInt(int64(maxKey(t.entries)+1)))
	}
	return t, nil
}

func maxKey(m map[int]entry) int {
	n := 0
	for k := range m {
		if k > n {
			n = k
		}
	}
	return n
}

type skipAll struct{}

func (skipAll) OnError(context.Context, error, recovery.Location) recovery.Action {
	return recovery.ActionSkip
}

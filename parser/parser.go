package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/observability"
	"github.com/wudi/pdfcombine/recovery"
	"github.com/wudi/pdfcombine/security"
	"github.com/wudi/pdfcombine/xref"
)

var (
	// ErrEncrypted is returned for sources protected by an /Encrypt dictionary.
	ErrEncrypted = errors.New("encrypted documents are not supported")
	// ErrNoCatalog is returned when no document catalog can be located.
	ErrNoCatalog = errors.New("document catalog not found")
)

// Config controls high-level PDF parsing (xref resolution + object loading).
type Config struct {
	Recovery recovery.Strategy
	Limits   security.Limits
	Cache    Cache
	Logger   observability.Logger
}

// DocumentParser builds a raw.Document using xref tables/streams and the object loader.
type DocumentParser struct {
	cfg Config
}

func NewDocumentParser(cfg Config) *DocumentParser {
	if cfg.Limits == (security.Limits{}) {
		cfg.Limits = security.DefaultLimits()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	return &DocumentParser{cfg: cfg}
}

// Parse loads every object of the document at r. Objects that fail to load
// are dropped when the recovery strategy allows it.
func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	if p.cfg.Limits.MaxParseTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Limits.MaxParseTime)
		defer cancel()
	}

	resolver := xref.NewResolver(xref.ResolverConfig{
		MaxXRefDepth: p.cfg.Limits.MaxXRefDepth,
		Limits:       p.cfg.Limits,
		Recovery:     p.cfg.Recovery,
	})
	table, err := resolver.Resolve(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("resolve xref: %w", err)
	}
	trailer := raw.Clone(table.Trailer()).(*raw.DictObj)
	if _, ok := trailer.Get("Encrypt"); ok {
		return nil, ErrEncrypted
	}

	loader, err := (&ObjectLoaderBuilder{
		reader:    r,
		xrefTable: table,
		maxDepth:  p.cfg.Limits.MaxIndirectDepth,
		limits:    p.cfg.Limits,
		cache:     p.cfg.Cache,
		recovery:  p.cfg.Recovery,
	}).Build()
	if err != nil {
		return nil, err
	}

	doc := raw.NewDocument()
	doc.Trailer = trailer
	doc.Version = detectHeaderVersion(r)
	doc.Repaired = resolver.Repaired()

	skipped := 0
	for _, objNum := range table.Objects() {
		if objNum == 0 {
			continue // free head entry
		}
		gen := 0
		if _, g, found := table.Lookup(objNum); found {
			gen = g
		}
		ref := raw.ObjectRef{Num: objNum, Gen: gen}
		obj, err := loader.Load(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			loc := recovery.Location{ObjectNum: objNum, ObjectGen: gen, Component: "parser"}
			if herr := recovery.Handle(ctx, p.cfg.Recovery, err, loc); herr != nil {
				return nil, fmt.Errorf("load object %d: %w", objNum, herr)
			}
			skipped++
			continue
		}
		doc.Objects[ref] = obj
	}

	if err := locateCatalog(doc); err != nil {
		return nil, err
	}
	if v := catalogVersion(doc); v > doc.Version {
		doc.Version = v
	}
	populateMetadata(doc)

	p.cfg.Logger.Debug("parsed document",
		observability.Int("objects", len(doc.Objects)),
		observability.Int("skipped", skipped),
		observability.String("version", doc.Version),
		observability.Bool("repaired", doc.Repaired),
	)
	return doc, nil
}

// locateCatalog verifies the trailer Root, falling back to the first
// /Type /Catalog dictionary when the trailer was rebuilt or is damaged.
func locateCatalog(doc *raw.Document) error {
	if root, ok := doc.Trailer.Get("Root"); ok {
		if d, ok := doc.Resolve(root).(*raw.DictObj); ok && d != nil {
			return nil
		}
	}
	for _, ref := range doc.Refs() {
		d, ok := doc.Objects[ref].(*raw.DictObj)
		if !ok {
			continue
		}
		if typ, _ := d.Name("Type"); typ == "Catalog" {
			doc.Trailer.Set("Root", raw.RefObj{R: ref})
			doc.Repaired = true
			return nil
		}
	}
	return ErrNoCatalog
}

// Catalog returns the document catalog dictionary.
func Catalog(doc *raw.Document) (*raw.DictObj, bool) {
	root, ok := doc.Trailer.Get("Root")
	if !ok {
		return nil, false
	}
	d, ok := doc.Resolve(root).(*raw.DictObj)
	return d, ok
}

func catalogVersion(doc *raw.Document) string {
	cat, ok := Catalog(doc)
	if !ok {
		return ""
	}
	v, _ := cat.Name("Version")
	return v
}

func populateMetadata(doc *raw.Document) {
	infoObj, ok := doc.Trailer.Get("Info")
	if !ok {
		return
	}
	dict, ok := doc.Resolve(infoObj).(*raw.DictObj)
	if !ok {
		return
	}
	md := raw.DocumentMetadata{}
	md.Title, _ = stringValue(doc, dict, "Title")
	md.Author, _ = stringValue(doc, dict, "Author")
	md.Creator, _ = stringValue(doc, dict, "Creator")
	md.Producer, _ = stringValue(doc, dict, "Producer")
	md.Subject, _ = stringValue(doc, dict, "Subject")
	md.Keywords, _ = stringValue(doc, dict, "Keywords")
	doc.Metadata = md
}

func stringValue(doc *raw.Document, dict *raw.DictObj, key string) (string, bool) {
	obj, ok := dict.Get(key)
	if !ok {
		return "", false
	}
	str, ok := doc.Resolve(obj).(raw.StringObj)
	if !ok {
		return "", false
	}
	return raw.DecodeTextString(str.Value()), true
}

var headerVersion = regexp.MustCompile(`%PDF-(\d\.\d)`)

func detectHeaderVersion(r io.ReaderAt) string {
	buf := make([]byte, 1024)
	n, _ := r.ReadAt(buf, 0)
	if m := headerVersion.FindSubmatch(buf[:n]); m != nil {
		return string(m[1])
	}
	return "1.7"
}

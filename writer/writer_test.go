package writer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/wudi/pdfcombine/builder"
	"github.com/wudi/pdfcombine/filters"
	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/ir/semantic"
	"github.com/wudi/pdfcombine/parser"
)

func buildDoc(t *testing.T) *raw.Document {
	t.Helper()
	b := builder.New(builder.Options{})
	for _, size := range [][2]int{{200, 300}, {300, 800}} {
		img := newGray(size[0]/100, size[1]/100)
		p, err := b.AddImagePage(img)
		if err != nil {
			t.Fatalf("add page: %v", err)
		}
		p.Rotate(90)
	}
	if err := b.SetInfo(builder.Info{Title: "Merged (1)", Producer: "Combine+ Exporter"}); err != nil {
		t.Fatalf("info: %v", err)
	}
	doc, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return doc
}

func newGray(w, h int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, w, h))
}

func parse(t *testing.T, data []byte) (*raw.Document, *semantic.Document) {
	t.Helper()
	doc, err := parser.NewDocumentParser(parser.Config{}).Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse written output: %v\n%s", err, data)
	}
	sd, err := semantic.BuildDocument(doc, semantic.Options{})
	if err != nil {
		t.Fatalf("page tree: %v", err)
	}
	return doc, sd
}

func TestWriteRoundTrip(t *testing.T) {
	doc := buildDoc(t)
	var buf bytes.Buffer
	if err := New(Config{Compression: flate.DefaultCompression}).Write(context.Background(), doc, &buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()
	if !bytes.HasPrefix(data, []byte("%PDF-1.4\n")) {
		t.Fatalf("header: %q", data[:16])
	}
	if !bytes.HasSuffix(data, []byte("%%EOF\n")) {
		t.Fatalf("missing EOF marker")
	}

	parsed, sd := parse(t, data)
	if sd.PageCount() != 2 {
		t.Fatalf("pages: %d", sd.PageCount())
	}
	for i, p := range sd.Pages {
		if p.Rotate != 90 {
			t.Fatalf("page %d rotation %d", i, p.Rotate)
		}
	}
	if sd.Pages[1].MediaBox != (semantic.Rectangle{URX: 3, URY: 8}) {
		t.Fatalf("mediabox: %+v", sd.Pages[1].MediaBox)
	}
	if parsed.Metadata.Title != "Merged (1)" || parsed.Metadata.Producer != "Combine+ Exporter" {
		t.Fatalf("metadata: %+v", parsed.Metadata)
	}
	id, ok := parsed.Trailer.Get("ID")
	if !ok || id.(*raw.ArrayObj).Len() != 2 {
		t.Fatalf("trailer /ID: %v", id)
	}
}

func TestWriteCompressesUnfilteredStreams(t *testing.T) {
	content := strings.Repeat("0 0 m 100 100 l S\n", 50)
	doc := singleStreamDoc(content)

	for _, tc := range []struct {
		level  int
		filter bool
	}{
		{flate.DefaultCompression, true},
		{flate.NoCompression, false},
	} {
		var buf bytes.Buffer
		if err := New(Config{Compression: tc.level}).Write(context.Background(), doc, &buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		parsed, _ := parse(t, buf.Bytes())
		st := parsed.Objects[raw.ObjectRef{Num: 4}].(*raw.StreamObj)
		_, hasFilter := st.Dict.Get("Filter")
		if hasFilter != tc.filter {
			t.Fatalf("level %d: filter present = %v", tc.level, hasFilter)
		}
		data, err := filters.NewDefaultPipeline(filters.Limits{}).DecodeStream(context.Background(), st)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(data) != content {
			t.Fatalf("level %d: content changed", tc.level)
		}
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 4}].(*raw.StreamObj).Dict.Get("Filter"); ok {
		t.Fatalf("writer modified the input document")
	}
}

func singleStreamDoc(content string) *raw.Document {
	doc := raw.NewDocument()
	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.Ref(2, 0))
	doc.Objects[raw.ObjectRef{Num: 1}] = catalog
	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray(raw.Ref(3, 0)))
	pages.Set("Count", raw.NumberInt(1))
	doc.Objects[raw.ObjectRef{Num: 2}] = pages
	page := raw.Dict()
	page.Set("Type", raw.NameLiteral("Page"))
	page.Set("Parent", raw.Ref(2, 0))
	page.Set("MediaBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(595), raw.NumberInt(842)))
	page.Set("Contents", raw.Ref(4, 0))
	doc.Objects[raw.ObjectRef{Num: 3}] = page
	doc.Objects[raw.ObjectRef{Num: 4}] = raw.NewStream(nil, []byte(content))
	doc.Trailer.Set("Root", raw.Ref(1, 0))
	return doc
}

func TestDeterministicID(t *testing.T) {
	doc := singleStreamDoc("BT ET")
	write := func(cfg Config) []byte {
		var buf bytes.Buffer
		if err := New(cfg).Write(context.Background(), doc, &buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		return buf.Bytes()
	}
	a, b := write(Config{Deterministic: true}), write(Config{Deterministic: true})
	if !bytes.Equal(a, b) {
		t.Fatalf("deterministic output differs")
	}
	c, d := write(Config{}), write(Config{})
	if bytes.Equal(c, d) {
		t.Fatalf("random IDs should differ between writes")
	}
}

func TestWriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.pdf")
	w := New(Config{})

	if err := w.WriteFile(context.Background(), singleStreamDoc("BT ET"), dest); err != nil {
		t.Fatalf("write file: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, sd := parse(t, data); sd.PageCount() != 1 {
		t.Fatalf("pages: %d", sd.PageCount())
	}

	// A failing write leaves the previous file and no temporary behind.
	broken := raw.NewDocument()
	if err := w.WriteFile(context.Background(), broken, dest); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot, got %v", err)
	}
	after, _ := os.ReadFile(dest)
	if !bytes.Equal(after, data) {
		t.Fatalf("destination modified by failed write")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}

	if err := w.WriteFile(context.Background(), singleStreamDoc("BT ET"), filepath.Join(dir, "missing", "out.pdf")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestWriteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := New(Config{}).Write(ctx, singleStreamDoc("BT ET"), &buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSerializePrimitives(t *testing.T) {
	d := raw.Dict()
	d.Set("A B", raw.NameLiteral("x#y"))
	d.Set("N", raw.NumberFloat(0.74375))
	d.Set("R", raw.NumberFloat(2.0000001))
	d.Set("S", raw.Str([]byte("a(b)\\\n\xff")))
	d.Set("H", raw.HexStr([]byte{0xfe, 0xff}))
	d.Set("Z", raw.NullObj{})
	got := string(SerializeObject(raw.ObjectRef{Num: 7}, d))
	want := "7 0 obj\n<</A#20B /x#23y/H <FEFF>/N 0.74375/R 2/S (a\\(b\\)\\\\\\n\\377)>>\nendobj\n"
	if got != want {
		t.Fatalf("serialized:\n got %q\nwant %q", got, want)
	}
}

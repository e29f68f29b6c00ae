package writer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/wudi/pdfcombine/filters"
	"github.com/wudi/pdfcombine/ir/raw"
	"github.com/wudi/pdfcombine/observability"
)

// ErrNoRoot is returned for documents whose trailer has no /Root.
var ErrNoRoot = errors.New("document has no root catalog")

// Config controls serialization.
type Config struct {
	// Version overrides the header version; empty uses the document's.
	Version string
	// Compression is the flate level applied to streams that carry no
	// filter. flate.NoCompression (0) leaves them as they are.
	Compression int
	// Deterministic derives /ID from the document content instead of a
	// random UUID.
	Deterministic bool
	Logger        observability.Logger
}

// Writer serializes raw documents as classic-xref PDF files.
type Writer struct {
	cfg Config
}

func New(cfg Config) *Writer {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	if cfg.Compression < flate.HuffmanOnly || cfg.Compression > flate.BestCompression {
		cfg.Compression = flate.DefaultCompression
	}
	return &Writer{cfg: cfg}
}

// Write serializes doc to out. The document is not modified.
func (w *Writer) Write(ctx context.Context, doc *raw.Document, out io.Writer) error {
	start := time.Now()
	root, ok := doc.Trailer.Get("Root")
	if !ok {
		return ErrNoRoot
	}

	version := w.cfg.Version
	if version == "" {
		version = doc.Version
	}
	if version == "" {
		version = "1.7"
	}

	cw := &countingWriter{w: out}
	fmt.Fprintf(cw, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", version)

	refs := doc.Refs()
	offsets := make(map[int]int64, len(refs))
	gens := make(map[int]int, len(refs))
	maxNum := 0
	var buf bytes.Buffer
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj := doc.Objects[ref]
		if st, ok := obj.(*raw.StreamObj); ok {
			enc, err := w.prepareStream(st)
			if err != nil {
				return fmt.Errorf("object %s: %w", ref, err)
			}
			obj = enc
		}
		buf.Reset()
		writeIndirect(&buf, ref, obj)
		offsets[ref.Num] = cw.n
		gens[ref.Num] = ref.Gen
		if _, err := cw.Write(buf.Bytes()); err != nil {
			return err
		}
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}

	xrefOffset := cw.n
	writeXRef(cw, offsets, gens, maxNum)

	trailer := raw.Dict()
	trailer.Set("Size", raw.NumberInt(int64(maxNum+1)))
	trailer.Set("Root", root)
	if info, ok := doc.Trailer.Get("Info"); ok {
		trailer.Set("Info", info)
	}
	ids := w.fileID(doc, version)
	trailer.Set("ID", raw.NewArray(raw.HexStr(ids[0]), raw.HexStr(ids[1])))

	buf.Reset()
	buf.WriteString("trailer\n")
	writeObject(&buf, trailer)
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return err
	}
	if cw.err != nil {
		return cw.err
	}

	w.cfg.Logger.Debug("serialized document",
		observability.Int("objects", len(refs)),
		observability.Int64(observability.MetricWriteBytes, cw.n),
		observability.Int64(observability.MetricWriteTime, time.Since(start).Milliseconds()),
	)
	return nil
}

// WriteFile serializes doc to path atomically: the bytes go to a temporary
// file in the same directory which is synced and renamed over path. On any
// failure the temporary file is removed and path is left untouched.
func (w *Writer) WriteFile(ctx context.Context, doc *raw.Document, path string) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 64<<10)
	if err = w.Write(ctx, doc, bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// prepareStream returns the stream as it will be written: unfiltered data
// is compressed when configured, and /Length always matches the payload.
func (w *Writer) prepareStream(st *raw.StreamObj) (*raw.StreamObj, error) {
	dict := raw.Dict()
	if st.Dict != nil {
		for _, k := range st.Dict.Keys() {
			v, _ := st.Dict.Get(k)
			dict.Set(k, v)
		}
	}
	data := st.Data
	_, filtered := dict.Get("Filter")
	if !filtered && w.cfg.Compression != flate.NoCompression && len(data) > 0 {
		enc, err := filters.FlateEncode(data, w.cfg.Compression)
		if err != nil {
			return nil, err
		}
		if len(enc) < len(data) {
			data = enc
			dict.Set("Filter", raw.NameLiteral("FlateDecode"))
			dict.Delete("DecodeParms")
		}
	}
	dict.Set("Length", raw.NumberInt(int64(len(data))))
	return &raw.StreamObj{Dict: dict, Data: data}, nil
}

func (w *Writer) fileID(doc *raw.Document, version string) [2][]byte {
	if w.cfg.Deterministic {
		seed := deterministicIDSeed(doc, version)
		return [2][]byte{seed, seed}
	}
	id := uuid.New()
	a := make([]byte, len(id))
	copy(a, id[:])
	b := make([]byte, len(id))
	copy(b, id[:])
	return [2][]byte{a, b}
}

// deterministicIDSeed hashes the document structure: version, info strings,
// and the serialized form of every object.
func deterministicIDSeed(doc *raw.Document, version string) []byte {
	h := sha256.New()
	h.Write([]byte(version))
	md := doc.Metadata
	for _, s := range []string{md.Title, md.Author, md.Subject, md.Keywords, md.Creator, md.Producer} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	refs := doc.Refs()
	var buf bytes.Buffer
	for _, ref := range refs {
		buf.Reset()
		writeIndirect(&buf, ref, doc.Objects[ref])
		h.Write(buf.Bytes())
	}
	return h.Sum(nil)[:16]
}

func writeXRef(w io.Writer, offsets map[int]int64, gens map[int]int, maxNum int) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "xref\n0 %d\n", maxNum+1)
	// Free entries form a linked list starting at object 0.
	free := []int{0}
	for i := 1; i <= maxNum; i++ {
		if _, ok := offsets[i]; !ok {
			free = append(free, i)
		}
	}
	nextFree := make(map[int]int, len(free))
	for i, n := range free {
		if i+1 < len(free) {
			nextFree[n] = free[i+1]
		} else {
			nextFree[n] = 0
		}
	}
	for i := 0; i <= maxNum; i++ {
		if off, ok := offsets[i]; ok && i > 0 {
			fmt.Fprintf(bw, "%010d %05d n \n", off, gens[i])
			continue
		}
		gen := 0
		if i == 0 {
			gen = 65535
		}
		fmt.Fprintf(bw, "%010d %05d f \n", nextFree[i], gen)
	}
	bw.Flush()
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

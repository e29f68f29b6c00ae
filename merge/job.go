package merge

import (
	"bytes"
	"encoding/json"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wudi/pdfcombine/ir/semantic"
)

// Kind tells how a referenced file is turned into a page.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
)

// imageExtensions are treated as images regardless of the declared type.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tif": true, ".tiff": true, ".webp": true, ".svg": true, ".avif": true,
}

// PageRef points at one page of one source. Rotation is the increment to
// add to the page's own rotation, already normalized to 0, 90, 180 or 270.
type PageRef struct {
	Path     string
	Index    int
	Rotation int
	Kind     Kind
}

// Output is the destination of a request.
type Output struct {
	Path     string
	Canceled bool
}

// Metadata is the caller-supplied document information.
type Metadata struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Subject  string `json:"subject"`
	Keywords string `json:"keywords"`
	Creator  string `json:"creator"`
}

// Request is a parsed assembly job.
type Request struct {
	Items       []PageRef
	Output      Output
	ResizeToFit bool
	Metadata    Metadata
}

type wireItem struct {
	Path          string          `json:"path"`
	OriginalIndex json.RawMessage `json:"originalIndex"`
	Rot           json.RawMessage `json:"rot"`
	Type          string          `json:"type"`
}

type wireOutput struct {
	Canceled bool   `json:"canceled"`
	FilePath string `json:"filePath"`
}

type wireRequest struct {
	Items       []wireItem      `json:"items"`
	OutputPath  json.RawMessage `json:"outputPath"`
	ResizeToFit bool            `json:"resizeToFit"`
	Metadata    Metadata        `json:"metadata"`
}

// ParseRequest decodes and validates a JSON job. A canceled output is
// returned as is, without checking the items.
func ParseRequest(data []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ValidationError{Field: "request", Reason: "malformed JSON", Err: err}
	}
	out, err := parseOutput(w.OutputPath)
	if err != nil {
		return nil, err
	}
	req := &Request{Output: out, ResizeToFit: w.ResizeToFit, Metadata: w.Metadata}
	if out.Canceled {
		return req, nil
	}

	req.Items = make([]PageRef, 0, len(w.Items))
	for _, it := range w.Items {
		req.Items = append(req.Items, PageRef{
			Path:     it.Path,
			Index:    coerceInt(it.OriginalIndex),
			Rotation: semantic.NormalizeRotation(coerceInt(it.Rot)),
			Kind:     itemKind(it.Type, it.Path),
		})
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the preconditions for assembly: at least one item and a
// destination. Items pointing at missing files are not a validation
// failure; they are skipped during assembly.
func (r *Request) Validate() error {
	if r.Output.Canceled {
		return nil
	}
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "no items"}
	}
	if r.Output.Path == "" {
		return &ValidationError{Field: "outputPath", Reason: "missing output path"}
	}
	return nil
}

func parseOutput(msg json.RawMessage) (Output, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
		return Output{}, nil
	}
	switch msg[0] {
	case '"':
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return Output{}, &ValidationError{Field: "outputPath", Err: err}
		}
		return Output{Path: s}, nil
	case '{':
		var o wireOutput
		if err := json.Unmarshal(msg, &o); err != nil {
			return Output{}, &ValidationError{Field: "outputPath", Err: err}
		}
		return Output{Path: o.FilePath, Canceled: o.Canceled}, nil
	}
	return Output{}, &ValidationError{Field: "outputPath", Reason: "must be a string or an object"}
}

// coerceInt reads a JSON number or numeric string. Anything else, including
// a missing value, is 0. Fractions are truncated.
func coerceInt(msg json.RawMessage) int {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return 0
	}
	var v interface{}
	if err := json.Unmarshal(msg, &v); err != nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || math.Abs(t) > math.MaxInt32 {
			return 0
		}
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func itemKind(declared, path string) Kind {
	switch strings.ToLower(declared) {
	case "img", "image":
		return KindImage
	}
	if imageExtensions[strings.ToLower(filepath.Ext(path))] {
		return KindImage
	}
	return KindPDF
}

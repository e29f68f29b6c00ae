package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestZerologLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(LogConfig{Level: "debug", Output: &buf, Service: "pdfcombine"})
	log.With(String("job", "j1")).Warn("page skipped",
		String("path", "a.pdf"),
		Int("index", 3),
		Float("scale", 0.5),
		Bool("normalize", true),
		Error("error", errors.New("missing")),
	)

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]interface{}{
		"level":     "warn",
		"message":   "page skipped",
		"service":   "pdfcombine",
		"job":       "j1",
		"path":      "a.pdf",
		"index":     float64(3),
		"scale":     0.5,
		"normalize": true,
		"error":     "missing",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %s = %#v, want %#v", k, got[k], v)
		}
	}
}

func TestZerologLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(LogConfig{Level: "error", Output: &buf})
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below error level, got %q", buf.String())
	}
	log.Error("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected error output")
	}
}

func TestRecorderSharesEntriesWithChildren(t *testing.T) {
	rec := NewRecorder()
	child := rec.With(String("path", "x.pdf"))
	child.Warn("skip", Int("index", 1))
	rec.Info("done")

	entries := rec.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Fields["path"] != "x.pdf" || entries[0].Fields["index"] != 1 {
		t.Fatalf("child fields not recorded: %#v", entries[0].Fields)
	}
	if rec.Count("warn") != 1 {
		t.Fatalf("expected one warn entry")
	}
}

package raw

import (
	"bytes"
	"testing"
)

func TestResolveFollowsReferences(t *testing.T) {
	doc := NewDocument()
	doc.Objects[ObjectRef{Num: 1}] = Ref(2, 0)
	doc.Objects[ObjectRef{Num: 2}] = NumberInt(90)

	got, ok := Number(doc.Resolve(Ref(1, 0)))
	if !ok || got != 90 {
		t.Fatalf("resolve chain: %v %v", got, ok)
	}
	if _, ok := doc.Resolve(Ref(9, 0)).(NullObj); !ok {
		t.Fatalf("dangling reference should resolve to null")
	}
}

func TestResolveStopsOnCycle(t *testing.T) {
	doc := NewDocument()
	doc.Objects[ObjectRef{Num: 1}] = Ref(2, 0)
	doc.Objects[ObjectRef{Num: 2}] = Ref(1, 0)
	if _, ok := doc.Resolve(Ref(1, 0)).(NullObj); !ok {
		t.Fatalf("reference cycle should resolve to null")
	}
}

func TestLookupIgnoresGenerationMismatch(t *testing.T) {
	doc := NewDocument()
	doc.Objects[ObjectRef{Num: 4, Gen: 1}] = Bool(true)
	if _, ok := doc.Lookup(ObjectRef{Num: 4, Gen: 0}); !ok {
		t.Fatalf("expected lookup by number")
	}
}

func TestCloneIsDeep(t *testing.T) {
	inner := NewArray(NumberInt(0), NumberInt(0), NumberInt(612), NumberInt(792))
	d := Dict()
	d.Set("MediaBox", inner)
	d.Set("Parent", Ref(3, 0))

	c := Clone(d).(*DictObj)
	box, _ := c.Get("MediaBox")
	box.(*ArrayObj).Items[2] = NumberInt(1)

	if n, _ := Number(inner.Items[2]); n != 612 {
		t.Fatalf("clone shares array storage")
	}
	if p, _ := c.Get("Parent"); p.(RefObj).R.Num != 3 {
		t.Fatalf("references must be kept")
	}
}

func TestTextStringRoundTrip(t *testing.T) {
	if got := EncodeTextString("Report"); string(got) != "Report" {
		t.Fatalf("ascii should stay plain: %q", got)
	}
	enc := EncodeTextString("Zürich")
	if !bytes.HasPrefix(enc, []byte{0xFE, 0xFF}) {
		t.Fatalf("expected BOM, got % x", enc)
	}
	if got := DecodeTextString(enc); got != "Zürich" {
		t.Fatalf("round trip: %q", got)
	}
	if got := DecodeTextString([]byte{'c', 'a', 'f', 0xE9}); got != "café" {
		t.Fatalf("latin-1 decode: %q", got)
	}
}

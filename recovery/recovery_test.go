package recovery

import (
	"context"
	"errors"
	"testing"
)

func TestStrictStrategyFails(t *testing.T) {
	s := NewStrictStrategy()
	err := errors.New("boom")
	if got := Handle(context.Background(), s, err, Location{Component: "xref"}); !errors.Is(got, err) {
		t.Fatalf("expected original error, got %v", got)
	}
}

func TestLenientStrategyRecordsErrors(t *testing.T) {
	s := NewLenientStrategy(nil)
	if got := Handle(context.Background(), s, errors.New("bad xref"), Location{Component: "xref", ByteOffset: 42}); got != nil {
		t.Fatalf("expected recovery, got %v", got)
	}
	if action := s.OnError(context.Background(), errors.New("bad object"), Location{ObjectNum: 7}); action != ActionSkip {
		t.Fatalf("object-level error should skip, got %v", action)
	}
	errs := s.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 recorded errors, got %d", len(errs))
	}
	if errs[0].Error() != "[xref] offset 42: bad xref" {
		t.Fatalf("unexpected message %q", errs[0].Error())
	}
}

func TestHandleWithoutStrategyReturnsError(t *testing.T) {
	err := errors.New("boom")
	if got := Handle(context.Background(), nil, err, Location{}); got != err {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

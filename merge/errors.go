package merge

import (
	"errors"
	"fmt"
)

// Producer is stamped on every output regardless of caller metadata.
const Producer = "Combine+ Exporter"

const (
	// DefaultReferenceWidth is the visual width pages are normalized to:
	// A4 portrait width at 72 units per inch. It is a fixed policy value and
	// never derived from the pages of a batch.
	DefaultReferenceWidth = 595.0
	// DefaultTolerance is the width difference that does not trigger scaling.
	DefaultTolerance = 1.0
)

var (
	// ErrEmptyOutput is returned when every reference was skipped and empty
	// outputs are not allowed.
	ErrEmptyOutput = errors.New("no pages could be assembled")
	// ErrAssemblerState is returned when the assembler is used out of order.
	ErrAssemblerState = errors.New("assembler already finalized")
)

// ValidationError reports a malformed or incomplete request. No work is done
// when a request fails validation.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid request"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SkipReason classifies why a page reference contributed no page.
type SkipReason string

const (
	SkipMissingFile     SkipReason = "missing-file"
	SkipOpenFailed      SkipReason = "open-failed"
	SkipIndexOutOfRange SkipReason = "index-out-of-range"
	SkipCopyFailed      SkipReason = "copy-failed"
	SkipImageFailed     SkipReason = "image-failed"
	SkipPanic           SkipReason = "panic"
)

// Skip records a dropped page reference. Skips are diagnostics, never
// failures of the batch.
type Skip struct {
	Slot   int
	Ref    PageRef
	Reason SkipReason
	Err    error
}

func (s *Skip) Error() string {
	msg := fmt.Sprintf("skip item %d (%s page %d): %s", s.Slot, s.Ref.Path, s.Ref.Index, s.Reason)
	if s.Err != nil {
		msg += ": " + s.Err.Error()
	}
	return msg
}

func (s *Skip) Unwrap() error { return s.Err }

// FinalizeError reports that the output could not be serialized or written.
// The destination is left untouched.
type FinalizeError struct {
	Destination string
	Err         error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("failed to write output file %s: %v", e.Destination, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

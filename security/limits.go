package security

import (
	"errors"
	"fmt"
	"time"
)

// Limits bounds the resources spent on a single source document. Input PDFs
// are untrusted, so decompression, reference chasing and page-tree walks all
// carry a ceiling.
type Limits struct {
	// Maximum decompressed stream size (prevent zip bombs). Default: 100 MB.
	MaxDecompressedSize int64 `yaml:"max_decompressed_size"`

	// Maximum indirect reference depth while resolving. Default: 100.
	MaxIndirectDepth int `yaml:"max_indirect_depth"`

	// Maximum XRef chain depth (Prev entries). Default: 50.
	MaxXRefDepth int `yaml:"max_xref_depth"`

	// Maximum page tree depth. Default: 64.
	MaxPageTreeDepth int `yaml:"max_page_tree_depth"`

	// Maximum array size (number of elements). Default: 100,000.
	MaxArraySize int `yaml:"max_array_size"`

	// Maximum dictionary size (number of entries). Default: 10,000.
	MaxDictSize int `yaml:"max_dict_size"`

	// Maximum string length (bytes). Default: 10 MB.
	MaxStringLength int64 `yaml:"max_string_length"`

	// Maximum raw stream length (bytes). Default: 50 MB.
	MaxStreamLength int64 `yaml:"max_stream_length"`

	// Maximum total parse time for one source. Default: 2m.
	MaxParseTime time.Duration `yaml:"max_parse_time"`
}

// DefaultLimits returns a Limits struct with safe default values.
func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: 100 * 1024 * 1024, // 100 MB
		MaxIndirectDepth:    100,
		MaxXRefDepth:        50,
		MaxPageTreeDepth:    64,
		MaxArraySize:        100000,
		MaxDictSize:         10000,
		MaxStringLength:     10 * 1024 * 1024, // 10 MB
		MaxStreamLength:     50 * 1024 * 1024, // 50 MB
		MaxParseTime:        2 * time.Minute,
	}
}

// ErrLimitExceeded is wrapped by every limit violation.
var ErrLimitExceeded = errors.New("security limit exceeded")

// Exceeded builds a limit violation error for the named limit.
func Exceeded(name string, got, max int64) error {
	return fmt.Errorf("%w: %s %d > %d", ErrLimitExceeded, name, got, max)
}

// Validate rejects non-positive limits.
func (l Limits) Validate() error {
	checks := []struct {
		name string
		v    int64
	}{
		{"max_decompressed_size", l.MaxDecompressedSize},
		{"max_indirect_depth", int64(l.MaxIndirectDepth)},
		{"max_xref_depth", int64(l.MaxXRefDepth)},
		{"max_page_tree_depth", int64(l.MaxPageTreeDepth)},
		{"max_array_size", int64(l.MaxArraySize)},
		{"max_dict_size", int64(l.MaxDictSize)},
		{"max_string_length", l.MaxStringLength},
		{"max_stream_length", l.MaxStreamLength},
	}
	for _, c := range checks {
		if c.v <= 0 {
			return fmt.Errorf("limits.%s must be positive", c.name)
		}
	}
	if l.MaxParseTime < 0 {
		return errors.New("limits.max_parse_time must not be negative")
	}
	return nil
}

package recovery

import "context"

// Strategy decides how the parsing layers react to malformed input.
type Strategy interface {
	OnError(ctx context.Context, err error, location Location) Action
}

// Location pinpoints where in the file a problem was found.
type Location struct {
	ByteOffset int64
	ObjectNum  int
	ObjectGen  int
	Component  string
}

type Action int

const (
	ActionFail Action = iota
	ActionSkip
	ActionFix
	ActionWarn
)

func (a Action) String() string {
	switch a {
	case ActionFail:
		return "fail"
	case ActionSkip:
		return "skip"
	case ActionFix:
		return "fix"
	case ActionWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// Recovered reports whether the action lets parsing continue.
func Recovered(a Action) bool { return a != ActionFail }

// Handle consults s (which may be nil) and returns nil when parsing may
// continue past err.
func Handle(ctx context.Context, s Strategy, err error, loc Location) error {
	if s == nil {
		return err
	}
	if Recovered(s.OnError(ctx, err, loc)) {
		return nil
	}
	return err
}

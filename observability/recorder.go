package observability

import "sync"

// Entry is a log event captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// Recorder is an in-memory Logger, mostly useful in tests.
type Recorder struct {
	entries *[]Entry
	base    []Field
}

func NewRecorder() *Recorder {
	return &Recorder{entries: &[]Entry{}}
}

func (r *Recorder) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

func (r *Recorder) With(fields ...Field) Logger {
	base := append(append([]Field(nil), r.base...), fields...)
	return &Recorder{entries: r.entries, base: base}
}

func (r *Recorder) record(level, msg string, fields []Field) {
	e := Entry{Level: level, Message: msg, Fields: make(map[string]interface{}, len(fields)+len(r.base))}
	for _, f := range r.base {
		e.Fields[f.Key()] = f.Value()
	}
	for _, f := range fields {
		e.Fields[f.Key()] = f.Value()
	}
	recorderMu.Lock()
	*r.entries = append(*r.entries, e)
	recorderMu.Unlock()
}

// Entries returns a snapshot of all recorded events.
func (r *Recorder) Entries() []Entry {
	recorderMu.Lock()
	defer recorderMu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns how many events were recorded at the given level.
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// recorderMu guards the entry slices shared between a Recorder and the
// children returned by With.
var recorderMu sync.Mutex

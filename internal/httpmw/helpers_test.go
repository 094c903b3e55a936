package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/mdembed/internal/log"
)

type entry struct {
	level  string
	msg    string
	err    error
	fields []any
}

// recLogger records every call. With returns a child that shares the
// record but carries its own fields, so tests can see what was bound.
type recLogger struct {
	mu      *sync.Mutex
	entries *[]entry
	bound   []any
}

func newRecLogger() *recLogger {
	return &recLogger{mu: &sync.Mutex{}, entries: &[]entry{}}
}

func (l *recLogger) add(level, msg string, err error, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := append(append([]any{}, l.bound...), kv...)
	*l.entries = append(*l.entries, entry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recLogger) With(kv ...any) log.Logger {
	return &recLogger{mu: l.mu, entries: l.entries, bound: append(append([]any{}, l.bound...), kv...)}
}

func (l *recLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", msg, nil, kv) }
func (l *recLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", msg, nil, kv) }
func (l *recLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", msg, nil, kv) }
func (l *recLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", msg, err, kv)
}
func (l *recLogger) Sync() error { return nil }

func (l *recLogger) all() []entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entry(nil), *l.entries...)
}

// field returns the last value bound to key.
func (e entry) field(key string) (any, bool) {
	var v any
	var found bool
	for i := 0; i+1 < len(e.fields); i += 2 {
		if k, ok := e.fields[i].(string); ok && k == key {
			v, found = e.fields[i+1], true
		}
	}
	return v, found
}

// Package logging provides the leveled, pluggable-handler logging seam used
// throughout the engine. It has no opinion on where entries end up: callers
// wire a Handler (see handler.go for the default, zap.go for the structured
// adapter) and the rest of the engine only ever talks to the Logger
// interface.
package logging

// Level orders log severities from least to most important.
type Level int

const (
	// NONE disables logging entirely.
	NONE Level = iota
	// DEBUG is verbose tracing useful when developing or chasing a bug in
	// production: pool retries, reconnect attempts, pattern cache misses.
	DEBUG
	// INFO covers normal lifecycle events: client create/destroy,
	// subscribe/unsubscribe, GC cycle summaries.
	INFO
	// ERROR is reserved for failures an operator should look at: exhausted
	// retries, reconnect ceiling hit, malformed queue entries.
	ERROR
)

var levelToString = map[Level]string{
	NONE:  "silent",
	DEBUG: "debug",
	INFO:  "info",
	ERROR: "error",
}

// StringToLevel maps the `log_level` configuration values onto Level.
// "none" is accepted alongside "silent" for compatibility with callers
// that still spell it the old way.
var StringToLevel = map[string]Level{
	"silent": NONE,
	"none":   NONE,
	"debug":  DEBUG,
	"info":   INFO,
	"error":  ERROR,
}

// LevelString renders l as its log_level spelling (silent/debug/info/error).
func LevelString(l Level) string {
	if s, ok := levelToString[l]; ok {
		return s
	}
	return ""
}

// Entry is one logged event: a severity, a message, and optional structured
// fields (key -> stringified-or-whatever value).
type Entry struct {
	Level   Level
	Message string
	Fields  map[string]interface{}
}

// NewEntry builds an Entry, with an optional single fields map.
func NewEntry(level Level, message string, fields ...map[string]interface{}) Entry {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	return Entry{Level: level, Message: message, Fields: f}
}

// Logger accepts entries and can report whether a level would be logged
// without paying to build the Entry.
type Logger interface {
	Log(entry Entry)
	Enabled(Level) bool
}

// Handler delivers one Entry wherever it needs to go: stderr, a zap
// logger, a test-capturing slice.
type Handler func(Entry)

// New returns a Logger that only calls handler for entries at or above
// level.
func New(level Level, handler Handler) *HandlerLogger {
	return &HandlerLogger{level: level, handler: handler}
}

// HandlerLogger is the concrete Logger used throughout the engine.
type HandlerLogger struct {
	level   Level
	handler Handler
}

// Log dispatches entry to the configured handler if its level clears the
// configured threshold. A nil *HandlerLogger is a valid no-op logger so
// engine components can be constructed without one in tests.
func (l *HandlerLogger) Log(entry Entry) {
	if l == nil || l.handler == nil {
		return
	}
	if l.level != NONE && entry.Level >= l.level {
		l.handler(entry)
	}
}

// Enabled reports whether level would be logged at the configured threshold.
func (l *HandlerLogger) Enabled(level Level) bool {
	if l == nil || l.level == NONE {
		return false
	}
	return level >= l.level
}

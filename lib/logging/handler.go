package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// NewTextHandler returns a Handler that writes one line per entry to w in
// "time level message key=value ..." form, fields sorted by key for
// deterministic output. Used as the default handler when the caller does
// not configure a structured sink.
func NewTextHandler(w io.Writer) Handler {
	return func(e Entry) {
		line := fmt.Sprintf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339), LevelString(e.Level), e.Message)
		if len(e.Fields) > 0 {
			keys := make([]string, 0, len(e.Fields))
			for k := range e.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				line += fmt.Sprintf(" %s=%v", k, e.Fields[k])
			}
		}
		fmt.Fprintln(w, line)
	}
}

// DefaultHandler writes to os.Stderr.
func DefaultHandler() Handler {
	return NewTextHandler(os.Stderr)
}

package engine

import (
	"regexp"
	"strings"
	"sync"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// isWildcard reports whether ch is a wildcard pattern: a channel is a
// pattern iff it contains "*" anywhere.
func isWildcard(ch string) bool {
	return strings.Contains(ch, "*")
}

// compilePattern turns a wildcard channel into an anchored regexp.
// Matching is per path segment, not per character: "*"/"**" only act as
// wildcards when a segment consists of exactly that token. A segment
// like "a*b" (the "*" does not occupy the whole segment) is compiled as
// the literal text "a*b", so regex metacharacters embedded in an
// otherwise literal segment stay literal and never activate wildcard
// behavior. A "**" not at a segment boundary (e.g. "/foo**bar/*") falls
// through to the literal case the same way.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, "/")
	parts := make([]string, len(segments))
	for i, seg := range segments {
		switch seg {
		case "*":
			parts[i] = "[^/]+"
		case "**":
			parts[i] = ".+"
		default:
			parts[i] = regexp.QuoteMeta(seg)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, "/") + "$")
}

// patternCache memoizes compiled patterns. Every code path that removes
// a pattern from the patterns Set must also evict its cache entry, or a
// stale regex keeps matching after its pattern is gone.
type patternCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	invalid  map[string]bool
	log      logging.Logger
}

func newPatternCache(log logging.Logger) *patternCache {
	return &patternCache{
		compiled: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]bool),
		log:      log,
	}
}

// matches reports whether ch satisfies pattern, compiling and caching the
// pattern on first use. An invalid pattern is logged once (on first
// compile attempt) and permanently treated as non-matching.
func (c *patternCache) matches(ch, pattern string) bool {
	c.mu.RLock()
	if c.invalid[pattern] {
		c.mu.RUnlock()
		return false
	}
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re.MatchString(ch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock in case another goroutine compiled
	// (or invalidated) it first.
	if c.invalid[pattern] {
		return false
	}
	if re, ok := c.compiled[pattern]; ok {
		return re.MatchString(ch)
	}
	re, err := compilePattern(pattern)
	if err != nil {
		c.invalid[pattern] = true
		if c.log != nil {
			c.log.Log(logging.NewEntry(logging.ERROR, "engine: invalid subscription pattern", map[string]interface{}{
				"pattern": pattern, "error": err.Error(),
			}))
		}
		return false
	}
	c.compiled[pattern] = re
	return re.MatchString(ch)
}

// evict removes pattern from the cache; called on unsubscribe/cleanup
// once the pattern's subscriber set empties.
func (c *patternCache) evict(pattern string) {
	c.mu.Lock()
	delete(c.compiled, pattern)
	delete(c.invalid, pattern)
	c.mu.Unlock()
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsWildcard(t *testing.T) {
	assert.False(t, isWildcard("/a/b"))
	assert.True(t, isWildcard("/a/*"))
	assert.True(t, isWildcard("/a/**"))
}

// "*" matches exactly one segment, "**" matches one-or-more segments,
// and embedded regex metacharacters in an otherwise literal segment never
// activate wildcard behavior.
func TestPatternMatchingGrammar(t *testing.T) {
	cache := newPatternCache(nil)

	cases := []struct {
		name    string
		channel string
		pattern string
		want    bool
	}{
		{"single segment match", "/a/b", "/a/*", true},
		{"single segment does not cross boundary", "/a/b/c", "/a/*", false},
		{"double star crosses boundaries", "/a/b/c", "/a/**", true},
		{"double star requires at least one segment", "/a", "/a/**", false},
		{"literal dot is not a wildcard", "/a.b", "/a*b", false},
		{"exact match", "/chat/general", "/chat/general", true},
		{"deep wildcard under prefix", "/chat/r1/private", "/chat/**", true},
		{"unrelated channel does not match", "/other", "/chat/**", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cache.matches(tc.channel, tc.pattern))
		})
	}
}

func TestPatternCacheMemoizesCompiledRegex(t *testing.T) {
	cache := newPatternCache(nil)
	assert.True(t, cache.matches("/a/b", "/a/*"))

	_, cached := cache.compiled["/a/*"]
	assert.True(t, cached)
}

func TestPatternCacheEvict(t *testing.T) {
	cache := newPatternCache(nil)
	cache.matches("/a/b", "/a/*")
	cache.evict("/a/*")

	_, cached := cache.compiled["/a/*"]
	assert.False(t, cached)
}

// An ill-formed pattern is treated as non-matching rather than raising,
// and is only logged on its first compile attempt.
func TestPatternCacheInvalidPatternIsNonMatching(t *testing.T) {
	cache := newPatternCache(nil)
	// compilePattern quotes every literal segment, so no channel string
	// reaches regexp.Compile with broken syntax; a non-matching pattern
	// returns false without panicking.
	assert.False(t, cache.matches("/x", "/y/**"))

	// A pattern recorded as invalid never matches, even a channel equal
	// to the pattern text.
	cache.invalid["/bad"] = true
	assert.False(t, cache.matches("/bad", "/bad"))
}

// A "**" not at a segment boundary (e.g. "/foo**bar/*") is treated as
// literal text rather than rejected.
func TestPatternSegmentBoundaryOpenQuestion(t *testing.T) {
	cache := newPatternCache(nil)
	assert.True(t, cache.matches("/foo**bar/x", "/foo**bar/*"))
	assert.False(t, cache.matches("/foobaz/x", "/foo**bar/*"))
}

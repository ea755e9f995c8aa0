package rnode

import "strings"

// Gas defines a function to process middleware, as in the teacher
// framework: it wraps the next `Handler` and returns the wrapped one.
type Gas func(Handler) Handler

// middlewareEntry is a (pattern, ordered gas list) pair, in the order it was
// registered.
type middlewareEntry struct {
	pattern string
	gases   []Gas
}

// MiddlewareRegistry stores pattern -> ordered gas chain and resolves which
// chain applies to a path, per spec.md §4.B.
//
// Pattern glob semantics: "*" matches everything, "**" crosses segments,
// "foo/*" matches exactly one segment under "foo". Registration is FIFO;
// `Chain` concatenates, in registration order, every entry whose pattern
// matches the path. Duplicates are preserved deliberately: a caller may
// intentionally stack the same gas more than once.
type MiddlewareRegistry struct {
	entries []middlewareEntry
	cache   map[string][]Gas
}

// NewMiddlewareRegistry returns a new, empty `MiddlewareRegistry`.
func NewMiddlewareRegistry() *MiddlewareRegistry {
	return &MiddlewareRegistry{cache: map[string][]Gas{}}
}

// Register appends the gas to the ordered list kept for the pattern.
func (m *MiddlewareRegistry) Register(pattern string, gas Gas) {
	for i := range m.entries {
		if m.entries[i].pattern == pattern {
			m.entries[i].gases = append(m.entries[i].gases, gas)
			m.invalidateCache()
			return
		}
	}

	m.entries = append(m.entries, middlewareEntry{pattern: pattern, gases: []Gas{gas}})
	m.invalidateCache()
}

// invalidateCache drops the per-path resolution cache. Called only during
// registration, which per spec happens before `listen`; after that the
// registry is read-only and the cache is never invalidated again.
func (m *MiddlewareRegistry) invalidateCache() {
	if len(m.cache) > 0 {
		m.cache = map[string][]Gas{}
	}
}

// Chain returns the ordered list of gases applicable to the path. The
// result is a pure function of (path, registration sequence); it is cached
// per path since patterns never change after `listen` (§9 design note).
func (m *MiddlewareRegistry) Chain(path string) []Gas {
	if cached, ok := m.cache[path]; ok {
		return cached
	}

	var chain []Gas
	for _, e := range m.entries {
		if globMatch(e.pattern, path) {
			chain = append(chain, e.gases...)
		}
	}

	m.cache[path] = chain

	return chain
}

// globMatch reports whether the path matches the glob pattern. "*" alone
// matches every path. Otherwise the pattern is matched segment by segment:
// a literal segment must match exactly, "*" matches exactly one segment,
// and "**" matches zero or more segments (it may appear anywhere, including
// consuming the remainder of the path).
func globMatch(pattern, path string) bool {
	if pattern == "*" {
		return true
	}

	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	tSegs := strings.Split(strings.Trim(path, "/"), "/")

	return matchSegs(pSegs, tSegs)
}

func matchSegs(pSegs, tSegs []string) bool {
	if len(pSegs) == 0 {
		return len(tSegs) == 0
	}

	head := pSegs[0]

	if head == "**" {
		// "**" may consume any number of segments, including zero.
		for i := 0; i <= len(tSegs); i++ {
			if matchSegs(pSegs[1:], tSegs[i:]) {
				return true
			}
		}

		return false
	}

	if len(tSegs) == 0 {
		return false
	}

	if head == "*" || head == tSegs[0] {
		return matchSegs(pSegs[1:], tSegs[1:])
	}

	return false
}

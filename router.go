package rnode

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Handler defines a function to serve requests, as in the teacher framework.
type Handler func(*Request, *Response) error

// segKind is the kind of a compiled route segment.
type segKind uint8

const (
	segLiteral segKind = iota
	segParam
	segGreedy
)

type segment struct {
	kind    segKind
	literal string
	name    string
}

// routeEntry is a registered (method, pattern) pair, kept for duplicate
// detection and for reporting the allowed-method set on a 405.
type routeEntry struct {
	method  string
	pattern string
	handler Handler
	order   int
}

// node is a segment-trie node. Unlike the teacher's byte-prefix trie (which
// operates below the segment level because its patterns are single strings
// with ":name"/"*" markers), rnode's patterns use bracketed placeholders
// ("{name}", "{*rest}") that always occupy a whole path segment, so the trie
// here is keyed one segment at a time.
type node struct {
	literalChildren map[string]*node
	paramChild      *node
	paramName       string

	handlers    map[string]*routeEntry // method -> entry, ANY is a method key too
	greedyName  string
	greedyNodes map[string]*routeEntry // method -> entry for a "{*name}" here
}

func newNode() *node {
	return &node{literalChildren: map[string]*node{}}
}

// RouteTable stores method+pattern -> handler and matches incoming requests.
//
// Registration is not safe for concurrent use with `Match`; the table is
// built once before `Server.Serve` and is treated as read-only afterward, per
// the immutability invariant the spec mandates.
type RouteTable struct {
	root    *node
	entries []*routeEntry
}

// NewRouteTable returns a new, empty `RouteTable`.
func NewRouteTable() *RouteTable {
	return &RouteTable{root: newNode()}
}

// ErrDuplicateRoute is returned by `Register` when the (method,
// canonical-pattern) pair is already registered.
type ErrDuplicateRoute struct {
	Method  string
	Pattern string
}

func (e *ErrDuplicateRoute) Error() string {
	return fmt.Sprintf("rnode: route [%s %s] is already registered", e.Method, e.Pattern)
}

// Register adds a new route for the method and pattern. The method "ANY" is
// consulted only when no method-specific entry matches, per spec.
func (t *RouteTable) Register(method, pattern string, h Handler) error {
	canon := canonicalizePattern(pattern)

	for _, e := range t.entries {
		if e.method == method && e.pattern == canon {
			return &ErrDuplicateRoute{Method: method, Pattern: pattern}
		}
	}

	segs, err := compilePattern(pattern)
	if err != nil {
		return err
	}

	entry := &routeEntry{method: method, pattern: canon, handler: h, order: len(t.entries)}
	t.entries = append(t.entries, entry)

	n := t.root
	for i, s := range segs {
		last := i == len(segs)-1
		switch s.kind {
		case segLiteral:
			child, ok := n.literalChildren[s.literal]
			if !ok {
				child = newNode()
				n.literalChildren[s.literal] = child
			}
			n = child
		case segParam:
			if n.paramChild == nil {
				n.paramChild = newNode()
				n.paramName = s.name
			}
			n = n.paramChild
		case segGreedy:
			if n.greedyNodes == nil {
				n.greedyNodes = map[string]*routeEntry{}
			}
			n.greedyName = s.name
			n.greedyNodes[method] = entry
			return nil
		}

		if last && s.kind != segGreedy {
			if n.handlers == nil {
				n.handlers = map[string]*routeEntry{}
			}
			n.handlers[method] = entry
		}
	}

	if len(segs) == 0 {
		// The root path "/".
		if n.handlers == nil {
			n.handlers = map[string]*routeEntry{}
		}
		n.handlers[method] = entry
	}

	return nil
}

// MatchOutcome is the kind of result produced by `Match`.
type MatchOutcome uint8

const (
	MatchFound MatchOutcome = iota
	MatchNotFound
	MatchMethodNotAllowed
)

// MatchResult carries the outcome of a `Match` call.
type MatchResult struct {
	Outcome MatchOutcome
	Handler Handler
	Params  map[string]string
	Allowed []string
}

// Match resolves the method and path against the table.
func (t *RouteTable) Match(method, path string) MatchResult {
	segs := splitPath(path)

	params := map[string]string{}
	var allowed map[string]bool

	var walk func(n *node, i int) *routeEntry
	walk = func(n *node, i int) *routeEntry {
		if i == len(segs) {
			if n.handlers != nil {
				if e, ok := n.handlers[method]; ok {
					return e
				}

				if e, ok := n.handlers["ANY"]; ok {
					return e
				}

				if allowed == nil {
					allowed = map[string]bool{}
				}

				for m := range n.handlers {
					if m != "ANY" {
						allowed[m] = true
					}
				}
			}

			return nil
		}

		seg := segs[i]

		// Static children first: highest specificity.
		if child, ok := n.literalChildren[seg]; ok {
			if e := walk(child, i+1); e != nil {
				return e
			}
		}

		// Single-segment param next.
		if n.paramChild != nil {
			savedParam, had := params[n.paramName]
			params[n.paramName] = unescapeSegment(seg)

			if e := walk(n.paramChild, i+1); e != nil {
				return e
			}

			if had {
				params[n.paramName] = savedParam
			} else {
				delete(params, n.paramName)
			}
		}

		// Greedy tail last.
		if n.greedyNodes != nil {
			rest := strings.Join(segs[i:], "/")

			if e, ok := n.greedyNodes[method]; ok {
				params[n.greedyName] = unescapeSegment(rest)
				return e
			}

			if e, ok := n.greedyNodes["ANY"]; ok {
				params[n.greedyName] = unescapeSegment(rest)
				return e
			}

			if allowed == nil {
				allowed = map[string]bool{}
			}

			for m := range n.greedyNodes {
				if m != "ANY" {
					allowed[m] = true
				}
			}
		}

		return nil
	}

	if e := walk(t.root, 0); e != nil {
		return MatchResult{Outcome: MatchFound, Handler: e.handler, Params: params}
	}

	if len(allowed) > 0 {
		as := make([]string, 0, len(allowed))
		for m := range allowed {
			as = append(as, m)
		}
		sort.Strings(as)

		return MatchResult{Outcome: MatchMethodNotAllowed, Allowed: as}
	}

	return MatchResult{Outcome: MatchNotFound}
}

// compilePattern parses a route pattern into segments, validating it per the
// rules the teacher's `router.add` enforces (leading slash, no trailing
// slash except root, no empty segments, at most one greedy tail at the end).
func compilePattern(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("rnode: the path must start with /")
	}

	if pattern != "/" && strings.HasSuffix(pattern, "/") {
		return nil, fmt.Errorf("rnode: the path cannot end with /, except the root path")
	}

	if strings.Contains(pattern, "//") {
		return nil, fmt.Errorf("rnode: the path cannot contain //")
	}

	if pattern == "/" {
		return nil, nil
	}

	parts := strings.Split(pattern[1:], "/")
	segs := make([]segment, 0, len(parts))

	for i, p := range parts {
		switch {
		case strings.HasPrefix(p, "{*") && strings.HasSuffix(p, "}"):
			if i != len(parts)-1 {
				return nil, fmt.Errorf("rnode: {*%s} must be the last path component", p)
			}
			segs = append(segs, segment{kind: segGreedy, name: p[2 : len(p)-1]})
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			segs = append(segs, segment{kind: segParam, name: p[1 : len(p)-1]})
		case p == "":
			return nil, fmt.Errorf("rnode: empty path component")
		default:
			segs = append(segs, segment{kind: segLiteral, literal: p})
		}
	}

	return segs, nil
}

// canonicalizePattern returns a form of the pattern with placeholder names
// erased, used for duplicate-route detection ("{id}" and "{userID}" at the
// same position are the same route for uniqueness purposes).
func canonicalizePattern(pattern string) string {
	segs, err := compilePattern(pattern)
	if err != nil {
		return pattern
	}

	parts := make([]string, len(segs))
	for i, s := range segs {
		switch s.kind {
		case segParam:
			parts[i] = "{}"
		case segGreedy:
			parts[i] = "{*}"
		default:
			parts[i] = s.literal
		}
	}

	return "/" + strings.Join(parts, "/")
}

func splitPath(p string) []string {
	p = pathClean(p)
	if p == "/" {
		return nil
	}

	return strings.Split(p[1:], "/")
}

// pathClean collapses duplicate slashes without otherwise touching the path,
// mirroring the teacher's `pathClean`.
func pathClean(p string) string {
	if p == "" {
		return "/"
	}

	var b strings.Builder
	b.Grow(len(p))

	i, l := 0, len(p)
	if p[0] == '/' {
		i = 1
	}

	for i < l {
		if p[i] == '/' {
			i++
			continue
		}

		b.WriteByte('/')
		for ; i < l && p[i] != '/'; i++ {
			b.WriteByte(p[i])
		}
	}

	s := b.String()
	if s == "" {
		return "/"
	}

	return s
}

// unescapeSegment percent-decodes a single path segment. We decode per
// segment (never across the whole path), so a percent-escaped "/" (%2F)
// never merges two segments.
func unescapeSegment(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}

	return s
}

// Recognized HTTP methods plus the catch-all "ANY" pseudo-method.
var knownMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodTrace,
	"ANY",
}

package rnode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// responseBodyKind identifies which variant of the tagged response body is
// populated, per spec.md §3's Response Context.
type responseBodyKind uint8

const (
	respBodyEmpty responseBodyKind = iota
	respBodyBytes
	respBodyFile
	respBodyBinary
)

// SameSite mirrors `http.SameSite` but is spelled out in the cookie-writer
// API so callers don't need to import net/http just to set it.
type SameSite = http.SameSite

// Same-site values recognized on write, per spec.md §6.
const (
	SameSiteDefault = http.SameSiteDefaultMode
	SameSiteLax     = http.SameSiteLaxMode
	SameSiteStrict  = http.SameSiteStrictMode
	SameSiteNone    = http.SameSiteNoneMode
)

// Response is the per-request response context, mutated by the middleware
// chain and the handler and serialized exactly once by the pipeline —
// spec.md §3's Response Context and its invariant that every Request
// Context has exactly one Response Context.
type Response struct {
	Status int
	Header http.Header

	ContentType string

	bodyKind responseBodyKind
	bytes    []byte
	filePath string
	binary   *BinaryBody

	// Written becomes true the first time any `Write*`/`Redirect` method is
	// called, mirroring the teacher's `res.Written` short-circuit guard: a
	// gas that has written a response terminates the chain, and the route
	// handler (or a later gas) must never run after that.
	Written bool

	// committed becomes true once `serialize` has actually flushed status,
	// headers, and body to the underlying `http.ResponseWriter` — distinct
	// from `Written` because this package buffers the body in memory until
	// the pipeline commits it exactly once at the end of the request.
	committed bool

	cookies []*http.Cookie

	httpRW http.ResponseWriter

	deferredFuncs []func()
}

func newResponse() *Response {
	return &Response{Status: http.StatusOK, Header: http.Header{}}
}

func (r *Response) reset() {
	r.Status = http.StatusOK
	r.Header = http.Header{}
	r.ContentType = ""
	r.bodyKind = respBodyEmpty
	r.bytes = nil
	r.filePath = ""
	r.binary = nil
	r.Written = false
	r.committed = false
	r.cookies = nil
	r.httpRW = nil
	r.deferredFuncs = nil
}

// HTTPResponseWriter returns the underlying `http.ResponseWriter`, for
// interop with stdlib-shaped middleware.
func (r *Response) HTTPResponseWriter() http.ResponseWriter {
	return r.httpRW
}

// SetHeader sets a response header, replacing any existing values.
func (r *Response) SetHeader(key, value string) {
	r.Header.Set(key, value)
}

// AddHeader appends a response header value without replacing existing
// ones — used for Set-Cookie and other multi-value headers.
func (r *Response) AddHeader(key, value string) {
	r.Header.Add(key, value)
}

// WriteString sets the body to s as "text/plain" unless a content type was
// already set.
func (r *Response) WriteString(s string) error {
	if r.ContentType == "" {
		r.ContentType = "text/plain; charset=utf-8"
	}

	r.bodyKind = respBodyBytes
	r.bytes = []byte(s)
	r.Written = true

	return nil
}

// WriteJSON serializes v as the "application/json" body.
func (r *Response) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.ContentType = "application/json; charset=utf-8"
	r.bodyKind = respBodyBytes
	r.bytes = b
	r.Written = true

	return nil
}

// WriteBytes sets the body to b, defaulting to "application/octet-stream"
// if no content type is set, per spec.md §4.C step 7.
func (r *Response) WriteBytes(b []byte) error {
	if r.ContentType == "" {
		r.ContentType = "application/octet-stream"
	}

	r.bodyKind = respBodyBytes
	r.bytes = b
	r.Written = true

	return nil
}

// WriteFile streams the file at path as the response body.
func (r *Response) WriteFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	r.bodyKind = respBodyFile
	r.filePath = path
	r.Written = true

	return nil
}

// WriteBinary sets the body to a binary descriptor with its own declared
// content type, per spec.md §4.C step 7.
func (r *Response) WriteBinary(contentType string, b []byte) error {
	r.ContentType = contentType
	r.bodyKind = respBodyBinary
	r.binary = &BinaryBody{ContentType: contentType, Bytes: b}
	r.Written = true

	return nil
}

// WriteMsgpack serializes v as a "application/msgpack" binary body, the
// write-side counterpart to Request.Msgpack.
func (r *Response) WriteMsgpack(v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}

	return r.WriteBinary("application/msgpack", b)
}

// Redirect sets a 3xx redirect to location.
func (r *Response) Redirect(status int, location string) error {
	r.Status = status
	r.Header.Set("Location", location)
	r.Written = true

	return nil
}

// SetCookie appends a Set-Cookie header, preserving multi-value semantics
// (N calls produce N distinct Set-Cookie lines on the wire, per spec.md §8).
func (r *Response) SetCookie(c *http.Cookie) {
	r.cookies = append(r.cookies, c)
}

// NewCookie is a convenience constructor matching the attributes spec.md §6
// recognizes on write.
func NewCookie(name, value string) *http.Cookie {
	return &http.Cookie{Name: name, Value: value, Path: "/"}
}

// OnWritten registers a function to run after the response has been fully
// serialized, mirroring the teacher's `res.deferredFuncs` (used to release
// temp files and similar per-request cleanup).
func (r *Response) OnWritten(f func()) {
	r.deferredFuncs = append(r.deferredFuncs, f)
}

// serialize commits status, headers, cookies, and body to the underlying
// http.ResponseWriter exactly once, per spec.md §4.C step 7.
func (r *Response) serialize(w http.ResponseWriter) error {
	if r.committed {
		return nil
	}

	r.committed = true

	for _, c := range r.cookies {
		http.SetCookie(w, c)
	}

	switch r.bodyKind {
	case respBodyFile:
		f, err := os.Open(r.filePath)
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}

		if r.ContentType != "" {
			r.Header.Set("Content-Type", r.ContentType)
		}

		r.Header.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		copyHeader(w.Header(), r.Header)
		w.WriteHeader(r.Status)

		_, err = io.Copy(w, f)

		return err

	case respBodyBinary:
		r.Header.Set("Content-Type", r.binary.ContentType)
		r.Header.Set("Content-Length", strconv.Itoa(len(r.binary.Bytes)))
		copyHeader(w.Header(), r.Header)
		w.WriteHeader(r.Status)
		_, err := w.Write(r.binary.Bytes)

		return err

	case respBodyBytes:
		if r.ContentType != "" {
			r.Header.Set("Content-Type", r.ContentType)
		} else if r.Header.Get("Content-Type") == "" {
			r.Header.Set("Content-Type", "application/octet-stream")
		}

		r.Header.Set("Content-Length", strconv.Itoa(len(r.bytes)))
		copyHeader(w.Header(), r.Header)
		w.WriteHeader(r.Status)
		_, err := w.Write(r.bytes)

		return err

	default:
		copyHeader(w.Header(), r.Header)
		w.WriteHeader(r.Status)

		return nil
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// writeErrorBody renders the centralized error body described in spec.md
// §7: a minimal HTML page when the request's Accept header allows it,
// otherwise the `{"success":false,"error":{...}}` JSON envelope.
func writeErrorBody(req *Request, res *Response, herr *HTTPError) {
	res.Status = herr.Status
	res.Written = true

	accept := ""
	if req.Header != nil {
		accept = req.Header.Get("Accept")
	}

	if containsToken(accept, "text/html") {
		res.ContentType = "text/html; charset=utf-8"
		res.bodyKind = respBodyBytes
		res.bytes = []byte(fmt.Sprintf(
			"<!doctype html><html><head><title>%d %s</title></head>"+
				"<body><h1>%d %s</h1><p>%s</p></body></html>",
			res.Status, http.StatusText(res.Status),
			res.Status, http.StatusText(res.Status),
			htmlEscape(herr.Message),
		))

		return
	}

	body, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    string(herr.Code),
			"message": herr.Message,
		},
	})

	res.ContentType = "application/json; charset=utf-8"
	res.bodyKind = respBodyBytes
	res.bytes = body
}

func containsToken(header, token string) bool {
	for _, part := range splitComma(header) {
		if part == token || part == "*/*" {
			return true
		}
	}

	return false
}

func splitComma(s string) []string {
	var out []string
	start := 0

	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			if semi := indexByte(part, ';'); semi >= 0 {
				part = part[:semi]
			}

			out = append(out, trimSpace(part))
			start = i + 1
		}
	}

	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}

	return -1
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}

	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}

	return s
}

func htmlEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			out = append(out, []byte("&lt;")...)
		case '>':
			out = append(out, []byte("&gt;")...)
		case '&':
			out = append(out, []byte("&amp;")...)
		default:
			out = append(out, s[i])
		}
	}

	return string(out)
}
